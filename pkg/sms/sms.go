// Package sms sends text messages through a Twilio-style REST API.
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/Mindburn-Labs/callbridge/pkg/contact"
	"github.com/Mindburn-Labs/callbridge/pkg/util/resiliency"
)

// ErrRejected is returned when the provider refuses a message.
var ErrRejected = errors.New("sms provider rejected message")

// Sender delivers a text and returns the provider's message SID.
type Sender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// Config configures TwilioSender.
type Config struct {
	BaseURL    string // default https://api.twilio.com
	AccountSID string
	AuthToken  string
	From       string
}

// TwilioSender posts form-encoded messages to
// /2010-04-01/Accounts/{sid}/Messages.json with basic auth.
type TwilioSender struct {
	cfg    Config
	http   *resiliency.EnhancedClient
	logger *slog.Logger
}

// NewTwilioSender creates a sender.
func NewTwilioSender(cfg Config, opts ...resiliency.Option) *TwilioSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &TwilioSender{
		cfg:    cfg,
		http:   resiliency.NewEnhancedClient("sms", opts...),
		logger: slog.Default().With("component", "sms"),
	}
}

// Send implements Sender. The destination is normalized to E.164 first.
func (s *TwilioSender) Send(ctx context.Context, to, body string) (string, error) {
	dest, err := contact.NormalizePhone(to)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(body) == "" {
		return "", errors.New("sms: empty body")
	}

	form := url.Values{}
	form.Set("To", dest)
	form.Set("From", s.cfg.From)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.cfg.BaseURL, url.PathEscape(s.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("sms: build request: %w", err)
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms: send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		return "", fmt.Errorf("%w: status %d code %d: %s", ErrRejected, resp.StatusCode, apiErr.Code, apiErr.Message)
	}

	var out struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("sms: decode response: %w", err)
	}
	s.logger.InfoContext(ctx, "sms sent", "sid", out.SID, "status", out.Status)
	return out.SID, nil
}
