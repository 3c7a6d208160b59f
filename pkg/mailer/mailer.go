// Package mailer sends transactional email through an HTTP mail API.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/callbridge/pkg/util/resiliency"
)

// ErrRejected is returned when the provider refuses a message.
var ErrRejected = errors.New("mail provider rejected message")

// Message is one outbound email. HTML or Text must be set.
type Message struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	CC      []string          `json:"cc,omitempty"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html,omitempty"`
	Text    string            `json:"text,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Validate checks the fields every provider requires.
func (m Message) Validate() error {
	switch {
	case strings.TrimSpace(m.From) == "":
		return errors.New("mailer: from is required")
	case len(m.To) == 0:
		return errors.New("mailer: at least one recipient is required")
	case strings.TrimSpace(m.Subject) == "":
		return errors.New("mailer: subject is required")
	case m.HTML == "" && m.Text == "":
		return errors.New("mailer: html or text body is required")
	}
	return nil
}

// Sender delivers a message and returns the provider's message ID.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// Config configures HTTPSender.
type Config struct {
	BaseURL string
	APIKey  string
}

// HTTPSender posts messages as JSON to {BaseURL}/emails with a bearer key.
type HTTPSender struct {
	cfg    Config
	http   *resiliency.EnhancedClient
	logger *slog.Logger
}

// NewHTTPSender creates a sender.
func NewHTTPSender(cfg Config, opts ...resiliency.Option) *HTTPSender {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPSender{
		cfg:    cfg,
		http:   resiliency.NewEnhancedClient("mailer", opts...),
		logger: slog.Default().With("component", "mailer"),
	}
}

// Send implements Sender. It is not retried: a POST may already have been
// accepted when the response is lost.
func (s *HTTPSender) Send(ctx context.Context, msg Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("mailer: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("mailer: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("mailer: send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("mailer: decode response: %w", err)
	}
	s.logger.InfoContext(ctx, "email sent", "id", out.ID, "recipients", len(msg.To))
	return out.ID, nil
}
