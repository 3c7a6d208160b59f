package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/Mindburn-Labs/callbridge/pkg/util/resiliency"
)

var (
	// ErrAgentNotFound is returned by GetAgent for an unknown agent.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrRejected is returned for any other non-2xx response.
	ErrRejected = errors.New("telephony platform rejected request")
)

// CallRequest asks the platform to dial To from From using an agent.
type CallRequest struct {
	From      string            `json:"from_number"`
	To        string            `json:"to_number"`
	AgentID   string            `json:"override_agent_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Variables map[string]string `json:"retell_llm_dynamic_variables,omitempty"`
}

// Call is a placed call.
type Call struct {
	CallID    string `json:"call_id"`
	AgentID   string `json:"agent_id"`
	Status    string `json:"call_status"`
	Direction string `json:"direction"`
	From      string `json:"from_number"`
	To        string `json:"to_number"`
}

// Agent is a configured voice agent.
type Agent struct {
	AgentID    string `json:"agent_id"`
	Name       string `json:"agent_name"`
	VoiceID    string `json:"voice_id"`
	Language   string `json:"language"`
	WebhookURL string `json:"webhook_url"`
}

// Dialer is what the gateway needs from the platform.
type Dialer interface {
	PlaceCall(ctx context.Context, req CallRequest) (*Call, error)
}

// Config configures Client.
type Config struct {
	BaseURL string // default https://api.retellai.com
	APIKey  string
}

// Client is a voice platform API client.
type Client struct {
	cfg    Config
	http   *resiliency.EnhancedClient
	logger *slog.Logger
}

// NewClient creates a client.
func NewClient(cfg Config, opts ...resiliency.Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.retellai.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		http:   resiliency.NewEnhancedClient("telephony", opts...),
		logger: slog.Default().With("component", "telephony"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("telephony: marshal: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("telephony: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("telephony: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%w: %s %s: status %d: %s", ErrRejected, method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("telephony: decode %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// PlaceCall starts an outbound call. It is attempted once.
func (c *Client) PlaceCall(ctx context.Context, req CallRequest) (*Call, error) {
	if req.From == "" || req.To == "" {
		return nil, errors.New("telephony: from and to are required")
	}
	var call Call
	if _, err := c.do(ctx, http.MethodPost, "/v2/create-phone-call", req, &call); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "call placed", "call_id", call.CallID, "status", call.Status)
	return &call, nil
}

// GetAgent fetches an agent's configuration.
func (c *Client) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var agent Agent
	status, err := c.do(ctx, http.MethodGet, "/get-agent/"+url.PathEscape(id), nil, &agent)
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}
