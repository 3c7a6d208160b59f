// Package marketing talks to a Klaviyo-style marketing automation platform
// over its JSON:API. The notification dispatcher's `event` channel hands
// codes to this sink and lets the platform's own flows pick email or SMS.
package marketing

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
	"time"

	"github.com/Mindburn-Labs/callbridge/pkg/util/resiliency"
)

// DefaultRevision pins the API revision header.
const DefaultRevision = "2024-10-15"

// ErrRejected is returned for any non-2xx response.
var ErrRejected = errors.New("marketing platform rejected request")

// Profile is a contact record in the platform.
type Profile struct {
	Email      string         `json:"email,omitempty"`
	Phone      string         `json:"phone_number,omitempty"`
	FirstName  string         `json:"first_name,omitempty"`
	LastName   string         `json:"last_name,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Campaign is an email blast to one list.
type Campaign struct {
	Name      string
	ListID    string
	Subject   string
	FromEmail string
	FromLabel string
}

// Event is a metric occurrence attached to a profile. Flows configured in the
// platform trigger on Metric.
type Event struct {
	Metric     string
	Profile    Profile
	Properties map[string]any
	UniqueID   string
	Time       time.Time
}

// Sink is the subset the dispatcher needs.
type Sink interface {
	TrackEvent(ctx context.Context, ev Event) error
}

// Config configures Client.
type Config struct {
	BaseURL  string // default https://a.klaviyo.com
	APIKey   string
	Revision string
}

// Client is a marketing platform API client.
type Client struct {
	cfg    Config
	http   *resiliency.EnhancedClient
	logger *slog.Logger
}

// NewClient creates a client.
func NewClient(cfg Config, opts ...resiliency.Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://a.klaviyo.com"
	}
	if cfg.Revision == "" {
		cfg.Revision = DefaultRevision
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		http:   resiliency.NewEnhancedClient("marketing", opts...),
		logger: slog.Default().With("component", "marketing"),
	}
}

type resource struct {
	Type          string         `json:"type"`
	ID            string         `json:"id,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Relationships map[string]any `json:"relationships,omitempty"`
}

type document struct {
	Data any `json:"data"`
}

type single struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marketing: marshal: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("marketing: build request: %w", err)
	}
	req.Header.Set("Authorization", "Klaviyo-API-Key "+c.cfg.APIKey)
	req.Header.Set("revision", c.cfg.Revision)
	req.Header.Set("Accept", "application/vnd.api+json")
	if in != nil {
		req.Header.Set("Content-Type", "application/vnd.api+json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("marketing: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s %s: status %d: %s", ErrRejected, method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

func (c *Client) create(ctx context.Context, path string, r resource) (string, error) {
	raw, err := c.do(ctx, http.MethodPost, path, document{Data: r})
	if err != nil {
		return "", err
	}
	var out single
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("marketing: decode %s: %w", path, err)
	}
	return out.Data.ID, nil
}

func profileAttributes(p Profile) map[string]any {
	attrs := map[string]any{}
	if p.Email != "" {
		attrs["email"] = p.Email
	}
	if p.Phone != "" {
		attrs["phone_number"] = p.Phone
	}
	if p.FirstName != "" {
		attrs["first_name"] = p.FirstName
	}
	if p.LastName != "" {
		attrs["last_name"] = p.LastName
	}
	if len(p.Properties) > 0 {
		attrs["properties"] = p.Properties
	}
	return attrs
}

// UpsertProfile creates or updates a profile keyed by email or phone and
// returns its ID.
func (c *Client) UpsertProfile(ctx context.Context, p Profile) (string, error) {
	if p.Email == "" && p.Phone == "" {
		return "", errors.New("marketing: profile needs an email or phone")
	}
	return c.create(ctx, "/api/profile-import/", resource{Type: "profile", Attributes: profileAttributes(p)})
}

// CreateList creates a static list and returns its ID.
func (c *Client) CreateList(ctx context.Context, name string) (string, error) {
	return c.create(ctx, "/api/lists/", resource{Type: "list", Attributes: map[string]any{"name": name}})
}

// AddToList subscribes existing profiles to a list.
func (c *Client) AddToList(ctx context.Context, listID string, profileIDs ...string) error {
	if len(profileIDs) == 0 {
		return nil
	}
	refs := make([]resource, 0, len(profileIDs))
	for _, id := range profileIDs {
		refs = append(refs, resource{Type: "profile", ID: id})
	}
	_, err := c.do(ctx, http.MethodPost, "/api/lists/"+listID+"/relationships/profiles/", document{Data: refs})
	return err
}

// CreateCampaign drafts an email campaign targeting one list.
func (c *Client) CreateCampaign(ctx context.Context, cp Campaign) (string, error) {
	attrs := map[string]any{
		"name": cp.Name,
		"audiences": map[string]any{
			"included": []string{cp.ListID},
		},
		"campaign-messages": map[string]any{
			"data": []map[string]any{{
				"type": "campaign-message",
				"attributes": map[string]any{
					"channel": "email",
					"content": map[string]any{
						"subject":    cp.Subject,
						"from_email": cp.FromEmail,
						"from_label": cp.FromLabel,
					},
				},
			}},
		},
	}
	return c.create(ctx, "/api/campaigns/", resource{Type: "campaign", Attributes: attrs})
}

// SendCampaign queues a drafted campaign for immediate send and returns the
// send job ID.
func (c *Client) SendCampaign(ctx context.Context, campaignID string) (string, error) {
	return c.create(ctx, "/api/campaign-send-jobs/", resource{Type: "campaign-send-job", ID: campaignID})
}

// TrackEvent records a metric occurrence. The platform answers 202 with no
// body; acceptance does not mean any message was delivered.
func (c *Client) TrackEvent(ctx context.Context, ev Event) error {
	if ev.Metric == "" {
		return errors.New("marketing: event metric is required")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	attrs := map[string]any{
		"properties": ev.Properties,
		"time":       ev.Time.UTC().Format(time.RFC3339),
		"metric": map[string]any{
			"data": resource{Type: "metric", Attributes: map[string]any{"name": ev.Metric}},
		},
		"profile": map[string]any{
			"data": resource{Type: "profile", Attributes: profileAttributes(ev.Profile)},
		},
	}
	if ev.UniqueID != "" {
		attrs["unique_id"] = ev.UniqueID
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/events/", document{Data: resource{Type: "event", Attributes: attrs}}); err != nil {
		return err
	}
	c.logger.DebugContext(ctx, "event tracked", "metric", ev.Metric)
	return nil
}
