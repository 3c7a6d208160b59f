// Package telephony speaks to the voice-call platform: it decodes post-call
// webhooks and places outbound calls.
package telephony

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrHealthCheck is returned for an empty or non-JSON webhook body. Callers
// acknowledge it as a benign probe.
var ErrHealthCheck = errors.New("webhook body is a health check")

// EventKind classifies a call lifecycle event.
type EventKind string

const (
	EventCallStarted  EventKind = "call_started"
	EventCallEnded    EventKind = "call_ended"
	EventCallAnalyzed EventKind = "call_analyzed"
	EventUnknown      EventKind = "unknown"
)

var kindAliases = map[string]EventKind{
	"call_started":   EventCallStarted,
	"started":        EventCallStarted,
	"call_ended":     EventCallEnded,
	"ended":          EventCallEnded,
	"call_completed": EventCallEnded,
	"call_analyzed":  EventCallAnalyzed,
	"analyzed":       EventCallAnalyzed,
	"call_analysis":  EventCallAnalyzed,
}

// ParseKind maps a platform event name onto an EventKind. Separators "."
// and "-" are treated as "_"; anything unrecognized is EventUnknown.
func ParseKind(s string) EventKind {
	norm := strings.NewReplacer(".", "_", "-", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
	if k, ok := kindAliases[norm]; ok {
		return k
	}
	return EventUnknown
}

// Analysis is the structured post-call analysis.
type Analysis struct {
	SatisfactionScore int    `json:"satisfaction_score,omitempty"`
	IssueFlag         bool   `json:"issue_flag,omitempty"`
	IssueType         string `json:"issue_type,omitempty"`
	IssueDescription  string `json:"issue_description,omitempty"`
	OptOut            bool   `json:"opt_out,omitempty"`
	OrderNumber       string `json:"order_number,omitempty"`
	CallbackPhone     string `json:"callback_phone,omitempty"`
	Email             string `json:"email,omitempty"`
	Summary           string `json:"summary,omitempty"`
}

// CallEvent is one decoded webhook.
type CallEvent struct {
	Kind       EventKind         `json:"kind"`
	RawKind    string            `json:"raw_kind,omitempty"`
	CallID     string            `json:"call_id"`
	AgentID    string            `json:"agent_id,omitempty"`
	Direction  string            `json:"direction,omitempty"`
	From       string            `json:"from_number,omitempty"`
	To         string            `json:"to_number,omitempty"`
	Transcript string            `json:"transcript,omitempty"`
	Analysis   Analysis          `json:"analysis"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// CustomerPhone is the remote party: From on inbound calls, To on outbound.
func (e *CallEvent) CustomerPhone() string {
	if strings.EqualFold(e.Direction, "outbound") {
		return e.To
	}
	return e.From
}

// envelope covers both historical webhook shapes. v2 nests the call under
// "call"; v1 is flat with "type" or "event_type".
type envelope struct {
	Event     string    `json:"event"`
	Type      string    `json:"type"`
	EventType string    `json:"event_type"`
	Call      *wireCall `json:"call"`
	wireCall
}

type wireCall struct {
	CallID       string            `json:"call_id"`
	AgentID      string            `json:"agent_id"`
	Direction    string            `json:"direction"`
	FromNumber   string            `json:"from_number"`
	ToNumber     string            `json:"to_number"`
	From         string            `json:"from"`
	To           string            `json:"to"`
	Transcript   string            `json:"transcript"`
	Metadata     map[string]string `json:"metadata"`
	CallAnalysis *wireAnalysis     `json:"call_analysis"`
	Analysis     *wireAnalysis     `json:"analysis"`
}

type wireAnalysis struct {
	CallSummary string         `json:"call_summary"`
	Summary     string         `json:"summary"`
	Custom      map[string]any `json:"custom_analysis_data"`
	// v1 puts the custom fields directly on the analysis object.
	Flat map[string]any `json:"-"`
}

func (w *wireAnalysis) UnmarshalJSON(b []byte) error {
	type plain wireAnalysis
	if err := json.Unmarshal(b, (*plain)(w)); err != nil {
		return err
	}
	return json.Unmarshal(b, &w.Flat)
}

// DecodeWebhook parses a webhook body in either envelope format.
func DecodeWebhook(body []byte) (*CallEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrHealthCheck
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, ErrHealthCheck
	}

	raw := env.Event
	call := env.Call
	if call == nil {
		call = &env.wireCall
		raw = firstNonEmpty(env.Type, env.EventType, env.Event)
	}

	ev := &CallEvent{
		Kind:       ParseKind(raw),
		RawKind:    raw,
		CallID:     call.CallID,
		AgentID:    call.AgentID,
		Direction:  strings.ToLower(call.Direction),
		From:       firstNonEmpty(call.FromNumber, call.From),
		To:         firstNonEmpty(call.ToNumber, call.To),
		Transcript: call.Transcript,
		Metadata:   call.Metadata,
		ReceivedAt: time.Now().UTC(),
	}
	if a := firstAnalysis(call.CallAnalysis, call.Analysis); a != nil {
		ev.Analysis = a.decode()
	}
	return ev, nil
}

func firstAnalysis(as ...*wireAnalysis) *wireAnalysis {
	for _, a := range as {
		if a != nil {
			return a
		}
	}
	return nil
}

func (w *wireAnalysis) decode() Analysis {
	fields := w.Custom
	if fields == nil {
		fields = w.Flat
	}
	return Analysis{
		SatisfactionScore: intField(fields, "satisfaction_score", "satisfaction", "csat"),
		IssueFlag:         boolField(fields, "issue_flag", "has_issue", "issue_reported"),
		IssueType:         stringField(fields, "issue_type"),
		IssueDescription:  stringField(fields, "issue_description", "issue"),
		OptOut:            boolField(fields, "opt_out", "do_not_call", "dnc_requested"),
		OrderNumber:       stringField(fields, "order_number", "order_id"),
		CallbackPhone:     stringField(fields, "callback_phone", "callback_number"),
		Email:             stringField(fields, "email", "customer_email"),
		Summary:           firstNonEmpty(w.CallSummary, w.Summary, stringField(fields, "call_summary")),
	}
}

func lookup(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(m map[string]any, keys ...string) string {
	v, ok := lookup(m, keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func boolField(m map[string]any, keys ...string) bool {
	v, ok := lookup(m, keys...)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b || strings.EqualFold(strings.TrimSpace(t), "yes")
	case float64:
		return t != 0
	}
	return false
}

func intField(m map[string]any, keys ...string) int {
	v, ok := lookup(m, keys...)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(t))
		return n
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
