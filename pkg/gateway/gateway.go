// Package gateway sits between the voice platform and the order workflow:
// it places outbound calls behind the do-not-call registry and calling
// window, and turns post-call webhooks into order annotations, opt-outs and
// recovery offers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/callbridge/pkg/annotate"
	"github.com/Mindburn-Labs/callbridge/pkg/commerce"
	"github.com/Mindburn-Labs/callbridge/pkg/contact"
	"github.com/Mindburn-Labs/callbridge/pkg/dnc"
	"github.com/Mindburn-Labs/callbridge/pkg/eventlog"
	"github.com/Mindburn-Labs/callbridge/pkg/resolver"
	"github.com/Mindburn-Labs/callbridge/pkg/telephony"
)

// ErrDoNotCall is returned when the destination is on the do-not-call list.
var ErrDoNotCall = errors.New("number is on the do-not-call list")

// ErrNoDialer is returned when outbound calling is not configured.
var ErrNoDialer = errors.New("no telephony dialer configured")

// Recoverer runs the discount workflow for an unhappy caller.
type Recoverer interface {
	RecoverFromEvent(ctx context.Context, ev *telephony.CallEvent, order *commerce.Order) error
}

// Config tunes post-call handling.
type Config struct {
	FromNumber string
	AgentID    string
	// AutoDiscount offers a recovery code after a low-satisfaction call.
	AutoDiscount bool
	// LowSatisfaction is the highest score that counts as unhappy.
	LowSatisfaction int
}

// Gateway wires the telephony platform to the order workflow.
type Gateway struct {
	dialer    telephony.Dialer
	registry  dnc.Registry
	window    *Window
	log       eventlog.Log
	orders    commerce.OrderStore
	resolver  *resolver.Resolver
	annotator *annotate.Annotator
	recoverer Recoverer
	cfg       Config
	clock     func() time.Time
	logger    *slog.Logger
}

// Deps are the collaborators of a Gateway. Window, Log and Recoverer may be
// nil.
type Deps struct {
	Dialer    telephony.Dialer
	Registry  dnc.Registry
	Window    *Window
	Log       eventlog.Log
	Orders    commerce.OrderStore
	Resolver  *resolver.Resolver
	Annotator *annotate.Annotator
	Recoverer Recoverer
}

// New creates a gateway.
func New(d Deps, cfg Config) *Gateway {
	if cfg.LowSatisfaction <= 0 {
		cfg.LowSatisfaction = 2
	}
	return &Gateway{
		dialer:    d.Dialer,
		registry:  d.Registry,
		window:    d.Window,
		log:       d.Log,
		orders:    d.Orders,
		resolver:  d.Resolver,
		annotator: d.Annotator,
		recoverer: d.Recoverer,
		cfg:       cfg,
		clock:     time.Now,
		logger:    slog.Default().With("component", "gateway"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gateway) WithClock(clock func() time.Time) *Gateway {
	g.clock = clock
	return g
}

// Window returns the configured calling window, or nil.
func (g *Gateway) Window() *Window { return g.window }

// OutboundCall is one number to dial.
type OutboundCall struct {
	To        string            `json:"to"`
	OrderID   string            `json:"order_id,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// PlaceCall dials one number after the window and do-not-call checks.
func (g *Gateway) PlaceCall(ctx context.Context, c OutboundCall) (*telephony.Call, error) {
	if err := g.window.Check(g.clock()); err != nil {
		return nil, err
	}
	return g.place(ctx, c)
}

func (g *Gateway) place(ctx context.Context, c OutboundCall) (*telephony.Call, error) {
	to, err := contact.NormalizePhone(c.To)
	if err != nil {
		return nil, err
	}
	if g.registry != nil {
		blocked, err := g.registry.Contains(ctx, to)
		if err != nil {
			return nil, fmt.Errorf("do-not-call lookup: %w", err)
		}
		if blocked {
			return nil, fmt.Errorf("%w: %s", ErrDoNotCall, to)
		}
	}

	if g.dialer == nil {
		return nil, ErrNoDialer
	}

	agent := c.AgentID
	if agent == "" {
		agent = g.cfg.AgentID
	}
	meta := map[string]string{}
	if c.OrderID != "" {
		meta["order_id"] = c.OrderID
	}
	call, err := g.dialer.PlaceCall(ctx, telephony.CallRequest{
		From:      g.cfg.FromNumber,
		To:        to,
		AgentID:   agent,
		Metadata:  meta,
		Variables: c.Variables,
	})
	if err != nil {
		return nil, err
	}
	g.record(ctx, eventlog.KindCallPlaced, call.CallID, map[string]string{"to": to, "order_id": c.OrderID})
	return call, nil
}

// Outcome statuses for batch dispatch.
const (
	StatusPlaced    = "placed"
	StatusDoNotCall = "do_not_call"
	StatusInvalid   = "invalid"
	StatusDuplicate = "duplicate"
	StatusFailed    = "failed"
)

// Outcome is the result for one number in a batch.
type Outcome struct {
	To     string `json:"to"`
	Status string `json:"status"`
	CallID string `json:"call_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BatchResult summarizes a batch.
type BatchResult struct {
	Placed   int       `json:"placed"`
	Skipped  int       `json:"skipped"`
	Failed   int       `json:"failed"`
	Outcomes []Outcome `json:"outcomes"`
}

// DispatchBatch dials each number in order. The window is checked once up
// front; outside it the whole batch is rejected. Per-number failures are
// reported in the result and do not stop the batch.
func (g *Gateway) DispatchBatch(ctx context.Context, calls []OutboundCall) (*BatchResult, error) {
	if err := g.window.Check(g.clock()); err != nil {
		return nil, err
	}
	res := &BatchResult{Outcomes: make([]Outcome, 0, len(calls))}
	seen := make(map[string]bool, len(calls))

	for _, c := range calls {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		out := Outcome{To: c.To}
		key, err := contact.NormalizePhone(c.To)
		switch {
		case err != nil:
			out.Status, out.Error = StatusInvalid, err.Error()
			res.Skipped++
		case seen[key]:
			out.Status = StatusDuplicate
			res.Skipped++
		default:
			seen[key] = true
			call, err := g.place(ctx, c)
			switch {
			case errors.Is(err, ErrDoNotCall):
				out.Status = StatusDoNotCall
				res.Skipped++
			case err != nil:
				out.Status, out.Error = StatusFailed, err.Error()
				res.Failed++
			default:
				out.Status, out.CallID = StatusPlaced, call.CallID
				res.Placed++
			}
		}
		res.Outcomes = append(res.Outcomes, out)
	}
	g.logger.InfoContext(ctx, "batch dispatched", "placed", res.Placed, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// Handled lists what HandleEvent did, for logging and tests.
type Handled struct {
	Kind      telephony.EventKind `json:"kind"`
	OrderID   string              `json:"order_id,omitempty"`
	OptedOut  bool                `json:"opted_out,omitempty"`
	Issue     bool                `json:"issue,omitempty"`
	Feedback  bool                `json:"feedback,omitempty"`
	Recovered bool                `json:"recovered,omitempty"`
	Errors    []string            `json:"errors,omitempty"`
}

func (h *Handled) fail(stage string, err error) {
	h.Errors = append(h.Errors, stage+": "+err.Error())
}

// HandleEvent processes one webhook. It never fails: every side-effect error
// is logged and reported in Handled, because the platform does not retry.
func (g *Gateway) HandleEvent(ctx context.Context, ev *telephony.CallEvent) *Handled {
	h := &Handled{Kind: ev.Kind}
	logger := g.logger.With("call_id", ev.CallID, "kind", ev.Kind)
	g.record(ctx, eventlog.KindCallEvent, ev.CallID, ev)

	if ev.Kind == telephony.EventUnknown {
		logger.WarnContext(ctx, "unclassified call event acknowledged", "raw_kind", ev.RawKind)
		return h
	}
	if ev.Kind == telephony.EventCallStarted || ev.Analysis == (telephony.Analysis{}) {
		return h
	}

	a := ev.Analysis
	phone := ev.CustomerPhone()
	if phone == "" {
		if p, ok := contact.ExtractPhoneFromText(a.CallbackPhone); ok {
			phone = p
		}
	}

	order := g.findOrder(ctx, ev, phone)
	if order != nil {
		h.OrderID = order.ID
	}

	if a.OptOut {
		if phone == "" {
			h.fail("opt_out", errors.New("no phone on event"))
		} else if _, err := g.annotator.OptOut(ctx, phone, h.OrderID); err != nil {
			h.fail("opt_out", err)
		} else {
			h.OptedOut = true
			g.record(ctx, eventlog.KindOptOut, ev.CallID, map[string]string{"order_id": h.OrderID})
		}
	}

	if order != nil && a.IssueFlag {
		issue := annotate.Issue{Kind: issueKind(a.IssueType), Description: firstNonEmpty(a.IssueDescription, a.Summary), CallID: ev.CallID}
		if _, err := g.annotator.Annotate(ctx, annotate.Request{
			OrderID:    order.ID,
			NoteAppend: annotate.IssueNote(issue, g.clock()),
			AddTags:    issue.Tags(),
		}); err != nil {
			h.fail("issue", err)
		} else {
			h.Issue = true
		}
	}

	if order != nil && a.SatisfactionScore > 0 {
		fb := annotate.Feedback{Score: a.SatisfactionScore, Comment: a.Summary, CallID: ev.CallID}
		if _, err := g.annotator.Annotate(ctx, annotate.Request{
			OrderID:    order.ID,
			NoteAppend: annotate.FeedbackNote(fb, g.clock()),
			AddTags:    []string{annotate.TagFeedback},
		}); err != nil {
			h.fail("feedback", err)
		} else {
			h.Feedback = true
		}
	}

	if g.cfg.AutoDiscount && g.recoverer != nil && !a.OptOut &&
		a.SatisfactionScore > 0 && a.SatisfactionScore <= g.cfg.LowSatisfaction {
		if err := g.recoverer.RecoverFromEvent(ctx, ev, order); err != nil {
			h.fail("recovery", err)
		} else {
			h.Recovered = true
		}
	}

	for _, e := range h.Errors {
		logger.ErrorContext(ctx, "post-call side effect failed", "error", e)
	}
	logger.InfoContext(ctx, "call event handled", "order_id", h.OrderID, "opted_out", h.OptedOut,
		"issue", h.Issue, "feedback", h.Feedback, "recovered", h.Recovered)
	return h
}

// findOrder prefers an order ID carried in call metadata, then the resolver.
func (g *Gateway) findOrder(ctx context.Context, ev *telephony.CallEvent, phone string) *commerce.Order {
	if id := ev.Metadata["order_id"]; id != "" && g.orders != nil {
		o, err := g.orders.GetOrder(ctx, id)
		if err == nil {
			return o
		}
		g.logger.WarnContext(ctx, "order from call metadata not found", "order_id", id, "error", err)
	}
	if g.resolver == nil {
		return nil
	}
	q := resolver.Query{OrderNumber: ev.Analysis.OrderNumber, Phone: phone}
	if q.Empty() {
		return nil
	}
	res, err := g.resolver.ResolveOrder(ctx, q)
	if err != nil {
		if !errors.Is(err, resolver.ErrNotFound) {
			g.logger.WarnContext(ctx, "order resolution failed", "error", err)
		}
		return nil
	}
	return &res.Order
}

func (g *Gateway) record(ctx context.Context, kind, callID string, data any) {
	if g.log == nil {
		return
	}
	if _, err := g.log.Append(ctx, eventlog.Record{Kind: kind, CallID: callID, Data: data}); err != nil {
		g.logger.WarnContext(ctx, "event log append failed", "kind", kind, "error", err)
	}
}

func issueKind(s string) annotate.IssueKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "replacement", "replace", "exchange":
		return annotate.IssueReplacement
	case "refund", "return":
		return annotate.IssueRefund
	default:
		return annotate.IssueOther
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
