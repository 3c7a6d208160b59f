// Package annotate appends notes and tags to commerce orders without
// clobbering existing content: tags are unioned and notes only grow.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/callbridge/pkg/commerce"
	"github.com/Mindburn-Labs/callbridge/pkg/dnc"
)

// Tag vocabulary written to orders.
const (
	TagFeedback             = "call-feedback"
	TagIssue                = "call-issue"
	TagDoNotCall            = "do-not-call"
	TagDiscount             = "call-discount"
	TagReplacementRequested = "replacement-requested"
	TagRefundRequested      = "refund-requested"
)

// ErrOptOutNotRecorded is returned when the do-not-call registry write
// fails. Errors from OptOut that do not wrap it mean the number is blocked
// and only the order annotation failed.
var ErrOptOutNotRecorded = errors.New("opt-out not recorded")

// DefaultMaxAttempts bounds conflict retries.
const DefaultMaxAttempts = 3

// Request is one annotation.
type Request struct {
	OrderID    string   `json:"order_id"`
	NoteAppend string   `json:"note_append,omitempty"`
	AddTags    []string `json:"add_tags,omitempty"`
}

// Annotator merges annotations into orders.
//
// Each write carries the UpdatedAt it read. Backends that detect stale writes
// return commerce.ErrConflict and the annotator re-reads and re-merges. The
// REST backend cannot detect them, so two concurrent annotations of the same
// order there can still lose one update.
type Annotator struct {
	orders      commerce.OrderStore
	registry    dnc.Registry
	maxAttempts int
	clock       func() time.Time
	logger      *slog.Logger
}

// New creates an annotator. registry may be nil when opt-outs are not
// handled here.
func New(orders commerce.OrderStore, registry dnc.Registry) *Annotator {
	return &Annotator{
		orders:      orders,
		registry:    registry,
		maxAttempts: DefaultMaxAttempts,
		clock:       time.Now,
		logger:      slog.Default().With("component", "annotate"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *Annotator) WithClock(clock func() time.Time) *Annotator {
	a.clock = clock
	return a
}

// Now returns the annotator's clock reading, used to stamp notes.
func (a *Annotator) Now() time.Time { return a.clock() }

// Annotate fetches the order, merges req into it and writes it back. A
// request with nothing to add returns the order unchanged without writing.
func (a *Annotator) Annotate(ctx context.Context, req Request) (*commerce.Order, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return nil, errors.New("annotate: order id is required")
	}

	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		current, err := a.orders.GetOrder(ctx, req.OrderID)
		if err != nil {
			return nil, fmt.Errorf("annotate: fetch order %s: %w", req.OrderID, err)
		}

		tags := MergeTags(current.Tags, req.AddTags)
		note := MergeNote(current.Note, req.NoteAppend)
		if note == current.Note && len(tags) == len(current.Tags) {
			return current, nil
		}

		updated, err := a.orders.UpdateOrder(ctx, commerce.OrderUpdate{
			ID:                current.ID,
			Note:              note,
			Tags:              tags,
			ExpectedUpdatedAt: current.UpdatedAt,
		})
		if err == nil {
			a.logger.DebugContext(ctx, "order annotated", "order", current.Name, "tags_added", len(tags)-len(current.Tags))
			return updated, nil
		}
		if !errors.Is(err, commerce.ErrConflict) {
			return nil, fmt.Errorf("annotate: update order %s: %w", req.OrderID, err)
		}
		lastErr = err
		a.logger.InfoContext(ctx, "annotation conflict, retrying", "order", req.OrderID, "attempt", attempt)
	}
	return nil, fmt.Errorf("annotate: order %s still conflicting after %d attempts: %w", req.OrderID, a.maxAttempts, lastErr)
}

// MergeTags returns existing unchanged followed by each new tag not already
// present. New tags are trimmed and compared case-insensitively; the first
// spelling wins.
func MergeTags(existing, add []string) []string {
	out := make([]string, 0, len(existing)+len(add))
	seen := make(map[string]bool, len(existing)+len(add))
	for _, t := range existing {
		seen[strings.ToLower(strings.TrimSpace(t))] = true
		out = append(out, t)
	}
	for _, t := range add {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// MergeNote appends add to existing on a new line.
func MergeNote(existing, add string) string {
	add = strings.TrimSpace(add)
	switch {
	case add == "":
		return existing
	case strings.TrimSpace(existing) == "":
		return add
	default:
		return existing + "\n" + add
	}
}

// OptOut adds phone to the do-not-call registry and, when orderID is set,
// tags and notes the order. The registry write happens first so a failed
// annotation never leaves the number dialable.
func (a *Annotator) OptOut(ctx context.Context, phone, orderID string) (*commerce.Order, error) {
	if a.registry == nil {
		return nil, fmt.Errorf("annotate: %w: no do-not-call registry configured", ErrOptOutNotRecorded)
	}
	if err := a.registry.Add(ctx, phone); err != nil {
		return nil, fmt.Errorf("annotate: %w: %w", ErrOptOutNotRecorded, err)
	}
	a.logger.InfoContext(ctx, "number added to do-not-call", "order", orderID)
	if orderID == "" {
		return nil, nil
	}
	key, _ := dnc.Key(phone)
	return a.Annotate(ctx, Request{
		OrderID:    orderID,
		NoteAppend: OptOutNote(key, a.clock()),
		AddTags:    []string{TagDoNotCall},
	})
}
