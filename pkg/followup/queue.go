// Package followup is the human-handoff queue: records for deliveries that
// failed after a code was minted and for replacement or refund tickets filed
// during a call.
package followup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a follow-up.
type Kind string

const (
	KindDeliveryFailed Kind = "delivery_failed"
	KindReplacement    Kind = "replacement"
	KindRefund         Kind = "refund"
	KindCallback       Kind = "callback"
)

// Status is the lifecycle state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

var (
	ErrNotFound        = errors.New("follow-up not found")
	ErrAlreadyResolved = errors.New("follow-up already resolved")
)

// Item is one follow-up.
type Item struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Status     Status            `json:"status"`
	OrderID    string            `json:"order_id,omitempty"`
	OrderName  string            `json:"order_name,omitempty"`
	CallID     string            `json:"call_id,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	Email      string            `json:"email,omitempty"`
	Code       string            `json:"code,omitempty"`
	Reason     string            `json:"reason"`
	Details    map[string]string `json:"details,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy string            `json:"resolved_by,omitempty"`
	Resolution string            `json:"resolution,omitempty"`
}

// Queue holds follow-ups in memory, optionally persisted to a JSON file.
type Queue struct {
	mu    sync.Mutex
	items map[string]*Item
	path  string
	clock func() time.Time
}

// NewQueue creates an in-memory queue.
func NewQueue() *Queue {
	return &Queue{items: make(map[string]*Item), clock: time.Now}
}

// OpenFile creates a queue persisted at path, loading existing items.
func OpenFile(path string) (*Queue, error) {
	q := NewQueue()
	q.path = path
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("followup: read: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &q.items); err != nil {
			return nil, fmt.Errorf("followup: parse: %w", err)
		}
	}
	return q, nil
}

// WithClock overrides the clock for deterministic testing.
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

// save must be called with mu held.
func (q *Queue) save() error {
	if q.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(q.items, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o750); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// Open records a new follow-up and returns it with ID, status and timestamp
// assigned.
func (q *Queue) Open(ctx context.Context, it Item) (*Item, error) {
	_ = ctx
	if it.Kind == "" {
		return nil, errors.New("followup: kind is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	it.ID = uuid.New().String()
	it.Status = StatusOpen
	it.CreatedAt = q.clock().UTC()
	it.ResolvedAt = nil
	q.items[it.ID] = &it
	if err := q.save(); err != nil {
		delete(q.items, it.ID)
		return nil, fmt.Errorf("followup: persist: %w", err)
	}
	out := it
	return &out, nil
}

// Resolve closes an open follow-up.
func (q *Queue) Resolve(ctx context.Context, id, resolvedBy, resolution string) (*Item, error) {
	_ = ctx
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if it.Status != StatusOpen {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	prev := *it
	now := q.clock().UTC()
	it.Status = StatusResolved
	it.ResolvedAt = &now
	it.ResolvedBy = resolvedBy
	it.Resolution = resolution
	if err := q.save(); err != nil {
		*it = prev
		return nil, fmt.Errorf("followup: persist: %w", err)
	}
	out := *it
	return &out, nil
}

// Get returns one follow-up.
func (q *Queue) Get(id string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := *it
	return &out, nil
}

// List returns follow-ups with the given status (all when empty), oldest
// first.
func (q *Queue) List(ctx context.Context, status Status) []Item {
	_ = ctx
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		if status != "" && it.Status != status {
			continue
		}
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OpenCount returns the number of open follow-ups.
func (q *Queue) OpenCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.Status == StatusOpen {
			n++
		}
	}
	return n
}
