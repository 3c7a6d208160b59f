// Package resolver turns fragmentary caller-supplied identifiers (a spoken
// order number, a phone number in any format, an email) into exactly one
// commerce order or customer.
//
// Strategies run in a fixed priority order and short-circuit on the first
// match: order number, then phone, then email (customer resolution only).
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/callbridge/pkg/commerce"
	"github.com/Mindburn-Labs/callbridge/pkg/contact"
)

// ErrNotFound is returned when no strategy resolves a record. Callers must
// re-prompt the caller for more identifying information.
var ErrNotFound = errors.New("no matching record")

// Method names the strategy that produced a match.
type Method string

const (
	MethodOrderNumber Method = "order_number"
	MethodPhone       Method = "phone"
	MethodEmail       Method = "email"
)

// Query carries whatever identifiers the caller managed to provide.
type Query struct {
	OrderNumber string `json:"order_number,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Empty reports whether the query carries no identifier at all.
func (q Query) Empty() bool {
	return strings.TrimSpace(q.OrderNumber) == "" && strings.TrimSpace(q.Phone) == "" && strings.TrimSpace(q.Email) == ""
}

// Result is a resolved order.
type Result struct {
	Order  commerce.Order `json:"order"`
	Method Method         `json:"method"`
}

// CustomerResult is a resolved customer.
type CustomerResult struct {
	Customer   commerce.Customer `json:"customer"`
	Method     Method            `json:"method"`
	Candidates int               `json:"candidates"`
}

// Config bounds the fallback scans.
type Config struct {
	// ScanLimit is how many recent orders the order-number fallback inspects.
	ScanLimit int
	// PhoneLookback is how far back the phone strategy searches.
	PhoneLookback time.Duration
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{ScanLimit: 250, PhoneLookback: 30 * 24 * time.Hour}
}

// Resolver resolves orders and customers against a commerce backend.
type Resolver struct {
	orders    commerce.OrderStore
	customers commerce.CustomerStore
	cfg       Config
	clock     func() time.Time
	logger    *slog.Logger
}

// New creates a resolver.
func New(orders commerce.OrderStore, customers commerce.CustomerStore, cfg Config) *Resolver {
	def := DefaultConfig()
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = def.ScanLimit
	}
	if cfg.PhoneLookback <= 0 {
		cfg.PhoneLookback = def.PhoneLookback
	}
	return &Resolver{
		orders:    orders,
		customers: customers,
		cfg:       cfg,
		clock:     time.Now,
		logger:    slog.Default().With("component", "resolver"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Resolver) WithClock(clock func() time.Time) *Resolver {
	r.clock = clock
	return r
}

// ResolveOrder finds the order matching q. Backend errors fail closed and
// propagate; a clean miss returns ErrNotFound.
func (r *Resolver) ResolveOrder(ctx context.Context, q Query) (*Result, error) {
	if strings.TrimSpace(q.OrderNumber) != "" {
		o, err := r.byOrderNumber(ctx, q.OrderNumber)
		if err != nil {
			return nil, err
		}
		if o != nil {
			r.logger.DebugContext(ctx, "order resolved", "method", MethodOrderNumber, "order", o.Name)
			return &Result{Order: *o, Method: MethodOrderNumber}, nil
		}
	}

	if strings.TrimSpace(q.Phone) != "" {
		o, err := r.byPhone(ctx, q.Phone)
		if err != nil && !errors.Is(err, contact.ErrInvalidContact) {
			return nil, err
		}
		if o != nil {
			r.logger.DebugContext(ctx, "order resolved", "method", MethodPhone, "order", o.Name)
			return &Result{Order: *o, Method: MethodPhone}, nil
		}
	}

	return nil, ErrNotFound
}

// orderNameForms returns the name as given, with a leading "#" and without.
func orderNameForms(raw string) []string {
	given := strings.TrimSpace(raw)
	bare := strings.TrimSpace(strings.TrimPrefix(given, "#"))
	forms := []string{given}
	if !strings.HasPrefix(given, "#") {
		forms = append(forms, "#"+given)
	} else {
		forms = append(forms, bare)
	}
	if norm := commerce.NormalizeOrderName(given); norm != "" && norm != bare {
		forms = append(forms, "#"+norm, norm)
	}
	return dedupe(forms)
}

func (r *Resolver) byOrderNumber(ctx context.Context, raw string) (*commerce.Order, error) {
	for _, name := range orderNameForms(raw) {
		matches, err := r.orders.FindOrdersByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("order search %q: %w", name, err)
		}
		if len(matches) > 0 {
			o := matches[0]
			return &o, nil
		}
	}

	// Bounded fallback: some stores prefix or reformat names.
	recent, err := r.orders.ListRecentOrders(ctx, commerce.ListOptions{Limit: r.cfg.ScanLimit})
	if err != nil {
		return nil, fmt.Errorf("order scan: %w", err)
	}
	wantNum := commerce.ParseOrderNumber(raw)
	wantName := commerce.NormalizeOrderName(raw)
	for i := range recent {
		o := recent[i]
		if wantNum != 0 && o.Number == wantNum {
			return &o, nil
		}
		if wantName != "" && commerce.NormalizeOrderName(o.Name) == wantName {
			return &o, nil
		}
	}
	return nil, nil
}

func (r *Resolver) byPhone(ctx context.Context, raw string) (*commerce.Order, error) {
	phone, err := contact.NormalizePhone(raw)
	if err != nil {
		return nil, err
	}
	since := r.clock().Add(-r.cfg.PhoneLookback)
	recent, err := r.orders.ListRecentOrders(ctx, commerce.ListOptions{Limit: r.cfg.ScanLimit, CreatedAfter: since})
	if err != nil {
		return nil, fmt.Errorf("order scan by phone: %w", err)
	}

	var best *commerce.Order
	for i := range recent {
		o := recent[i]
		if !orderMatchesPhone(&o, phone) {
			continue
		}
		if best == nil || o.CreatedAt.After(best.CreatedAt) {
			best = &o
		}
	}
	return best, nil
}

func orderMatchesPhone(o *commerce.Order, phone string) bool {
	for _, p := range o.Phones() {
		if contact.SamePhone(p, phone) {
			return true
		}
	}
	return false
}

// ResolveCustomer finds the single customer matching q: email first (exact),
// then phone. Several phone matches (shared household numbers) are ranked by
// order count, lifetime spend and last order date, in that order.
func (r *Resolver) ResolveCustomer(ctx context.Context, q Query) (*CustomerResult, error) {
	if strings.TrimSpace(q.Email) != "" {
		email, err := contact.NormalizeEmail(q.Email)
		if err == nil {
			found, err := r.customers.SearchCustomers(ctx, commerce.CustomerQuery{Email: email})
			if err != nil {
				return nil, fmt.Errorf("customer search by email: %w", err)
			}
			// The backend's email search is fuzzy; only exact addresses count.
			var matched []commerce.Customer
			for _, c := range found {
				if strings.EqualFold(strings.TrimSpace(c.Email), email) {
					matched = append(matched, c)
				}
			}
			if best := RankCustomers(matched); best != nil {
				return &CustomerResult{Customer: *best, Method: MethodEmail, Candidates: len(matched)}, nil
			}
		}
	}

	if strings.TrimSpace(q.Phone) != "" {
		phone, err := contact.NormalizePhone(q.Phone)
		if err == nil {
			found, err := r.customers.SearchCustomers(ctx, commerce.CustomerQuery{Phone: phone})
			if err != nil {
				return nil, fmt.Errorf("customer search by phone: %w", err)
			}
			var matched []commerce.Customer
			for _, c := range found {
				if contact.SamePhone(c.Phone, phone) {
					matched = append(matched, c)
				}
			}
			if len(matched) > 1 {
				r.logger.InfoContext(ctx, "multiple customers share phone", "candidates", len(matched))
			}
			if best := RankCustomers(matched); best != nil {
				return &CustomerResult{Customer: *best, Method: MethodPhone, Candidates: len(matched)}, nil
			}
		}
	}

	return nil, ErrNotFound
}

// RankCustomers returns the top-ranked candidate, or nil for an empty slice.
// Ranking: most orders, then highest spend, then most recent order, then
// lowest ID so the choice is deterministic.
func RankCustomers(candidates []commerce.Customer) *commerce.Customer {
	if len(candidates) == 0 {
		return nil
	}
	ranked := append([]commerce.Customer(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.OrdersCount != b.OrdersCount {
			return a.OrdersCount > b.OrdersCount
		}
		if a.TotalSpent != b.TotalSpent {
			return a.TotalSpent > b.TotalSpent
		}
		if !a.LastOrderAt.Equal(b.LastOrderAt) {
			return a.LastOrderAt.After(b.LastOrderAt)
		}
		return a.ID < b.ID
	})
	return &ranked[0]
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
