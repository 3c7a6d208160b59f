// Package eligibility decides whether a contact may receive a promotional
// discount right now and proposes a tier when none was requested.
//
// Evaluation fails open: a backend error yields an eligible decision at the
// base tier so a broken lookup never blocks a customer-service resolution.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/callbridge/pkg/commerce"
	"github.com/Mindburn-Labs/callbridge/pkg/resolver"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonNewCustomer Reason = "new_customer"
	ReasonRecentUsed  Reason = "recent_discount_used"
	ReasonTier        Reason = "tier"
	ReasonDefault     Reason = "default"
)

const (
	DefaultBaseValue    = 10.0
	DefaultRecentWindow = 30 * 24 * time.Hour
)

// Request identifies the contact being evaluated.
type Request struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Eligible         bool       `json:"eligible"`
	Reason           Reason     `json:"reason"`
	SuggestedValue   float64    `json:"suggested_value,omitempty"`
	RecentDiscountAt *time.Time `json:"recent_discount_at,omitempty"`
	CustomerID       string     `json:"customer_id,omitempty"`
	FirstName        string     `json:"first_name,omitempty"`
}

// Config tunes the evaluator. Tiers are checked in order; the first match
// wins, and BaseValue applies when none match.
type Config struct {
	Tiers        []Tier
	BaseValue    float64
	RecentWindow time.Duration
}

// Evaluator scores contacts against the commerce backend.
type Evaluator struct {
	customers commerce.CustomerStore
	resolver  *resolver.Resolver
	cfg       Config
	rules     *ruleSet
	clock     func() time.Time
	logger    *slog.Logger
}

// New compiles the tier rules and returns an evaluator. An invalid tier
// expression is a configuration error.
func New(customers commerce.CustomerStore, res *resolver.Resolver, cfg Config) (*Evaluator, error) {
	if cfg.BaseValue <= 0 {
		cfg.BaseValue = DefaultBaseValue
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultRecentWindow
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers(15)
	}

	rules, err := newRuleSet()
	if err != nil {
		return nil, err
	}
	for i, t := range cfg.Tiers {
		if _, err := rules.compile(t.Expr); err != nil {
			return nil, fmt.Errorf("tier %d: %w", i, err)
		}
	}

	return &Evaluator{
		customers: customers,
		resolver:  res,
		cfg:       cfg,
		rules:     rules,
		clock:     time.Now,
		logger:    slog.Default().With("component", "eligibility"),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

// Evaluate never returns an error; failures degrade to the default decision.
// A known customer with no purchase history counts as new.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) Decision {
	found, err := e.resolver.ResolveCustomer(ctx, resolver.Query{Email: req.Email, Phone: req.Phone})
	if errors.Is(err, resolver.ErrNotFound) {
		return Decision{Eligible: true, Reason: ReasonNewCustomer, SuggestedValue: e.cfg.BaseValue}
	}
	if err != nil {
		return e.failOpen(ctx, "customer lookup", err)
	}
	cust := found.Customer

	since := e.clock().Add(-e.cfg.RecentWindow)
	orders, err := e.customers.ListCustomerOrders(ctx, cust.ID, since)
	if err != nil {
		return e.failOpen(ctx, "recent orders", err)
	}
	for _, o := range orders {
		if o.CreatedAt.Before(since) || !o.HasDiscount() {
			continue
		}
		at := o.CreatedAt
		return Decision{
			Eligible:         false,
			Reason:           ReasonRecentUsed,
			RecentDiscountAt: &at,
			CustomerID:       cust.ID,
			FirstName:        cust.FirstName,
		}
	}

	if cust.OrdersCount == 0 && cust.TotalSpent == 0 && len(orders) == 0 {
		return Decision{
			Eligible:       true,
			Reason:         ReasonNewCustomer,
			SuggestedValue: e.cfg.BaseValue,
			CustomerID:     cust.ID,
			FirstName:      cust.FirstName,
		}
	}

	value, err := e.tierValue(cust)
	if err != nil {
		return e.failOpen(ctx, "tier rules", err)
	}
	return Decision{
		Eligible:       true,
		Reason:         ReasonTier,
		SuggestedValue: value,
		CustomerID:     cust.ID,
		FirstName:      cust.FirstName,
	}
}

func (e *Evaluator) tierValue(c commerce.Customer) (float64, error) {
	input := map[string]any{
		"customer": map[string]any{
			"total_spent":  c.TotalSpent,
			"orders_count": int64(c.OrdersCount),
		},
	}
	for _, t := range e.cfg.Tiers {
		ok, err := e.rules.match(t.Expr, input)
		if err != nil {
			return 0, err
		}
		if ok {
			return t.Value, nil
		}
	}
	return e.cfg.BaseValue, nil
}

func (e *Evaluator) failOpen(ctx context.Context, stage string, err error) Decision {
	e.logger.WarnContext(ctx, "eligibility check failed open", "stage", stage, "error", err)
	return Decision{Eligible: true, Reason: ReasonDefault, SuggestedValue: DefaultBaseValue}
}
