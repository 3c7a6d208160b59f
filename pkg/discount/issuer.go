// Package discount mints single-use promotional codes in the commerce
// backend.
//
// Issue is not idempotent: every successful call creates a new discount.
// Callers guard at-most-once issuance themselves (the HTTP layer does so
// with an Idempotency-Key).
package discount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/callbridge/pkg/commerce"
	"github.com/Mindburn-Labs/callbridge/pkg/resolver"
)

// ErrIssuer is returned when a code could not be registered.
var ErrIssuer = errors.New("discount issuance failed")

// Request describes one issuance.
type Request struct {
	CustomerEmail string                `json:"customer_email,omitempty"`
	CustomerPhone string                `json:"customer_phone,omitempty"`
	FirstName     string                `json:"first_name,omitempty"`
	Kind          commerce.DiscountKind `json:"kind"`
	Value         float64               `json:"value"`
	UsageLimit    int                   `json:"usage_limit,omitempty"`
	TTL           time.Duration         `json:"ttl,omitempty"`
	// BaseName overrides FirstName as the deterministic code stem.
	BaseName string `json:"base_name,omitempty"`
}

// Config bounds issuance for one call flow.
type Config struct {
	// Ceiling caps percentage discounts.
	Ceiling float64
	// TTL is the validity window when the request carries none.
	TTL         time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig is the legacy flow: 15% ceiling, 30-day codes.
func DefaultConfig() Config {
	return Config{
		Ceiling:     15,
		TTL:         30 * 24 * time.Hour,
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
	}
}

// Issuer creates discount codes.
type Issuer struct {
	store    commerce.DiscountStore
	resolver *resolver.Resolver
	cfg      Config
	clock    func() time.Time
	sleep    func(context.Context, time.Duration) error
	logger   *slog.Logger
}

// New creates an issuer. Zero-valued Config fields take DefaultConfig values.
func New(store commerce.DiscountStore, res *resolver.Resolver, cfg Config) *Issuer {
	def := DefaultConfig()
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = def.Ceiling
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	return &Issuer{
		store:    store,
		resolver: res,
		cfg:      cfg,
		clock:    time.Now,
		sleep:    sleepCtx,
		logger:   slog.Default().With("component", "discount"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

// Config returns the effective configuration.
func (i *Issuer) Config() Config { return i.cfg }

// Issue clamps, names, scopes and registers a code. Collisions are retried
// with a fresh random suffix up to MaxAttempts.
func (i *Issuer) Issue(ctx context.Context, req Request) (*commerce.DiscountCode, error) {
	if req.Kind == "" {
		req.Kind = commerce.DiscountPercentage
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrIssuer, req.Kind)
	}
	if req.Value <= 0 {
		return nil, fmt.Errorf("%w: value must be positive, got %v", ErrIssuer, req.Value)
	}
	value := i.Clamp(ctx, req.Kind, req.Value)

	customerID, err := i.scope(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIssuer, err)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = i.cfg.TTL
	}
	usage := req.UsageLimit
	if usage <= 0 {
		usage = 1
	}
	start := i.clock().UTC()

	name := req.BaseName
	if name == "" {
		name = req.FirstName
	}
	base := BaseCode(name, value)

	var lastErr error
	for attempt := 0; attempt < i.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := i.sleep(ctx, Backoff(attempt, i.cfg.BaseDelay, i.cfg.MaxDelay)); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrIssuer, err)
			}
		}

		code := base
		if attempt > 0 || code == "" {
			code, err = RandomCode(base, value)
			if err != nil {
				return nil, fmt.Errorf("%w: random suffix: %w", ErrIssuer, err)
			}
		}

		d, err := i.store.CreateDiscount(ctx, commerce.DiscountSpec{
			Code:       code,
			Title:      code,
			Kind:       req.Kind,
			Value:      value,
			UsageLimit: usage,
			StartsAt:   start,
			EndsAt:     start.Add(ttl),
			CustomerID: customerID,
		})
		if err == nil {
			i.logger.InfoContext(ctx, "discount issued",
				"code", d.Code, "kind", d.Kind, "value", d.Value,
				"customer_scoped", d.CustomerScoped(), "attempt", attempt+1)
			return d, nil
		}
		if !errors.Is(err, commerce.ErrCodeTaken) {
			return nil, fmt.Errorf("%w: %w", ErrIssuer, err)
		}
		lastErr = err
		i.logger.DebugContext(ctx, "discount code collision", "code", code, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("%w: no free code after %d attempts: %w", ErrIssuer, i.cfg.MaxAttempts, lastErr)
}

// Clamp caps percentage values at the ceiling and logs when it does.
func (i *Issuer) Clamp(ctx context.Context, kind commerce.DiscountKind, value float64) float64 {
	if kind != commerce.DiscountPercentage || value <= i.cfg.Ceiling {
		return value
	}
	i.logger.WarnContext(ctx, "discount capped", "requested", value, "ceiling", i.cfg.Ceiling)
	return i.cfg.Ceiling
}

// scope returns the customer to bind the code to, or "" for a store-wide code.
func (i *Issuer) scope(ctx context.Context, req Request) (string, error) {
	if i.resolver == nil || (req.CustomerEmail == "" && req.CustomerPhone == "") {
		return "", nil
	}
	found, err := i.resolver.ResolveCustomer(ctx, resolver.Query{Email: req.CustomerEmail, Phone: req.CustomerPhone})
	if errors.Is(err, resolver.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return found.Customer.ID, nil
}

// Backoff returns base*2^attempt capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := base << attempt
	if d <= 0 || d > max {
		return max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
