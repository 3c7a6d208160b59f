package resiliency

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// DefaultTimeout bounds every upstream call. The pipeline runs inside a live
// phone call, so a hung upstream must fail fast instead of stalling the agent.
const DefaultTimeout = 10 * time.Second

// ErrCircuitOpen is returned when the breaker for an upstream is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// EnhancedClient wraps http.Client with resilience patterns:
// - Exponential Backoff & Jitter (idempotent methods only)
// - Circuit Breaking
// - Trace header injection
type EnhancedClient struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	breaker    *CircuitBreaker
}

// Option configures an EnhancedClient.
type Option func(*EnhancedClient)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *EnhancedClient) { c.client.Timeout = d }
}

// WithMaxRetries overrides the retry budget for idempotent requests.
func WithMaxRetries(n int) Option {
	return func(c *EnhancedClient) { c.maxRetries = n }
}

// WithBaseDelay overrides the first backoff step.
func WithBaseDelay(d time.Duration) Option {
	return func(c *EnhancedClient) { c.baseDelay = d }
}

// WithTransport swaps the underlying round tripper (tests use httptest servers).
func WithTransport(rt http.RoundTripper) Option {
	return func(c *EnhancedClient) { c.client.Transport = rt }
}

// NewEnhancedClient returns a client named after the upstream it talks to.
// The name scopes the circuit breaker.
func NewEnhancedClient(name string, opts ...Option) *EnhancedClient {
	c := &EnhancedClient{
		client:     &http.Client{Timeout: DefaultTimeout},
		maxRetries: 2,
		baseDelay:  100 * time.Millisecond,
		breaker:    NewCircuitBreaker(name, 5, 10*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes an HTTP request with resiliency patterns. Non-idempotent
// requests (POST, PATCH) are attempted exactly once: retrying a discount
// creation could mint a second code.
func (c *EnhancedClient) Do(req *http.Request) (*http.Response, error) {
	var traceBytes [16]byte
	traceID := ""
	if _, err := rand.Read(traceBytes[:]); err == nil {
		traceID = hex.EncodeToString(traceBytes[:])
	} else {
		traceID = fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	if req.Header.Get("traceparent") == "" {
		req.Header.Set("traceparent", fmt.Sprintf("00-%s-0000000000000001-01", traceID))
	}

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w for %s", ErrCircuitOpen, c.breaker.name)
	}

	retries := c.maxRetries
	if !isIdempotent(req.Method) {
		retries = 0
	}

	var resp *http.Response
	var err error

	for i := 0; i <= retries; i++ {
		if i > 0 && req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, berr
			}
			req.Body = body
		}

		resp, err = c.client.Do(req)

		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}

		if i == retries {
			break
		}
		if resp != nil {
			_ = resp.Body.Close()
		}

		if werr := sleepCtx(req.Context(), c.backoff(i)); werr != nil {
			err = werr
			resp = nil
			break
		}
	}

	c.breaker.Failure()
	return resp, err
}

// backoff is base * 2^attempt plus up to 50ms jitter.
func (c *EnhancedClient) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	return d
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
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

// CircuitBreaker implements a simple state machine for failure detection.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "CLOSED", "OPEN", "HALF_OPEN"
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "CLOSED",
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}

// State returns the breaker state for health reporting.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Breaker exposes the client's breaker.
func (c *EnhancedClient) Breaker() *CircuitBreaker { return c.breaker }
