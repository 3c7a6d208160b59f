// Package pipeline runs the voice-agent tools end to end: resolve the caller,
// decide eligibility, issue a code, deliver it and leave a trail on the order.
// Every operation returns a result carrying a Spoken line, including on
// failure, so the agent always has something to say.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/callbridge/pkg/annotate"
	"github.com/Mindburn-Labs/callbridge/pkg/commerce"
	"github.com/Mindburn-Labs/callbridge/pkg/discount"
	"github.com/Mindburn-Labs/callbridge/pkg/eligibility"
	"github.com/Mindburn-Labs/callbridge/pkg/eventlog"
	"github.com/Mindburn-Labs/callbridge/pkg/followup"
	"github.com/Mindburn-Labs/callbridge/pkg/notify"
	"github.com/Mindburn-Labs/callbridge/pkg/observability"
	"github.com/Mindburn-Labs/callbridge/pkg/resolver"
)

// Flow names a discount policy.
type Flow string

const (
	// FlowLegacy is the direct SMS/email flow.
	FlowLegacy Flow = "legacy"
	// FlowEvent hands delivery to the marketing platform's own automation.
	FlowEvent Flow = "event"
)

// ParseFlow accepts "", "legacy" and "event".
func ParseFlow(s string) (Flow, error) {
	switch Flow(s) {
	case "":
		return "", nil
	case FlowLegacy, FlowEvent:
		return Flow(s), nil
	}
	return "", fmt.Errorf("unknown flow %q", s)
}

// Policy is the discount policy of one flow. The two flows historically
// disagree on ceiling and TTL, so both stay explicit.
type Policy struct {
	Ceiling float64
	TTL     time.Duration
	// TopTier is the value for the best customers when Tiers is empty.
	TopTier float64
	Tiers   []eligibility.Tier
	Channel notify.Channel
}

// DefaultPolicies returns the legacy and event policies.
func DefaultPolicies() map[Flow]Policy {
	return map[Flow]Policy{
		FlowLegacy: {Ceiling: 15, TTL: 30 * 24 * time.Hour, TopTier: 15, Channel: notify.ChannelAuto},
		FlowEvent:  {Ceiling: 20, TTL: 24 * time.Hour, TopTier: 20, Channel: notify.ChannelEvent},
	}
}

// Deps are the collaborators of a Pipeline. Followups, Log and Telemetry
// may be nil.
type Deps struct {
	Backend    commerce.Backend
	Resolver   *resolver.Resolver
	Dispatcher *notify.Dispatcher
	Annotator  *annotate.Annotator
	Followups  *followup.Queue
	Log        eventlog.Log
	Telemetry  *observability.Provider
}

type flowRunner struct {
	policy    Policy
	evaluator *eligibility.Evaluator
	issuer    *discount.Issuer
}

// Pipeline orchestrates the tool operations.
type Pipeline struct {
	backend     commerce.Backend
	resolver    *resolver.Resolver
	dispatcher  *notify.Dispatcher
	annotator   *annotate.Annotator
	followups   *followup.Queue
	log         eventlog.Log
	telemetry   *observability.Provider
	flows       map[Flow]*flowRunner
	defaultFlow Flow
	clock       func() time.Time
	logger      *slog.Logger
}

// New builds an evaluator and issuer per policy. defaultFlow must be one of
// the policies.
func New(d Deps, policies map[Flow]Policy, defaultFlow Flow) (*Pipeline, error) {
	if d.Backend == nil || d.Resolver == nil || d.Dispatcher == nil || d.Annotator == nil {
		return nil, errors.New("pipeline: backend, resolver, dispatcher and annotator are required")
	}
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	if defaultFlow == "" {
		defaultFlow = FlowLegacy
	}
	if _, ok := policies[defaultFlow]; !ok {
		return nil, fmt.Errorf("pipeline: default flow %q has no policy", defaultFlow)
	}

	flows := make(map[Flow]*flowRunner, len(policies))
	for name, pol := range policies {
		tiers := pol.Tiers
		if len(tiers) == 0 {
			tiers = eligibility.DefaultTiers(pol.TopTier)
		}
		ev, err := eligibility.New(d.Backend, d.Resolver, eligibility.Config{Tiers: tiers})
		if err != nil {
			return nil, fmt.Errorf("pipeline: flow %s: %w", name, err)
		}
		cfg := discount.DefaultConfig()
		cfg.Ceiling = pol.Ceiling
		cfg.TTL = pol.TTL
		flows[name] = &flowRunner{
			policy:    pol,
			evaluator: ev,
			issuer:    discount.New(d.Backend, d.Resolver, cfg),
		}
	}

	return &Pipeline{
		backend:     d.Backend,
		resolver:    d.Resolver,
		dispatcher:  d.Dispatcher,
		annotator:   d.Annotator,
		followups:   d.Followups,
		log:         d.Log,
		telemetry:   d.Telemetry,
		flows:       flows,
		defaultFlow: defaultFlow,
		clock:       time.Now,
		logger:      slog.Default().With("component", "pipeline"),
	}, nil
}

// WithClock overrides the clock of the pipeline and every flow.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	for _, f := range p.flows {
		f.evaluator.WithClock(clock)
		f.issuer.WithClock(clock)
	}
	return p
}

// Policy returns the effective policy of a flow.
func (p *Pipeline) Policy(f Flow) (Policy, bool) {
	r, ok := p.flows[f]
	if !ok {
		return Policy{}, false
	}
	return r.policy, true
}

func (p *Pipeline) flow(f Flow) (Flow, *flowRunner, error) {
	if f == "" {
		f = p.defaultFlow
	}
	r, ok := p.flows[f]
	if !ok {
		return f, nil, fmt.Errorf("pipeline: no policy for flow %q", f)
	}
	return f, r, nil
}

func (p *Pipeline) track(ctx context.Context, stage string, flow Flow, callID string) (context.Context, func(error)) {
	return p.telemetry.TrackOperation(ctx, "pipeline."+stage, observability.StageOperation(stage, string(flow), callID)...)
}

func (p *Pipeline) record(ctx context.Context, kind, callID string, data any) {
	if p.log == nil {
		return
	}
	if _, err := p.log.Append(ctx, eventlog.Record{Kind: kind, CallID: callID, Data: data}); err != nil {
		p.logger.WarnContext(ctx, "event log append failed", "kind", kind, "error", err)
	}
}

// findOrder resolves an order by ID or by number and phone. A nil order
// with a nil error means nothing matched.
func (p *Pipeline) findOrder(ctx context.Context, orderID, number, phone string) (*commerce.Order, error) {
	if orderID != "" {
		o, err := p.backend.GetOrder(ctx, orderID)
		if errors.Is(err, commerce.ErrOrderNotFound) {
			return nil, nil
		}
		return o, err
	}
	q := resolver.Query{OrderNumber: number, Phone: phone}
	if q.Empty() {
		return nil, nil
	}
	res, err := p.resolver.ResolveOrder(ctx, q)
	if errors.Is(err, resolver.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res.Order, nil
}
