package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/callbridge/pkg/annotate"
	"github.com/Mindburn-Labs/callbridge/pkg/api"
	"github.com/Mindburn-Labs/callbridge/pkg/auth"
	"github.com/Mindburn-Labs/callbridge/pkg/commerce"
	"github.com/Mindburn-Labs/callbridge/pkg/config"
	"github.com/Mindburn-Labs/callbridge/pkg/eligibility"
	"github.com/Mindburn-Labs/callbridge/pkg/eventlog"
	"github.com/Mindburn-Labs/callbridge/pkg/followup"
	"github.com/Mindburn-Labs/callbridge/pkg/gateway"
	"github.com/Mindburn-Labs/callbridge/pkg/mailer"
	"github.com/Mindburn-Labs/callbridge/pkg/marketing"
	"github.com/Mindburn-Labs/callbridge/pkg/notify"
	"github.com/Mindburn-Labs/callbridge/pkg/observability"
	"github.com/Mindburn-Labs/callbridge/pkg/pipeline"
	"github.com/Mindburn-Labs/callbridge/pkg/resolver"
	"github.com/Mindburn-Labs/callbridge/pkg/sms"
	"github.com/Mindburn-Labs/callbridge/pkg/telephony"
	"github.com/Mindburn-Labs/callbridge/pkg/versioning"
)

const (
	idempotencyTTL  = 24 * time.Hour
	shutdownTimeout = 15 * time.Second
)

// app is the wired server plus everything that must be released on exit.
type app struct {
	handler http.Handler
	db      *sql.DB
	closers []func() error
	cancel  context.CancelFunc
	logger  *slog.Logger
}

func newApp() *app {
	return &app{logger: slog.Default().With("component", "server")}
}

func (a *app) onClose(fn func() error) { a.closers = append(a.closers, fn) }

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

func runServer(stdout, stderr io.Writer) int {
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "invalid configuration: %v\n", err)
		return 2
	}
	setupLogging(cfg.LogLevel, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(stdout, "callbridge listening on :%s\n", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
		return 1
	}
	return 0
}

func setupLogging(level string, w io.Writer) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
}

// buildApp wires every collaborator from cfg. On error, whatever was already
// opened is released.
//
//nolint:gocognit,gocyclo
func buildApp(parent context.Context, cfg *config.Config) (a *app, err error) {
	ctx, cancel := context.WithCancel(parent)
	a = newApp()
	a.cancel = cancel
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	info, verr := versioning.Current(cfg.Version)
	if verr != nil {
		a.logger.Warn("version is not semver", "version", info.Version, "error", verr)
	}

	// Telemetry
	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = info.Version
	otelCfg.Environment = cfg.Environment
	otelCfg.Enabled = cfg.TelemetryEnabled
	otelCfg.OTLPEndpoint = cfg.OTLPEndpoint
	otelCfg.Insecure = cfg.OTLPInsecure
	otelCfg.SampleRate = cfg.TelemetrySampleRate
	telemetry, err := observability.New(ctx, otelCfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.onClose(func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return telemetry.Shutdown(sctx)
	})

	checks := map[string]api.HealthCheck{}

	// Do-not-call registry
	reg, err := openRegistry(ctx, cfg, a, checks)
	if err != nil {
		return nil, err
	}

	// Event log, optionally mirrored to Kafka and archived to object storage
	var logOpts []eventlog.Option
	if len(cfg.KafkaBrokers) > 0 {
		pub := eventlog.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.onClose(pub.Close)
		logOpts = append(logOpts, eventlog.WithPublisher(pub))
	}
	events, err := eventlog.OpenFile(cfg.EventLogPath, logOpts...)
	if err != nil {
		return nil, fmt.Errorf("event log: %w", err)
	}
	a.onClose(events.Close)
	archiver, err := newArchiver(ctx, cfg, a)
	if err != nil {
		return nil, err
	}
	if archiver != nil {
		go runArchiver(ctx, events, archiver, cfg.ArchiveInterval, time.Now)
	}

	followups, err := followup.OpenFile(cfg.FollowupPath)
	if err != nil {
		return nil, fmt.Errorf("followups: %w", err)
	}

	// Storefront
	var backend commerce.Backend
	if cfg.CommerceURL != "" {
		backend = commerce.NewRESTClient(commerce.RESTConfig{
			BaseURL:       cfg.CommerceURL,
			AccessToken:   cfg.CommerceToken,
			StorefrontURL: cfg.StorefrontURL,
		})
	} else {
		a.logger.Warn("COMMERCE_API_URL not set, using the in-memory storefront")
		backend = commerce.NewMemoryBackend()
	}

	// Outbound transports; nil interfaces mark a channel as unavailable.
	var (
		mail   mailer.Sender
		text   sms.Sender
		sink   marketing.Sink
		dialer telephony.Dialer
	)
	if cfg.MailKey != "" {
		mail = mailer.NewHTTPSender(mailer.Config{BaseURL: cfg.MailURL, APIKey: cfg.MailKey})
	}
	if cfg.TwilioSID != "" {
		text = sms.NewTwilioSender(sms.Config{AccountSID: cfg.TwilioSID, AuthToken: cfg.TwilioToken, From: cfg.TwilioFrom})
	}
	if cfg.MarketingKey != "" {
		sink = marketing.NewClient(marketing.Config{BaseURL: cfg.MarketingURL, APIKey: cfg.MarketingKey})
	}
	if cfg.TelephonyKey != "" {
		dialer = telephony.NewClient(telephony.Config{BaseURL: cfg.TelephonyURL, APIKey: cfg.TelephonyKey})
	}

	res := resolver.New(backend, backend, resolver.DefaultConfig())
	dispatcher := notify.New(mail, text, sink, notify.Config{
		StorefrontURL: cfg.StorefrontURL,
		FromEmail:     cfg.MailFrom,
	}).WithBlocklist(reg)
	annotator := annotate.New(backend, reg)

	policies, defaultFlow, err := loadPolicies(cfg)
	if err != nil {
		return nil, err
	}
	pipe, err := pipeline.New(pipeline.Deps{
		Backend:    backend,
		Resolver:   res,
		Dispatcher: dispatcher,
		Annotator:  annotator,
		Followups:  followups,
		Log:        events,
		Telemetry:  telemetry,
	}, policies, defaultFlow)
	if err != nil {
		return nil, err
	}

	window, err := gateway.ParseWindow(cfg.WindowStart, cfg.WindowEnd, cfg.WindowZone)
	if err != nil {
		return nil, fmt.Errorf("call window: %w", err)
	}
	gw := gateway.New(gateway.Deps{
		Dialer:    dialer,
		Registry:  reg,
		Window:    window,
		Log:       events,
		Orders:    backend,
		Resolver:  res,
		Annotator: annotator,
		Recoverer: pipe,
	}, gateway.Config{
		FromNumber:      cfg.FromNumber,
		AgentID:         cfg.AgentID,
		AutoDiscount:    cfg.AutoDiscount,
		LowSatisfaction: cfg.LowSatisfaction,
	})

	srv, err := api.NewServer(api.Deps{
		Pipeline:      pipe,
		Gateway:       gw,
		DNC:           reg,
		Followups:     followups,
		WebhookSecret: cfg.WebhookSecret,
		Version:       info.Version,
		Checks:        checks,
		Telemetry:     telemetry,
	})
	if err != nil {
		return nil, err
	}

	handler, err := buildHandler(ctx, cfg, srv.Routes(), a, checks)
	if err != nil {
		return nil, err
	}
	a.handler = handler

	a.logger.Info("callbridge wired",
		"version", info.Version,
		"dnc_backend", cfg.DNCBackend,
		"default_flow", defaultFlow,
		"kafka", len(cfg.KafkaBrokers) > 0,
		"archiver", archiver != nil,
		"auth", cfg.JWTSecret != "",
	)
	return a, nil
}

// buildHandler composes the middleware chain around mux, outermost first:
// request ID, access log, CORS, rate limit, auth, idempotency.
func buildHandler(ctx context.Context, cfg *config.Config, mux http.Handler, a *app, checks map[string]api.HealthCheck) (http.Handler, error) {
	store, err := openIdempotencyStore(ctx, cfg, a, checks)
	if err != nil {
		return nil, err
	}
	h := api.IdempotencyMiddleware(store)(mux)

	if cfg.JWTSecret != "" {
		validator, err := auth.NewJWTValidator(cfg.JWTSecret, tokenIssuer)
		if err != nil {
			return nil, err
		}
		h = auth.RequireRole(roleOps, "/calls", "/dnc", "/followups")(h)
		h = auth.NewMiddleware(validator, auth.DefaultPublicPaths...)(h)
	} else {
		a.logger.Warn("JWT_SECRET not set, API authentication disabled")
	}

	if cfg.RateLimitRPS > 0 {
		h = api.NewGlobalRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware(h)
	}
	h = auth.CORSMiddleware(cfg.CORSOrigins)(h)
	h = api.RequestLogger(h)
	return auth.RequestIDMiddleware(h), nil
}

// loadPolicies returns the built-in flows selected by DISCOUNT_FLOW unless
// POLICIES_PATH names a file, whose default_flow then applies.
func loadPolicies(cfg *config.Config) (map[pipeline.Flow]pipeline.Policy, pipeline.Flow, error) {
	if cfg.PoliciesPath == "" {
		defaultFlow, err := pipeline.ParseFlow(cfg.DefaultFlow)
		if err != nil {
			return nil, "", fmt.Errorf("DISCOUNT_FLOW: %w", err)
		}
		return pipeline.DefaultPolicies(), defaultFlow, nil
	}

	pf, err := config.LoadPolicies(cfg.PoliciesPath)
	if err != nil {
		return nil, "", err
	}
	return convertPolicies(pf)
}

func convertPolicies(pf *config.PolicyFile) (map[pipeline.Flow]pipeline.Policy, pipeline.Flow, error) {
	out := make(map[pipeline.Flow]pipeline.Policy, len(pf.Flows))
	for name, fp := range pf.Flows {
		flow, err := pipeline.ParseFlow(name)
		if err != nil || flow == "" {
			return nil, "", fmt.Errorf("policies: flow %q: unknown flow", name)
		}
		ttl, err := fp.TTLDuration()
		if err != nil {
			return nil, "", fmt.Errorf("policies: flow %s: %w", name, err)
		}
		channel, err := notify.ParseChannel(fp.Channel)
		if err != nil {
			return nil, "", fmt.Errorf("policies: flow %s: %w", name, err)
		}
		tiers := make([]eligibility.Tier, 0, len(fp.Tiers))
		for _, t := range fp.Tiers {
			tiers = append(tiers, eligibility.Tier{Expr: t.Expr, Value: t.Value})
		}
		out[flow] = pipeline.Policy{
			Ceiling: fp.Ceiling,
			TTL:     ttl,
			TopTier: fp.TopTier,
			Tiers:   tiers,
			Channel: channel,
		}
	}
	def, err := pipeline.ParseFlow(pf.DefaultFlow)
	if err != nil {
		return nil, "", fmt.Errorf("policies: default_flow: %w", err)
	}
	if def == "" {
		def = pipeline.FlowLegacy
	}
	return out, def, nil
}
