package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/callbridge/pkg/dnc"
	"github.com/Mindburn-Labs/callbridge/pkg/followup"
	"github.com/Mindburn-Labs/callbridge/pkg/gateway"
	"github.com/Mindburn-Labs/callbridge/pkg/observability"
	"github.com/Mindburn-Labs/callbridge/pkg/pipeline"
	"github.com/Mindburn-Labs/callbridge/pkg/toolschema"
	"github.com/Mindburn-Labs/callbridge/pkg/versioning"
)

// maxBody bounds every request body.
const maxBody = 1 << 20

// HealthCheck probes one dependency. A nil error is healthy.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators behind the HTTP surface. Pipeline is required;
// routes for a nil Gateway, DNC or Followups answer 503. Telemetry may be nil.
type Deps struct {
	Pipeline      *pipeline.Pipeline
	Gateway       *gateway.Gateway
	DNC           dnc.Registry
	Followups     *followup.Queue
	WebhookSecret string
	Version       string
	Checks        map[string]HealthCheck
	Telemetry     *observability.Provider
}

// Server routes HTTP requests onto the pipeline and gateway.
type Server struct {
	d      Deps
	tools  *toolschema.Firewall
	logger *slog.Logger
}

// NewServer builds a server with every built-in tool registered.
func NewServer(d Deps) (*Server, error) {
	if d.Pipeline == nil {
		return nil, errors.New("api: pipeline is required")
	}
	s := &Server{d: d, logger: slog.Default().With("component", "api")}
	fw, err := toolschema.NewDefault(s)
	if err != nil {
		return nil, err
	}
	s.tools = fw
	return s, nil
}

// Routes returns the request multiplexer.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tools/{tool}", s.handleTool)
	mux.HandleFunc("POST /webhooks/calls", s.handleWebhook)
	mux.HandleFunc("POST /calls", s.handlePlaceCall)
	mux.HandleFunc("POST /calls/batch", s.handleBatch)
	mux.HandleFunc("GET /dnc", s.handleListDNC)
	mux.HandleFunc("POST /dnc", s.handleAddDNC)
	mux.HandleFunc("GET /followups", s.handleListFollowups)
	mux.HandleFunc("POST /followups/{id}/resolve", s.handleResolveFollowup)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/", unrouted(mux))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info, err := versioning.Current(s.d.Version)
	if err != nil {
		s.logger.WarnContext(r.Context(), "unparseable build version", "version", s.d.Version, "error", err)
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	checks := make(map[string]string, len(s.d.Checks))
	for name, check := range s.d.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	body := map[string]any{"status": status, "build": info, "checks": checks}
	if s.d.Followups != nil {
		body["open_followups"] = s.d.Followups.OpenCount()
	}
	writeJSON(w, code, body)
}

// RequestLogger logs one line per request with its status and latency.
func RequestLogger(next http.Handler) http.Handler {
	logger := slog.Default().With("component", "http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", w.Header().Get("X-Request-ID"),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
