// Package api serves the voice-agent tool endpoints, the call webhook and the
// outbound-call and registry admin surface.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// RequestIDHeader carries the per-request correlation ID.
const RequestIDHeader = "X-Request-ID"

// ProblemBaseURL prefixes the problem type URI; the status code completes it.
const ProblemBaseURL = "https://callbridge.dev/errors/"

// ProblemDetail is an RFC 7807 document. Admin and middleware errors use it;
// tool endpoints answer with a toolResponse instead so the agent always gets
// a spoken line.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID is the X-Request-ID of the failed request.
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%d %s: %s", p.Status, p.Title, p.Detail)
}

// WriteProblem answers with status. The title is the status text. When r is
// non-nil the request path and request ID are attached.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	p := ProblemDetail{
		Type:    ProblemBaseURL + strconv.Itoa(status),
		Title:   http.StatusText(status),
		Status:  status,
		Detail:  detail,
		TraceID: w.Header().Get(RequestIDHeader),
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&p)
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusBadRequest, detail)
}

// WriteUnauthorized defaults detail to a generic message.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusUnauthorized, orDefault(detail, "authentication required"))
}

// WriteForbidden defaults detail to a generic message.
func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusForbidden, orDefault(detail, "insufficient permissions"))
}

func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusNotFound, detail)
}

// WriteMethodNotAllowed sets Allow from allowed and answers 405.
func WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request, allowed []string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	WriteProblem(w, r, http.StatusMethodNotAllowed, r.Method+" is not supported on "+r.URL.Path)
}

func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusConflict, detail)
}

func WriteUnprocessable(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusUnprocessableEntity, detail)
}

// WriteTooManyRequests sets Retry-After in seconds.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	WriteProblem(w, r, http.StatusTooManyRequests, "rate limit exceeded")
}

// WriteUnavailable reports an unconfigured or failing dependency.
func WriteUnavailable(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusServiceUnavailable, detail)
}

// WriteInternal logs err and answers with a generic 500; err never reaches
// the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	logger := slog.Default()
	if r != nil {
		logger = logger.With("path", r.URL.Path)
	}
	logger.Error("internal server error", "error", err)
	WriteProblem(w, r, http.StatusInternalServerError, "an unexpected error occurred")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// routeMethods are probed to build the Allow header for unrouted requests.
var routeMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

// unrouted answers requests that only the catch-all pattern matched: 405
// when the path is served under another method, 404 otherwise.
func unrouted(mux *http.ServeMux) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var allowed []string
		for _, m := range routeMethods {
			probe := r.Clone(r.Context())
			probe.Method = m
			if _, pattern := mux.Handler(probe); pattern != "" && pattern != "/" {
				allowed = append(allowed, m)
			}
		}
		if len(allowed) == 0 {
			WriteNotFound(w, r, "no route for "+r.URL.Path)
			return
		}
		WriteMethodNotAllowed(w, r, allowed)
	}
}
