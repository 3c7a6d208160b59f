package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Mindburn-Labs/callbridge/pkg/commerce"
	"github.com/Mindburn-Labs/callbridge/pkg/contact"
	"github.com/Mindburn-Labs/callbridge/pkg/discount"
	"github.com/Mindburn-Labs/callbridge/pkg/notify"
	"github.com/Mindburn-Labs/callbridge/pkg/observability"
	"github.com/Mindburn-Labs/callbridge/pkg/pipeline"
	"github.com/Mindburn-Labs/callbridge/pkg/resolver"
	"github.com/Mindburn-Labs/callbridge/pkg/toolschema"
)

// SpokenRepeat asks the caller to restate what the agent misheard.
const SpokenRepeat = "Sorry, I didn't quite catch that. Could you say it once more?"

// toolEnvelope is a tool call as the voice platform sends it. Arguments may
// sit under "args", "arguments" or "parameters"; a body with none of those
// keys is itself the arguments.
type toolEnvelope struct {
	Args json.RawMessage
	Call toolschema.Call
}

func (e *toolEnvelope) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if c, ok := raw["call"]; ok {
		if err := json.Unmarshal(c, &e.Call); err != nil {
			return fmt.Errorf("call: %w", err)
		}
		delete(raw, "call")
	}
	for _, key := range []string{"args", "arguments", "parameters"} {
		if a, ok := raw[key]; ok {
			e.Args = a
			return nil
		}
	}
	bare, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	e.Args = bare
	return nil
}

// toolResponse is the body of every tool answer. HTTP status is always 200;
// OK distinguishes success.
type toolResponse struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Spoken string `json:"spoken"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusOK, toolResponse{Spoken: SpokenRepeat, Error: errorCode(toolschema.ErrInvalidArgs)})
		return
	}
	var env toolEnvelope
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &env); err != nil {
			s.logger.WarnContext(ctx, "undecodable tool call", "tool", tool, "error", err)
			writeJSON(w, http.StatusOK, toolResponse{Spoken: SpokenRepeat, Error: errorCode(toolschema.ErrInvalidArgs)})
			return
		}
	}

	ctx, done := s.d.Telemetry.TrackOperation(ctx, "tool."+tool, observability.ToolOperation(tool, env.Call.CallID)...)
	result, err := s.tools.CallTool(ctx, env.Call, tool, env.Args)
	done(err)
	resp := toolResponse{OK: err == nil, Result: result, Spoken: spokenOf(result)}
	if err != nil {
		resp.Error = errorCode(err)
		observability.AddSpanEvent(ctx, "tool.failed", observability.AttrOutcome.String(resp.Error))
		if resp.Spoken == "" {
			resp.Spoken = fallbackSpoken(err)
		}
		s.logger.WarnContext(ctx, "tool call failed", "tool", tool, "call_id", env.Call.CallID, "code", resp.Error, "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Dispatch implements toolschema.Dispatcher over the pipeline.
func (s *Server) Dispatch(ctx context.Context, tool string, args json.RawMessage) (any, error) {
	p := s.d.Pipeline
	switch tool {
	case toolschema.ToolLookupOrder:
		var req pipeline.LookupRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return p.LookupOrder(ctx, req)
	case toolschema.ToolCheckEligibility:
		var req pipeline.EligibilityRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return p.CheckEligibility(ctx, req)
	case toolschema.ToolOfferDiscount:
		var req pipeline.OfferRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return p.OfferDiscount(ctx, req)
	case toolschema.ToolCaptureFeedback:
		var req pipeline.FeedbackRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return p.CaptureFeedback(ctx, req)
	case toolschema.ToolFileTicket:
		var req pipeline.TicketRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return p.FileTicket(ctx, req)
	case toolschema.ToolOptOut:
		var req pipeline.OptOutRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return p.OptOut(ctx, req)
	}
	return nil, fmt.Errorf("%w: %q", toolschema.ErrToolBlocked, tool)
}

func decodeArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", toolschema.ErrInvalidArgs, err)
	}
	return nil
}

func spokenOf(v any) string {
	switch r := v.(type) {
	case *pipeline.LookupResult:
		if r != nil {
			return r.Spoken
		}
	case *pipeline.EligibilityResult:
		if r != nil {
			return r.Spoken
		}
	case *pipeline.OfferResult:
		if r != nil {
			return r.Spoken
		}
	case *pipeline.NoteResult:
		if r != nil {
			return r.Spoken
		}
	case *pipeline.TicketResult:
		if r != nil {
			return r.Spoken
		}
	}
	return ""
}

// errorCode maps an error onto the stable code the agent branches on.
func errorCode(err error) string {
	var de *notify.DispatchError
	switch {
	case errors.Is(err, toolschema.ErrToolBlocked):
		return "unknown_tool"
	case errors.Is(err, toolschema.ErrInvalidArgs):
		return "invalid_args"
	case errors.Is(err, resolver.ErrNotFound), errors.Is(err, commerce.ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, notify.ErrOptedOut):
		return "opted_out"
	case errors.Is(err, contact.ErrInvalidContact):
		return "invalid_contact"
	case errors.As(err, &de), errors.Is(err, notify.ErrChannelUnavailable):
		return "dispatch_failed"
	case errors.Is(err, discount.ErrIssuer):
		return "issuer_failed"
	case errors.Is(err, commerce.ErrBackendUnavailable):
		return "backend_unavailable"
	}
	return "internal"
}

func fallbackSpoken(err error) string {
	switch {
	case errors.Is(err, toolschema.ErrInvalidArgs):
		return SpokenRepeat
	case errors.Is(err, resolver.ErrNotFound):
		return pipeline.SpokenNeedIdentifier
	}
	return pipeline.SpokenHandoff
}
