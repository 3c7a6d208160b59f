package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/Mindburn-Labs/callbridge/pkg/gateway"
	"github.com/Mindburn-Labs/callbridge/pkg/telephony"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Webhook-Signature"

type webhookAck struct {
	Status  string           `json:"status"`
	Handled *gateway.Handled `json:"handled,omitempty"`
}

// handleWebhook always answers 200. Health probes, forged bodies and
// unknown event kinds are acknowledged without processing; side-effect
// failures are logged by the gateway and reported in the ack.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		s.logger.WarnContext(ctx, "webhook body unreadable", "error", err)
		writeJSON(w, http.StatusOK, webhookAck{Status: "ignored"})
		return
	}

	if err := telephony.VerifySignature(s.d.WebhookSecret, body, r.Header.Get(SignatureHeader)); err != nil {
		s.logger.WarnContext(ctx, "webhook rejected", "error", err, "remote", clientIP(r))
		writeJSON(w, http.StatusOK, webhookAck{Status: "ignored"})
		return
	}

	ev, err := telephony.DecodeWebhook(body)
	if err != nil {
		if errors.Is(err, telephony.ErrHealthCheck) {
			writeJSON(w, http.StatusOK, webhookAck{Status: "ok"})
			return
		}
		s.logger.WarnContext(ctx, "webhook undecodable", "error", err)
		writeJSON(w, http.StatusOK, webhookAck{Status: "ignored"})
		return
	}

	if s.d.Gateway == nil {
		s.logger.WarnContext(ctx, "webhook dropped: gateway not configured", "call_id", ev.CallID)
		writeJSON(w, http.StatusOK, webhookAck{Status: "ignored"})
		return
	}
	writeJSON(w, http.StatusOK, webhookAck{Status: "ok", Handled: s.d.Gateway.HandleEvent(ctx, ev)})
}
