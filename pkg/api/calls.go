package api

import (
	"errors"
	"net/http"

	"github.com/Mindburn-Labs/callbridge/pkg/contact"
	"github.com/Mindburn-Labs/callbridge/pkg/followup"
	"github.com/Mindburn-Labs/callbridge/pkg/gateway"
)

type batchRequest struct {
	Calls []gateway.OutboundCall `json:"calls"`
}

func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	if s.d.Gateway == nil {
		WriteUnavailable(w, r, "call placement is not configured")
		return
	}
	var req gateway.OutboundCall
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	call, err := s.d.Gateway.PlaceCall(r.Context(), req)
	if err != nil {
		s.writeCallError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, call)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if s.d.Gateway == nil {
		WriteUnavailable(w, r, "call placement is not configured")
		return
	}
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if len(req.Calls) == 0 {
		WriteBadRequest(w, r, "calls must not be empty")
		return
	}
	res, err := s.d.Gateway.DispatchBatch(r.Context(), req.Calls)
	if err != nil {
		s.writeCallError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeCallError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gateway.ErrOutsideWindow):
		WriteForbidden(w, r, err.Error())
	case errors.Is(err, gateway.ErrDoNotCall):
		WriteConflict(w, r, "number is on the do-not-call list")
	case errors.Is(err, contact.ErrInvalidContact):
		WriteUnprocessable(w, r, err.Error())
	case errors.Is(err, gateway.ErrNoDialer):
		WriteUnavailable(w, r, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "call placement failed", "error", err)
		WriteProblem(w, r, http.StatusBadGateway, "telephony platform request failed")
	}
}

type dncRequest struct {
	Phone string `json:"phone"`
}

func (s *Server) handleListDNC(w http.ResponseWriter, r *http.Request) {
	if s.d.DNC == nil {
		WriteUnavailable(w, r, "do-not-call registry is not configured")
		return
	}
	phones, err := s.d.DNC.List(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if phones == nil {
		phones = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"phones": phones})
}

func (s *Server) handleAddDNC(w http.ResponseWriter, r *http.Request) {
	if s.d.DNC == nil {
		WriteUnavailable(w, r, "do-not-call registry is not configured")
		return
	}
	var req dncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	key, err := contact.NormalizePhone(req.Phone)
	if err != nil {
		WriteUnprocessable(w, r, err.Error())
		return
	}
	if err := s.d.DNC.Add(r.Context(), key); err != nil {
		WriteInternal(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "number added to do-not-call list", "phone", key)
	writeJSON(w, http.StatusCreated, map[string]string{"phone": key})
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Resolution string `json:"resolution"`
}

func (s *Server) handleListFollowups(w http.ResponseWriter, r *http.Request) {
	if s.d.Followups == nil {
		WriteUnavailable(w, r, "follow-up queue is not configured")
		return
	}
	status := followup.Status(r.URL.Query().Get("status"))
	switch status {
	case "", followup.StatusOpen, followup.StatusResolved:
	default:
		WriteBadRequest(w, r, "status must be open or resolved")
		return
	}
	items := s.d.Followups.List(r.Context(), status)
	if items == nil {
		items = []followup.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"followups": items})
}

func (s *Server) handleResolveFollowup(w http.ResponseWriter, r *http.Request) {
	if s.d.Followups == nil {
		WriteUnavailable(w, r, "follow-up queue is not configured")
		return
	}
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if req.ResolvedBy == "" {
		WriteBadRequest(w, r, "resolved_by is required")
		return
	}
	it, err := s.d.Followups.Resolve(r.Context(), r.PathValue("id"), req.ResolvedBy, req.Resolution)
	switch {
	case errors.Is(err, followup.ErrNotFound):
		WriteNotFound(w, r, err.Error())
	case errors.Is(err, followup.ErrAlreadyResolved):
		WriteConflict(w, r, err.Error())
	case err != nil:
		WriteInternal(w, r, err)
	default:
		writeJSON(w, http.StatusOK, it)
	}
}
