package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"mise/internal/invalidation"
	applog "mise/internal/log"
	"mise/models"
)

type invalidationRequest struct {
	Kind string `json:"kind"`
	ID   uint   `json:"id"`
}

type invalidationResponse struct {
	Ticket string            `json:"ticket"`
	Kind   models.EntityKind `json:"kind"`
	ID     uint              `json:"id"`
}

// CreateInvalidation serves POST /api/invalidations. The propagation runs in
// the background; the response carries its ticket.
func CreateInvalidation(w http.ResponseWriter, r *http.Request) {
	if !requireEngine(w, r) {
		return
	}
	var req invalidationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	kind, err := models.ParseEntityKind(req.Kind)
	if err != nil || req.ID == 0 {
		writeError(w, r, http.StatusBadRequest, "kind and id are required")
		return
	}

	ticket, err := attributeEngine.Invalidate(r.Context(), req.ID, kind)
	switch {
	case errors.Is(err, invalidation.ErrUnsupportedKind):
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, invalidation.ErrClosed):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeEngineError(w, r, err)
		return
	}

	applog.Info(r.Context(), "invalidation accepted", "ticket", ticket, "kind", kind, "id", req.ID)
	writeJSON(w, r, http.StatusAccepted, invalidationResponse{Ticket: ticket, Kind: kind, ID: req.ID})
}
