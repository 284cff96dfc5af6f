// Package handlers exposes the engine over a small JSON API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"mise/internal/engine"
	"mise/internal/integrity"
	applog "mise/internal/log"
	"mise/models"
)

// IssueLister lists recorded integrity issues.
type IssueLister interface {
	List(ctx context.Context, filter integrity.Filter) ([]models.IntegrityIssue, error)
}

var (
	attributeEngine *engine.Engine
	issueLog        IssueLister
)

// Configure installs the shared dependencies used by the HTTP handlers.
func Configure(eng *engine.Engine, issues IssueLister) {
	attributeEngine = eng
	issueLog = issues
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		applog.Error(r.Context(), "failed to encode response", "path", r.URL.Path, "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorResponse{Error: msg})
}

// writeEngineError maps engine errors onto status codes.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, err.Error())
	default:
		applog.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func requireEngine(w http.ResponseWriter, r *http.Request) bool {
	if attributeEngine == nil {
		writeError(w, r, http.StatusServiceUnavailable, "engine not configured")
		return false
	}
	return true
}

func parseID(raw string) (uint, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func pathID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, ok := parseID(r.PathValue("id"))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid id")
	}
	return id, ok
}

func parseBool(value string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	return err == nil && b
}

func resolveOptions(r *http.Request) engine.ResolveOptions {
	q := r.URL.Query()
	return engine.ResolveOptions{
		ForceAI:     parseBool(q.Get("force_ai")),
		BypassCache: parseBool(q.Get("bypass_cache")),
	}
}
