package handlers

import (
	"net/http"
	"strconv"

	"mise/internal/integrity"
	"mise/models"
)

// IntegrityIssues serves GET /api/integrity-issues.
func IntegrityIssues(w http.ResponseWriter, r *http.Request) {
	if issueLog == nil {
		writeError(w, r, http.StatusServiceUnavailable, "integrity log not configured")
		return
	}

	q := r.URL.Query()
	filter := integrity.Filter{Kind: q.Get("kind"), Limit: 200}
	if raw := q.Get("entity_kind"); raw != "" {
		kind, err := models.ParseEntityKind(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		filter.EntityKind = kind
	}
	if raw := q.Get("entity_id"); raw != "" {
		id, ok := parseID(raw)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "invalid entity_id")
			return
		}
		filter.EntityID = id
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	issues, err := issueLog.List(r.Context(), filter)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, issues)
}
