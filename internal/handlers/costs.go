package handlers

import (
	"math"
	"net/http"
	"strconv"

	"mise/internal/store"
	"mise/models"
)

// EntityCost serves GET /api/costs/{kind}/{id}. An optional price query
// parameter is audited against the recommended price.
func EntityCost(w http.ResponseWriter, r *http.Request) {
	if !requireEngine(w, r) {
		return
	}
	kind, err := models.ParseEntityKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if raw := r.URL.Query().Get("price"); raw != "" {
		price, err := strconv.ParseFloat(raw, 64)
		if err != nil || price < 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			writeError(w, r, http.StatusBadRequest, "invalid price")
			return
		}
		check, err := attributeEngine.CrossCheckPrice(r.Context(), store.EntityRef{Kind: kind, ID: id}, price)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, check)
		return
	}

	report, err := attributeEngine.CalculateEntityCost(r.Context(), id, kind)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}
