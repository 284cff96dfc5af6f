package handlers

import (
	"encoding/json"
	"net/http"

	applog "mise/internal/log"
	"mise/models"
)

// RecipeAllergens serves GET /api/recipes/{id}/allergens.
func RecipeAllergens(w http.ResponseWriter, r *http.Request) {
	if !requireEngine(w, r) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	attrs, err := attributeEngine.ResolveRecipeAllergens(r.Context(), id, resolveOptions(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, attrs)
}

// RecipeDietary serves GET /api/recipes/{id}/dietary.
func RecipeDietary(w http.ResponseWriter, r *http.Request) {
	if !requireEngine(w, r) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	attrs, err := attributeEngine.ResolveRecipeDietaryStatus(r.Context(), id, resolveOptions(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, attrs)
}

// DishDietary serves GET /api/dishes/{id}/dietary.
func DishDietary(w http.ResponseWriter, r *http.Request) {
	if !requireEngine(w, r) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	attrs, err := attributeEngine.AggregateDishDietaryStatus(r.Context(), id, resolveOptions(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if attrs == nil {
		writeError(w, r, http.StatusNotFound, "dish not found")
		return
	}
	writeJSON(w, r, http.StatusOK, attrs)
}

type batchRequest struct {
	Kind        string `json:"kind"`
	IDs         []uint `json:"ids"`
	ForceAI     bool   `json:"force_ai"`
	BypassCache bool   `json:"bypass_cache"`
}

type batchResponse struct {
	Kind    models.EntityKind                 `json:"kind"`
	Results map[uint]models.DerivedAttributes `json:"results"`
}

const maxBatchSize = 500

// BatchDietary serves POST /api/dietary/batch.
func BatchDietary(w http.ResponseWriter, r *http.Request) {
	if !requireEngine(w, r) {
		return
	}
	var req batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	kind, err := models.ParseEntityKind(req.Kind)
	if err != nil || kind == models.KindIngredient {
		writeError(w, r, http.StatusBadRequest, "kind must be recipe or dish")
		return
	}
	if len(req.IDs) == 0 || len(req.IDs) > maxBatchSize {
		writeError(w, r, http.StatusBadRequest, "ids must hold between 1 and 500 entries")
		return
	}

	applog.Debug(r.Context(), "batch dietary requested", "kind", kind, "count", len(req.IDs))
	opts := resolveOptions(r)
	opts.ForceAI = opts.ForceAI || req.ForceAI
	opts.BypassCache = opts.BypassCache || req.BypassCache

	resp := batchResponse{Kind: kind}
	if kind == models.KindRecipe {
		resp.Results = attributeEngine.BatchRecipeDietaryStatus(r.Context(), req.IDs, opts)
	} else {
		resp.Results = attributeEngine.BatchDishDietaryStatus(r.Context(), req.IDs, opts)
	}
	writeJSON(w, r, http.StatusOK, resp)
}
