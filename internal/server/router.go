package server

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"mise/internal/handlers"
	applog "mise/internal/log"
	"mise/internal/metrics"
)

func newRouter(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	applog.Debug(context.Background(), "registering http routes")

	routes := []struct {
		pattern string
		handler http.Handler
	}{
		{"GET /healthz", http.HandlerFunc(handlers.Health)},
		{"GET /metrics", metrics.Handler(gatherer)},
		{"GET /api/recipes/{id}/allergens", http.HandlerFunc(handlers.RecipeAllergens)},
		{"GET /api/recipes/{id}/dietary", http.HandlerFunc(handlers.RecipeDietary)},
		{"GET /api/dishes/{id}/dietary", http.HandlerFunc(handlers.DishDietary)},
		{"POST /api/dietary/batch", http.HandlerFunc(handlers.BatchDietary)},
		{"GET /api/costs/{kind}/{id}", http.HandlerFunc(handlers.EntityCost)},
		{"POST /api/invalidations", http.HandlerFunc(handlers.CreateInvalidation)},
		{"GET /api/integrity-issues", http.HandlerFunc(handlers.IntegrityIssues)},
	}
	for _, route := range routes {
		mux.Handle(route.pattern, route.handler)
		applog.Debug(context.Background(), "route registered", "pattern", route.pattern)
	}
	return mux
}
