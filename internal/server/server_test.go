package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"mise/internal/db/dbtest"
	"mise/internal/db/mock"
	"mise/internal/engine"
	"mise/internal/handlers"
	"mise/internal/integrity"
	"mise/internal/metrics"
	"mise/internal/store"
	"mise/models"
)

func TestServerServesEngineRoutes(t *testing.T) {
	database := dbtest.Open(t)
	if err := mock.Seed(context.Background(), database); err != nil {
		t.Fatalf("seed: %v", err)
	}
	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	g := store.NewGorm(database)
	issues := integrity.NewLog(database, m)
	eng := engine.New(g, g, g, engine.WithMetrics(m), engine.WithIntegrity(issues))

	srv, err := New(Config{Addr: ":8080", Engine: eng, Issues: issues, Gatherer: registry})
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		eng.Flush()
		handlers.Configure(nil, nil)
	})

	if srv.httpServer.Addr != ":8080" {
		t.Fatalf("expected server addr :8080, got %q", srv.httpServer.Addr)
	}

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/recipes/1/dietary", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var attrs models.DerivedAttributes
	if err := json.Unmarshal(rr.Body.Bytes(), &attrs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if attrs.IsVegetarian == nil || *attrs.IsVegetarian {
		t.Fatalf("expected caesar salad to be non-vegetarian, got %+v", attrs)
	}

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/costs/recipe/1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected cost route to return 200, got %d", rr.Code)
	}

	eng.Flush()
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "mise_attribute_resolutions_total") {
		t.Fatalf("expected resolution metrics, got:\n%s", rr.Body.String())
	}
}

func TestServerHandlerWithoutEngine(t *testing.T) {
	srv, err := New(Config{Addr: ":9090", Gatherer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		handlers.Configure(nil, nil)
	})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected /healthz to return 503 without engine, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/dishes/1/dietary", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without engine, got %d", rr.Code)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
