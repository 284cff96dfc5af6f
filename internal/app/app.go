// Package app wires configuration, storage, AI detection and metrics into a
// ready-to-use engine. Both the HTTP server and the CLI start from here.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"mise/internal/ai"
	"mise/internal/config"
	"mise/internal/engine"
	"mise/internal/integrity"
	applog "mise/internal/log"
	"mise/internal/metrics"
	"mise/internal/store"
)

// App holds the long-lived components built from a Config.
type App struct {
	Engine   *engine.Engine
	Issues   *integrity.Log
	Store    *store.Gorm
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
}

// New builds the application over an open database.
func New(ctx context.Context, cfg config.Config, database *gorm.DB) (*App, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	entities := store.NewGorm(database)
	var cache store.CacheStore = entities
	if cfg.Cache.Backend == config.CacheBackendMemory {
		cache = store.NewMemoryCache(cfg.Cache.TTL)
	}
	applog.Debug(ctx, "cache backend selected", "backend", cfg.Cache.Backend, "ttl", cfg.Cache.TTL.String())

	detector, err := newDetector(cfg.AI)
	if err != nil {
		return nil, err
	}

	issues := integrity.NewLog(database, m)
	eng := engine.New(entities, entities, cache,
		engine.WithDetector(detector),
		engine.WithIntegrity(issues),
		engine.WithMetrics(m),
		engine.WithAITimeout(cfg.AI.Timeout),
		engine.WithBatchConcurrency(cfg.Engine.BatchConcurrency),
		engine.WithInvalidationConcurrency(cfg.Engine.InvalidationConcurrency),
		engine.WithCosting(cfg.Costing.TargetFoodCostPercent, cfg.Costing.DiscrepancyTolerance),
	)

	return &App{
		Engine:   eng,
		Issues:   issues,
		Store:    entities,
		Registry: registry,
		Metrics:  m,
	}, nil
}

func newDetector(cfg config.AIConfig) (ai.Detector, error) {
	if !cfg.Enabled {
		applog.Info(context.Background(), "ai detection disabled")
		return ai.Disabled{}, nil
	}
	client, err := ai.NewClient(ai.Config{
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
	})
	if errors.Is(err, ai.ErrDisabled) {
		return ai.Disabled{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("configure ai client: %w", err)
	}
	applog.Info(context.Background(), "ai detection enabled", "model", client.Model())
	return client, nil
}
