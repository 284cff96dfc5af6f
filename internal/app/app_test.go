package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mise/internal/ai"
	"mise/internal/config"
	"mise/internal/db/dbtest"
	"mise/internal/db/mock"
)

func testConfig(backend string) config.Config {
	return config.Config{
		Cache:   config.CacheConfig{Backend: backend, TTL: time.Hour},
		Engine:  config.EngineConfig{BatchConcurrency: 2, InvalidationConcurrency: 2},
		Costing: config.CostingConfig{TargetFoodCostPercent: 30, DiscrepancyTolerance: 0.01},
	}
}

func TestNewBuildsWorkingEngine(t *testing.T) {
	for _, backend := range []string{config.CacheBackendDatabase, config.CacheBackendMemory} {
		t.Run(backend, func(t *testing.T) {
			database := dbtest.Open(t)
			require.NoError(t, mock.Seed(context.Background(), database))

			a, err := New(context.Background(), testConfig(backend), database)
			require.NoError(t, err)
			t.Cleanup(a.Engine.Flush)

			allergens, err := a.Engine.AggregateRecipeAllergens(context.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, []string{"fish", "milk"}, []string(allergens))

			families, err := a.Registry.Gather()
			require.NoError(t, err)
			assert.NotEmpty(t, families)
		})
	}
}

func TestNewDetector(t *testing.T) {
	d, err := newDetector(config.AIConfig{Enabled: false, APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, ai.Disabled{}, d)

	d, err = newDetector(config.AIConfig{Enabled: true})
	require.NoError(t, err)
	assert.IsType(t, ai.Disabled{}, d)

	d, err = newDetector(config.AIConfig{Enabled: true, APIKey: "k", Timeout: time.Second})
	require.NoError(t, err)
	assert.IsType(t, &ai.Client{}, d)
}
