// Package engine resolves allergen and dietary attributes for recipes and
// dishes, costs them, and keeps the derived-attribute cache coherent with the
// composition graph.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mise/internal/ai"
	"mise/internal/costing"
	"mise/internal/integrity"
	"mise/internal/invalidation"
	applog "mise/internal/log"
	"mise/internal/metrics"
	"mise/internal/store"
	"mise/models"
)

const (
	defaultAITimeout             = 8 * time.Second
	defaultBatchConcurrency      = 8
	defaultTargetFoodCostPercent = 30
	defaultDiscrepancyTolerance  = 0.01
)

// ErrNotFound is returned when the requested root entity does not exist.
var ErrNotFound = errors.New("engine: entity not found")

// ResolveOptions tune a single resolution.
type ResolveOptions struct {
	// ForceAI skips the cache and always consults the detector.
	ForceAI bool
	// BypassCache recomputes even when a fresh cache entry exists.
	BypassCache bool
}

// Option customises an Engine.
type Option func(*Engine)

// WithDetector sets the AI fallback. The default detector is disabled.
func WithDetector(d ai.Detector) Option {
	return func(e *Engine) {
		if d != nil {
			e.detector = d
		}
	}
}

// WithIntegrity sets where integrity issues are recorded.
func WithIntegrity(r integrity.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.issues = r
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock replaces time.Now for ComputedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithAITimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.aiTimeout = d
		}
	}
}

func WithBatchConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchLimit = n
		}
	}
}

func WithInvalidationConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.invalidationLimit = n
		}
	}
}

// WithCosting sets the target food-cost percentage and the tolerance used
// when two prices for the same entity are compared.
func WithCosting(targetPercent, tolerance float64) Option {
	return func(e *Engine) {
		if targetPercent > 0 {
			e.calculator.TargetFoodCostPercent = targetPercent
		}
		if tolerance >= 0 {
			e.tolerance = tolerance
		}
	}
}

// Engine is safe for concurrent use.
type Engine struct {
	entities   store.EntityStore
	cache      store.CacheStore
	detector   ai.Detector
	issues     integrity.Recorder
	metrics    *metrics.Metrics
	propagator *invalidation.Propagator
	calculator costing.Calculator

	tolerance         float64
	aiTimeout         time.Duration
	batchLimit        int
	invalidationLimit int
	now               func() time.Time

	flights singleflight.Group
	pending sync.WaitGroup
}

// New wires an Engine over its store collaborators.
func New(entities store.EntityStore, edges store.EdgeLookup, cache store.CacheStore, opts ...Option) *Engine {
	e := &Engine{
		entities:   entities,
		cache:      cache,
		detector:   ai.Disabled{},
		issues:     integrity.NewLog(nil, nil),
		calculator: costing.Calculator{TargetFoodCostPercent: defaultTargetFoodCostPercent},
		tolerance:  defaultDiscrepancyTolerance,
		aiTimeout:  defaultAITimeout,
		batchLimit: defaultBatchConcurrency,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	propagatorOpts := []invalidation.Option{invalidation.WithMetrics(e.metrics)}
	if e.invalidationLimit > 0 {
		propagatorOpts = append(propagatorOpts, invalidation.WithConcurrency(e.invalidationLimit))
	}
	e.propagator = invalidation.New(edges, cache, propagatorOpts...)
	return e
}

// Invalidate starts marking every transitive dependent of the mutated
// ingredient or recipe stale and returns the run ticket.
func (e *Engine) Invalidate(ctx context.Context, id uint, kind models.EntityKind) (string, error) {
	return e.propagator.Invalidate(ctx, store.EntityRef{Kind: kind, ID: id})
}

// Propagate is the synchronous form of Invalidate.
func (e *Engine) Propagate(ctx context.Context, id uint, kind models.EntityKind) (invalidation.Report, error) {
	return e.propagator.Propagate(ctx, store.EntityRef{Kind: kind, ID: id})
}

// AIEnabled reports whether an AI detector is configured.
func (e *Engine) AIEnabled() bool {
	_, disabled := e.detector.(ai.Disabled)
	return !disabled
}

// Flush waits for background cache write-backs, AI calls and invalidation
// runs started so far.
func (e *Engine) Flush() {
	e.pending.Wait()
	e.propagator.Wait()
}

// Shutdown stops accepting invalidations and drains background work until
// ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.propagator.Shutdown(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		e.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: shutdown: %w", ctx.Err())
	}
}

// writeBack stores attrs in the cache without blocking the caller. Failures
// are logged and counted only. A write rejected because the block was
// invalidated meanwhile is dropped.
func (e *Engine) writeBack(ctx context.Context, key store.CacheKey, attrs models.DerivedAttributes) {
	e.pending.Add(1)
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer e.pending.Done()
		err := e.cache.Put(ctx, key, attrs)
		if errors.Is(err, store.ErrStaleWrite) {
			applog.Debug(ctx, "discarding write-back superseded by invalidation", "key", key.String())
			return
		}
		e.metrics.ObserveCacheWrite(err)
		if err != nil {
			applog.Warn(ctx, "failed to write derived attributes", "key", key.String(), "error", err)
		}
	}()
}

func (e *Engine) record(ctx context.Context, kind string, ref store.EntityRef, detail string) {
	e.issues.Record(ctx, integrity.Issue{
		Kind:       kind,
		EntityKind: ref.Kind,
		EntityID:   ref.ID,
		Detail:     detail,
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrNotFound)
}

func notFound(err error, ref store.EntityRef) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return fmt.Errorf("load %s: %w", ref, err)
}
