// Package invalidation marks cached derived attributes stale when an
// ingredient or recipe changes, following reverse composition edges to every
// transitive dependent.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	applog "mise/internal/log"
	"mise/internal/metrics"
	"mise/internal/store"
	"mise/models"
)

const defaultConcurrency = 4

var (
	// ErrUnsupportedKind is returned for mutations that cannot have dependents.
	ErrUnsupportedKind = errors.New("invalidation: only ingredients and recipes propagate")
	// ErrClosed is returned once Shutdown has been called.
	ErrClosed = errors.New("invalidation: propagator is shut down")
)

// Failure records a dependent that could not be processed.
type Failure struct {
	Ref   store.EntityRef `json:"ref"`
	Error string          `json:"error"`
}

// Report summarises one propagation run.
type Report struct {
	Ticket  string            `json:"ticket"`
	Root    store.EntityRef   `json:"root"`
	Visited []store.EntityRef `json:"visited"`
	Marked  int               `json:"marked"`
	Failed  []Failure         `json:"failed,omitempty"`
}

// Option customises a Propagator.
type Option func(*Propagator)

// WithConcurrency bounds how many dependents of one level are processed at once.
func WithConcurrency(n int) Option {
	return func(p *Propagator) {
		if n > 0 {
			p.limit = n
		}
	}
}

// WithMetrics records every mark attempt.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Propagator) {
		p.metrics = m
	}
}

// Propagator walks reverse edges breadth first and marks each dependent stale.
type Propagator struct {
	edges   store.EdgeLookup
	cache   store.CacheStore
	metrics *metrics.Metrics
	limit   int

	mu     sync.Mutex
	closed bool
	runs   sync.WaitGroup
}

// New builds a Propagator.
func New(edges store.EdgeLookup, cache store.CacheStore, opts ...Option) *Propagator {
	p := &Propagator{
		edges: edges,
		cache: cache,
		limit: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Invalidate starts a propagation in the background and returns its ticket.
// The run is detached from ctx cancellation; use Wait or Shutdown to drain.
func (p *Propagator) Invalidate(ctx context.Context, root store.EntityRef) (string, error) {
	if err := checkRoot(root); err != nil {
		return "", err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}
	p.runs.Add(1)
	p.mu.Unlock()

	ticket := uuid.NewString()
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer p.runs.Done()
		report := p.propagate(runCtx, ticket, root)
		applog.Info(runCtx, "invalidation finished",
			"ticket", ticket,
			"root", root.String(),
			"visited", len(report.Visited),
			"marked", report.Marked,
			"failed", len(report.Failed),
		)
	}()
	return ticket, nil
}

// Propagate runs a propagation synchronously.
func (p *Propagator) Propagate(ctx context.Context, root store.EntityRef) (Report, error) {
	if err := checkRoot(root); err != nil {
		return Report{}, err
	}
	return p.propagate(ctx, uuid.NewString(), root), nil
}

// Wait blocks until every background run has finished.
func (p *Propagator) Wait() {
	p.runs.Wait()
}

// Shutdown refuses new runs and waits for in-flight ones until ctx is done.
func (p *Propagator) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("invalidation: shutdown: %w", ctx.Err())
	}
}

func checkRoot(root store.EntityRef) error {
	switch root.Kind {
	case models.KindIngredient, models.KindRecipe:
		return nil
	default:
		return fmt.Errorf("%w: got %s", ErrUnsupportedKind, root.Kind)
	}
}

func (p *Propagator) propagate(ctx context.Context, ticket string, root store.EntityRef) Report {
	report := Report{Ticket: ticket, Root: root}
	visited := map[store.EntityRef]struct{}{root: {}}
	var mu sync.Mutex

	// A changed recipe's own composition is outdated too. Ingredients carry no cache.
	if root.Kind == models.KindRecipe {
		p.markAll(ctx, []store.EntityRef{root}, &report, &mu)
	}

	frontier := []store.EntityRef{root}
	for len(frontier) > 0 {
		found := p.expand(ctx, frontier, &report, &mu)

		next := make([]store.EntityRef, 0, len(found))
		for _, ref := range found {
			if _, seen := visited[ref]; seen {
				continue
			}
			visited[ref] = struct{}{}
			next = append(next, ref)
		}
		report.Visited = append(report.Visited, next...)
		p.markAll(ctx, next, &report, &mu)
		frontier = next
	}
	return report
}

// expand returns the direct dependents of every node in the frontier, sorted.
func (p *Propagator) expand(ctx context.Context, frontier []store.EntityRef, report *Report, mu *sync.Mutex) []store.EntityRef {
	var (
		g     errgroup.Group
		found []store.EntityRef
	)
	g.SetLimit(p.limit)
	for _, ref := range frontier {
		g.Go(func() error {
			deps, err := p.edges.Dependents(ctx, ref)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				applog.Warn(ctx, "failed to load dependents", "ref", ref.String(), "error", err)
				report.Failed = append(report.Failed, Failure{Ref: ref, Error: err.Error()})
				return nil
			}
			found = append(found, deps...)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(found, func(i, j int) bool {
		if found[i].Kind != found[j].Kind {
			return found[i].Kind < found[j].Kind
		}
		return found[i].ID < found[j].ID
	})
	return found
}

func (p *Propagator) markAll(ctx context.Context, refs []store.EntityRef, report *Report, mu *sync.Mutex) {
	var g errgroup.Group
	g.SetLimit(p.limit)
	for _, ref := range refs {
		g.Go(func() error {
			err := p.cache.MarkStale(ctx, ref)
			p.metrics.ObserveInvalidation(string(ref.Kind), err)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				applog.Warn(ctx, "failed to mark dependent stale", "ref", ref.String(), "error", err)
				report.Failed = append(report.Failed, Failure{Ref: ref, Error: err.Error()})
				return nil
			}
			report.Marked++
			return nil
		})
	}
	_ = g.Wait()
}
