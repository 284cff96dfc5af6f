package invalidation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mise/internal/store"
	"mise/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func ingredient(id uint) store.EntityRef { return store.EntityRef{Kind: models.KindIngredient, ID: id} }
func recipe(id uint) store.EntityRef     { return store.EntityRef{Kind: models.KindRecipe, ID: id} }
func dish(id uint) store.EntityRef       { return store.EntityRef{Kind: models.KindDish, ID: id} }

type graph struct {
	edges map[store.EntityRef][]store.EntityRef
	fail  map[store.EntityRef]bool
}

func (g graph) Dependents(_ context.Context, ref store.EntityRef) ([]store.EntityRef, error) {
	if g.fail[ref] {
		return nil, errors.New("edge lookup failed")
	}
	return g.edges[ref], nil
}

type countingCache struct {
	mu    sync.Mutex
	marks map[store.EntityRef]int
	fail  map[store.EntityRef]bool
	delay time.Duration
}

func newCountingCache() *countingCache {
	return &countingCache{marks: map[store.EntityRef]int{}, fail: map[store.EntityRef]bool{}}
}

func (c *countingCache) Get(context.Context, store.CacheKey) (models.DerivedAttributes, bool, error) {
	return models.DerivedAttributes{}, false, nil
}

func (c *countingCache) Put(context.Context, store.CacheKey, models.DerivedAttributes) error {
	return nil
}

func (c *countingCache) MarkStale(_ context.Context, ref store.EntityRef) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks[ref]++
	if c.fail[ref] {
		return errors.New("write failed")
	}
	return nil
}

func (c *countingCache) count(ref store.EntityRef) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.marks[ref]
}

// diamond: ingredient 1 feeds recipes 10 and 11, both composed into dish 100.
func diamond() graph {
	return graph{edges: map[store.EntityRef][]store.EntityRef{
		ingredient(1): {recipe(10), recipe(11)},
		recipe(10):    {dish(100)},
		recipe(11):    {dish(100)},
	}}
}

func TestPropagateMarksDiamondDependentOnce(t *testing.T) {
	t.Parallel()

	cache := newCountingCache()
	p := New(diamond(), cache, WithConcurrency(2))

	report, err := p.Propagate(context.Background(), ingredient(1))
	require.NoError(t, err)

	assert.Equal(t, []store.EntityRef{recipe(10), recipe(11), dish(100)}, report.Visited)
	assert.Equal(t, 3, report.Marked)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 1, cache.count(dish(100)))
	assert.Equal(t, 0, cache.count(ingredient(1)))
	assert.NotEmpty(t, report.Ticket)
}

func TestPropagateFromRecipeMarksItself(t *testing.T) {
	t.Parallel()

	cache := newCountingCache()
	p := New(diamond(), cache)

	report, err := p.Propagate(context.Background(), recipe(10))
	require.NoError(t, err)

	assert.Equal(t, []store.EntityRef{dish(100)}, report.Visited)
	assert.Equal(t, 2, report.Marked)
	assert.Equal(t, 1, cache.count(recipe(10)))
	assert.Equal(t, 0, cache.count(recipe(11)))
}

func TestPropagateContinuesPastFailures(t *testing.T) {
	t.Parallel()

	g := diamond()
	g.fail = map[store.EntityRef]bool{recipe(11): true}
	cache := newCountingCache()
	cache.fail[recipe(10)] = true

	report, err := New(g, cache).Propagate(context.Background(), ingredient(1))
	require.NoError(t, err)

	assert.Equal(t, 1, cache.count(dish(100)), "dish still reached through the failing recipe")
	assert.Equal(t, 2, report.Marked)
	require.Len(t, report.Failed, 2)
	failed := []store.EntityRef{report.Failed[0].Ref, report.Failed[1].Ref}
	assert.ElementsMatch(t, []store.EntityRef{recipe(10), recipe(11)}, failed)
}

func TestPropagateRejectsDishRoot(t *testing.T) {
	t.Parallel()

	_, err := New(diamond(), newCountingCache()).Propagate(context.Background(), dish(100))
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestPropagateWithoutDependents(t *testing.T) {
	t.Parallel()

	report, err := New(graph{}, newCountingCache()).Propagate(context.Background(), ingredient(7))
	require.NoError(t, err)
	assert.Empty(t, report.Visited)
	assert.Zero(t, report.Marked)
}

func TestInvalidateRunsInBackgroundAndDrains(t *testing.T) {
	cache := newCountingCache()
	cache.delay = 5 * time.Millisecond
	p := New(diamond(), cache)

	ctx, cancel := context.WithCancel(context.Background())
	ticket, err := p.Invalidate(ctx, ingredient(1))
	require.NoError(t, err)
	cancel()
	assert.NotEmpty(t, ticket)

	p.Wait()
	assert.Equal(t, 1, cache.count(dish(100)), "cancelled caller does not stop the run")
	assert.Equal(t, 1, cache.count(recipe(10)))
}

func TestShutdownRefusesNewRuns(t *testing.T) {
	cache := newCountingCache()
	p := New(diamond(), cache)

	_, err := p.Invalidate(context.Background(), ingredient(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, 1, cache.count(dish(100)))

	_, err = p.Invalidate(context.Background(), ingredient(1))
	assert.ErrorIs(t, err, ErrClosed)
}
