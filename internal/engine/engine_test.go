package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gorm.io/gorm"

	"mise/internal/ai"
	"mise/internal/db/dbtest"
	"mise/internal/db/mock"
	"mise/internal/integrity"
	"mise/internal/store"
	"mise/models"
)

// Seeded ids, in creation order.
const (
	romaineID     uint = 1
	parmesanID    uint = 2
	anchovyID     uint = 3
	takeawayBoxID uint = 6
	caesarID      uint = 1
	lunchBoxID    uint = 1
	greensID      uint = 2
)

var fixedNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

type issueLog struct {
	mu     sync.Mutex
	issues []integrity.Issue
}

func (l *issueLog) Record(_ context.Context, issue integrity.Issue) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.issues = append(l.issues, issue)
}

func (l *issueLog) ofKind(kind string) []integrity.Issue {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []integrity.Issue
	for _, issue := range l.issues {
		if issue.Kind == kind {
			out = append(out, issue)
		}
	}
	return out
}

type fakeDetector struct {
	mu      sync.Mutex
	calls   map[models.Attribute]int
	respond func(ctx context.Context, req ai.DetectionRequest) (ai.Detection, error)
}

func (d *fakeDetector) Detect(ctx context.Context, req ai.DetectionRequest) (ai.Detection, error) {
	d.mu.Lock()
	if d.calls == nil {
		d.calls = make(map[models.Attribute]int)
	}
	d.calls[req.Attribute]++
	d.mu.Unlock()
	return d.respond(ctx, req)
}

func (d *fakeDetector) count(attr models.Attribute) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[attr]
}

// flakyStore fails composition reads on demand.
type flakyStore struct {
	*store.Gorm
	fail atomic.Bool
}

func (s *flakyStore) RecipeLines(ctx context.Context, recipeID uint) ([]store.Line, error) {
	if s.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return s.Gorm.RecipeLines(ctx, recipeID)
}

// countingCache counts stale marks per entity.
type countingCache struct {
	*store.Gorm
	mu    sync.Mutex
	marks map[store.EntityRef]int
}

func (c *countingCache) MarkStale(ctx context.Context, ref store.EntityRef) error {
	c.mu.Lock()
	c.marks[ref]++
	c.mu.Unlock()
	return c.Gorm.MarkStale(ctx, ref)
}

type harness struct {
	engine *Engine
	db     *gorm.DB
	gorm   *store.Gorm
	issues *issueLog
}

func newHarness(t *testing.T, opts ...Option) harness {
	t.Helper()
	database := dbtest.Open(t)
	require.NoError(t, mock.Seed(context.Background(), database))
	g := store.NewGorm(database)
	return newHarnessWith(t, database, g, g, g, opts...)
}

func newHarnessWith(t *testing.T, database *gorm.DB, entities store.EntityStore, edges store.EdgeLookup, cache store.CacheStore, opts ...Option) harness {
	t.Helper()
	issues := &issueLog{}
	base := []Option{WithClock(func() time.Time { return fixedNow }), WithIntegrity(issues)}
	e := New(entities, edges, cache, append(base, opts...)...)
	t.Cleanup(e.Flush)
	return harness{engine: e, db: database, gorm: store.NewGorm(database), issues: issues}
}

func (h harness) cached(t *testing.T, kind models.EntityKind, id uint, attr models.Attribute) models.DerivedAttributes {
	t.Helper()
	h.engine.Flush()
	attrs, found, err := h.gorm.Get(context.Background(), store.CacheKey{Kind: kind, ID: id, Attribute: attr})
	require.NoError(t, err)
	require.True(t, found)
	return attrs
}

func createIngredient(t *testing.T, database *gorm.DB, ing models.Ingredient) models.Ingredient {
	t.Helper()
	require.NoError(t, database.Create(&ing).Error)
	return ing
}

func createRecipe(t *testing.T, database *gorm.DB, name string, ingredientIDs ...uint) models.Recipe {
	t.Helper()
	recipe := models.Recipe{Name: name, Portions: 1}
	require.NoError(t, database.Create(&recipe).Error)
	for i, id := range ingredientIDs {
		line := models.RecipeLine{RecipeID: recipe.ID, IngredientID: id, Position: i, Quantity: 100, Unit: "g"}
		require.NoError(t, database.Create(&line).Error)
	}
	return recipe
}

func TestCaesarSaladEndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	allergens, err := h.engine.AggregateRecipeAllergens(ctx, caesarID)
	require.NoError(t, err)
	assert.Equal(t, models.AllergenCodes{"fish", "milk"}, allergens)

	dietary, err := h.engine.ResolveRecipeDietaryStatus(ctx, caesarID, ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.AllergenCodes{"fish", "milk"}, dietary.Allergens)
	require.NotNil(t, dietary.IsVegetarian)
	require.NotNil(t, dietary.IsVegan)
	assert.False(t, *dietary.IsVegetarian)
	assert.False(t, *dietary.IsVegan)
	assert.Equal(t, models.ConfidenceMedium, dietary.Confidence)
	assert.Equal(t, models.MethodRule, dietary.Method)

	stored := h.cached(t, models.KindRecipe, caesarID, models.AttributeDietary)
	assert.Equal(t, models.MethodRule, stored.Method)
	assert.False(t, stored.Stale)
}

func TestDishDietaryAggregatesRecipesAndIngredients(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	lunch, err := h.engine.AggregateDishDietaryStatus(ctx, lunchBoxID, ResolveOptions{})
	require.NoError(t, err)
	require.NotNil(t, lunch)
	assert.Equal(t, models.AllergenCodes{"fish", "milk"}, lunch.Allergens)
	assert.False(t, *lunch.IsVegetarian)
	assert.False(t, *lunch.IsVegan)

	greens, err := h.engine.AggregateDishDietaryStatus(ctx, greensID, ResolveOptions{})
	require.NoError(t, err)
	require.NotNil(t, greens)
	assert.Equal(t, models.AllergenCodes{"sulphites"}, greens.Allergens)
	assert.True(t, *greens.IsVegetarian)
	assert.True(t, *greens.IsVegan)
	assert.Equal(t, models.ConfidenceMedium, greens.Confidence)
}

func TestResolveIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.engine.AggregateDishDietaryStatus(ctx, lunchBoxID, ResolveOptions{})
	require.NoError(t, err)
	h.engine.Flush()
	second, err := h.engine.AggregateDishDietaryStatus(ctx, lunchBoxID, ResolveOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.Allergens, second.Allergens)
	assert.Equal(t, first.IsVegetarian, second.IsVegetarian)
	assert.Equal(t, first.IsVegan, second.IsVegan)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, first.Method, second.Method)
	require.NotNil(t, second.ComputedAt)
	assert.True(t, first.ComputedAt.Equal(*second.ComputedAt))
}

func TestMissingEntities(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	dish, err := h.engine.AggregateDishDietaryStatus(ctx, 999, ResolveOptions{})
	assert.NoError(t, err)
	assert.Nil(t, dish)

	_, err = h.engine.AggregateRecipeAllergens(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.engine.Resolve(ctx, store.EntityRef{Kind: models.KindIngredient, ID: romaineID}, models.AttributeAllergens, ResolveOptions{})
	assert.Error(t, err)
}

func TestEmptyCompositionIsUndetermined(t *testing.T) {
	t.Parallel()
	detector := &fakeDetector{respond: func(context.Context, ai.DetectionRequest) (ai.Detection, error) {
		return ai.Detection{}, errors.New("must not be called")
	}}
	h := newHarness(t, WithDetector(detector))
	empty := createRecipe(t, h.db, "Empty")

	got, err := h.engine.ResolveRecipeDietaryStatus(context.Background(), empty.ID, ResolveOptions{})
	require.NoError(t, err)
	assert.Empty(t, got.Allergens)
	assert.Nil(t, got.IsVegetarian)
	assert.Nil(t, got.IsVegan)
	assert.Equal(t, models.ConfidenceLow, got.Confidence)
	assert.Equal(t, models.MethodRule, got.Method)
	assert.Zero(t, detector.count(models.AttributeDietary))
}

func TestInvalidationCascadeForcesRecompute(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	before, err := h.engine.AggregateRecipeAllergens(ctx, caesarID)
	require.NoError(t, err)
	assert.Equal(t, models.AllergenCodes{"fish", "milk"}, before)
	_, err = h.engine.AggregateDishDietaryStatus(ctx, lunchBoxID, ResolveOptions{})
	require.NoError(t, err)
	h.engine.Flush()

	require.NoError(t, h.db.Model(&models.Ingredient{}).Where("id = ?", parmesanID).
		Update("allergens", models.AllergenCodes{"milk", "eggs"}).Error)

	unchanged, err := h.engine.AggregateRecipeAllergens(ctx, caesarID)
	require.NoError(t, err)
	assert.Equal(t, models.AllergenCodes{"fish", "milk"}, unchanged, "cache serves until invalidated")

	report, err := h.engine.Propagate(ctx, parmesanID, models.KindIngredient)
	require.NoError(t, err)
	assert.Equal(t, []store.EntityRef{
		{Kind: models.KindRecipe, ID: caesarID},
		{Kind: models.KindDish, ID: lunchBoxID},
	}, report.Visited)
	assert.True(t, h.cached(t, models.KindDish, lunchBoxID, models.AttributeDietary).Stale)

	after, err := h.engine.AggregateRecipeAllergens(ctx, caesarID)
	require.NoError(t, err)
	assert.Equal(t, models.AllergenCodes{"eggs", "fish", "milk"}, after)

	dish, err := h.engine.AggregateDishDietaryStatus(ctx, lunchBoxID, ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.AllergenCodes{"eggs", "fish", "milk"}, dish.Allergens)
}

// gatedCache holds every Put until the gate is closed.
type gatedCache struct {
	*store.Gorm
	gate chan struct{}
}

func (c *gatedCache) Put(ctx context.Context, key store.CacheKey, attrs models.DerivedAttributes) error {
	<-c.gate
	return c.Gorm.Put(ctx, key, attrs)
}

func TestLateWriteBackDoesNotUndoInvalidation(t *testing.T) {
	t.Parallel()
	database := dbtest.Open(t)
	require.NoError(t, mock.Seed(context.Background(), database))
	g := store.NewGorm(database)
	cache := &gatedCache{Gorm: g, gate: make(chan struct{})}
	h := newHarnessWith(t, database, g, g, cache)
	release := sync.OnceFunc(func() { close(cache.gate) })
	t.Cleanup(release)
	ctx := context.Background()

	before, err := h.engine.AggregateRecipeAllergens(ctx, caesarID)
	require.NoError(t, err)
	assert.Equal(t, models.AllergenCodes{"fish", "milk"}, before)

	require.NoError(t, database.Model(&models.Ingredient{}).Where("id = ?", parmesanID).
		Update("allergens", models.AllergenCodes{"milk", "eggs"}).Error)
	_, err = h.engine.Propagate(ctx, parmesanID, models.KindIngredient)
	require.NoError(t, err)

	release()
	h.engine.Flush()

	stored, _, err := g.Get(ctx, store.CacheKey{Kind: models.KindRecipe, ID: caesarID, Attribute: models.AttributeAllergens})
	require.NoError(t, err)
	assert.True(t, stored.Stale, "write-back computed before the invalidation is discarded")

	after, err := h.engine.AggregateRecipeAllergens(ctx, caesarID)
	require.NoError(t, err)
	assert.Equal(t, models.AllergenCodes{"eggs", "fish", "milk"}, after)
	h.engine.Flush()
	assert.False(t, h.cached(t, models.KindRecipe, caesarID, models.AttributeAllergens).Stale)
}

func TestInvalidationMarksDiamondDependentOnce(t *testing.T) {
	t.Parallel()
	database := dbtest.Open(t)
	require.NoError(t, mock.Seed(context.Background(), database))

	// Dish 3 uses romaine directly and through the Caesar salad.
	diamond := models.Dish{Name: "Double Romaine"}
	require.NoError(t, database.Create(&diamond).Error)
	caesar, romaine := caesarID, romaineID
	require.NoError(t, database.Create(&models.DishComponent{DishID: diamond.ID, Position: 1, Quantity: 1, RecipeID: &caesar}).Error)
	require.NoError(t, database.Create(&models.DishComponent{DishID: diamond.ID, Position: 2, Quantity: 50, Unit: "g", IngredientID: &romaine}).Error)

	g := store.NewGorm(database)
	cache := &countingCache{Gorm: g, marks: map[store.EntityRef]int{}}
	h := newHarnessWith(t, database, g, g, cache, WithInvalidationConcurrency(2))

	report, err := h.engine.Propagate(context.Background(), romaineID, models.KindIngredient)
	require.NoError(t, err)

	diamondRef := store.EntityRef{Kind: models.KindDish, ID: diamond.ID}
	assert.Equal(t, 1, cache.marks[diamondRef])
	assert.Equal(t, 1, cache.marks[store.EntityRef{Kind: models.KindRecipe, ID: caesarID}])
	assert.Equal(t, 1, cache.marks[store.EntityRef{Kind: models.KindDish, ID: greensID}])
	assert.Equal(t, 1, cache.marks[store.EntityRef{Kind: models.KindDish, ID: lunchBoxID}])
	assert.Equal(t, 4, report.Marked)
	assert.Len(t, report.Visited, 4)
}

func TestInvalidateReturnsTicket(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.AggregateRecipeAllergens(ctx, caesarID)
	require.NoError(t, err)
	h.engine.Flush()

	ticket, err := h.engine.Invalidate(ctx, anchovyID, models.KindIngredient)
	require.NoError(t, err)
	assert.Len(t, ticket, 36)

	assert.True(t, h.cached(t, models.KindRecipe, caesarID, models.AttributeAllergens).Stale)

	_, err = h.engine.Invalidate(ctx, lunchBoxID, models.KindDish)
	assert.Error(t, err)
}

func TestVeganContradictionManualTier(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	require.NoError(t, h.db.Model(&models.Recipe{}).Where("id = ?", caesarID).Updates(map[string]any{
		"override_dietary_manual": true,
		"override_is_vegetarian":  true,
		"override_is_vegan":       true,
	}).Error)

	got, err := h.engine.ResolveRecipeDietaryStatus(context.Background(), caesarID, ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.MethodManual, got.Method)
	assert.Equal(t, models.ConfidenceHigh, got.Confidence)
	assert.True(t, *got.IsVegetarian)
	assert.False(t, *got.IsVegan)

	issues := h.issues.ofKind(models.IssueVeganContradiction)
	require.Len(t, issues, 1)
	assert.Equal(t, models.KindRecipe, issues[0].EntityKind)
	assert.Contains(t, issues[0].Detail, "method=manual")
}

func TestVeganContradictionCachedTier(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	stamp := fixedNow
	require.NoError(t, h.gorm.Put(ctx, store.CacheKey{Kind: models.KindDish, ID: greensID, Attribute: models.AttributeDietary}, models.DerivedAttributes{
		Allergens:    models.AllergenCodes{"milk"},
		IsVegetarian: models.BoolPtr(true),
		IsVegan:      models.BoolPtr(true),
		Confidence:   models.ConfidenceMedium,
		Method:       models.MethodAI,
		ComputedAt:   &stamp,
	}))

	got, err := h.engine.AggregateDishDietaryStatus(ctx, greensID, ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.MethodAI, got.Method)
	assert.False(t, *got.IsVegan)
	assert.Len(t, h.issues.ofKind(models.IssueVeganContradiction), 1)

	stored := h.cached(t, models.KindDish, greensID, models.AttributeDietary)
	require.NotNil(t, stored.IsVegan)
	assert.False(t, *stored.IsVegan, "corrected block is written back")

	for range 3 {
		again, err := h.engine.AggregateDishDietaryStatus(ctx, greensID, ResolveOptions{})
		require.NoError(t, err)
		assert.False(t, *again.IsVegan)
		h.engine.Flush()
	}
	assert.Len(t, h.issues.ofKind(models.IssueVeganContradiction), 1, "a corrected block is recorded once")
}

func TestVeganContradictionRuleTier(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	butter := createIngredient(t, h.db, models.Ingredient{
		Name:          "Cultured Butter",
		Category:      "dairy",
		Allergens:     models.AllergenCodes{"milk"},
		DietaryManual: true,
		IsVegetarian:  models.BoolPtr(true),
		IsVegan:       models.BoolPtr(true),
	})
	recipe := createRecipe(t, h.db, "Beurre Noisette", butter.ID)

	got, err := h.engine.ResolveRecipeDietaryStatus(context.Background(), recipe.ID, ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.MethodRule, got.Method)
	assert.True(t, *got.IsVegetarian)
	assert.False(t, *got.IsVegan)

	issues := h.issues.ofKind(models.IssueVeganContradiction)
	require.Len(t, issues, 1)
	assert.Equal(t, models.KindRecipe, issues[0].EntityKind)
	assert.Equal(t, recipe.ID, issues[0].EntityID)
	assert.Contains(t, issues[0].Detail, "Cultured Butter")
	assert.Contains(t, issues[0].Detail, "milk")

	h.engine.Flush()
	_, err = h.engine.ResolveRecipeDietaryStatus(context.Background(), recipe.ID, ResolveOptions{})
	require.NoError(t, err)
	assert.Len(t, h.issues.ofKind(models.IssueVeganContradiction), 1, "cached result carries the correction")
}

func TestVeganContradictionAITier(t *testing.T) {
	t.Parallel()
	detector := &fakeDetector{respond: func(_ context.Context, req ai.DetectionRequest) (ai.Detection, error) {
		if req.Attribute == models.AttributeAllergens {
			return ai.Detection{Allergens: models.AllergenCodes{}, Confidence: models.ConfidenceMedium}, nil
		}
		return ai.Detection{
			Allergens:    models.AllergenCodes{"milk"},
			IsVegetarian: models.BoolPtr(true),
			IsVegan:      models.BoolPtr(true),
			Confidence:   models.ConfidenceHigh,
		}, nil
	}}
	h := newHarness(t, WithDetector(detector))
	mystery := createIngredient(t, h.db, models.Ingredient{Name: "House Base"})
	recipe := createRecipe(t, h.db, "Mystery Sauce", mystery.ID)

	got, err := h.engine.ResolveRecipeDietaryStatus(context.Background(), recipe.ID, ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.MethodAI, got.Method)
	assert.Equal(t, models.ConfidenceHigh, got.Confidence)
	assert.Equal(t, models.AllergenCodes{"milk"}, got.Allergens)
	assert.True(t, *got.IsVegetarian)
	assert.False(t, *got.IsVegan)
	assert.Len(t, h.issues.ofKind(models.IssueVeganContradiction), 1)
}

func TestForceAINeverRelaxesRuleNegatives(t *testing.T) {
	t.Parallel()
	detector := &fakeDetector{respond: func(context.Context, ai.DetectionRequest) (ai.Detection, error) {
		return ai.Detection{
			Allergens:    models.AllergenCodes{"mustard"},
			IsVegetarian: models.BoolPtr(true),
			IsVegan:      models.BoolPtr(true),
			Confidence:   models.ConfidenceLow,
		}, nil
	}}
	h := newHarness(t, WithDetector(detector))

	got, err := h.engine.ResolveRecipeDietaryStatus(context.Background(), caesarID, ResolveOptions{ForceAI: true})
	require.NoError(t, err)
	assert.Equal(t, models.MethodAI, got.Method)
	assert.Equal(t, models.ConfidenceMedium, got.Confidence)
	assert.Equal(t, models.AllergenCodes{"fish", "milk", "mustard"}, got.Allergens)
	assert.False(t, *got.IsVegetarian)
	assert.False(t, *got.IsVegan)
	assert.Equal(t, 1, detector.count(models.AttributeDietary))
	assert.Zero(t, detector.count(models.AttributeAllergens), "nested allergen resolution is rule-confident")
}

func TestAIFailureFallsBackToRule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		respond func(ctx context.Context, req ai.DetectionRequest) (ai.Detection, error)
	}{
		{
			name: "error",
			respond: func(context.Context, ai.DetectionRequest) (ai.Detection, error) {
				return ai.Detection{}, ai.ErrUnavailable
			},
		},
		{
			name: "timeout",
			respond: func(ctx context.Context, _ ai.DetectionRequest) (ai.Detection, error) {
				<-ctx.Done()
				return ai.Detection{}, ctx.Err()
			},
		},
		{
			name: "disabled",
			respond: func(context.Context, ai.DetectionRequest) (ai.Detection, error) {
				return ai.Detection{}, ai.ErrDisabled
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			detector := &fakeDetector{respond: tc.respond}
			h := newHarness(t, WithDetector(detector), WithAITimeout(20*time.Millisecond))
			mystery := createIngredient(t, h.db, models.Ingredient{Name: "Secret Spice Blend"})
			recipe := createRecipe(t, h.db, "Rub", mystery.ID)

			got, err := h.engine.ResolveRecipeAllergens(context.Background(), recipe.ID, ResolveOptions{})
			require.NoError(t, err)
			assert.Equal(t, models.MethodRule, got.Method)
			assert.Equal(t, models.ConfidenceLow, got.Confidence)
			assert.Empty(t, got.Allergens)
			assert.Equal(t, 1, detector.count(models.AttributeAllergens))
		})
	}
}

func TestAbandonedCallerStillPopulatesCache(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	detector := &fakeDetector{respond: func(context.Context, ai.DetectionRequest) (ai.Detection, error) {
		<-release
		return ai.Detection{Allergens: models.AllergenCodes{"sesame"}, Confidence: models.ConfidenceHigh}, nil
	}}
	h := newHarness(t, WithDetector(detector), WithAITimeout(5*time.Second))
	mystery := createIngredient(t, h.db, models.Ingredient{Name: "Dukkah"})
	recipe := createRecipe(t, h.db, "Crusted Carrots", mystery.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.engine.ResolveRecipeAllergens(ctx, recipe.ID, ResolveOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	stored := h.cached(t, models.KindRecipe, recipe.ID, models.AttributeAllergens)
	assert.Equal(t, models.MethodAI, stored.Method)
	assert.Equal(t, models.AllergenCodes{"sesame"}, stored.Allergens)
}

func TestConcurrentAICallsAreDeduplicated(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	detector := &fakeDetector{respond: func(context.Context, ai.DetectionRequest) (ai.Detection, error) {
		<-release
		return ai.Detection{Allergens: models.AllergenCodes{"soya"}, Confidence: models.ConfidenceMedium}, nil
	}}
	h := newHarness(t, WithDetector(detector))

	var wg sync.WaitGroup
	results := make([]*models.DerivedAttributes, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := h.engine.ResolveRecipeAllergens(context.Background(), caesarID, ResolveOptions{ForceAI: true})
			if err == nil {
				results[i] = got
			}
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, detector.count(models.AttributeAllergens))
	for _, got := range results {
		require.NotNil(t, got)
		assert.Equal(t, models.AllergenCodes{"fish", "milk", "soya"}, got.Allergens)
	}
}

func TestDanglingReferenceIsExcludedAndRecorded(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	require.NoError(t, h.db.Unscoped().Delete(&models.Ingredient{}, anchovyID).Error)

	got, err := h.engine.AggregateRecipeAllergens(context.Background(), caesarID)
	require.NoError(t, err)
	assert.Equal(t, models.AllergenCodes{"milk"}, got)

	issues := h.issues.ofKind(models.IssueDanglingReference)
	require.NotEmpty(t, issues)
	assert.Equal(t, caesarID, issues[0].EntityID)
	assert.Contains(t, issues[0].Detail, "ingredient 3")
}

func TestStaleCacheServedWhenCompositionUnreadable(t *testing.T) {
	t.Parallel()
	database := dbtest.Open(t)
	require.NoError(t, mock.Seed(context.Background(), database))
	g := store.NewGorm(database)
	flaky := &flakyStore{Gorm: g}
	h := newHarnessWith(t, database, flaky, g, g)
	ctx := context.Background()

	_, err := h.engine.AggregateRecipeAllergens(ctx, caesarID)
	require.NoError(t, err)
	h.engine.Flush()
	_, err = h.engine.Propagate(ctx, caesarID, models.KindRecipe)
	require.NoError(t, err)

	flaky.fail.Store(true)
	got, err := h.engine.ResolveRecipeAllergens(ctx, caesarID, ResolveOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.MethodCached, got.Method)
	assert.Equal(t, models.ConfidenceLow, got.Confidence)
	assert.Equal(t, models.AllergenCodes{"fish", "milk"}, got.Allergens)

	fresh := createRecipe(t, database, "Never Cached", romaineID)
	_, err = h.engine.ResolveRecipeAllergens(ctx, fresh.ID, ResolveOptions{})
	assert.Error(t, err)
}

func TestBatchToleratesFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithBatchConcurrency(2))
	ctx := context.Background()

	dishes := h.engine.BatchDishDietaryStatus(ctx, []uint{lunchBoxID, greensID, 404}, ResolveOptions{})
	require.Len(t, dishes, 3)
	assert.False(t, *dishes[lunchBoxID].IsVegan)
	assert.True(t, *dishes[greensID].IsVegan)
	assert.Equal(t, models.Undetermined(), dishes[404])

	recipes := h.engine.BatchRecipeDietaryStatus(ctx, []uint{caesarID, 404}, ResolveOptions{})
	assert.Equal(t, models.MethodRule, recipes[caesarID].Method)
	assert.Nil(t, recipes[404].IsVegetarian)

	allergens := h.engine.BatchRecipeAllergens(ctx, []uint{caesarID, 2, 404})
	assert.Equal(t, models.AllergenCodes{"fish", "milk"}, allergens[caesarID])
	assert.Equal(t, models.AllergenCodes{"sulphites"}, allergens[2])
	assert.Empty(t, allergens[404])
}
