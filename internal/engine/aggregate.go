package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mise/internal/ai"
	applog "mise/internal/log"
	"mise/internal/rules"
	"mise/internal/store"
	"mise/models"
)

// memo shares resolutions within one request so a recipe used twice by a
// dish, or needed by both of its attributes, is resolved once.
type memo struct {
	mu      sync.Mutex
	results map[store.CacheKey]models.DerivedAttributes
	names   map[store.EntityRef]string
}

func newMemo() *memo {
	return &memo{
		results: make(map[store.CacheKey]models.DerivedAttributes),
		names:   make(map[store.EntityRef]string),
	}
}

func (m *memo) get(key store.CacheKey) (models.DerivedAttributes, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attrs, ok := m.results[key]
	return attrs, ok
}

func (m *memo) put(key store.CacheKey, attrs models.DerivedAttributes) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[key] = attrs
}

func (m *memo) setName(ref store.EntityRef, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[ref] = name
}

func (m *memo) name(ref store.EntityRef) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.names[ref]
}

// composition is the rule-tier input for one entity.
type composition struct {
	parts []rules.Assessment
	// extra carries allergens resolved separately for the dietary attribute.
	extra   models.AllergenCodes
	request ai.DetectionRequest
}

func (c composition) empty() bool {
	return len(c.parts) == 0
}

// attributes builds the rule-tier block. Dietary claims the allergen evidence
// overturned are returned as corrections.
func (c composition) attributes(attr models.Attribute, now time.Time) (models.DerivedAttributes, []rules.Correction) {
	stamp := now
	if c.empty() {
		attrs := models.Undetermined()
		attrs.ComputedAt = &stamp
		return attrs, nil
	}

	combined := rules.Combine(c.parts)
	attrs := models.DerivedAttributes{
		Allergens:  combined.Allergens,
		Method:     models.MethodRule,
		Confidence: models.ConfidenceLow,
		ComputedAt: &stamp,
	}

	var corrections []rules.Correction
	switch attr {
	case models.AttributeAllergens:
		if combined.AllergensKnown {
			attrs.Confidence = models.ConfidenceMedium
		}
	case models.AttributeDietary:
		corrections = combined.Corrections
		attrs.Allergens, _ = rules.Consolidate(combined.Allergens, c.extra)
		attrs.IsVegetarian = combined.IsVegetarian
		attrs.IsVegan = combined.IsVegan
		if attrs.Allergens.Contains(rules.Milk) || attrs.Allergens.Contains(rules.Eggs) {
			if attrs.IsVegan != nil && *attrs.IsVegan {
				corrections = append(corrections, rules.Correction{
					Field:  "is_vegan",
					Reason: fmt.Sprintf("vegan composition contradicts resolved allergens %s", strings.Join(attrs.Allergens, ",")),
				})
			}
			attrs.IsVegan = models.BoolPtr(false)
		}
		if combined.DietaryKnown {
			attrs.Confidence = models.ConfidenceMedium
		}
	}
	return attrs, corrections
}

// compose reads the entity's composition and turns every resolvable component
// into a rule assessment. Missing components are skipped and reported.
func (e *Engine) compose(ctx context.Context, key store.CacheKey, opts ResolveOptions, m *memo) (composition, error) {
	ref := key.Ref()
	comp := composition{
		request: ai.DetectionRequest{
			Attribute:  key.Attribute,
			EntityKind: ref.Kind,
			Name:       m.name(ref),
		},
	}

	switch ref.Kind {
	case models.KindRecipe:
		lines, err := e.entities.RecipeLines(ctx, ref.ID)
		if err != nil {
			return composition{}, err
		}
		e.addLines(ctx, ref, lines, &comp)
	case models.KindDish:
		dc, err := e.entities.DishComposition(ctx, ref.ID)
		if err != nil {
			return composition{}, err
		}
		nested := ResolveOptions{BypassCache: opts.BypassCache}
		for _, portion := range dc.Recipes {
			recipeRef := store.EntityRef{Kind: models.KindRecipe, ID: portion.RecipeID}
			sub, err := e.resolve(ctx, store.CacheKey{Kind: recipeRef.Kind, ID: recipeRef.ID, Attribute: key.Attribute}, nested, m)
			if errors.Is(err, ErrNotFound) {
				e.record(ctx, models.IssueDanglingReference, ref, fmt.Sprintf("recipe %d no longer exists", portion.RecipeID))
				continue
			}
			if err != nil {
				return composition{}, err
			}
			comp.parts = append(comp.parts, rules.FromDerived(sub))
			comp.request.Ingredients = append(comp.request.Ingredients, ai.SubjectIngredient{
				Name:     m.name(recipeRef),
				Category: "recipe",
			})
		}
		e.addLines(ctx, ref, dc.Ingredients, &comp)
	}

	if key.Attribute == models.AttributeDietary && !comp.empty() {
		allergens, err := e.resolve(ctx, allergenKey(ref), ResolveOptions{BypassCache: opts.BypassCache}, m)
		if err != nil {
			return composition{}, err
		}
		comp.extra = allergens.Allergens
	}
	return comp, nil
}

func (e *Engine) addLines(ctx context.Context, owner store.EntityRef, lines []store.Line, comp *composition) {
	for _, line := range lines {
		if line.Ingredient == nil {
			e.record(ctx, models.IssueDanglingReference, owner, fmt.Sprintf("ingredient %d no longer exists", line.IngredientID))
			continue
		}
		assessment, unknown := rules.AssessIngredient(*line.Ingredient)
		if len(unknown) > 0 {
			applog.Debug(ctx, "ignoring unknown allergen labels",
				"ingredient", line.Ingredient.Name,
				"labels", unknown,
			)
		}
		comp.parts = append(comp.parts, assessment)
		comp.request.Ingredients = append(comp.request.Ingredients, ai.SubjectIngredient{
			Name:     line.Ingredient.Name,
			Brand:    line.Ingredient.Brand,
			Category: line.Ingredient.Category,
		})
	}
}
