package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mise/internal/ai"
	applog "mise/internal/log"
	"mise/internal/rules"
	"mise/internal/store"
	"mise/models"
)

// Resolve returns the derived attribute block for a recipe or dish, walking
// the manual, cached, rule and AI tiers in that order.
func (e *Engine) Resolve(ctx context.Context, ref store.EntityRef, attr models.Attribute, opts ResolveOptions) (*models.DerivedAttributes, error) {
	switch ref.Kind {
	case models.KindRecipe, models.KindDish:
	default:
		return nil, fmt.Errorf("engine: cannot resolve attributes of %s", ref.Kind)
	}
	switch attr {
	case models.AttributeAllergens, models.AttributeDietary:
	default:
		return nil, fmt.Errorf("engine: unknown attribute %q", attr)
	}

	attrs, err := e.resolve(ctx, store.CacheKey{Kind: ref.Kind, ID: ref.ID, Attribute: attr}, opts, newMemo())
	if err != nil {
		return nil, err
	}
	return &attrs, nil
}

// ResolveRecipeAllergens resolves the allergen block of a recipe.
func (e *Engine) ResolveRecipeAllergens(ctx context.Context, recipeID uint, opts ResolveOptions) (*models.DerivedAttributes, error) {
	return e.Resolve(ctx, store.EntityRef{Kind: models.KindRecipe, ID: recipeID}, models.AttributeAllergens, opts)
}

// AggregateRecipeAllergens returns the consolidated allergen codes of a recipe.
func (e *Engine) AggregateRecipeAllergens(ctx context.Context, recipeID uint) (models.AllergenCodes, error) {
	attrs, err := e.ResolveRecipeAllergens(ctx, recipeID, ResolveOptions{})
	if err != nil {
		return nil, err
	}
	return attrs.Allergens, nil
}

func (e *Engine) ResolveRecipeDietaryStatus(ctx context.Context, recipeID uint, opts ResolveOptions) (*models.DerivedAttributes, error) {
	return e.Resolve(ctx, store.EntityRef{Kind: models.KindRecipe, ID: recipeID}, models.AttributeDietary, opts)
}

func (e *Engine) ResolveDishAllergens(ctx context.Context, dishID uint, opts ResolveOptions) (*models.DerivedAttributes, error) {
	return e.Resolve(ctx, store.EntityRef{Kind: models.KindDish, ID: dishID}, models.AttributeAllergens, opts)
}

// AggregateDishDietaryStatus returns nil without error when the dish does not exist.
func (e *Engine) AggregateDishDietaryStatus(ctx context.Context, dishID uint, opts ResolveOptions) (*models.DerivedAttributes, error) {
	attrs, err := e.Resolve(ctx, store.EntityRef{Kind: models.KindDish, ID: dishID}, models.AttributeDietary, opts)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return attrs, err
}

func (e *Engine) resolve(ctx context.Context, key store.CacheKey, opts ResolveOptions, m *memo) (models.DerivedAttributes, error) {
	if attrs, ok := m.get(key); ok {
		return attrs, nil
	}
	start := time.Now()
	attrs, err := e.resolveTiers(ctx, key, opts, m)
	if err != nil {
		return models.DerivedAttributes{}, err
	}
	e.metrics.ObserveResolution(string(key.Attribute), string(attrs.Method), time.Since(start))
	m.put(key, attrs)
	return attrs, nil
}

func (e *Engine) resolveTiers(ctx context.Context, key store.CacheKey, opts ResolveOptions, m *memo) (models.DerivedAttributes, error) {
	ref := key.Ref()
	override, err := e.loadHeader(ctx, ref, m)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.DerivedAttributes{}, notFound(err, ref)
		}
		return e.staleFallback(ctx, key, err)
	}

	if attrs, ok, err := e.manual(ctx, key, override, m); err != nil {
		return models.DerivedAttributes{}, err
	} else if ok {
		return e.validate(ctx, key, attrs), nil
	}

	// The cached generation is read before the composition so a write-back
	// computed from outdated data loses to a concurrent invalidation.
	cached, found, err := e.cache.Get(ctx, key)
	if err != nil {
		applog.Warn(ctx, "cache read failed", "key", key.String(), "error", err)
		found = false
	}
	if found && cached.Fresh() && !opts.BypassCache && !opts.ForceAI {
		checked, corrected := e.check(ctx, key, cached)
		if corrected {
			e.writeBack(ctx, key, checked)
		}
		return checked, nil
	}

	comp, err := e.compose(ctx, key, opts, m)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.DerivedAttributes{}, err
		}
		return e.staleFallback(ctx, key, err)
	}

	attrs, corrections := comp.attributes(key.Attribute, e.now())
	for _, c := range corrections {
		e.record(ctx, models.IssueVeganContradiction, ref, c.String())
	}
	attrs.Generation = cached.Generation
	if opts.ForceAI || (attrs.Confidence == models.ConfidenceLow && !comp.empty()) {
		return e.detect(ctx, key, comp.request, attrs)
	}
	attrs = e.validate(ctx, key, attrs)
	e.writeBack(ctx, key, attrs)
	return attrs, nil
}

func (e *Engine) loadHeader(ctx context.Context, ref store.EntityRef, m *memo) (models.ManualOverride, error) {
	switch ref.Kind {
	case models.KindRecipe:
		recipe, err := e.entities.Recipe(ctx, ref.ID)
		if err != nil {
			return models.ManualOverride{}, err
		}
		m.setName(ref, recipe.Name)
		return recipe.Override, nil
	case models.KindDish:
		dish, err := e.entities.Dish(ctx, ref.ID)
		if err != nil {
			return models.ManualOverride{}, err
		}
		m.setName(ref, dish.Name)
		return dish.Override, nil
	default:
		return models.ManualOverride{}, fmt.Errorf("engine: cannot resolve attributes of %s", ref.Kind)
	}
}

func (e *Engine) manual(ctx context.Context, key store.CacheKey, override models.ManualOverride, m *memo) (models.DerivedAttributes, bool, error) {
	switch key.Attribute {
	case models.AttributeAllergens:
		if !override.AllergensManual {
			return models.DerivedAttributes{}, false, nil
		}
		codes, unknown := rules.Consolidate(override.Allergens)
		if len(unknown) > 0 {
			applog.Debug(ctx, "ignoring unknown allergen labels", "ref", key.Ref().String(), "labels", unknown)
		}
		return models.DerivedAttributes{
			Allergens:  codes,
			Confidence: models.ConfidenceHigh,
			Method:     models.MethodManual,
		}, true, nil
	case models.AttributeDietary:
		if !override.DietaryManual {
			return models.DerivedAttributes{}, false, nil
		}
		allergens, err := e.resolve(ctx, allergenKey(key.Ref()), ResolveOptions{}, m)
		if err != nil {
			return models.DerivedAttributes{}, false, err
		}
		attrs := models.DerivedAttributes{
			Allergens:    allergens.Allergens,
			IsVegetarian: override.IsVegetarian,
			IsVegan:      override.IsVegan,
			Confidence:   models.ConfidenceHigh,
			Method:       models.MethodManual,
		}
		if attrs.IsVegan != nil && *attrs.IsVegan && attrs.IsVegetarian == nil {
			attrs.IsVegetarian = models.BoolPtr(true)
		}
		return attrs, true, nil
	}
	return models.DerivedAttributes{}, false, nil
}

// staleFallback serves whatever the cache holds, stale or not, when the
// composition cannot be read.
func (e *Engine) staleFallback(ctx context.Context, key store.CacheKey, cause error) (models.DerivedAttributes, error) {
	cached, found, err := e.cache.Get(ctx, key)
	if err != nil || !found || !cached.Present() {
		return models.DerivedAttributes{}, fmt.Errorf("resolve %s: %w", key, cause)
	}
	applog.Warn(ctx, "composition unreadable, serving cached value",
		"key", key.String(),
		"stale", cached.Stale,
		"error", cause,
	)
	cached.Method = models.MethodCached
	cached.Confidence = models.ConfidenceLow
	return e.validate(ctx, key, cached), nil
}

type flightResult struct {
	attrs models.DerivedAttributes
}

// detect runs the AI tier. Concurrent calls for the same key share one
// detector call, and the call outlives a caller that gives up.
func (e *Engine) detect(ctx context.Context, key store.CacheKey, req ai.DetectionRequest, rule models.DerivedAttributes) (models.DerivedAttributes, error) {
	results := make(chan flightResult, 1)
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		v, _, _ := e.flights.Do(key.String(), func() (any, error) {
			return e.detectAndStore(ctx, key, req, rule), nil
		})
		results <- flightResult{attrs: v.(models.DerivedAttributes)}
	}()

	select {
	case r := <-results:
		return r.attrs, nil
	case <-ctx.Done():
		return models.DerivedAttributes{}, fmt.Errorf("resolve %s: %w", key, ctx.Err())
	}
}

func (e *Engine) detectAndStore(ctx context.Context, key store.CacheKey, req ai.DetectionRequest, rule models.DerivedAttributes) models.DerivedAttributes {
	ctx = context.WithoutCancel(ctx)
	aiCtx, cancel := context.WithTimeout(ctx, e.aiTimeout)
	defer cancel()

	attrs := rule
	det, err := e.detector.Detect(aiCtx, req)
	switch {
	case errors.Is(err, ai.ErrDisabled):
		e.metrics.ObserveAICall("disabled")
		applog.Debug(ctx, "ai detection disabled, keeping rule result", "key", key.String())
	case err != nil:
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		e.metrics.ObserveAICall(outcome)
		applog.Warn(ctx, "ai detection unavailable, keeping rule result", "key", key.String(), "error", err)
	default:
		e.metrics.ObserveAICall("success")
		attrs = mergeDetection(rule, det, key.Attribute)
	}

	attrs = e.validate(ctx, key, attrs)
	e.writeBack(ctx, key, attrs)
	return attrs
}

// mergeDetection unions AI allergens into the rule result. A negative dietary
// flag established by the rules is never relaxed.
func mergeDetection(rule models.DerivedAttributes, det ai.Detection, attr models.Attribute) models.DerivedAttributes {
	out := rule
	out.Allergens, _ = rules.Consolidate(rule.Allergens, det.Allergens)
	if attr == models.AttributeDietary {
		out.IsVegetarian = mergeFlag(rule.IsVegetarian, det.IsVegetarian)
		out.IsVegan = mergeFlag(rule.IsVegan, det.IsVegan)
		if out.IsVegetarian != nil && !*out.IsVegetarian {
			out.IsVegan = models.BoolPtr(false)
		}
	}
	out.Method = models.MethodAI
	out.Confidence = det.Confidence
	if out.Confidence.Rank() < models.ConfidenceMedium.Rank() {
		out.Confidence = models.ConfidenceMedium
	}
	return out
}

func mergeFlag(rule, detected *bool) *bool {
	if rule != nil && !*rule {
		return rule
	}
	if detected != nil {
		return detected
	}
	return rule
}

// validate applies the vegan consistency guard and records every correction.
func (e *Engine) validate(ctx context.Context, key store.CacheKey, attrs models.DerivedAttributes) models.DerivedAttributes {
	attrs, _ = e.check(ctx, key, attrs)
	return attrs
}

// check is validate that also reports whether anything was corrected.
func (e *Engine) check(ctx context.Context, key store.CacheKey, attrs models.DerivedAttributes) (models.DerivedAttributes, bool) {
	corrections := rules.EnforceVeganConsistency(&attrs)
	for _, c := range corrections {
		e.record(ctx, models.IssueVeganContradiction, key.Ref(), c.String())
	}
	return attrs, len(corrections) > 0
}

func allergenKey(ref store.EntityRef) store.CacheKey {
	return store.CacheKey{Kind: ref.Kind, ID: ref.ID, Attribute: models.AttributeAllergens}
}
