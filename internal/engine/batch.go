package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	applog "mise/internal/log"
	"mise/internal/store"
	"mise/models"
)

// BatchRecipeAllergens resolves many recipes concurrently. A recipe that
// fails is reported with an empty allergen list.
func (e *Engine) BatchRecipeAllergens(ctx context.Context, recipeIDs []uint) map[uint]models.AllergenCodes {
	resolved := e.batch(ctx, models.KindRecipe, models.AttributeAllergens, recipeIDs, ResolveOptions{})
	out := make(map[uint]models.AllergenCodes, len(resolved))
	for id, attrs := range resolved {
		out[id] = attrs.Allergens
	}
	return out
}

// BatchRecipeDietaryStatus resolves dietary status for many recipes. Failed
// recipes map to an undetermined block.
func (e *Engine) BatchRecipeDietaryStatus(ctx context.Context, recipeIDs []uint, opts ResolveOptions) map[uint]models.DerivedAttributes {
	return e.batch(ctx, models.KindRecipe, models.AttributeDietary, recipeIDs, opts)
}

func (e *Engine) BatchDishDietaryStatus(ctx context.Context, dishIDs []uint, opts ResolveOptions) map[uint]models.DerivedAttributes {
	return e.batch(ctx, models.KindDish, models.AttributeDietary, dishIDs, opts)
}

func (e *Engine) batch(ctx context.Context, kind models.EntityKind, attr models.Attribute, ids []uint, opts ResolveOptions) map[uint]models.DerivedAttributes {
	var (
		mu  sync.Mutex
		out = make(map[uint]models.DerivedAttributes, len(ids))
		g   errgroup.Group
	)
	g.SetLimit(e.batchLimit)
	for _, id := range ids {
		g.Go(func() error {
			attrs := models.Undetermined()
			resolved, err := e.Resolve(ctx, store.EntityRef{Kind: kind, ID: id}, attr, opts)
			if err != nil {
				applog.Warn(ctx, "batch resolution failed",
					"kind", kind,
					"id", id,
					"attribute", attr,
					"error", err,
				)
			} else {
				attrs = *resolved
			}
			mu.Lock()
			out[id] = attrs
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
