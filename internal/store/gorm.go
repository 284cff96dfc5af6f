package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"mise/models"
)

// Gorm implements EntityStore, EdgeLookup and CacheStore on top of the
// application database. Cached blocks live in prefixed columns of the
// recipes and dishes tables.
type Gorm struct {
	db *gorm.DB
}

// NewGorm wraps an open database handle.
func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func (s *Gorm) Ingredient(ctx context.Context, id uint) (models.Ingredient, error) {
	var ing models.Ingredient
	if err := s.db.WithContext(ctx).First(&ing, id).Error; err != nil {
		return models.Ingredient{}, translate(err, "ingredient", id)
	}
	return ing, nil
}

func (s *Gorm) Recipe(ctx context.Context, id uint) (models.Recipe, error) {
	var recipe models.Recipe
	if err := s.db.WithContext(ctx).First(&recipe, id).Error; err != nil {
		return models.Recipe{}, translate(err, "recipe", id)
	}
	return recipe, nil
}

func (s *Gorm) Dish(ctx context.Context, id uint) (models.Dish, error) {
	var dish models.Dish
	if err := s.db.WithContext(ctx).First(&dish, id).Error; err != nil {
		return models.Dish{}, translate(err, "dish", id)
	}
	return dish, nil
}

func (s *Gorm) RecipeLines(ctx context.Context, recipeID uint) ([]Line, error) {
	var rows []models.RecipeLine
	if err := s.db.WithContext(ctx).
		Preload("Ingredient").
		Where("recipe_id = ?", recipeID).
		Order("position asc, id asc").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load recipe %d lines: %w", recipeID, err)
	}

	lines := make([]Line, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, Line{
			IngredientID: row.IngredientID,
			Quantity:     row.Quantity,
			Unit:         row.Unit,
			Ingredient:   row.Ingredient,
		})
	}
	return lines, nil
}

func (s *Gorm) DishComposition(ctx context.Context, dishID uint) (DishComposition, error) {
	var rows []models.DishComponent
	if err := s.db.WithContext(ctx).
		Preload("Ingredient").
		Where("dish_id = ?", dishID).
		Order("position asc, id asc").
		Find(&rows).Error; err != nil {
		return DishComposition{}, fmt.Errorf("load dish %d composition: %w", dishID, err)
	}

	var comp DishComposition
	for _, row := range rows {
		switch {
		case row.RecipeID != nil:
			comp.Recipes = append(comp.Recipes, RecipePortion{
				RecipeID: *row.RecipeID,
				Quantity: row.Quantity,
				Unit:     row.Unit,
			})
		case row.IngredientID != nil:
			comp.Ingredients = append(comp.Ingredients, Line{
				IngredientID: *row.IngredientID,
				Quantity:     row.Quantity,
				Unit:         row.Unit,
				Ingredient:   row.Ingredient,
			})
		}
	}
	return comp, nil
}

func (s *Gorm) Dependents(ctx context.Context, ref EntityRef) ([]EntityRef, error) {
	db := s.db.WithContext(ctx)
	var out []EntityRef

	switch ref.Kind {
	case models.KindIngredient:
		var recipeIDs []uint
		if err := db.Model(&models.RecipeLine{}).
			Distinct("recipe_id").
			Where("ingredient_id = ?", ref.ID).
			Pluck("recipe_id", &recipeIDs).Error; err != nil {
			return nil, fmt.Errorf("lookup recipes using ingredient %d: %w", ref.ID, err)
		}
		out = appendRefs(out, models.KindRecipe, recipeIDs)

		var dishIDs []uint
		if err := db.Model(&models.DishComponent{}).
			Distinct("dish_id").
			Where("ingredient_id = ?", ref.ID).
			Pluck("dish_id", &dishIDs).Error; err != nil {
			return nil, fmt.Errorf("lookup dishes using ingredient %d: %w", ref.ID, err)
		}
		out = appendRefs(out, models.KindDish, dishIDs)
	case models.KindRecipe:
		var dishIDs []uint
		if err := db.Model(&models.DishComponent{}).
			Distinct("dish_id").
			Where("recipe_id = ?", ref.ID).
			Pluck("dish_id", &dishIDs).Error; err != nil {
			return nil, fmt.Errorf("lookup dishes using recipe %d: %w", ref.ID, err)
		}
		out = appendRefs(out, models.KindDish, dishIDs)
	case models.KindDish:
	default:
		return nil, fmt.Errorf("unknown entity kind %q", ref.Kind)
	}
	return out, nil
}

func appendRefs(out []EntityRef, kind models.EntityKind, ids []uint) []EntityRef {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out = append(out, EntityRef{Kind: kind, ID: id})
	}
	return out
}

func (s *Gorm) Get(ctx context.Context, key CacheKey) (models.DerivedAttributes, bool, error) {
	var block models.DerivedAttributes
	var err error
	switch key.Kind {
	case models.KindRecipe:
		var recipe models.Recipe
		recipe, err = s.Recipe(ctx, key.ID)
		block = pickBlock(key.Attribute, recipe.AllergenCache, recipe.DietaryCache)
	case models.KindDish:
		var dish models.Dish
		dish, err = s.Dish(ctx, key.ID)
		block = pickBlock(key.Attribute, dish.AllergenCache, dish.DietaryCache)
	default:
		return models.DerivedAttributes{}, false, nil
	}
	if errors.Is(err, ErrNotFound) {
		return models.DerivedAttributes{}, false, nil
	}
	if err != nil {
		return models.DerivedAttributes{}, false, err
	}
	return block, block.Present(), nil
}

func pickBlock(attr models.Attribute, allergens, dietary models.DerivedAttributes) models.DerivedAttributes {
	if attr == models.AttributeAllergens {
		return allergens
	}
	return dietary
}

// Put overwrites the cached block of one attribute unless it was marked stale
// since attrs.Generation was read.
func (s *Gorm) Put(ctx context.Context, key CacheKey, attrs models.DerivedAttributes) error {
	model, err := cachedModel(key.Kind)
	if err != nil {
		return err
	}
	prefix := blockPrefix(key.Attribute)
	columns := map[string]any{
		prefix + "allergens":     attrs.Allergens,
		prefix + "is_vegetarian": attrs.IsVegetarian,
		prefix + "is_vegan":      attrs.IsVegan,
		prefix + "confidence":    attrs.Confidence,
		prefix + "method":        attrs.Method,
		prefix + "computed_at":   attrs.ComputedAt,
		prefix + "stale":         attrs.Stale,
	}
	res := s.db.WithContext(ctx).Model(model).
		Where("id = ? AND "+prefix+"generation = ?", key.ID, attrs.Generation).
		UpdateColumns(columns)
	if res.Error != nil {
		return fmt.Errorf("write %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("write %s at generation %d: %w", key, attrs.Generation, ErrStaleWrite)
	}
	return nil
}

// MarkStale flags every cached block of the entity and bumps its generation.
// Ingredients carry no cache, so marking one is a no-op.
func (s *Gorm) MarkStale(ctx context.Context, ref EntityRef) error {
	if ref.Kind == models.KindIngredient {
		return nil
	}
	model, err := cachedModel(ref.Kind)
	if err != nil {
		return err
	}
	columns := map[string]any{}
	for _, attr := range []models.Attribute{models.AttributeAllergens, models.AttributeDietary} {
		prefix := blockPrefix(attr)
		columns[prefix+"stale"] = true
		columns[prefix+"generation"] = gorm.Expr(prefix + "generation + 1")
	}
	if err := s.db.WithContext(ctx).Model(model).Where("id = ?", ref.ID).UpdateColumns(columns).Error; err != nil {
		return fmt.Errorf("mark %s stale: %w", ref, err)
	}
	return nil
}

func cachedModel(kind models.EntityKind) (any, error) {
	switch kind {
	case models.KindRecipe:
		return &models.Recipe{}, nil
	case models.KindDish:
		return &models.Dish{}, nil
	default:
		return nil, fmt.Errorf("entity kind %q has no attribute cache", kind)
	}
}

func blockPrefix(attr models.Attribute) string {
	if attr == models.AttributeAllergens {
		return "allergen_cache_"
	}
	return "dietary_cache_"
}

func translate(err error, kind string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("load %s %d: %w", kind, id, err)
}
