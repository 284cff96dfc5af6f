package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	applog "mise/internal/log"
	"mise/internal/store"
	"mise/models"
)

// Result summarises an import. Changed lists the pre-existing ingredients and
// recipes whose edits must be propagated to their dependents.
type Result struct {
	Created int
	Updated int
	Changed []store.EntityRef
}

type importer struct {
	tx          *gorm.DB
	ingredients map[string]uint
	recipes     map[string]uint
	result      Result
}

// Apply upserts the catalog by name inside a single transaction. Ingredients
// are written first so recipes and dishes can reference them, then recipes,
// then dishes. Lines and components of an updated recipe or dish are replaced
// wholesale, and its cached attribute blocks are marked stale.
func Apply(ctx context.Context, database *gorm.DB, c Catalog) (Result, error) {
	if database == nil {
		return Result{}, fmt.Errorf("database handle is nil")
	}

	var result Result
	err := database.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		imp := &importer{
			tx:          tx,
			ingredients: make(map[string]uint),
			recipes:     make(map[string]uint),
		}
		for idx, entry := range c.Ingredients {
			if err := imp.ingredient(entry); err != nil {
				return fmt.Errorf("ingredient %d (%s): %w", idx+1, entry.Name, err)
			}
		}
		for idx, entry := range c.Recipes {
			if err := imp.recipe(entry); err != nil {
				return fmt.Errorf("recipe %d (%s): %w", idx+1, entry.Name, err)
			}
		}
		for idx, entry := range c.Dishes {
			if err := imp.dish(entry); err != nil {
				return fmt.Errorf("dish %d (%s): %w", idx+1, entry.Name, err)
			}
		}
		result = imp.result
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	applog.Info(ctx, "catalog imported", "created", result.Created, "updated", result.Updated, "changed", len(result.Changed))
	return result, nil
}

func (imp *importer) ingredient(entry IngredientEntry) error {
	ing := entry.model()

	var existing models.Ingredient
	err := imp.tx.Where("lower(name) = ?", strings.ToLower(ing.Name)).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := imp.tx.Create(&ing).Error; err != nil {
			return fmt.Errorf("create ingredient: %w", err)
		}
		imp.result.Created++
	case err != nil:
		return fmt.Errorf("find ingredient by name: %w", err)
	default:
		updates := map[string]any{
			"brand":            ing.Brand,
			"category":         ing.Category,
			"unit":             ing.Unit,
			"pack_cost":        ing.PackCost,
			"pack_size":        ing.PackSize,
			"cost_per_unit":    ing.CostPerUnit,
			"waste_percent":    ing.WastePercent,
			"yield_percent":    ing.YieldPercent,
			"is_consumable":    ing.IsConsumable,
			"allergens":        ing.Allergens,
			"allergens_manual": ing.AllergensManual,
			"dietary_manual":   ing.DietaryManual,
			"is_vegetarian":    ing.IsVegetarian,
			"is_vegan":         ing.IsVegan,
		}
		if err := imp.tx.Model(&existing).Updates(updates).Error; err != nil {
			return fmt.Errorf("update ingredient: %w", err)
		}
		ing.ID = existing.ID
		imp.result.Updated++
		imp.result.Changed = append(imp.result.Changed, store.EntityRef{Kind: models.KindIngredient, ID: ing.ID})
	}

	imp.ingredients[strings.ToLower(ing.Name)] = ing.ID
	return nil
}

func (imp *importer) recipe(entry RecipeEntry) error {
	recipe := models.Recipe{
		Name:     strings.TrimSpace(entry.Name),
		Portions: entry.portions(),
		Override: entry.Override.model(),
	}

	var existing models.Recipe
	err := imp.tx.Where("lower(name) = ?", strings.ToLower(recipe.Name)).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := imp.tx.Create(&recipe).Error; err != nil {
			return fmt.Errorf("create recipe: %w", err)
		}
		imp.result.Created++
	case err != nil:
		return fmt.Errorf("find recipe by name: %w", err)
	default:
		updates := overrideUpdates(recipe.Override)
		updates["portions"] = recipe.Portions
		if err := imp.tx.Model(&existing).Updates(updates).Error; err != nil {
			return fmt.Errorf("update recipe: %w", err)
		}
		if err := imp.tx.Unscoped().Where("recipe_id = ?", existing.ID).Delete(&models.RecipeLine{}).Error; err != nil {
			return fmt.Errorf("clear recipe lines: %w", err)
		}
		recipe.ID = existing.ID
		imp.result.Updated++
		imp.result.Changed = append(imp.result.Changed, store.EntityRef{Kind: models.KindRecipe, ID: recipe.ID})
	}

	for idx, line := range entry.Lines {
		ingredientID, err := imp.ingredientID(line.Ingredient)
		if err != nil {
			return fmt.Errorf("line %d: %w", idx+1, err)
		}
		row := models.RecipeLine{
			RecipeID:     recipe.ID,
			IngredientID: ingredientID,
			Position:     idx + 1,
			Quantity:     line.Quantity,
			Unit:         strings.TrimSpace(line.Unit),
		}
		if err := imp.tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create line %d: %w", idx+1, err)
		}
	}

	imp.recipes[strings.ToLower(recipe.Name)] = recipe.ID
	return nil
}

func (imp *importer) dish(entry DishEntry) error {
	dish := models.Dish{
		Name:         strings.TrimSpace(entry.Name),
		SellingPrice: entry.SellingPrice,
		Override:     entry.Override.model(),
	}

	var existing models.Dish
	err := imp.tx.Where("lower(name) = ?", strings.ToLower(dish.Name)).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := imp.tx.Create(&dish).Error; err != nil {
			return fmt.Errorf("create dish: %w", err)
		}
		imp.result.Created++
	case err != nil:
		return fmt.Errorf("find dish by name: %w", err)
	default:
		updates := overrideUpdates(dish.Override)
		updates["selling_price"] = dish.SellingPrice
		if err := imp.tx.Model(&existing).Updates(updates).Error; err != nil {
			return fmt.Errorf("update dish: %w", err)
		}
		if err := imp.tx.Unscoped().Where("dish_id = ?", existing.ID).Delete(&models.DishComponent{}).Error; err != nil {
			return fmt.Errorf("clear dish components: %w", err)
		}
		dish.ID = existing.ID
		imp.result.Updated++
	}

	for idx, component := range entry.Components {
		row := models.DishComponent{
			DishID:   dish.ID,
			Position: idx + 1,
			Quantity: component.Quantity,
			Unit:     strings.TrimSpace(component.Unit),
		}
		if component.Recipe != "" {
			id, err := imp.recipeID(component.Recipe)
			if err != nil {
				return fmt.Errorf("component %d: %w", idx+1, err)
			}
			row.RecipeID = &id
		} else {
			id, err := imp.ingredientID(component.Ingredient)
			if err != nil {
				return fmt.Errorf("component %d: %w", idx+1, err)
			}
			row.IngredientID = &id
		}
		if err := imp.tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create component %d: %w", idx+1, err)
		}
	}
	return nil
}

// overrideUpdates returns the override columns and marks both cached blocks
// stale, bumping their generations like an invalidation does.
func overrideUpdates(o models.ManualOverride) map[string]any {
	return map[string]any{
		"override_allergens_manual": o.AllergensManual,
		"override_allergens":        o.Allergens,
		"override_dietary_manual":   o.DietaryManual,
		"override_is_vegetarian":    o.IsVegetarian,
		"override_is_vegan":         o.IsVegan,
		"allergen_cache_stale":      true,
		"dietary_cache_stale":       true,
		"allergen_cache_generation": gorm.Expr("allergen_cache_generation + 1"),
		"dietary_cache_generation":  gorm.Expr("dietary_cache_generation + 1"),
	}
}

func (imp *importer) ingredientID(name string) (uint, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if id, ok := imp.ingredients[key]; ok {
		return id, nil
	}
	var existing models.Ingredient
	err := imp.tx.Where("lower(name) = ?", key).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: ingredient %q", ErrUnknownReference, name)
	}
	if err != nil {
		return 0, fmt.Errorf("find ingredient %q: %w", name, err)
	}
	imp.ingredients[key] = existing.ID
	return existing.ID, nil
}

func (imp *importer) recipeID(name string) (uint, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if id, ok := imp.recipes[key]; ok {
		return id, nil
	}
	var existing models.Recipe
	err := imp.tx.Where("lower(name) = ?", key).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: recipe %q", ErrUnknownReference, name)
	}
	if err != nil {
		return 0, fmt.Errorf("find recipe %q: %w", name, err)
	}
	imp.recipes[key] = existing.ID
	return existing.ID, nil
}
