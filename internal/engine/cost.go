package engine

import (
	"context"
	"fmt"
	"math"

	"mise/internal/costing"
	"mise/internal/store"
	"mise/models"
)

// CostReport is the costed view of one entity.
type CostReport struct {
	Kind             models.EntityKind `json:"kind"`
	ID               uint              `json:"id"`
	Name             string            `json:"name"`
	Portions         int               `json:"portions"`
	TotalCost        float64           `json:"total_cost"`
	CostPerPortion   float64           `json:"cost_per_portion"`
	RecommendedPrice float64           `json:"recommended_price"`
	// PortionPrice is the recommended price of one portion.
	PortionPrice    float64              `json:"portion_price"`
	MenuPrice       float64              `json:"menu_price,omitempty"`
	FoodCostPercent float64              `json:"food_cost_percent,omitempty"`
	Lines           []costing.LineCost   `json:"lines"`
	CrossCheck      *costing.Discrepancy `json:"cross_check,omitempty"`
}

// Result exposes the report in the calculator's own shape.
func (r CostReport) Result() costing.Result {
	return costing.Result{
		TotalCost:        r.TotalCost,
		RecommendedPrice: r.RecommendedPrice,
		Lines:            r.Lines,
	}
}

// CalculateEntityCost costs an ingredient, recipe or dish. Recipes and dishes
// are costed through both the composition walk and a separately read,
// flattened menu sheet; a disagreement beyond tolerance is recorded as a
// price discrepancy.
func (e *Engine) CalculateEntityCost(ctx context.Context, id uint, kind models.EntityKind) (CostReport, error) {
	ref := store.EntityRef{Kind: kind, ID: id}
	switch kind {
	case models.KindIngredient:
		return e.costIngredient(ctx, ref)
	case models.KindRecipe:
		return e.costRecipe(ctx, ref)
	case models.KindDish:
		return e.costDish(ctx, ref)
	default:
		return CostReport{}, fmt.Errorf("engine: cannot cost %q", kind)
	}
}

// CrossCheckPrice compares a price quoted elsewhere (a POS export, a printed
// menu) with the recommended price computed here.
func (e *Engine) CrossCheckPrice(ctx context.Context, ref store.EntityRef, price float64) (costing.Discrepancy, error) {
	report, err := e.CalculateEntityCost(ctx, ref.ID, ref.Kind)
	if err != nil {
		return costing.Discrepancy{}, err
	}
	d := costing.CrossCheck(price, costing.RoundCents(report.PortionPrice), e.tolerance)
	if d.Flagged {
		e.record(ctx, models.IssuePriceDiscrepancy, ref,
			fmt.Sprintf("quoted price %.2f differs from recommended %.2f by %.4f", d.Primary, d.Secondary, d.Delta))
	}
	return d, nil
}

func (e *Engine) costIngredient(ctx context.Context, ref store.EntityRef) (CostReport, error) {
	ing, err := e.entities.Ingredient(ctx, ref.ID)
	if err != nil {
		return CostReport{}, notFound(err, ref)
	}
	unit := ing.Unit
	result := e.calculator.Cost([]costing.Line{{Ingredient: ing, Quantity: 1, Unit: unit}})
	return CostReport{
		Kind:             ref.Kind,
		ID:               ref.ID,
		Name:             ing.Name,
		Portions:         1,
		TotalCost:        result.TotalCost,
		CostPerPortion:   result.TotalCost,
		RecommendedPrice: result.RecommendedPrice,
		PortionPrice:     result.RecommendedPrice,
		Lines:            result.Lines,
	}, nil
}

func (e *Engine) costRecipe(ctx context.Context, ref store.EntityRef) (CostReport, error) {
	recipe, err := e.entities.Recipe(ctx, ref.ID)
	if err != nil {
		return CostReport{}, notFound(err, ref)
	}
	lines, err := e.recipeCostLines(ctx, ref)
	if err != nil {
		return CostReport{}, err
	}
	result := e.calculator.Cost(lines)

	sheet, err := e.entities.RecipeLines(ctx, ref.ID)
	if err != nil {
		return CostReport{}, fmt.Errorf("load %s menu sheet: %w", ref, err)
	}
	menu := e.calculator.CostGrouped(sheetLines(sheet, 1))
	check := e.crossCheckPaths(ctx, ref, menu.TotalCost, result.TotalCost)

	portions := max(recipe.Portions, 1)
	perPortion := result.TotalCost / float64(portions)
	return CostReport{
		Kind:             ref.Kind,
		ID:               ref.ID,
		Name:             recipe.Name,
		Portions:         portions,
		TotalCost:        result.TotalCost,
		CostPerPortion:   perPortion,
		RecommendedPrice: result.RecommendedPrice,
		PortionPrice:     e.calculator.RecommendedPrice(perPortion),
		Lines:            result.Lines,
		CrossCheck:       &check,
	}, nil
}

func (e *Engine) costDish(ctx context.Context, ref store.EntityRef) (CostReport, error) {
	dish, err := e.entities.Dish(ctx, ref.ID)
	if err != nil {
		return CostReport{}, notFound(err, ref)
	}
	dc, err := e.entities.DishComposition(ctx, ref.ID)
	if err != nil {
		return CostReport{}, fmt.Errorf("load %s composition: %w", ref, err)
	}

	// Builder path: each recipe costed on its own, then scaled by portions.
	var (
		builderTotal float64
		lines        []costing.LineCost
	)
	for _, portion := range dc.Recipes {
		recipeRef := store.EntityRef{Kind: models.KindRecipe, ID: portion.RecipeID}
		recipe, err := e.entities.Recipe(ctx, portion.RecipeID)
		if err != nil {
			if isNotFound(err) {
				e.record(ctx, models.IssueDanglingReference, ref, fmt.Sprintf("recipe %d no longer exists", portion.RecipeID))
				continue
			}
			return CostReport{}, fmt.Errorf("load %s: %w", recipeRef, err)
		}
		recipeLines, err := e.recipeCostLines(ctx, recipeRef)
		if err != nil {
			return CostReport{}, err
		}
		recipeResult := e.calculator.Cost(recipeLines)
		scale := portion.Quantity / float64(max(recipe.Portions, 1))
		builderTotal += recipeResult.TotalCost * scale
		for _, lc := range recipeResult.Lines {
			lc.Quantity *= scale
			lc.Cost *= scale
			lines = append(lines, lc)
		}
	}

	directResult := e.calculator.Cost(e.costLines(ctx, ref, dc.Ingredients))
	builderTotal += directResult.TotalCost
	lines = append(lines, directResult.Lines...)

	sheet, err := e.menuSheet(ctx, ref)
	if err != nil {
		return CostReport{}, err
	}
	menu := e.calculator.CostGrouped(sheet)
	check := e.crossCheckPaths(ctx, ref, menu.TotalCost, builderTotal)

	report := CostReport{
		Kind:             ref.Kind,
		ID:               ref.ID,
		Name:             dish.Name,
		Portions:         1,
		TotalCost:        builderTotal,
		CostPerPortion:   builderTotal,
		RecommendedPrice: e.calculator.RecommendedPrice(builderTotal),
		PortionPrice:     e.calculator.RecommendedPrice(builderTotal),
		MenuPrice:        dish.SellingPrice,
		Lines:            lines,
		CrossCheck:       &check,
	}
	if dish.SellingPrice > 0 {
		report.FoodCostPercent = math.Round(builderTotal/dish.SellingPrice*10000) / 100
	}
	return report, nil
}

// menuSheet is the menu costing path: the dish composition is read again and
// every recipe line is flattened, scaled to the portion served, into one
// ingredient list. Dangling references are skipped; the builder path reports
// them.
func (e *Engine) menuSheet(ctx context.Context, ref store.EntityRef) ([]costing.Line, error) {
	dc, err := e.entities.DishComposition(ctx, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("load %s menu sheet: %w", ref, err)
	}
	var sheet []costing.Line
	for _, portion := range dc.Recipes {
		recipe, err := e.entities.Recipe(ctx, portion.RecipeID)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load recipe %d menu sheet: %w", portion.RecipeID, err)
		}
		recipeLines, err := e.entities.RecipeLines(ctx, portion.RecipeID)
		if err != nil {
			return nil, fmt.Errorf("load recipe %d menu sheet: %w", portion.RecipeID, err)
		}
		sheet = append(sheet, sheetLines(recipeLines, portion.Quantity/float64(max(recipe.Portions, 1)))...)
	}
	return append(sheet, sheetLines(dc.Ingredients, 1)...), nil
}

func sheetLines(lines []store.Line, scale float64) []costing.Line {
	out := make([]costing.Line, 0, len(lines))
	for _, line := range lines {
		if line.Ingredient == nil {
			continue
		}
		out = append(out, costing.Line{
			Ingredient: *line.Ingredient,
			Quantity:   line.Quantity * scale,
			Unit:       line.Unit,
		})
	}
	return out
}

// crossCheckPaths compares the menu sheet total with the builder total and
// records a disagreement beyond tolerance. The builder figure is the one
// reported.
func (e *Engine) crossCheckPaths(ctx context.Context, ref store.EntityRef, menuTotal, builderTotal float64) costing.Discrepancy {
	check := costing.CrossCheck(menuTotal, builderTotal, e.tolerance)
	if check.Flagged {
		e.record(ctx, models.IssuePriceDiscrepancy, ref,
			fmt.Sprintf("menu sheet cost %.4f differs from builder cost %.4f", check.Primary, check.Secondary))
	}
	return check
}

func (e *Engine) recipeCostLines(ctx context.Context, ref store.EntityRef) ([]costing.Line, error) {
	lines, err := e.entities.RecipeLines(ctx, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("load %s lines: %w", ref, err)
	}
	return e.costLines(ctx, ref, lines), nil
}

func (e *Engine) costLines(ctx context.Context, owner store.EntityRef, lines []store.Line) []costing.Line {
	out := make([]costing.Line, 0, len(lines))
	for _, line := range lines {
		if line.Ingredient == nil {
			e.record(ctx, models.IssueDanglingReference, owner, fmt.Sprintf("ingredient %d no longer exists", line.IngredientID))
			continue
		}
		out = append(out, costing.Line{
			Ingredient: *line.Ingredient,
			Quantity:   line.Quantity,
			Unit:       line.Unit,
		})
	}
	return out
}
