// Package costing turns ingredient pack prices into waste- and yield-adjusted
// unit costs and rolls composition lines up into totals and selling prices.
// Every function here is pure: identical inputs give identical float output.
package costing

import (
	"math"
	"sort"

	"mise/models"
)

const (
	minYieldPercent = 1.0
	maxWastePercent = 99.0
)

// Line is one ingredient used in a recipe or dish.
type Line struct {
	Ingredient models.Ingredient
	Quantity   float64
	Unit       string
}

// LineCost is the costed form of a Line.
type LineCost struct {
	IngredientID uint    `json:"ingredient_id"`
	Name         string  `json:"name"`
	Quantity     float64 `json:"quantity"`
	Unit         string  `json:"unit"`
	UnitCost     float64 `json:"unit_cost"`
	Cost         float64 `json:"cost"`
	UnitMismatch bool    `json:"unit_mismatch,omitempty"`
}

// Result is the cost of a full list of lines.
type Result struct {
	TotalCost        float64    `json:"total_cost"`
	RecommendedPrice float64    `json:"recommended_price"`
	Lines            []LineCost `json:"lines,omitempty"`
}

// Calculator prices totals against a target food-cost percentage.
type Calculator struct {
	TargetFoodCostPercent float64
}

// BaseUnitCost is the unadjusted cost of one unit of the ingredient.
func BaseUnitCost(ing models.Ingredient) float64 {
	if ing.CostPerUnit > 0 {
		return ing.CostPerUnit
	}
	if ing.PackSize > 0 {
		return ing.PackCost / ing.PackSize
	}
	return 0
}

// WasteAdjustedUnitCost applies trim loss. A recorded cost including trim
// takes precedence over the computed one. Consumables are never adjusted.
func WasteAdjustedUnitCost(ing models.Ingredient) float64 {
	base := BaseUnitCost(ing)
	if ing.IsConsumable {
		return base
	}
	if ing.CostPerUnitInclTrim != nil && *ing.CostPerUnitInclTrim > 0 {
		return *ing.CostPerUnitInclTrim
	}
	waste := 0.0
	if ing.WastePercent != nil {
		waste = math.Min(math.Max(*ing.WastePercent, 0), maxWastePercent)
	}
	return base / (1 - waste/100)
}

// AdjustedUnitCost applies waste then yield adjustment.
func AdjustedUnitCost(ing models.Ingredient) float64 {
	wasteAdjusted := WasteAdjustedUnitCost(ing)
	if ing.IsConsumable {
		return wasteAdjusted
	}
	yield := 100.0
	if ing.YieldPercent != nil {
		yield = *ing.YieldPercent
	}
	if yield < minYieldPercent {
		yield = minYieldPercent
	}
	return wasteAdjusted / (yield / 100)
}

// CostLine prices a single line, converting its quantity into the unit the
// ingredient is bought in when both units are known.
func CostLine(line Line) LineCost {
	qty, ok := Convert(line.Quantity, line.Unit, line.Ingredient.Unit)
	unitCost := AdjustedUnitCost(line.Ingredient)
	return LineCost{
		IngredientID: line.Ingredient.ID,
		Name:         line.Ingredient.Name,
		Quantity:     line.Quantity,
		Unit:         line.Unit,
		UnitCost:     unitCost,
		Cost:         unitCost * qty,
		UnitMismatch: !ok,
	}
}

// Cost sums the lines in the order given.
func (c Calculator) Cost(lines []Line) Result {
	result := Result{Lines: make([]LineCost, 0, len(lines))}
	for _, line := range lines {
		lc := CostLine(line)
		result.Lines = append(result.Lines, lc)
		result.TotalCost += lc.Cost
	}
	result.RecommendedPrice = c.RecommendedPrice(result.TotalCost)
	return result
}

// CostGrouped merges lines that use the same ingredient before costing them,
// the way a menu costing sheet lists each ingredient once. It is an
// independent path to the same total as Cost.
func (c Calculator) CostGrouped(lines []Line) Result {
	type group struct {
		ingredient models.Ingredient
		quantity   float64
		mismatch   bool
	}
	groups := make(map[uint]*group)
	for _, line := range lines {
		qty, ok := Convert(line.Quantity, line.Unit, line.Ingredient.Unit)
		g, exists := groups[line.Ingredient.ID]
		if !exists {
			g = &group{ingredient: line.Ingredient}
			groups[line.Ingredient.ID] = g
		}
		g.quantity += qty
		g.mismatch = g.mismatch || !ok
	}

	ids := make([]uint, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	result := Result{Lines: make([]LineCost, 0, len(ids))}
	for _, id := range ids {
		g := groups[id]
		unitCost := AdjustedUnitCost(g.ingredient)
		lc := LineCost{
			IngredientID: id,
			Name:         g.ingredient.Name,
			Quantity:     g.quantity,
			Unit:         g.ingredient.Unit,
			UnitCost:     unitCost,
			Cost:         unitCost * g.quantity,
			UnitMismatch: g.mismatch,
		}
		result.Lines = append(result.Lines, lc)
		result.TotalCost += lc.Cost
	}
	result.RecommendedPrice = c.RecommendedPrice(result.TotalCost)
	return result
}

// RecommendedPrice is the selling price at which total hits the target
// food-cost percentage. A non-positive target returns the cost unchanged.
func (c Calculator) RecommendedPrice(total float64) float64 {
	if c.TargetFoodCostPercent <= 0 {
		return total
	}
	return total / (c.TargetFoodCostPercent / 100)
}

// RoundCents rounds half away from zero to two decimals.
func RoundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
