// Package store adapts the relational data store to the engine: composition
// reads, reverse-edge lookups for invalidation, and the derived-attribute
// cache.
package store

import (
	"context"
	"errors"
	"fmt"

	"mise/models"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrStaleWrite is returned by Put when the block was marked stale after
	// the value being written was computed.
	ErrStaleWrite = errors.New("store: cache block superseded")
)

// EntityRef identifies a node of the composition graph.
type EntityRef struct {
	Kind models.EntityKind `json:"kind"`
	ID   uint              `json:"id"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// CacheKey identifies one cached attribute block.
type CacheKey struct {
	Kind      models.EntityKind
	ID        uint
	Attribute models.Attribute
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s:%d:%s", k.Kind, k.ID, k.Attribute)
}

// Ref drops the attribute from the key.
func (k CacheKey) Ref() EntityRef {
	return EntityRef{Kind: k.Kind, ID: k.ID}
}

// Line is an ingredient used by a recipe or directly by a dish. Ingredient is
// nil when the referenced ingredient no longer exists.
type Line struct {
	IngredientID uint
	Quantity     float64
	Unit         string
	Ingredient   *models.Ingredient
}

// RecipePortion is a recipe composed into a dish.
type RecipePortion struct {
	RecipeID uint
	Quantity float64
	Unit     string
}

// DishComposition is the mixed composition of a dish.
type DishComposition struct {
	Recipes     []RecipePortion
	Ingredients []Line
}

// EntityStore reads entities and their composition.
type EntityStore interface {
	Ingredient(ctx context.Context, id uint) (models.Ingredient, error)
	Recipe(ctx context.Context, id uint) (models.Recipe, error)
	Dish(ctx context.Context, id uint) (models.Dish, error)
	RecipeLines(ctx context.Context, recipeID uint) ([]Line, error)
	DishComposition(ctx context.Context, dishID uint) (DishComposition, error)
}

// EdgeLookup finds the direct dependents of an entity: one reverse hop.
type EdgeLookup interface {
	Dependents(ctx context.Context, ref EntityRef) ([]EntityRef, error)
}

// CacheStore holds derived attribute blocks. Get returns the block's current
// Generation even when nothing is cached; Put only succeeds while the stored
// generation still equals attrs.Generation, and MarkStale bumps it.
type CacheStore interface {
	Get(ctx context.Context, key CacheKey) (models.DerivedAttributes, bool, error)
	Put(ctx context.Context, key CacheKey, attrs models.DerivedAttributes) error
	MarkStale(ctx context.Context, ref EntityRef) error
}

func cloneAttributes(attrs models.DerivedAttributes) models.DerivedAttributes {
	out := attrs
	if attrs.Allergens != nil {
		out.Allergens = append(models.AllergenCodes{}, attrs.Allergens...)
	}
	return out
}
