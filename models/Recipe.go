package models

import (
	"gorm.io/gorm"
)

type Recipe struct {
	gorm.Model
	Name     string       `gorm:"uniqueIndex;not null" json:"name"`
	Portions int          `gorm:"not null;default:1" json:"portions"`
	Lines    []RecipeLine `gorm:"foreignKey:RecipeID" json:"lines"`

	Override      ManualOverride    `gorm:"embedded;embeddedPrefix:override_" json:"override"`
	AllergenCache DerivedAttributes `gorm:"embedded;embeddedPrefix:allergen_cache_" json:"allergen_cache"`
	DietaryCache  DerivedAttributes `gorm:"embedded;embeddedPrefix:dietary_cache_" json:"dietary_cache"`
}

// RecipeLine is owned by exactly one Recipe and has no lifecycle of its own.
type RecipeLine struct {
	gorm.Model
	RecipeID     uint    `gorm:"not null;index" json:"recipe_id"`
	IngredientID uint    `gorm:"not null;index" json:"ingredient_id"`
	Position     int     `gorm:"not null;default:0" json:"position"`
	Quantity     float64 `gorm:"not null" json:"quantity"`
	Unit         string  `gorm:"type:varchar(16)" json:"unit"`

	Ingredient *Ingredient `gorm:"foreignKey:IngredientID" json:"ingredient,omitempty"`
}
