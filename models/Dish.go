package models

import (
	"gorm.io/gorm"
)

type Dish struct {
	gorm.Model
	Name         string          `gorm:"uniqueIndex;not null" json:"name"`
	SellingPrice float64         `json:"selling_price"`
	Components   []DishComponent `gorm:"foreignKey:DishID" json:"components"`

	Override      ManualOverride    `gorm:"embedded;embeddedPrefix:override_" json:"override"`
	AllergenCache DerivedAttributes `gorm:"embedded;embeddedPrefix:allergen_cache_" json:"allergen_cache"`
	DietaryCache  DerivedAttributes `gorm:"embedded;embeddedPrefix:dietary_cache_" json:"dietary_cache"`
}

type DishComponent struct {
	gorm.Model
	DishID   uint    `gorm:"not null;index" json:"dish_id"`
	Position int     `gorm:"not null;default:0" json:"position"`
	Quantity float64 `gorm:"not null" json:"quantity"`
	Unit     string  `gorm:"type:varchar(16)" json:"unit"`

	// --- Component Link ---
	// Exactly one of these is set.
	RecipeID     *uint `gorm:"index" json:"recipe_id,omitempty"`
	IngredientID *uint `gorm:"index" json:"ingredient_id,omitempty"`

	Recipe     *Recipe     `gorm:"foreignKey:RecipeID" json:"recipe,omitempty"`
	Ingredient *Ingredient `gorm:"foreignKey:IngredientID" json:"ingredient,omitempty"`
}
