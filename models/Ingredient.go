package models

import (
	"gorm.io/gorm"
)

// Ingredient is the atomic entity every recipe and dish is composed from.
type Ingredient struct {
	gorm.Model
	Name                string        `gorm:"uniqueIndex;not null" json:"name"`
	Brand               string        `json:"brand"`
	Category            string        `gorm:"index" json:"category"`
	Unit                string        `gorm:"type:varchar(16)" json:"unit"`
	PackCost            float64       `json:"pack_cost"`
	PackSize            float64       `json:"pack_size"`
	CostPerUnit         float64       `json:"cost_per_unit"`
	CostPerUnitInclTrim *float64      `json:"cost_per_unit_incl_trim,omitempty"`
	WastePercent        *float64      `json:"waste_percent,omitempty"`
	YieldPercent        *float64      `json:"yield_percent,omitempty"`
	IsConsumable        bool          `gorm:"not null;default:false" json:"is_consumable"`
	Allergens           AllergenCodes `gorm:"type:text" json:"allergens"`
	AllergensManual     bool          `gorm:"not null;default:false" json:"allergens_manual"`

	// Dietary flags are only authoritative when DietaryManual is set.
	DietaryManual bool  `gorm:"not null;default:false" json:"dietary_manual"`
	IsVegetarian  *bool `json:"is_vegetarian,omitempty"`
	IsVegan       *bool `json:"is_vegan,omitempty"`
}
