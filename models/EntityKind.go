package models

import (
	"fmt"
	"strings"
)

// EntityKind names the node types of the composition graph.
type EntityKind string

const (
	KindIngredient EntityKind = "ingredient"
	KindRecipe     EntityKind = "recipe"
	KindDish       EntityKind = "dish"
)

// ParseEntityKind accepts singular and plural spellings, case-insensitively.
func ParseEntityKind(value string) (EntityKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "ingredient", "ingredients":
		return KindIngredient, nil
	case "recipe", "recipes":
		return KindRecipe, nil
	case "dish", "dishes":
		return KindDish, nil
	default:
		return "", fmt.Errorf("unknown entity kind: %q", value)
	}
}

// Attribute selects which derived attribute a resolution targets.
type Attribute string

const (
	AttributeAllergens Attribute = "allergens"
	AttributeDietary   Attribute = "dietary"
)
