package rules

import (
	"fmt"
	"strings"

	"mise/models"
)

type categoryClass int

const (
	classUnknown categoryClass = iota
	classVegan
	classVegetarian
	classAnimal
)

var categoryClasses = map[string]categoryClass{
	"meat": classAnimal, "beef": classAnimal, "pork": classAnimal, "lamb": classAnimal,
	"poultry": classAnimal, "chicken": classAnimal, "game": classAnimal, "offal": classAnimal,
	"charcuterie": classAnimal, "fish": classAnimal, "seafood": classAnimal, "shellfish": classAnimal,
	"gelatin": classAnimal, "gelatine": classAnimal, "stock_meat": classAnimal,

	"dairy": classVegetarian, "cheese": classVegetarian, "egg": classVegetarian,
	"eggs": classVegetarian, "honey": classVegetarian,

	"vegetable": classVegan, "vegetables": classVegan, "produce": classVegan, "fruit": classVegan,
	"herb": classVegan, "herbs": classVegan, "spice": classVegan, "spices": classVegan,
	"grain": classVegan, "grains": classVegan, "legume": classVegan, "legumes": classVegan,
	"pulses": classVegan, "nut": classVegan, "nuts": classVegan, "seed": classVegan,
	"seeds": classVegan, "oil": classVegan, "oils": classVegan, "flour": classVegan,
	"sugar": classVegan, "salt": classVegan, "vinegar": classVegan, "condiment": classVegan,
	"beverage": classVegan, "dry_goods": classVegan, "packaging": classVegan, "consumable": classVegan,
}

func classify(category string) categoryClass {
	key := strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(strings.TrimSpace(category)))
	return categoryClasses[key]
}

// Assessment is the rule-tier view of one composition component.
type Assessment struct {
	Allergens    models.AllergenCodes
	IsVegetarian *bool
	IsVegan      *bool

	// AllergensKnown and DietaryKnown report whether the rules had enough
	// data to be decisive for this component.
	AllergensKnown bool
	DietaryKnown   bool

	// Corrections lists manual dietary claims the allergen evidence overrode.
	Corrections []Correction
}

// AssessIngredient applies the ingredient-level rules. Unknown allergen labels
// are returned so the caller can log them.
func AssessIngredient(ing models.Ingredient) (Assessment, []string) {
	var a Assessment
	var unknown []string

	class := classify(ing.Category)

	if ing.AllergensManual {
		a.Allergens, unknown = Consolidate(ing.Allergens)
		a.AllergensKnown = true
	} else {
		a.Allergens, unknown = Consolidate(ing.Allergens, DetectFromName(ing.Name))
		a.AllergensKnown = len(ing.Allergens) > 0 || class != classUnknown
	}

	if ing.DietaryManual && (ing.IsVegetarian != nil || ing.IsVegan != nil) {
		a.IsVegetarian = ing.IsVegetarian
		a.IsVegan = ing.IsVegan
		if a.IsVegan != nil && *a.IsVegan && a.IsVegetarian == nil {
			a.IsVegetarian = models.BoolPtr(true)
		}
		a.DietaryKnown = true
	} else {
		switch class {
		case classAnimal:
			a.IsVegetarian, a.IsVegan = models.BoolPtr(false), models.BoolPtr(false)
			a.DietaryKnown = true
		case classVegetarian:
			a.IsVegetarian, a.IsVegan = models.BoolPtr(true), models.BoolPtr(false)
			a.DietaryKnown = true
		case classVegan:
			a.IsVegetarian, a.IsVegan = models.BoolPtr(true), models.BoolPtr(true)
			a.DietaryKnown = true
		}
	}

	// Allergen evidence always wins over a permissive category.
	claimedVegetarian, claimedVegan := isTrue(a.IsVegetarian), isTrue(a.IsVegan)
	if containsAny(a.Allergens, animalAllergens...) {
		a.IsVegetarian, a.IsVegan = models.BoolPtr(false), models.BoolPtr(false)
		a.DietaryKnown = true
	} else if containsAny(a.Allergens, Milk, Eggs) {
		a.IsVegan = models.BoolPtr(false)
	}

	if ing.DietaryManual {
		if claimedVegetarian && !isTrue(a.IsVegetarian) {
			a.Corrections = append(a.Corrections, Correction{
				Field:  "is_vegetarian",
				Reason: fmt.Sprintf("ingredient %q vegetarian claim contradicts allergens %s", ing.Name, strings.Join(a.Allergens, ",")),
			})
		}
		if claimedVegan && !isTrue(a.IsVegan) {
			a.Corrections = append(a.Corrections, Correction{
				Field:  "is_vegan",
				Reason: fmt.Sprintf("ingredient %q vegan claim contradicts allergens %s", ing.Name, strings.Join(a.Allergens, ",")),
			})
		}
	}

	return a, unknown
}

func isTrue(v *bool) bool {
	return v != nil && *v
}

// FromDerived turns an already-resolved sub-entity into a component assessment.
func FromDerived(d models.DerivedAttributes) Assessment {
	known := d.Confidence.Rank() >= models.ConfidenceMedium.Rank()
	return Assessment{
		Allergens:      d.Allergens,
		IsVegetarian:   d.IsVegetarian,
		IsVegan:        d.IsVegan,
		AllergensKnown: known,
		DietaryKnown:   known && d.IsVegetarian != nil && d.IsVegan != nil,
	}
}

// Combined is the consolidated rule result over a list of components.
type Combined struct {
	Allergens      models.AllergenCodes
	IsVegetarian   *bool
	IsVegan        *bool
	AllergensKnown bool
	DietaryKnown   bool

	// Corrections gathers the components' corrections plus any vegan
	// conjunction overturned by the combined allergen set.
	Corrections []Correction
}

// Combine consolidates components so the result is never more permissive than
// its most restrictive component. With no components everything is
// undetermined.
func Combine(parts []Assessment) Combined {
	if len(parts) == 0 {
		return Combined{Allergens: models.AllergenCodes{}}
	}

	lists := make([][]string, 0, len(parts))
	c := Combined{AllergensKnown: true, DietaryKnown: true}
	for _, p := range parts {
		lists = append(lists, p.Allergens)
		c.AllergensKnown = c.AllergensKnown && p.AllergensKnown
		c.DietaryKnown = c.DietaryKnown && p.DietaryKnown
		c.Corrections = append(c.Corrections, p.Corrections...)
	}
	c.Allergens, _ = Consolidate(lists...)

	c.IsVegetarian = conjunction(parts, func(p Assessment) *bool { return p.IsVegetarian })
	if c.IsVegetarian != nil && !*c.IsVegetarian {
		c.IsVegan = models.BoolPtr(false)
	} else {
		c.IsVegan = conjunction(parts, func(p Assessment) *bool { return p.IsVegan })
	}
	if containsAny(c.Allergens, Milk, Eggs) {
		if isTrue(c.IsVegan) {
			c.Corrections = append(c.Corrections, Correction{
				Field:  "is_vegan",
				Reason: fmt.Sprintf("components claim vegan but carry allergens %s", strings.Join(c.Allergens, ",")),
			})
		}
		c.IsVegan = models.BoolPtr(false)
	}
	return c
}

// conjunction is false if any value is false, undetermined if any is
// undetermined, and true otherwise.
func conjunction(parts []Assessment, get func(Assessment) *bool) *bool {
	undetermined := false
	for _, p := range parts {
		v := get(p)
		if v == nil {
			undetermined = true
			continue
		}
		if !*v {
			return models.BoolPtr(false)
		}
	}
	if undetermined {
		return nil
	}
	return models.BoolPtr(true)
}

// Correction describes a value the consistency rules had to override.
type Correction struct {
	Field  string
	Reason string
}

func (c Correction) String() string {
	return fmt.Sprintf("%s: %s", c.Field, c.Reason)
}

// EnforceVeganConsistency overrides a vegan claim that contradicts the
// allergen set or the vegetarian flag. It applies to every resolver tier.
func EnforceVeganConsistency(attrs *models.DerivedAttributes) []Correction {
	if attrs == nil || attrs.IsVegan == nil || !*attrs.IsVegan {
		return nil
	}
	var corrections []Correction
	var present []string
	for _, code := range []string{Milk, Eggs} {
		if attrs.Allergens.Contains(code) {
			present = append(present, code)
		}
	}
	if len(present) > 0 {
		attrs.IsVegan = models.BoolPtr(false)
		corrections = append(corrections, Correction{
			Field:  "is_vegan",
			Reason: fmt.Sprintf("vegan claim contradicts allergens %s (method=%s)", strings.Join(present, ","), attrs.Method),
		})
	}
	if attrs.IsVegan != nil && *attrs.IsVegan && attrs.IsVegetarian != nil && !*attrs.IsVegetarian {
		attrs.IsVegan = models.BoolPtr(false)
		corrections = append(corrections, Correction{
			Field:  "is_vegan",
			Reason: fmt.Sprintf("vegan claim contradicts non-vegetarian status (method=%s)", attrs.Method),
		})
	}
	return corrections
}
