// Package catalog loads kitchen catalogs (ingredients, recipes and dishes)
// from YAML or CSV files and upserts them into the database.
package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"mise/internal/rules"
	"mise/models"
)

// ErrUnknownReference is returned when a line or component names an entity
// that is neither in the catalog nor in the database.
var ErrUnknownReference = errors.New("unknown reference")

var validate = validator.New()

// Catalog is the document accepted by the importer.
type Catalog struct {
	Ingredients []IngredientEntry `yaml:"ingredients" validate:"dive"`
	Recipes     []RecipeEntry     `yaml:"recipes" validate:"dive"`
	Dishes      []DishEntry       `yaml:"dishes" validate:"dive"`
}

// Dietary pins vegetarian and vegan flags by hand.
type Dietary struct {
	Vegetarian *bool `yaml:"vegetarian"`
	Vegan      *bool `yaml:"vegan"`
}

type IngredientEntry struct {
	Name            string   `yaml:"name" validate:"required"`
	Brand           string   `yaml:"brand"`
	Category        string   `yaml:"category"`
	Unit            string   `yaml:"unit" validate:"required"`
	PackCost        float64  `yaml:"pack_cost" validate:"gte=0"`
	PackSize        float64  `yaml:"pack_size" validate:"gte=0"`
	CostPerUnit     float64  `yaml:"cost_per_unit" validate:"gte=0"`
	WastePercent    *float64 `yaml:"waste_percent" validate:"omitempty,gte=0,lt=100"`
	YieldPercent    *float64 `yaml:"yield_percent" validate:"omitempty,gt=0,lte=100"`
	Consumable      bool     `yaml:"consumable"`
	Allergens       []string `yaml:"allergens"`
	AllergensManual bool     `yaml:"allergens_manual"`
	Dietary         *Dietary `yaml:"dietary"`
}

type LineEntry struct {
	Ingredient string  `yaml:"ingredient" validate:"required"`
	Quantity   float64 `yaml:"quantity" validate:"gt=0"`
	Unit       string  `yaml:"unit"`
}

// Override pins recipe or dish attributes. A non-nil Allergens list, even an
// empty one, pins the allergen set.
type Override struct {
	Allergens []string `yaml:"allergens"`
	Dietary   *Dietary `yaml:"dietary"`
}

type RecipeEntry struct {
	Name     string      `yaml:"name" validate:"required"`
	Portions int         `yaml:"portions" validate:"gte=0"`
	Lines    []LineEntry `yaml:"lines" validate:"dive"`
	Override *Override   `yaml:"override"`
}

type ComponentEntry struct {
	Recipe     string  `yaml:"recipe" validate:"required_without=Ingredient,excluded_with=Ingredient"`
	Ingredient string  `yaml:"ingredient" validate:"required_without=Recipe"`
	Quantity   float64 `yaml:"quantity" validate:"gt=0"`
	Unit       string  `yaml:"unit"`
}

type DishEntry struct {
	Name         string           `yaml:"name" validate:"required"`
	SellingPrice float64          `yaml:"selling_price" validate:"gte=0"`
	Components   []ComponentEntry `yaml:"components" validate:"dive"`
	Override     *Override        `yaml:"override"`
}

// Load reads a catalog file. Files ending in .csv are read as an ingredient
// price list; everything else is parsed as YAML.
func Load(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Catalog{}, fmt.Errorf("catalog path must not be empty")
	}
	file, err := os.Open(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("open catalog: %w", err)
	}
	defer file.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return ParseCSV(file)
	}
	return Parse(file)
}

// Parse decodes and validates a YAML catalog. Unknown fields are rejected.
func Parse(r io.Reader) (Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// Validate checks field constraints, duplicate names and allergen labels.
func (c Catalog) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}

	var problems []string
	problems = append(problems, duplicates("ingredient", c.Ingredients, func(e IngredientEntry) string { return e.Name })...)
	problems = append(problems, duplicates("recipe", c.Recipes, func(e RecipeEntry) string { return e.Name })...)
	problems = append(problems, duplicates("dish", c.Dishes, func(e DishEntry) string { return e.Name })...)

	for _, ing := range c.Ingredients {
		if _, unknown := rules.Consolidate(ing.Allergens); len(unknown) > 0 {
			problems = append(problems, fmt.Sprintf("ingredient %q: unknown allergens %s", ing.Name, strings.Join(unknown, ", ")))
		}
	}
	for _, r := range c.Recipes {
		problems = append(problems, overrideProblems("recipe", r.Name, r.Override)...)
	}
	for _, d := range c.Dishes {
		problems = append(problems, overrideProblems("dish", d.Name, d.Override)...)
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid catalog: %s", strings.Join(problems, "; "))
	}
	return nil
}

func overrideProblems(kind, name string, o *Override) []string {
	if o == nil {
		return nil
	}
	if _, unknown := rules.Consolidate(o.Allergens); len(unknown) > 0 {
		return []string{fmt.Sprintf("%s %q: unknown allergens %s", kind, name, strings.Join(unknown, ", "))}
	}
	return nil
}

func duplicates[T any](kind string, entries []T, name func(T) string) []string {
	seen := make(map[string]struct{}, len(entries))
	var problems []string
	for _, entry := range entries {
		key := strings.ToLower(strings.TrimSpace(name(entry)))
		if _, ok := seen[key]; ok {
			problems = append(problems, fmt.Sprintf("duplicate %s %q", kind, name(entry)))
			continue
		}
		seen[key] = struct{}{}
	}
	return problems
}

func (e IngredientEntry) model() models.Ingredient {
	allergens, _ := rules.Consolidate(e.Allergens)
	ing := models.Ingredient{
		Name:            strings.TrimSpace(e.Name),
		Brand:           strings.TrimSpace(e.Brand),
		Category:        strings.ToLower(strings.TrimSpace(e.Category)),
		Unit:            strings.TrimSpace(e.Unit),
		PackCost:        e.PackCost,
		PackSize:        e.PackSize,
		CostPerUnit:     e.CostPerUnit,
		WastePercent:    e.WastePercent,
		YieldPercent:    e.YieldPercent,
		IsConsumable:    e.Consumable,
		Allergens:       allergens,
		AllergensManual: e.AllergensManual,
	}
	if e.Dietary != nil {
		ing.DietaryManual = true
		ing.IsVegetarian = e.Dietary.Vegetarian
		ing.IsVegan = e.Dietary.Vegan
	}
	return ing
}

func (o *Override) model() models.ManualOverride {
	var override models.ManualOverride
	if o == nil {
		return override
	}
	if o.Allergens != nil {
		override.AllergensManual = true
		override.Allergens, _ = rules.Consolidate(o.Allergens)
	}
	if o.Dietary != nil {
		override.DietaryManual = true
		override.IsVegetarian = o.Dietary.Vegetarian
		override.IsVegan = o.Dietary.Vegan
	}
	return override
}

func (r RecipeEntry) portions() int {
	if r.Portions < 1 {
		return 1
	}
	return r.Portions
}
