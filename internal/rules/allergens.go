// Package rules holds the deterministic detection rules used by the rule tier
// of attribute resolution: allergen code consolidation, name keyword
// matching, and vegetarian/vegan inference from ingredient categories.
package rules

import (
	"sort"
	"strings"

	"mise/models"
)

// Canonical allergen codes. The set follows the fourteen allergens that must
// be declared on food sold in the UK and EU.
const (
	Celery      = "celery"
	Gluten      = "gluten"
	Crustaceans = "crustaceans"
	Eggs        = "eggs"
	Fish        = "fish"
	Lupin       = "lupin"
	Milk        = "milk"
	Molluscs    = "molluscs"
	Mustard     = "mustard"
	Nuts        = "nuts"
	Peanuts     = "peanuts"
	Sesame      = "sesame"
	Soya        = "soya"
	Sulphites   = "sulphites"
)

var canonical = map[string]struct{}{
	Celery: {}, Gluten: {}, Crustaceans: {}, Eggs: {}, Fish: {}, Lupin: {}, Milk: {},
	Molluscs: {}, Mustard: {}, Nuts: {}, Peanuts: {}, Sesame: {}, Soya: {}, Sulphites: {},
}

var synonyms = map[string]string{
	"dairy":                     Milk,
	"lactose":                   Milk,
	"casein":                    Milk,
	"whey":                      Milk,
	"egg":                       Eggs,
	"shellfish":                 Crustaceans,
	"crustacean":                Crustaceans,
	"mollusc":                   Molluscs,
	"mollusk":                   Molluscs,
	"mollusks":                  Molluscs,
	"tree_nuts":                 Nuts,
	"tree_nut":                  Nuts,
	"nut":                       Nuts,
	"peanut":                    Peanuts,
	"groundnut":                 Peanuts,
	"soy":                       Soya,
	"soybean":                   Soya,
	"soybeans":                  Soya,
	"wheat":                     Gluten,
	"cereals_containing_gluten": Gluten,
	"sulfites":                  Sulphites,
	"sulphur_dioxide":           Sulphites,
	"sulfur_dioxide":            Sulphites,
	"sesame_seeds":              Sesame,
}

// NormalizeCode maps a raw allergen label onto its canonical code.
func NormalizeCode(raw string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if key == "" {
		return "", false
	}
	if _, ok := canonical[key]; ok {
		return key, true
	}
	if code, ok := synonyms[key]; ok {
		return code, true
	}
	return "", false
}

// Consolidate normalizes, deduplicates and sorts the union of the given code
// lists. Labels outside the taxonomy are dropped and returned separately.
func Consolidate(lists ...[]string) (models.AllergenCodes, []string) {
	seen := make(map[string]struct{})
	var unknown []string
	for _, list := range lists {
		for _, raw := range list {
			code, ok := NormalizeCode(raw)
			if !ok {
				if strings.TrimSpace(raw) != "" {
					unknown = append(unknown, raw)
				}
				continue
			}
			seen[code] = struct{}{}
		}
	}
	result := make(models.AllergenCodes, 0, len(seen))
	for code := range seen {
		result = append(result, code)
	}
	sort.Strings(result)
	return result, unknown
}

var nameKeywords = []struct {
	keyword string
	code    string
}{
	{"milk", Milk}, {"butter", Milk}, {"cream", Milk}, {"cheese", Milk}, {"parmesan", Milk},
	{"mozzarella", Milk}, {"yoghurt", Milk}, {"yogurt", Milk}, {"ghee", Milk},
	{"egg", Eggs}, {"mayonnaise", Eggs}, {"aioli", Eggs},
	{"anchovy", Fish}, {"anchovies", Fish}, {"salmon", Fish}, {"tuna", Fish}, {"cod", Fish},
	{"prawn", Crustaceans}, {"shrimp", Crustaceans}, {"crab", Crustaceans}, {"lobster", Crustaceans},
	{"mussel", Molluscs}, {"oyster", Molluscs}, {"squid", Molluscs}, {"clam", Molluscs},
	{"wheat", Gluten}, {"flour", Gluten}, {"barley", Gluten}, {"rye", Gluten},
	{"peanut", Peanuts}, {"almond", Nuts}, {"walnut", Nuts}, {"hazelnut", Nuts}, {"cashew", Nuts}, {"pistachio", Nuts},
	{"sesame", Sesame}, {"tahini", Sesame}, {"soy", Soya}, {"tofu", Soya}, {"mustard", Mustard},
	{"celery", Celery}, {"celeriac", Celery}, {"lupin", Lupin}, {"wine", Sulphites},
}

// plantQualifiers cancel a keyword when they precede it, e.g. "oat milk" or
// "rice flour".
var plantQualifiers = map[string]map[string]struct{}{
	"milk":   set("oat", "soy", "soya", "almond", "coconut", "rice", "cashew"),
	"butter": set("peanut", "almond", "cocoa", "shea", "cashew", "apple"),
	"cream":  set("coconut", "soy", "oat"),
	"flour":  set("rice", "corn", "almond", "chickpea", "coconut", "buckwheat", "potato"),
}

func set(values ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

// DetectFromName returns the allergen codes suggested by keywords in an
// ingredient name. Matching is on whole words, with a trailing plural allowed.
func DetectFromName(name string) []string {
	words := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	var found []string
	for i, word := range words {
		for _, kw := range nameKeywords {
			if word != kw.keyword && word != kw.keyword+"s" && word != kw.keyword+"es" {
				continue
			}
			if i > 0 {
				if _, plant := plantQualifiers[kw.keyword][words[i-1]]; plant {
					continue
				}
			}
			found = append(found, kw.code)
		}
	}
	return found
}

// animalAllergens imply the ingredient is not vegetarian.
var animalAllergens = []string{Fish, Crustaceans, Molluscs}

// containsAny reports whether codes holds any of wanted.
func containsAny(codes models.AllergenCodes, wanted ...string) bool {
	for _, w := range wanted {
		if codes.Contains(w) {
			return true
		}
	}
	return false
}
