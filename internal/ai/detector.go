package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"mise/internal/rules"
	"mise/models"
)

// Detector answers attribute questions the deterministic rules could not.
// Any returned error means the answer is unavailable.
type Detector interface {
	Detect(ctx context.Context, req DetectionRequest) (Detection, error)
}

// SubjectIngredient is one ingredient described to the model.
type SubjectIngredient struct {
	Name     string
	Brand    string
	Category string
}

// DetectionRequest describes the entity whose attribute is being resolved.
type DetectionRequest struct {
	Attribute   models.Attribute
	EntityKind  models.EntityKind
	Name        string
	Ingredients []SubjectIngredient
}

// Subject renders the entity as the text the model sees.
func (r DetectionRequest) Subject() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", r.EntityKind, strings.TrimSpace(r.Name))
	for _, ing := range r.Ingredients {
		b.WriteString("- ")
		b.WriteString(strings.TrimSpace(ing.Name))
		if brand := strings.TrimSpace(ing.Brand); brand != "" {
			fmt.Fprintf(&b, " (brand: %s)", brand)
		}
		if category := strings.TrimSpace(ing.Category); category != "" {
			fmt.Fprintf(&b, " [category: %s]", category)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Detection is a normalised model answer. Nil flags mean the model did not know.
type Detection struct {
	Allergens    models.AllergenCodes
	IsVegetarian *bool
	IsVegan      *bool
	Confidence   models.Confidence
}

// Detect asks the model about one attribute of the subject.
func (c *Client) Detect(ctx context.Context, req DetectionRequest) (Detection, error) {
	if strings.TrimSpace(req.Name) == "" && len(req.Ingredients) == 0 {
		return Detection{}, errors.New("ai: detection subject must not be empty")
	}

	prompt, err := buildPrompt(req)
	if err != nil {
		return Detection{}, err
	}

	content, err := c.complete(ctx, systemPrompt, prompt)
	if err != nil {
		return Detection{}, err
	}

	var parsed aiDetectionResponse
	decoder := json.NewDecoder(strings.NewReader(content))
	decoder.UseNumber()
	if err := decoder.Decode(&parsed); err != nil {
		return Detection{}, fmt.Errorf("%w: parse JSON payload: %w", ErrUnavailable, err)
	}

	return normaliseDetection(req.Attribute, parsed)
}

// Disabled is the Detector used when no API key is configured.
type Disabled struct{}

func (Disabled) Detect(context.Context, DetectionRequest) (Detection, error) {
	return Detection{}, ErrDisabled
}

const systemPrompt = "You are a food safety assistant for professional kitchens. Answer allergen and dietary questions about dishes in JSON only."

func buildPrompt(req DetectionRequest) (string, error) {
	switch req.Attribute {
	case models.AttributeAllergens:
		return fmt.Sprintf(`List the allergens present in the following %s.
%s
Return JSON:
{
  "allergens": string[] using only these codes: celery, gluten, crustaceans, eggs, fish, lupin, milk, molluscs, mustard, nuts, peanuts, sesame, soya, sulphites,
  "confidence": string from {high, medium, low}
}
Strict rules: respond with raw JSON, no Markdown, no comments. Use an empty list when no allergen is present.`, req.EntityKind, req.Subject()), nil
	case models.AttributeDietary:
		return fmt.Sprintf(`Decide whether the following %s is vegetarian and whether it is vegan.
%s
Return JSON:
{
  "is_vegetarian": true | false | null,
  "is_vegan": true | false | null,
  "allergens": string[] (same codes as the UK/EU fourteen: milk, eggs, fish, ...),
  "confidence": string from {high, medium, low}
}
Strict rules: respond with raw JSON, no Markdown, no comments. Use null when you cannot tell.`, req.EntityKind, req.Subject()), nil
	default:
		return "", fmt.Errorf("ai: unsupported attribute %q", req.Attribute)
	}
}

type aiDetectionResponse struct {
	Allergens    any    `json:"allergens"`
	IsVegetarian any    `json:"is_vegetarian"`
	IsVegan      any    `json:"is_vegan"`
	Confidence   string `json:"confidence"`
}

func normaliseDetection(attr models.Attribute, data aiDetectionResponse) (Detection, error) {
	codes, _ := rules.Consolidate(sanitiseList(data.Allergens))
	result := Detection{
		Allergens:  codes,
		Confidence: mapConfidence(data.Confidence),
	}
	if attr == models.AttributeDietary {
		result.IsVegetarian = parseFlag(data.IsVegetarian)
		result.IsVegan = parseFlag(data.IsVegan)
		if result.IsVegetarian == nil && result.IsVegan == nil {
			return Detection{}, fmt.Errorf("%w: dietary answer missing", ErrUnavailable)
		}
	}
	return result, nil
}

func mapConfidence(value string) models.Confidence {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "high", "very high", "certain":
		return models.ConfidenceHigh
	case "medium", "moderate":
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

func parseFlag(value any) *bool {
	switch v := value.(type) {
	case bool:
		return models.BoolPtr(v)
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "y":
			return models.BoolPtr(true)
		case "false", "no", "n":
			return models.BoolPtr(false)
		}
	}
	return nil
}

func sanitiseList(raw any) []string {
	result := []string{}
	switch values := raw.(type) {
	case []any:
		for _, entry := range values {
			if s, ok := entry.(string); ok {
				result = append(result, s)
			}
		}
	case string:
		result = append(result, strings.Split(values, ",")...)
	}
	return result
}
