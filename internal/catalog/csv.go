package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

var (
	numberPattern   = regexp.MustCompile(`[-+]?\d*\.?\d+`)
	cleanWhitespace = regexp.MustCompile(`\s+`)
)

// Column headers understood in an ingredient price list. Matching ignores case.
const (
	colName        = "name"
	colBrand       = "brand"
	colCategory    = "category"
	colUnit        = "unit"
	colPackCost    = "pack cost"
	colPackSize    = "pack size"
	colCostPerUnit = "cost per unit"
	colWaste       = "waste %"
	colYield       = "yield %"
	colConsumable  = "consumable"
	colAllergens   = "allergens"
)

// ParseCSV reads an ingredient price list. Each row becomes an
// IngredientEntry; allergens are separated by semicolons or commas.
func ParseCSV(r io.Reader) (Catalog, error) {
	records, err := readCSV(r)
	if err != nil {
		return Catalog{}, fmt.Errorf("read csv: %w", err)
	}

	c := Catalog{Ingredients: make([]IngredientEntry, 0, len(records))}
	for _, record := range records {
		if normalizeValue(record[colName]) == "" {
			continue
		}
		c.Ingredients = append(c.Ingredients, buildIngredient(record))
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

func readCSV(r io.Reader) ([]map[string]string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, errors.New("csv is empty")
	}

	header := rows[0]
	records := make([]map[string]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) == 0 {
			continue
		}

		record := make(map[string]string, len(header))
		for idx, key := range header {
			if idx >= len(row) {
				continue
			}
			record[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(row[idx])
		}
		records = append(records, record)
	}

	return records, nil
}

func buildIngredient(row map[string]string) IngredientEntry {
	entry := IngredientEntry{
		Name:        normalizeText(row[colName]),
		Brand:       normalizeText(row[colBrand]),
		Category:    normalizeValue(row[colCategory]),
		Unit:        normalizeValue(row[colUnit]),
		PackCost:    parseFirstNumber(row[colPackCost]),
		PackSize:    parseFirstNumber(row[colPackSize]),
		CostPerUnit: parseFirstNumber(row[colCostPerUnit]),
		Consumable:  parseYes(row[colConsumable]),
		Allergens:   splitList(row[colAllergens]),
	}
	if v := normalizeValue(row[colWaste]); v != "" {
		waste := parseFirstNumber(v)
		entry.WastePercent = &waste
	}
	if v := normalizeValue(row[colYield]); v != "" {
		yield := parseFirstNumber(v)
		entry.YieldPercent = &yield
	}
	return entry
}

func normalizeValue(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "N/A") {
		return ""
	}
	return value
}

func normalizeText(value string) string {
	value = normalizeValue(value)
	if value == "" {
		return value
	}
	value = cleanWhitespace.ReplaceAllString(value, " ")
	return strings.TrimSpace(value)
}

func parseFirstNumber(value string) float64 {
	value = normalizeValue(value)
	if value == "" {
		return 0
	}

	match := numberPattern.FindString(value)
	if match == "" {
		return 0
	}

	parsed, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func parseYes(value string) bool {
	switch strings.ToLower(normalizeValue(value)) {
	case "yes", "y", "true", "1":
		return true
	default:
		return false
	}
}

func splitList(value string) []string {
	value = normalizeValue(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(strings.ReplaceAll(value, ";", ","), ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if clean := strings.TrimSpace(part); clean != "" {
			result = append(result, clean)
		}
	}
	return result
}
