package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Confidence ranks how trustworthy a derived value is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Rank orders confidences so they can be compared. Unknown values rank lowest.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// Method records which resolver tier produced a value.
type Method string

const (
	MethodManual Method = "manual"
	MethodCached Method = "cached"
	MethodRule   Method = "rule"
	MethodAI     Method = "ai"
)

// DerivedAttributes is the cached attribute block stored on recipes and dishes.
// A nil IsVegetarian/IsVegan means undetermined, which is not the same as false.
type DerivedAttributes struct {
	Allergens    AllergenCodes `gorm:"type:text" json:"allergens"`
	IsVegetarian *bool         `json:"is_vegetarian"`
	IsVegan      *bool         `json:"is_vegan"`
	Confidence   Confidence    `gorm:"type:varchar(16)" json:"confidence,omitempty"`
	Method       Method        `gorm:"type:varchar(16)" json:"method,omitempty"`
	ComputedAt   *time.Time    `json:"computed_at,omitempty"`
	Stale        bool          `gorm:"not null;default:false" json:"stale"`
	// Generation is bumped every time the block is marked stale. A write
	// carrying an older generation is discarded.
	Generation int64 `gorm:"not null;default:0" json:"-"`
}

// Present reports whether the block holds a computed value at all.
func (d DerivedAttributes) Present() bool {
	return d.Method != ""
}

// Fresh reports whether the block can be served without recomputation.
func (d DerivedAttributes) Fresh() bool {
	return d.Present() && !d.Stale
}

// Undetermined builds the block returned when nothing can be derived.
func Undetermined() DerivedAttributes {
	return DerivedAttributes{
		Allergens:  AllergenCodes{},
		Confidence: ConfidenceLow,
		Method:     MethodRule,
	}
}

// ManualOverride holds values a user pinned by hand on a recipe or dish.
type ManualOverride struct {
	AllergensManual bool          `gorm:"not null;default:false" json:"allergens_manual"`
	Allergens       AllergenCodes `gorm:"type:text" json:"allergens"`
	DietaryManual   bool          `gorm:"not null;default:false" json:"dietary_manual"`
	IsVegetarian    *bool         `json:"is_vegetarian,omitempty"`
	IsVegan         *bool         `json:"is_vegan,omitempty"`
}

// AllergenCodes is a list of allergen codes persisted as a JSON array.
type AllergenCodes []string

// Value implements driver.Valuer.
func (a AllergenCodes) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	raw, err := json.Marshal([]string(a))
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (a *AllergenCodes) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("allergen codes: unsupported source type %T", src)
	}
	if len(raw) == 0 {
		*a = nil
		return nil
	}
	var codes []string
	if err := json.Unmarshal(raw, &codes); err != nil {
		return fmt.Errorf("allergen codes: %w", err)
	}
	*a = codes
	return nil
}

// Contains reports whether code is in the list.
func (a AllergenCodes) Contains(code string) bool {
	for _, c := range a {
		if c == code {
			return true
		}
	}
	return false
}

// BoolPtr returns a pointer to v.
func BoolPtr(v bool) *bool {
	return &v
}
