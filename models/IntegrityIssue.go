package models

import (
	"gorm.io/gorm"
)

// Integrity issue kinds.
const (
	IssueDanglingReference  = "dangling_reference"
	IssueVeganContradiction = "vegan_contradiction"
	IssuePriceDiscrepancy   = "price_discrepancy"
)

// IntegrityIssue is the audit record of a data-integrity warning. Issues never
// block a caller; they are kept so they can be reviewed later.
type IntegrityIssue struct {
	gorm.Model
	Kind       string     `gorm:"index;not null" json:"kind"`
	EntityKind EntityKind `gorm:"index;type:varchar(16)" json:"entity_kind"`
	EntityID   uint       `gorm:"index" json:"entity_id"`
	Detail     string     `gorm:"type:text" json:"detail"`
}
