// Package integrity records data-integrity warnings: dangling references,
// contradictory dietary claims and cross-path price discrepancies. Recording
// never fails the caller; every issue is logged, counted and, when a database
// is configured, persisted for audit.
package integrity

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	applog "mise/internal/log"
	"mise/internal/metrics"
	"mise/models"
)

// Issue is a single data-integrity warning.
type Issue struct {
	Kind       string
	EntityKind models.EntityKind
	EntityID   uint
	Detail     string
}

// Recorder accepts integrity issues.
type Recorder interface {
	Record(ctx context.Context, issue Issue)
}

// Filter narrows a listing. Zero fields match everything.
type Filter struct {
	Kind       string
	EntityKind models.EntityKind
	EntityID   uint
	Limit      int
}

// Log is the Recorder used by the application.
type Log struct {
	db      *gorm.DB
	metrics *metrics.Metrics
}

// NewLog builds a Log. db may be nil, in which case issues are only logged.
func NewLog(db *gorm.DB, m *metrics.Metrics) *Log {
	return &Log{db: db, metrics: m}
}

func (l *Log) Record(ctx context.Context, issue Issue) {
	applog.Warn(ctx, "data integrity warning",
		"kind", issue.Kind,
		"entityKind", issue.EntityKind,
		"entityID", issue.EntityID,
		"detail", issue.Detail,
	)
	l.metrics.ObserveIntegrityIssue(issue.Kind)

	if l.db == nil {
		return
	}
	row := models.IntegrityIssue{
		Kind:       issue.Kind,
		EntityKind: issue.EntityKind,
		EntityID:   issue.EntityID,
		Detail:     issue.Detail,
	}
	// The issue row must land even when the request that found it is gone.
	if err := l.db.WithContext(context.WithoutCancel(ctx)).Create(&row).Error; err != nil {
		applog.Error(ctx, "failed to persist integrity issue", "kind", issue.Kind, "error", err)
	}
}

// List returns recorded issues, newest first.
func (l *Log) List(ctx context.Context, filter Filter) ([]models.IntegrityIssue, error) {
	if l.db == nil {
		return nil, fmt.Errorf("integrity log has no database")
	}
	query := l.db.WithContext(ctx).Order("id desc")
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.EntityKind != "" {
		query = query.Where("entity_kind = ?", filter.EntityKind)
	}
	if filter.EntityID != 0 {
		query = query.Where("entity_id = ?", filter.EntityID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var issues []models.IntegrityIssue
	if err := query.Find(&issues).Error; err != nil {
		return nil, fmt.Errorf("list integrity issues: %w", err)
	}
	return issues, nil
}
