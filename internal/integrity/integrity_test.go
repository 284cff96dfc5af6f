package integrity

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mise/internal/db/dbtest"
	applog "mise/internal/log"
	"mise/internal/metrics"
	"mise/models"
)

func TestLogPersistsAndFilters(t *testing.T) {
	database := dbtest.Open(t)
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	l := NewLog(database, m)
	ctx := context.Background()

	l.Record(ctx, Issue{Kind: models.IssueDanglingReference, EntityKind: models.KindRecipe, EntityID: 3, Detail: "ingredient 9 missing"})
	l.Record(ctx, Issue{Kind: models.IssueVeganContradiction, EntityKind: models.KindDish, EntityID: 4, Detail: "milk"})
	l.Record(ctx, Issue{Kind: models.IssueDanglingReference, EntityKind: models.KindDish, EntityID: 4, Detail: "recipe 2 missing"})

	all, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "recipe 2 missing", all[0].Detail, "newest first")

	dangling, err := l.List(ctx, Filter{Kind: models.IssueDanglingReference})
	require.NoError(t, err)
	assert.Len(t, dangling, 2)

	forDish, err := l.List(ctx, Filter{EntityKind: models.KindDish, EntityID: 4, Limit: 1})
	require.NoError(t, err)
	require.Len(t, forDish, 1)
	assert.Equal(t, models.KindDish, forDish[0].EntityKind)
}

func TestLogWithoutDatabaseStillLogs(t *testing.T) {
	buf := new(bytes.Buffer)
	original := applog.Logger()
	applog.ReplaceLogger(slog.New(slog.NewTextHandler(buf, nil)))
	t.Cleanup(func() { applog.ReplaceLogger(original) })

	l := NewLog(nil, nil)
	l.Record(context.Background(), Issue{Kind: models.IssuePriceDiscrepancy, EntityKind: models.KindDish, EntityID: 1, Detail: "delta 0.05"})

	assert.True(t, strings.Contains(buf.String(), "kind=price_discrepancy"))
	_, err := l.List(context.Background(), Filter{})
	assert.Error(t, err)
}
