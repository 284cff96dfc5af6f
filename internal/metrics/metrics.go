// Package metrics exposes Prometheus instrumentation for the attribute engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects engine counters. A nil *Metrics is valid and records
// nothing, so components can be built without instrumentation.
type Metrics struct {
	resolutionsTotal     *prometheus.CounterVec
	resolutionDuration   *prometheus.HistogramVec
	aiCallsTotal         *prometheus.CounterVec
	cacheWritesTotal     *prometheus.CounterVec
	invalidationsTotal   *prometheus.CounterVec
	integrityIssuesTotal *prometheus.CounterVec
}

// New creates the engine metrics and registers them with registry.
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		resolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mise_attribute_resolutions_total",
				Help: "Attribute resolutions partitioned by attribute and the tier that produced the value.",
			},
			[]string{"attribute", "method"},
		),
		resolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mise_attribute_resolution_duration_seconds",
				Help:    "Time taken to resolve one attribute, including any AI fallback.",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"attribute"},
		),
		aiCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mise_ai_detection_calls_total",
				Help: "AI detection calls partitioned by outcome (success, error, timeout, disabled).",
			},
			[]string{"outcome"},
		),
		cacheWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mise_cache_writes_total",
				Help: "Derived attribute cache write-backs partitioned by status.",
			},
			[]string{"status"},
		),
		invalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mise_invalidations_total",
				Help: "Dependents marked stale partitioned by entity kind and status.",
			},
			[]string{"kind", "status"},
		),
		integrityIssuesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mise_integrity_issues_total",
				Help: "Data-integrity warnings partitioned by issue kind.",
			},
			[]string{"kind"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.resolutionsTotal,
		m.resolutionDuration,
		m.aiCallsTotal,
		m.cacheWritesTotal,
		m.invalidationsTotal,
		m.integrityIssuesTotal,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the metrics gathered by gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveResolution(attribute, method string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.resolutionsTotal.WithLabelValues(attribute, method).Inc()
	m.resolutionDuration.WithLabelValues(attribute).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveAICall(outcome string) {
	if m == nil {
		return
	}
	m.aiCallsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCacheWrite(err error) {
	if m == nil {
		return
	}
	m.cacheWritesTotal.WithLabelValues(status(err)).Inc()
}

func (m *Metrics) ObserveInvalidation(kind string, err error) {
	if m == nil {
		return
	}
	m.invalidationsTotal.WithLabelValues(kind, status(err)).Inc()
}

func (m *Metrics) ObserveIntegrityIssue(kind string) {
	if m == nil {
		return
	}
	m.integrityIssuesTotal.WithLabelValues(kind).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
