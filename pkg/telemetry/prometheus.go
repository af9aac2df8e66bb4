package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// RunMetrics holds the Prometheus collectors for a pipeline run.
type RunMetrics struct {
	tokensTotal      *prometheus.CounterVec
	rowsTotal        *prometheus.CounterVec
	rowDuration      prometheus.Histogram
	coalesceFailures *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewRunMetrics creates the collectors on a private registry.
func NewRunMetrics() *RunMetrics {
	registry := prometheus.NewRegistry()

	m := &RunMetrics{
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_tokens_total",
				Help: "Tokens that reached a terminal state, by outcome",
			},
			[]string{"outcome"},
		),
		rowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_rows_total",
				Help: "Source rows processed, by status",
			},
			[]string{"status"},
		),
		rowDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_row_duration_seconds",
				Help:    "Time to drive one source row to completion",
				Buckets: prometheus.DefBuckets,
			},
		),
		coalesceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_coalesce_failures_total",
				Help: "Coalesce groups that could not be satisfied",
			},
			[]string{"coalesce"},
		),
		registry: registry,
	}

	registry.MustRegister(m.tokensTotal, m.rowsTotal, m.rowDuration, m.coalesceFailures)
	return m
}

// RecordRow observes one processed row and the outcomes of its tokens.
func (m *RunMetrics) RecordRow(results []domain.RowResult, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.rowsTotal.WithLabelValues(status).Inc()
	m.rowDuration.Observe(duration.Seconds())
	for _, r := range results {
		m.tokensTotal.WithLabelValues(string(r.Outcome)).Inc()
	}
}

// RecordCoalesceFailure counts an unsatisfiable coalesce group.
func (m *RunMetrics) RecordCoalesceFailure(name string) {
	if m == nil {
		return
	}
	m.coalesceFailures.WithLabelValues(name).Inc()
}

// Handler exposes the registry in the Prometheus text format, traced with otelhttp.
func (m *RunMetrics) Handler() http.Handler {
	return otelhttp.NewHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}), "pipeline.metrics")
}

// Registry returns the Prometheus registry.
func (m *RunMetrics) Registry() *prometheus.Registry {
	return m.registry
}
