package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Step execution outcomes reported on pipeline.step.executions_total.
const (
	StepSucceeded   = "succeeded"
	StepFailed      = "failed"
	StepRouted      = "routed"
	StepHeld        = "held"
	StepCircuitOpen = "circuit_open"
)

var (
	metricsOnce            sync.Once
	metricsInitErr         error
	stepExecutionCounter   metric.Int64Counter
	stepRetryCounter       metric.Int64Counter
	stepCircuitOpenCounter metric.Int64Counter
	stepLatencyHistogram   metric.Float64Histogram
)

// StepMetrics captures one step execution for one token.
type StepMetrics struct {
	PipelineID string
	NodeID     string
	NodeType   string
	Outcome    string
	Duration   time.Duration
	Retries    int
}

// RecordStepMetrics emits counters and histograms describing a step execution.
func RecordStepMetrics(ctx context.Context, m StepMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrPipelineID, m.PipelineID),
		attribute.String("node.id", m.NodeID),
		attribute.String("node.type", m.NodeType),
		attribute.String("step.outcome", m.Outcome),
	)

	stepExecutionCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		stepLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	if m.Retries > 0 {
		stepRetryCounter.Add(ctx, int64(m.Retries), attrs)
	}
	if m.Outcome == StepCircuitOpen {
		stepCircuitOpenCounter.Add(ctx, 1, attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis.pipeline")

		stepExecutionCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.step.executions_total",
			metric.WithDescription("Step executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepRetryCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.step.retries_total",
			metric.WithDescription("Retry attempts performed by transform steps"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepCircuitOpenCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.step.circuit_open_total",
			metric.WithDescription("Executions rejected by an open circuit breaker"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"pipeline.step.duration_ms",
			metric.WithDescription("Observed step execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
