package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/engine/runtime"
)

const tracerName = "polis.pipeline"

const (
	attrPipelineID = "pipeline.id"
	attrRunID      = "pipeline.run_id"
)

// Tracer returns the engine tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// TokenAttributes describes a token on a span.
func TokenAttributes(token *domain.Token) []attribute.KeyValue {
	if token == nil {
		return nil
	}
	attrs := []attribute.KeyValue{
		attribute.String("token.id", token.TokenID),
		attribute.String("row.id", token.RowID),
		attribute.Int("token.step_index", token.StepIndex),
	}
	if token.BranchName != "" {
		attrs = append(attrs, attribute.String("token.branch", token.BranchName))
	}
	if token.ForkGroupID != "" {
		attrs = append(attrs, attribute.String("token.fork_group", token.ForkGroupID))
	}
	return attrs
}

// RecordOutcome annotates a span with a token's terminal outcome.
func RecordOutcome(span trace.Span, result domain.RowResult) {
	if !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("token.outcome", string(result.Outcome))}
	if result.SinkName != "" {
		attrs = append(attrs, attribute.String("token.sink", result.SinkName))
	}
	if result.Token != nil {
		attrs = append(attrs, attribute.String("token.id", result.Token.TokenID))
	}
	span.AddEvent("token.terminal", trace.WithAttributes(attrs...))
}

// RecordDisposition annotates a span with the error policy verdict for a failed token.
func RecordDisposition(span trace.Span, disposition runtime.Disposition) {
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(attribute.Bool("error_policy.quarantine", disposition.Quarantine))
	if disposition.Sink != "" {
		span.SetAttributes(attribute.String("error_policy.sink", disposition.Sink))
	}
}

// RecordError marks the span as failed.
func RecordError(span trace.Span, err error) {
	if err == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
