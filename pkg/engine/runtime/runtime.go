// Package runtime defines the contracts between the row processor and the
// plugins it drives, keeping business logic decoupled from execution mechanics.
package runtime

import (
	"context"
	"fmt"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// TransformStatus classifies a transform invocation.
type TransformStatus string

const (
	// StatusSuccess indicates the transform produced a replacement row.
	StatusSuccess TransformStatus = "success"
	// StatusError indicates the transform reported a processing error.
	StatusError TransformStatus = "error"
)

// CodeTransformError marks DomainErrors built from reported transform failures.
const CodeTransformError = "TRANSFORM_ERROR"

// TransformResult is what a transform returns for one row.
type TransformResult struct {
	Status    TransformStatus
	Row       domain.Row
	Reason    string
	Details   map[string]any
	Retryable bool
}

// WithDefaults ensures the status is set even when transforms omit it.
func (r TransformResult) WithDefaults() TransformResult {
	if r.Status == "" {
		r.Status = StatusSuccess
	}
	return r
}

// Err converts a reported failure into an error for retry and audit.
// Retryable failures match ErrTransient.
func (r TransformResult) Err(nodeID string) error {
	if r.Status != StatusError {
		return nil
	}
	de := &domain.DomainError{
		Code:    CodeTransformError,
		Message: fmt.Sprintf("transform %s: %s", nodeID, r.Reason),
		Details: r.Details,
	}
	if r.Retryable {
		de.Err = ErrTransient
	}
	return de
}

// Success constructs a success result carrying the new row.
func Success(row domain.Row) TransformResult {
	return TransformResult{Status: StatusSuccess, Row: row}
}

// Failure constructs a reported processing error.
func Failure(reason string, details map[string]any) TransformResult {
	return TransformResult{Status: StatusError, Reason: reason, Details: details}
}

// TransientFailure constructs a reported processing error worth retrying.
func TransientFailure(reason string, details map[string]any) TransformResult {
	return TransformResult{Status: StatusError, Reason: reason, Details: details, Retryable: true}
}

// Transform rewrites one row. A returned error is an unexpected failure and
// is classified with IsRetryable; an error result is an expected one.
type Transform interface {
	Name() string
	Process(ctx context.Context, row domain.Row) (TransformResult, error)
}

// AcceptResult reports what an aggregation did with an accepted token.
type AcceptResult struct {
	// Flushed is true when this accept completed a batch.
	Flushed bool
	// Rows are the batch outputs; they continue downstream as new tokens.
	Rows []domain.Row
	// Trigger names what caused the flush (for example "count").
	Trigger string
}

// Aggregation batches tokens. Implementations must be safe for concurrent
// use because rows may be processed in parallel.
type Aggregation interface {
	Name() string
	Accept(ctx context.Context, token *domain.Token) (AcceptResult, error)
	// Flush emits any partial batch at end of input.
	Flush(ctx context.Context) (AcceptResult, error)
}

// FailureContext describes a transform failure that exhausted local recovery.
type FailureContext struct {
	NodeID   string
	Plugin   string
	Token    *domain.Token
	Err      error
	Attempts int
}

// Disposition is the error policy's verdict.
type Disposition struct {
	Quarantine bool
	Sink       string
}

// ErrorPolicy decides whether a failed token is quarantined or dropped.
type ErrorPolicy interface {
	Decide(ctx context.Context, failure FailureContext) (Disposition, error)
}

// DiscardSink is the on_error value meaning "fail the token, keep nothing".
const DiscardSink = "discard"

// StaticPolicy quarantines into Sink, or fails when Sink is empty or "discard".
type StaticPolicy struct {
	Sink string
}

// Decide implements ErrorPolicy.
func (p StaticPolicy) Decide(_ context.Context, _ FailureContext) (Disposition, error) {
	if p.Sink == "" || p.Sink == DiscardSink {
		return Disposition{}, nil
	}
	return Disposition{Quarantine: true, Sink: p.Sink}, nil
}
