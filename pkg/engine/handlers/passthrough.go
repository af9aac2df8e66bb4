package handlers

import (
	"context"

	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/engine/runtime"
)

// PassthroughTransform returns the row unchanged.
type PassthroughTransform struct{}

// Name implements runtime.Transform.
func (PassthroughTransform) Name() string { return "passthrough" }

// Process implements runtime.Transform.
func (PassthroughTransform) Process(_ context.Context, row domain.Row) (runtime.TransformResult, error) {
	return runtime.Success(row), nil
}
