// Package handlers provides the built-in transform and aggregation plugins
// available to every pipeline.
package handlers

import (
	"log/slog"

	"github.com/polisai/polis-pipeline/pkg/engine/runtime"
)

// RegisterBuiltins adds passthrough, field_mapper and count_batch to r.
func RegisterBuiltins(r *runtime.Registry, logger *slog.Logger) {
	r.RegisterTransform("passthrough", func(map[string]any) (runtime.Transform, error) {
		return PassthroughTransform{}, nil
	})
	r.RegisterTransform("field_mapper", func(options map[string]any) (runtime.Transform, error) {
		return NewFieldMapperTransform(options, logger)
	})
	r.RegisterAggregation("count_batch", func(options map[string]any) (runtime.Aggregation, error) {
		return NewCountBatchAggregation(options)
	})
}
