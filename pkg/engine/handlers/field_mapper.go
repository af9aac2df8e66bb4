package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/engine/runtime"
)

// FieldMapperOptions configures a field_mapper step. Operations apply in
// the order require, rename, drop, set.
type FieldMapperOptions struct {
	Require []string          `yaml:"require"`
	Rename  map[string]string `yaml:"rename"`
	Drop    []string          `yaml:"drop"`
	Set     map[string]any    `yaml:"set"`
}

// FieldMapperTransform reshapes rows without touching values it is not told about.
type FieldMapperTransform struct {
	opts   FieldMapperOptions
	logger *slog.Logger
}

// NewFieldMapperTransform constructs a field mapper from step options.
func NewFieldMapperTransform(options map[string]any, logger *slog.Logger) (*FieldMapperTransform, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var opts FieldMapperOptions
	if err := decodeOptions("field_mapper", options, &opts); err != nil {
		return nil, err
	}
	for from, to := range opts.Rename {
		if from == "" || to == "" {
			return nil, fmt.Errorf("field_mapper: rename entries need both names")
		}
	}
	return &FieldMapperTransform{opts: opts, logger: logger}, nil
}

// Name implements runtime.Transform.
func (t *FieldMapperTransform) Name() string { return "field_mapper" }

// Process implements runtime.Transform. Missing required fields are reported
// as a non-retryable processing error.
func (t *FieldMapperTransform) Process(_ context.Context, row domain.Row) (runtime.TransformResult, error) {
	var missing []string
	for _, field := range t.opts.Require {
		if _, ok := row[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return runtime.Failure("required fields missing", map[string]any{
			"missing":   missing,
			"available": row.Keys(),
		}), nil
	}

	out := row.Clone()
	if out == nil {
		out = domain.Row{}
	}

	froms := make([]string, 0, len(t.opts.Rename))
	for from := range t.opts.Rename {
		froms = append(froms, from)
	}
	sort.Strings(froms)
	for _, from := range froms {
		if v, ok := out[from]; ok {
			delete(out, from)
			out[t.opts.Rename[from]] = v
		}
	}

	for _, field := range t.opts.Drop {
		delete(out, field)
	}
	for k, v := range t.opts.Set {
		out[k] = v
	}

	t.logger.Debug("field_mapper applied", "fields", len(out))
	return runtime.Success(out), nil
}
