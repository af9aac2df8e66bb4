package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/engine/runtime"
)

// CountBatchOptions configures a count_batch aggregation.
type CountBatchOptions struct {
	Size     int    `yaml:"size"`
	SumField string `yaml:"sum_field"`
}

// CountBatchAggregation buffers tokens and emits one summary row per Size
// accepted tokens.
type CountBatchAggregation struct {
	mu      sync.Mutex
	opts    CountBatchOptions
	pending []*domain.Token
}

// NewCountBatchAggregation constructs a count_batch aggregation.
func NewCountBatchAggregation(options map[string]any) (*CountBatchAggregation, error) {
	opts := CountBatchOptions{Size: 100}
	if err := decodeOptions("count_batch", options, &opts); err != nil {
		return nil, err
	}
	if opts.Size < 1 {
		return nil, fmt.Errorf("count_batch: size must be at least 1, got %d", opts.Size)
	}
	return &CountBatchAggregation{opts: opts}, nil
}

// Name implements runtime.Aggregation.
func (a *CountBatchAggregation) Name() string { return "count_batch" }

// Accept implements runtime.Aggregation.
func (a *CountBatchAggregation) Accept(_ context.Context, token *domain.Token) (runtime.AcceptResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending = append(a.pending, token)
	if len(a.pending) < a.opts.Size {
		return runtime.AcceptResult{}, nil
	}
	return a.flushLocked("count"), nil
}

// Flush implements runtime.Aggregation.
func (a *CountBatchAggregation) Flush(_ context.Context) (runtime.AcceptResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.pending) == 0 {
		return runtime.AcceptResult{}, nil
	}
	return a.flushLocked("end_of_input"), nil
}

func (a *CountBatchAggregation) flushLocked(trigger string) runtime.AcceptResult {
	rowIDs := make([]any, 0, len(a.pending))
	tokenIDs := make([]any, 0, len(a.pending))
	var sum float64
	for _, tok := range a.pending {
		rowIDs = append(rowIDs, tok.RowID)
		tokenIDs = append(tokenIDs, tok.TokenID)
		if a.opts.SumField != "" {
			sum += numeric(tok.RowData[a.opts.SumField])
		}
	}

	summary := domain.Row{
		"batch_size": len(a.pending),
		"row_ids":    rowIDs,
		"token_ids":  tokenIDs,
	}
	if a.opts.SumField != "" {
		summary["sum_"+a.opts.SumField] = sum
	}
	a.pending = nil

	return runtime.AcceptResult{Flushed: true, Rows: []domain.Row{summary}, Trigger: trigger}
}

// numeric reads a summable value. Rows decoded with UseNumber carry
// json.Number; anything unparsable counts as zero.
func numeric(v any) float64 {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return f
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}
