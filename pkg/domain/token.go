package domain

import "sort"

// Row is the payload carried by a token. Values are JSON-compatible scalars,
// slices and nested maps.
type Row map[string]any

// Clone returns a deep copy so that mutations never leak between tokens.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// Keys returns the row's field names in sorted order.
func (r Row) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Row:
		return val.Clone()
	case map[string]any:
		return map[string]any(Row(val).Clone())
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

// Token is the unit of work moving through the pipeline. Every token wraps one
// logical row (or a forked fragment of one).
type Token struct {
	TokenID       string
	RowID         string
	ParentTokenID string // empty for root tokens
	BranchName    string // empty unless produced by a fork
	// ForkGroupID identifies the fork that produced this token (the forking
	// parent's token id). Coalesce groups are keyed by it.
	ForkGroupID string
	RowData     Row
	StepIndex   int
}

// IsRoot reports whether the token was created directly from a source row.
func (t *Token) IsRoot() bool {
	return t.ParentTokenID == ""
}

// WorkItem is a queue entry recording where a token resumes in the pipeline.
type WorkItem struct {
	Token     *Token
	StartStep int
}

// RowOutcome classifies how a token left the pipeline.
type RowOutcome string

const (
	// OutcomeCompleted indicates the token reached the end of the pipeline.
	OutcomeCompleted RowOutcome = "completed"
	// OutcomeRouted indicates a gate sent the token to a named sink.
	OutcomeRouted RowOutcome = "routed"
	// OutcomeFailed indicates processing failed and the token was dropped.
	OutcomeFailed RowOutcome = "failed"
	// OutcomeForked indicates the token was split into child tokens.
	OutcomeForked RowOutcome = "forked"
	// OutcomeConsumedInBatch indicates an aggregation absorbed the token.
	OutcomeConsumedInBatch RowOutcome = "consumed_in_batch"
	// OutcomeConsumedInCoalesce indicates the token is held (or discarded) by a coalesce point.
	OutcomeConsumedInCoalesce RowOutcome = "consumed_in_coalesce"
	// OutcomeCoalesced indicates the token triggered a coalesce merge.
	OutcomeCoalesced RowOutcome = "coalesced"
	// OutcomeQuarantined indicates processing failed and the token was retained for review.
	OutcomeQuarantined RowOutcome = "quarantined"
)

// IsTerminal reports whether the outcome ends a token's life. Every defined
// outcome is terminal; RUNNING is not represented as an outcome.
func (o RowOutcome) IsTerminal() bool {
	switch o {
	case OutcomeCompleted, OutcomeRouted, OutcomeFailed, OutcomeForked,
		OutcomeConsumedInBatch, OutcomeConsumedInCoalesce, OutcomeCoalesced, OutcomeQuarantined:
		return true
	default:
		return false
	}
}

// RowResult is the terminal record produced for one token.
type RowResult struct {
	Token     *Token
	FinalData Row
	Outcome   RowOutcome
	SinkName  string
	Error     error
}
