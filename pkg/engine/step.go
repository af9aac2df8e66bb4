package engine

import (
	"fmt"

	"github.com/polisai/polis-pipeline/internal/governance"
	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/engine/expr"
	"github.com/polisai/polis-pipeline/pkg/engine/runtime"
)

// StepKind is the closed set of step variants the processor executes.
type StepKind int

const (
	KindGate StepKind = iota + 1
	KindTransform
	KindAggregation
	KindCoalesce
)

func (k StepKind) String() string {
	switch k {
	case KindGate:
		return "gate"
	case KindTransform:
		return "transform"
	case KindAggregation:
		return "aggregation"
	case KindCoalesce:
		return "coalesce"
	default:
		return fmt.Sprintf("StepKind(%d)", int(k))
	}
}

// Step is one position in the ordered pipeline. Exactly one of the
// kind-specific fields is set, matching Kind.
type Step struct {
	Kind   StepKind
	Index  int
	Name   string
	NodeID string

	// Branches limits which fork branches execute the step. Empty means all.
	Branches []string

	Gate        *GateStep
	Transform   *TransformStep
	Aggregation *AggregationStep
	Coalesce    *CoalesceStep
}

// GateStep evaluates a condition and resolves the result through the graph's route map.
type GateStep struct {
	Condition *expr.Expression
	ForkTo    []string
}

// TransformStep runs a plugin under retry, rate limit and circuit breaker.
type TransformStep struct {
	Plugin    string
	Transform runtime.Transform
	Retry     *governance.RetryPolicy
	Policy    runtime.ErrorPolicy
}

// AggregationStep batches tokens through a plugin.
type AggregationStep struct {
	Plugin      string
	Aggregation runtime.Aggregation
}

// CoalesceStep joins fork branches.
type CoalesceStep struct {
	Spec domain.CoalesceSpec
}

// appliesTo reports whether a token on the given branch executes the step.
func (s *Step) appliesTo(token *domain.Token) bool {
	if s.Kind == KindCoalesce || len(s.Branches) == 0 {
		return true
	}
	for _, b := range s.Branches {
		if b == token.BranchName {
			return true
		}
	}
	return false
}
