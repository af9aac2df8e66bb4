package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/polisai/polis-pipeline/pkg/engine/runtime"
)

// Decision document values.
const (
	DispositionQuarantine = "quarantine"
	DispositionFail       = "fail"
)

// RegoPolicy is a runtime.ErrorPolicy backed by a Rego decision of the form
// {"disposition": "quarantine"|"fail", "sink": "<name>"}.
type RegoPolicy struct {
	engine   *Engine
	mode     Mode
	fallback runtime.ErrorPolicy
}

// RegoPolicyOptions configure a RegoPolicy.
type RegoPolicyOptions struct {
	Mode Mode
	// Fallback is consulted in fail-open mode when evaluation fails. Nil fails
	// the token.
	Fallback runtime.ErrorPolicy
}

// NewRegoPolicy wraps an engine as an error policy.
func NewRegoPolicy(engine *Engine, opts RegoPolicyOptions) *RegoPolicy {
	mode := opts.Mode
	if !mode.IsValid() {
		mode = ModeFailClosed
	}
	return &RegoPolicy{engine: engine, mode: mode, fallback: opts.Fallback}
}

// NewRegoPolicyFromSource compiles a single Rego module and wraps it.
func NewRegoPolicyFromSource(ctx context.Context, source string, opts RegoPolicyOptions) (*RegoPolicy, error) {
	engine, err := NewEngine(ctx, EngineOptions{Modules: map[string]string{"error_policy.rego": source}})
	if err != nil {
		return nil, err
	}
	return NewRegoPolicy(engine, opts), nil
}

// WithFallback returns a copy of the policy that defers to fallback in fail-open mode.
func (p *RegoPolicy) WithFallback(fallback runtime.ErrorPolicy) *RegoPolicy {
	clone := *p
	clone.fallback = fallback
	return &clone
}

// Decide implements runtime.ErrorPolicy.
func (p *RegoPolicy) Decide(ctx context.Context, failure runtime.FailureContext) (runtime.Disposition, error) {
	disposition, err := p.evaluate(ctx, failure)
	if err == nil {
		return disposition, nil
	}
	if p.mode == ModeFailOpen {
		if p.fallback == nil {
			return runtime.Disposition{}, nil
		}
		return p.fallback.Decide(ctx, failure)
	}
	return runtime.Disposition{}, err
}

func (p *RegoPolicy) evaluate(ctx context.Context, failure runtime.FailureContext) (runtime.Disposition, error) {
	decision, err := p.engine.Evaluate(ctx, failureInput(failure))
	if err != nil {
		return runtime.Disposition{}, fmt.Errorf("%w: %w", ErrPolicyEvaluation, err)
	}

	raw, ok := decision["disposition"]
	if !ok {
		return runtime.Disposition{}, nil
	}
	text, ok := raw.(string)
	if !ok {
		return runtime.Disposition{}, fmt.Errorf("%w: disposition must be a string, got %T", ErrPolicyEvaluation, raw)
	}

	switch strings.ToLower(strings.TrimSpace(text)) {
	case DispositionFail:
		return runtime.Disposition{}, nil
	case DispositionQuarantine:
		sink, _ := decision["sink"].(string)
		sink = strings.TrimSpace(sink)
		if sink == "" {
			return runtime.Disposition{}, fmt.Errorf("%w: quarantine decision without a sink", ErrPolicyEvaluation)
		}
		return runtime.Disposition{Quarantine: true, Sink: sink}, nil
	default:
		return runtime.Disposition{}, fmt.Errorf("%w: unknown disposition %q", ErrPolicyEvaluation, text)
	}
}

func failureInput(failure runtime.FailureContext) map[string]any {
	input := map[string]any{
		"node_id":  failure.NodeID,
		"plugin":   failure.Plugin,
		"attempts": failure.Attempts,
		"error":    "",
		"row":      map[string]any{},
	}
	if failure.Err != nil {
		input["error"] = failure.Err.Error()
	}
	if failure.Token != nil && failure.Token.RowData != nil {
		input["row"] = map[string]any(failure.Token.RowData.Clone())
	}
	return input
}
