package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"

	"github.com/polisai/polis-pipeline/internal/governance"
	"github.com/polisai/polis-pipeline/pkg/audit"
	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/engine/expr"
	"github.com/polisai/polis-pipeline/pkg/engine/handlers"
	"github.com/polisai/polis-pipeline/pkg/engine/runtime"
	"github.com/polisai/polis-pipeline/pkg/policy"
	"github.com/polisai/polis-pipeline/pkg/telemetry"
)

const testRunID = "run-test"

type testingT interface {
	require.TestingT
	Helper()
}

type funcTransform struct {
	name  string
	calls atomic.Int64
	fn    func(call int, row domain.Row) (runtime.TransformResult, error)
}

func (f *funcTransform) Name() string { return f.name }

func (f *funcTransform) Process(_ context.Context, row domain.Row) (runtime.TransformResult, error) {
	return f.fn(int(f.calls.Add(1)), row)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	proc     *RowProcessor
	recorder *audit.MemoryRecorder

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t testingT, spec domain.PipelineSpec, plugins []runtime.Transform, mutate ...func(*Dependencies)) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := runtime.NewRegistry()
	handlers.RegisterBuiltins(registry, logger)
	for _, plugin := range plugins {
		plugin := plugin
		registry.RegisterTransform(plugin.Name(), func(map[string]any) (runtime.Transform, error) {
			return plugin, nil
		})
	}

	h := &harness{recorder: audit.NewMemoryRecorder()}
	var seq atomic.Int64
	deps := Dependencies{
		RunID:    testRunID,
		Registry: registry,
		Recorder: h.recorder,
		Logger:   logger,
		Sleeper: func(_ context.Context, d time.Duration) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.sleeps = append(h.sleeps, d)
			return nil
		},
		Random: func() float64 { return 0.5 },
		IDs:    func() string { return fmt.Sprintf("tok-%d", seq.Add(1)) },
	}
	for _, m := range mutate {
		m(&deps)
	}

	proc, err := Build(context.Background(), spec, deps)
	require.NoError(t, err)
	require.NoError(t, proc.Start(context.Background()))
	h.proc = proc
	return h
}

func (h *harness) process(t testingT, rowID string, row domain.Row) []domain.RowResult {
	t.Helper()
	results, err := h.proc.ProcessRow(context.Background(), rowID, row)
	require.NoError(t, err)
	return results
}

func outcomesOf(results []domain.RowResult) []domain.RowOutcome {
	out := make([]domain.RowOutcome, 0, len(results))
	for _, r := range results {
		out = append(out, r.Outcome)
	}
	return out
}

func withOutcome(results []domain.RowResult, outcome domain.RowOutcome) []domain.RowResult {
	var out []domain.RowResult
	for _, r := range results {
		if r.Outcome == outcome {
			out = append(out, r)
		}
	}
	return out
}

func alwaysFail(name, reason string) *funcTransform {
	return &funcTransform{name: name, fn: func(int, domain.Row) (runtime.TransformResult, error) {
		return runtime.Failure(reason, nil), nil
	}}
}

func forkSpec(joinPolicy domain.CoalescePolicy, middle ...domain.StepSpec) domain.PipelineSpec {
	steps := []domain.StepSpec{{
		Name:      "split",
		Type:      domain.StepGate,
		Condition: "True",
		Routes:    map[string]string{"true": "fork"},
		ForkTo:    []string{"a", "b"},
	}}
	steps = append(steps, middle...)
	steps = append(steps, domain.StepSpec{
		Name:     "join",
		Type:     domain.StepCoalesce,
		Branches: []string{"a", "b"},
		Policy:   joinPolicy,
	})
	return domain.PipelineSpec{
		ID:          "fork-join",
		DefaultSink: "output",
		Steps:       steps,
	}
}

func TestProcessRow_GateRoutesOnScore(t *testing.T) {
	spec := domain.PipelineSpec{
		ID:          "scores",
		DefaultSink: "output",
		Sinks:       []string{"above", "below"},
		Steps: []domain.StepSpec{{
			Name:      "score_gate",
			Type:      domain.StepGate,
			Condition: "row['score'] > 50",
			Routes:    map[string]string{"true": "above", "false": "below"},
		}},
	}
	h := newHarness(t, spec, nil)

	tests := []struct {
		name  string
		score int
		sink  string
	}{
		{name: "above threshold", score: 75, sink: "above"},
		{name: "boundary is exclusive", score: 50, sink: "below"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := h.process(t, "row-"+tt.name, domain.Row{"score": tt.score})
			require.Len(t, results, 1)
			assert.Equal(t, domain.OutcomeRouted, results[0].Outcome)
			assert.Equal(t, tt.sink, results[0].SinkName)
		})
	}

	events := h.recorder.RoutingEvents(testRunID)
	require.Len(t, events, 2)
	assert.Equal(t, "true", events[0].Label)
	assert.Equal(t, "sink:above", events[0].Destination)
	assert.Equal(t, "false", events[1].Label)
	assert.Equal(t, "sink:below", events[1].Destination)
}

func TestProcessRow_CompletesAtDefaultSink(t *testing.T) {
	spec := domain.PipelineSpec{
		ID:          "enrich",
		DefaultSink: "output",
		Steps: []domain.StepSpec{{
			Name:    "enrich",
			Type:    domain.StepTransform,
			Plugin:  "field_mapper",
			Options: map[string]any{"set": map[string]any{"enriched": true}},
		}},
	}
	h := newHarness(t, spec, nil)

	input := domain.Row{"id": "r1"}
	results := h.process(t, "r1", input)
	require.Len(t, results, 1)
	assert.Equal(t, domain.OutcomeCompleted, results[0].Outcome)
	assert.Equal(t, "output", results[0].SinkName)
	assert.Equal(t, domain.Row{"id": "r1", "enriched": true}, results[0].FinalData)
	assert.NotContains(t, input, "enriched", "source row is never mutated")
}

func TestProcessRow_EmptyPipelineCompletes(t *testing.T) {
	h := newHarness(t, domain.PipelineSpec{ID: "empty", DefaultSink: "output"}, nil)

	results := h.process(t, "r1", domain.Row{"x": 1})
	require.Len(t, results, 1)
	assert.Equal(t, domain.OutcomeCompleted, results[0].Outcome)
	assert.Equal(t, domain.Row{"x": 1}, results[0].FinalData)
}

func TestProcessRow_ForkRequireAllCoalesce(t *testing.T) {
	spec := forkSpec(domain.PolicyRequireAll,
		domain.StepSpec{
			Name: "left", Type: domain.StepTransform, Plugin: "field_mapper", Branches: []string{"a"},
			Options: map[string]any{"set": map[string]any{"left": 1}},
		},
		domain.StepSpec{
			Name: "right", Type: domain.StepTransform, Plugin: "field_mapper", Branches: []string{"b"},
			Options: map[string]any{"set": map[string]any{"right": 2}},
		},
	)
	h := newHarness(t, spec, nil)

	results := h.process(t, "r1", domain.Row{"id": "r1"})
	assert.Equal(t, []domain.RowOutcome{
		domain.OutcomeForked,
		domain.OutcomeConsumedInCoalesce,
		domain.OutcomeCoalesced,
		domain.OutcomeCompleted,
	}, outcomesOf(results))

	root, held, trigger, merged := results[0].Token, results[1].Token, results[2].Token, results[3].Token
	assert.Equal(t, "a", held.BranchName)
	assert.Equal(t, "b", trigger.BranchName)
	assert.Equal(t, root.TokenID, held.ForkGroupID)
	assert.Equal(t, root.TokenID, merged.ParentTokenID)
	assert.Empty(t, merged.BranchName)
	assert.Equal(t, domain.Row{"id": "r1", "left": 1, "right": 2}, results[3].FinalData)

	merges := h.recorder.CoalesceMerges(testRunID)
	require.Len(t, merges, 1)
	assert.Equal(t, []string{"a", "b"}, merges[0].Branches)
	assert.Equal(t, merged.TokenID, merges[0].MergedTokenID)

	// Fork children leave the gate along one COPY edge per branch.
	var copies []string
	for _, ev := range h.recorder.RoutingEvents(testRunID) {
		if ev.Mode == domain.EdgeCopy {
			copies = append(copies, ev.Label)
		}
	}
	assert.Equal(t, []string{"a", "b"}, copies)
}

func TestProcessRow_NestedForkCoalesce(t *testing.T) {
	spec := domain.PipelineSpec{
		ID:          "nested",
		DefaultSink: "output",
		Steps: []domain.StepSpec{
			{
				Name: "split", Type: domain.StepGate, Condition: "True",
				Routes: map[string]string{"true": "fork"}, ForkTo: []string{"x", "y"},
			},
			{
				Name: "deep_split", Type: domain.StepGate, Condition: "True", Branches: []string{"x"},
				Routes: map[string]string{"true": "fork"}, ForkTo: []string{"a", "b"},
			},
			{
				Name: "left", Type: domain.StepTransform, Plugin: "field_mapper", Branches: []string{"a"},
				Options: map[string]any{"set": map[string]any{"left": 1}},
			},
			{
				Name: "right", Type: domain.StepTransform, Plugin: "field_mapper", Branches: []string{"b"},
				Options: map[string]any{"set": map[string]any{"right": 2}},
			},
			{Name: "inner_join", Type: domain.StepCoalesce, Branches: []string{"a", "b"}, Policy: domain.PolicyRequireAll},
			{Name: "outer_join", Type: domain.StepCoalesce, Branches: []string{"x", "y"}, Policy: domain.PolicyRequireAll},
		},
	}
	h := newHarness(t, spec, nil)

	results := h.process(t, "r1", domain.Row{"id": "r1"})
	assert.ElementsMatch(t, []domain.RowOutcome{
		domain.OutcomeForked,
		domain.OutcomeForked,
		domain.OutcomeConsumedInCoalesce,
		domain.OutcomeConsumedInCoalesce,
		domain.OutcomeCoalesced,
		domain.OutcomeCoalesced,
		domain.OutcomeCompleted,
	}, outcomesOf(results))

	var completed []domain.RowResult
	for _, res := range results {
		assert.NotEqual(t, domain.OutcomeFailed, res.Outcome)
		if res.Outcome == domain.OutcomeCompleted {
			completed = append(completed, res)
		}
	}
	require.Len(t, completed, 1)
	assert.Equal(t, domain.Row{"id": "r1", "left": 1, "right": 2}, completed[0].FinalData)
	assert.Empty(t, completed[0].Token.BranchName)

	merges := h.recorder.CoalesceMerges(testRunID)
	require.Len(t, merges, 2)
	assert.Equal(t, []string{"a", "b"}, merges[0].Branches)
	assert.Equal(t, []string{"x", "y"}, merges[1].Branches)
}

func TestProcessRow_ForkCreatesChildPerBranch(t *testing.T) {
	spec := domain.PipelineSpec{
		ID:          "fanout",
		DefaultSink: "output",
		Steps: []domain.StepSpec{{
			Name:      "split",
			Type:      domain.StepGate,
			Condition: "True",
			Routes:    map[string]string{"true": "fork"},
			ForkTo:    []string{"high", "medium", "low"},
		}},
	}
	h := newHarness(t, spec, nil)

	results := h.process(t, "r1", domain.Row{"v": 1})
	require.Len(t, results, 4)
	assert.Equal(t, domain.OutcomeForked, results[0].Outcome)
	completed := withOutcome(results, domain.OutcomeCompleted)
	require.Len(t, completed, 3)
	for i, branch := range []string{"high", "medium", "low"} {
		assert.Equal(t, branch, completed[i].Token.BranchName)
		assert.Equal(t, domain.Row{"v": 1}, completed[i].FinalData)
	}
	assert.Len(t, h.recorder.Tokens(testRunID), 4)
}

func TestProcessRow_RetryRecoversFromTransientFailures(t *testing.T) {
	flaky := &funcTransform{name: "flaky", fn: func(call int, row domain.Row) (runtime.TransformResult, error) {
		if call <= 2 {
			return runtime.TransientFailure("upstream busy", nil), nil
		}
		row["ok"] = true
		return runtime.Success(row), nil
	}}
	spec := domain.PipelineSpec{
		ID:          "retry",
		DefaultSink: "output",
		Steps: []domain.StepSpec{{
			Name:   "call",
			Type:   domain.StepTransform,
			Plugin: "flaky",
			Retry:  &domain.RetrySpec{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second},
		}},
	}
	h := newHarness(t, spec, []runtime.Transform{flaky})

	results := h.process(t, "r1", domain.Row{"id": "r1"})
	require.Len(t, results, 1)
	assert.Equal(t, domain.OutcomeCompleted, results[0].Outcome)
	assert.Equal(t, true, results[0].FinalData["ok"])
	assert.EqualValues(t, 3, flaky.calls.Load())

	states := h.recorder.StatesForToken(results[0].Token.TokenID)
	require.Len(t, states, 3)
	for i, s := range states {
		assert.Equal(t, i, s.Attempt)
	}
	assert.Equal(t, audit.StateFailed, states[0].Status)
	assert.Equal(t, audit.StateFailed, states[1].Status)
	assert.Equal(t, audit.StateCompleted, states[2].Status)

	retries := h.recorder.RetryAttempts(testRunID)
	require.Len(t, retries, 2)
	assert.Equal(t, 0, retries[0].Attempt)
	assert.Equal(t, 1, retries[1].Attempt)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, h.sleeps)
}

func TestProcessRow_RetryExhaustionFailsToken(t *testing.T) {
	down := &funcTransform{name: "down", fn: func(int, domain.Row) (runtime.TransformResult, error) {
		return runtime.TransientFailure("still down", nil), nil
	}}
	spec := domain.PipelineSpec{
		ID:          "exhaust",
		DefaultSink: "output",
		Steps: []domain.StepSpec{{
			Name:    "call",
			Type:    domain.StepTransform,
			Plugin:  "down",
			Retry:   &domain.RetrySpec{MaxAttempts: 2},
			OnError: runtime.DiscardSink,
		}},
	}
	h := newHarness(t, spec, []runtime.Transform{down})

	results := h.process(t, "r1", domain.Row{"id": "r1"})
	require.Len(t, results, 1)
	assert.Equal(t, domain.OutcomeFailed, results[0].Outcome)
	require.Error(t, results[0].Error)
	assert.ErrorIs(t, results[0].Error, governance.ErrMaxRetriesExceeded)

	var maxErr *governance.MaxRetriesExceededError
	require.ErrorAs(t, results[0].Error, &maxErr)
	assert.Equal(t, 2, maxErr.Attempts)
	assert.EqualValues(t, 2, down.calls.Load())
	assert.Len(t, h.recorder.StatesForToken(results[0].Token.TokenID), 2)
}

func TestProcessRow_NonRetryableFailureIsNotRetried(t *testing.T) {
	crash := &funcTransform{name: "crash", fn: func(int, domain.Row) (runtime.TransformResult, error) {
		return runtime.TransformResult{}, errors.New("nil pointer in plugin")
	}}
	spec := domain.PipelineSpec{
		ID:          "crash",
		DefaultSink: "output",
		Steps: []domain.StepSpec{{
			Name:   "call",
			Type:   domain.StepTransform,
			Plugin: "crash",
			Retry:  &domain.RetrySpec{MaxAttempts: 5},
		}},
	}
	h := newHarness(t, spec, []runtime.Transform{crash})

	results := h.process(t, "r1", domain.Row{})
	require.Len(t, results, 1)
	assert.Equal(t, domain.OutcomeFailed, results[0].Outcome)
	assert.EqualValues(t, 1, crash.calls.Load())
	assert.Empty(t, h.sleeps)
}

func TestProcessRow_ReportedFailureIsNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		step   string
		reason string
	}{
		{name: "reason mentions timeout", step: "validate", reason: "field timeout_ms must be positive"},
		{name: "step named after timeout", step: "fetch_with_timeout", reason: "schema mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reject := alwaysFail("reject", tt.reason)
			spec := domain.PipelineSpec{
				ID:          "reported",
				DefaultSink: "output",
				Steps: []domain.StepSpec{{
					Name:   tt.step,
					Type:   domain.StepTransform,
					Plugin: "reject",
					Retry:  &domain.RetrySpec{MaxAttempts: 3},
				}},
			}
			h := newHarness(t, spec, []runtime.Transform{reject})

			results := h.process(t, "r1", domain.Row{})
			require.Len(t, results, 1)
			assert.Equal(t, domain.OutcomeFailed, results[0].Outcome)
			assert.EqualValues(t, 1, reject.calls.Load())
			assert.Empty(t, h.sleeps)
			assert.NotErrorIs(t, results[0].Error, governance.ErrMaxRetriesExceeded)
			assert.ErrorContains(t, results[0].Error, tt.reason)
			assert.Empty(t, h.recorder.RetryAttempts(testRunID))
		})
	}
}

func TestProcessRow_StaticQuarantine(t *testing.T) {
	spec := domain.PipelineSpec{
		ID:          "quarantine",
		DefaultSink: "output",
		Sinks:       []string{"quarantine"},
		Steps: []domain.StepSpec{{
			Name:    "validate",
			Type:    domain.StepTransform,
			Plugin:  "reject",
			OnError: "quarantine",
		}},
	}
	h := newHarness(t, spec, []runtime.Transform{alwaysFail("reject", "bad row")})

	results := h.process(t, "r1", domain.Row{"id": "r1"})
	require.Len(t, results, 1)
	assert.Equal(t, domain.OutcomeQuarantined, results[0].Outcome)
	assert.Equal(t, "quarantine", results[0].SinkName)
	assert.ErrorContains(t, results[0].Error, "bad row")

	var de *domain.DomainError
	require.ErrorAs(t, results[0].Error, &de)
	assert.Equal(t, runtime.CodeTransformError, de.Code)

	events := h.recorder.RoutingEvents(testRunID)
	require.Len(t, events, 1)
	assert.Equal(t, onErrorLabel, events[0].Label)
	assert.Equal(t, "sink:quarantine", events[0].Destination)
}

const quarantinePolicy = `package pipeline.errors

disposition := "quarantine" if {
	contains(input.error, "bad row")
	input.attempts >= 1
}

sink := "review"
`

const brokenPolicy = `package pipeline.errors

disposition := "explode"
`

func TestProcessRow_RegoErrorPolicy(t *testing.T) {
	tests := []struct {
		name    string
		rego    string
		posture string
		onError string
		outcome domain.RowOutcome
		sink    string
		wantErr error
	}{
		{
			name:    "policy quarantines",
			rego:    quarantinePolicy,
			onError: runtime.DiscardSink,
			outcome: domain.OutcomeQuarantined,
			sink:    "review",
		},
		{
			name:    "fail-closed fails on a bad decision",
			rego:    brokenPolicy,
			posture: string(policy.ModeFailClosed),
			onError: "quarantine",
			outcome: domain.OutcomeFailed,
			wantErr: policy.ErrPolicyEvaluation,
		},
		{
			name:    "fail-open falls back to on_error",
			rego:    brokenPolicy,
			posture: string(policy.ModeFailOpen),
			onError: "quarantine",
			outcome: domain.OutcomeQuarantined,
			sink:    "quarantine",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := domain.PipelineSpec{
				ID:          "rego",
				DefaultSink: "output",
				Sinks:       []string{"review", "quarantine"},
				Steps: []domain.StepSpec{{
					Name:    "validate",
					Type:    domain.StepTransform,
					Plugin:  "reject",
					OnError: tt.onError,
				}},
				ErrorPolicy: domain.ErrorPolicySpec{Rego: tt.rego, Posture: tt.posture},
			}
			h := newHarness(t, spec, []runtime.Transform{alwaysFail("reject", "bad row")})

			results := h.process(t, "r1", domain.Row{"id": "r1"})
			require.Len(t, results, 1)
			assert.Equal(t, tt.outcome, results[0].Outcome)
			assert.Equal(t, tt.sink, results[0].SinkName)
			if tt.wantErr != nil {
				assert.ErrorIs(t, results[0].Error, tt.wantErr)
			}
		})
	}
}

func TestProcessRow_CircuitBreakerOpensAfterFailures(t *testing.T) {
	clock := newFakeClock()
	reject := alwaysFail("reject", "bad row")
	spec := domain.PipelineSpec{
		ID:          "breaker",
		DefaultSink: "output",
		Steps: []domain.StepSpec{{
			Name:           "call",
			Type:           domain.StepTransform,
			Plugin:         "reject",
			CircuitBreaker: &domain.CircuitBreakerSpec{MaxFailures: 1, Cooldown: time.Hour},
		}},
	}
	h := newHarness(t, spec, []runtime.Transform{reject}, func(d *Dependencies) { d.Now = clock.Now })

	first := h.process(t, "r1", domain.Row{})
	require.Len(t, first, 1)
	assert.Equal(t, domain.OutcomeFailed, first[0].Outcome)
	assert.NotErrorIs(t, first[0].Error, governance.ErrCircuitOpen)

	second := h.process(t, "r2", domain.Row{})
	require.Len(t, second, 1)
	assert.Equal(t, domain.OutcomeFailed, second[0].Outcome)
	assert.ErrorIs(t, second[0].Error, governance.ErrCircuitOpen)
	assert.EqualValues(t, 1, reject.calls.Load(), "open circuit short-circuits the plugin")

	// The rejected attempt is still audited.
	states := h.recorder.StatesForToken(second[0].Token.TokenID)
	require.Len(t, states, 1)
	assert.Equal(t, audit.StateFailed, states[0].Status)
}

func TestProcessRow_GateFailures(t *testing.T) {
	spec := domain.PipelineSpec{
		ID:          "kinds",
		DefaultSink: "output",
		Steps: []domain.StepSpec{{
			Name:      "by_kind",
			Type:      domain.StepGate,
			Condition: "row['kind']",
			Routes:    map[string]string{"known": "continue"},
		}},
	}
	h := newHarness(t, spec, nil)

	tests := []struct {
		name    string
		row     domain.Row
		wantErr error
	}{
		{name: "undeclared label", row: domain.Row{"kind": "other"}, wantErr: domain.ErrRouteNotFound},
		{name: "missing field", row: domain.Row{}, wantErr: expr.ErrEvaluation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := h.process(t, "row-"+tt.name, tt.row)
			require.Len(t, results, 1)
			assert.Equal(t, domain.OutcomeFailed, results[0].Outcome)
			assert.ErrorIs(t, results[0].Error, tt.wantErr)
		})
	}

	results := h.process(t, "ok", domain.Row{"kind": "known"})
	require.Len(t, results, 1)
	assert.Equal(t, domain.OutcomeCompleted, results[0].Outcome)
}

func TestProcessRow_RequireAllFailsWhenBranchIsLost(t *testing.T) {
	spec := forkSpec(domain.PolicyRequireAll, domain.StepSpec{
		Name: "check_b", Type: domain.StepTransform, Plugin: "reject", Branches: []string{"b"},
	})
	h := newHarness(t, spec, []runtime.Transform{alwaysFail("reject", "bad row")})

	results := h.process(t, "r1", domain.Row{"id": "r1"})
	assert.Equal(t, []domain.RowOutcome{
		domain.OutcomeForked,
		domain.OutcomeConsumedInCoalesce,
		domain.OutcomeFailed,
	}, outcomesOf(results))

	failures := h.recorder.CoalesceFailures(testRunID)
	require.Len(t, failures, 1)
	assert.Equal(t, "join", failures[0].Name)
	assert.Equal(t, []string{"b"}, failures[0].Missing)
	assert.Equal(t, []string{results[1].Token.TokenID}, failures[0].Held)
	assert.Empty(t, h.recorder.CoalesceMerges(testRunID))
}

func TestProcessRow_BestEffortMergesAroundLostBranch(t *testing.T) {
	spec := forkSpec(domain.PolicyBestEffort, domain.StepSpec{
		Name: "check_b", Type: domain.StepTransform, Plugin: "reject", Branches: []string{"b"},
	})
	h := newHarness(t, spec, []runtime.Transform{alwaysFail("reject", "bad row")})

	results := h.process(t, "r1", domain.Row{"id": "r1"})
	assert.Equal(t, []domain.RowOutcome{
		domain.OutcomeForked,
		domain.OutcomeConsumedInCoalesce,
		domain.OutcomeFailed,
		domain.OutcomeCompleted,
	}, outcomesOf(results))

	merges := h.recorder.CoalesceMerges(testRunID)
	require.Len(t, merges, 1)
	assert.Equal(t, []string{"a"}, merges[0].Branches)
	assert.Equal(t, []string{"b"}, merges[0].Missing)
	assert.Equal(t, "branches_lost", merges[0].Trigger)
}

func TestProcessRow_FirstPolicyLateArrival(t *testing.T) {
	t.Run("discard", func(t *testing.T) {
		h := newHarness(t, forkSpec(domain.PolicyFirst), nil)

		results := h.process(t, "r1", domain.Row{"id": "r1"})
		assert.Equal(t, []domain.RowOutcome{
			domain.OutcomeForked,
			domain.OutcomeCoalesced,
			domain.OutcomeConsumedInCoalesce,
			domain.OutcomeCompleted,
		}, outcomesOf(results))
		assert.ErrorIs(t, results[2].Error, domain.ErrLateArrival)
		assert.Equal(t, "b", results[2].Token.BranchName)
	})

	t.Run("error", func(t *testing.T) {
		h := newHarness(t, forkSpec(domain.PolicyFirst), nil, func(d *Dependencies) {
			d.LateArrival = domain.LateArrivalError
		})

		results := h.process(t, "r1", domain.Row{"id": "r1"})
		assert.Equal(t, []domain.RowOutcome{
			domain.OutcomeForked,
			domain.OutcomeCoalesced,
			domain.OutcomeFailed,
			domain.OutcomeCompleted,
		}, outcomesOf(results))
		assert.ErrorIs(t, results[2].Error, domain.ErrCoalesceConflict)
		assert.ErrorIs(t, results[2].Error, domain.ErrLateArrival)
	})
}

func TestProcessRow_BestEffortDeadline(t *testing.T) {
	clock := newFakeClock()
	tick := &funcTransform{name: "tick", fn: func(_ int, row domain.Row) (runtime.TransformResult, error) {
		clock.Advance(10 * time.Second)
		return runtime.Success(row), nil
	}}
	spec := forkSpec(domain.PolicyBestEffort,
		domain.StepSpec{Name: "slow", Type: domain.StepTransform, Plugin: "tick", Branches: []string{"b"}},
		domain.StepSpec{
			Name: "batch_b", Type: domain.StepAggregation, Plugin: "count_batch", Branches: []string{"b"},
			Options: map[string]any{"size": 1},
		},
	)
	spec.Steps[len(spec.Steps)-1].Timeout = 5 * time.Second
	h := newHarness(t, spec, []runtime.Transform{tick}, func(d *Dependencies) { d.Now = clock.Now })

	results := h.process(t, "r1", domain.Row{"id": "r1"})
	assert.Equal(t, []domain.RowOutcome{
		domain.OutcomeForked,
		domain.OutcomeConsumedInCoalesce,
		domain.OutcomeConsumedInBatch,
		domain.OutcomeFailed,
		domain.OutcomeCompleted,
	}, outcomesOf(results))
	assert.ErrorIs(t, results[3].Error, domain.ErrCoalesceConflict, "branch output reached an expired group")

	merges := h.recorder.CoalesceMerges(testRunID)
	require.Len(t, merges, 1)
	assert.Equal(t, "deadline", merges[0].Trigger)
	assert.Equal(t, []string{"b"}, merges[0].Missing)
	assert.Equal(t, domain.Row{"id": "r1"}, results[4].FinalData)
}

func TestProcessRow_IterationLimit(t *testing.T) {
	spec := domain.PipelineSpec{
		ID:          "fanout",
		DefaultSink: "output",
		Steps: []domain.StepSpec{{
			Name:      "split",
			Type:      domain.StepGate,
			Condition: "True",
			Routes:    map[string]string{"true": "fork"},
			ForkTo:    []string{"x", "y", "z"},
		}},
	}
	h := newHarness(t, spec, nil, func(d *Dependencies) { d.MaxIterations = 2 })

	results, err := h.proc.ProcessRow(context.Background(), "r1", domain.Row{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIterationLimit)
	assert.Len(t, results, 2, "results recorded before the breach are returned")
}

func TestProcessRow_CanceledContext(t *testing.T) {
	h := newHarness(t, domain.PipelineSpec{ID: "p", DefaultSink: "output"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.proc.ProcessRow(ctx, "r1", domain.Row{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAggregation_BatchesAndFlushes(t *testing.T) {
	spec := domain.PipelineSpec{
		ID:          "batches",
		DefaultSink: "output",
		Steps: []domain.StepSpec{{
			Name:    "batcher",
			Type:    domain.StepAggregation,
			Plugin:  "count_batch",
			Options: map[string]any{"size": 2, "sum_field": "amount"},
		}},
	}
	h := newHarness(t, spec, nil)

	first := h.process(t, "r1", domain.Row{"amount": 5})
	assert.Equal(t, []domain.RowOutcome{domain.OutcomeConsumedInBatch}, outcomesOf(first))

	second := h.process(t, "r2", domain.Row{"amount": 7})
	assert.Equal(t, []domain.RowOutcome{domain.OutcomeConsumedInBatch, domain.OutcomeCompleted}, outcomesOf(second))
	summary := second[1]
	assert.Equal(t, 2, summary.FinalData["batch_size"])
	assert.Equal(t, float64(12), summary.FinalData["sum_amount"])
	assert.Equal(t, second[0].Token.TokenID, summary.Token.ParentTokenID)

	third := h.process(t, "r3", domain.Row{"amount": 1})
	assert.Equal(t, []domain.RowOutcome{domain.OutcomeConsumedInBatch}, outcomesOf(third))

	flushed, err := h.proc.FlushAggregations(context.Background())
	require.NoError(t, err)
	require.Len(t, flushed, 1)
	assert.Equal(t, domain.OutcomeCompleted, flushed[0].Outcome)
	assert.Equal(t, 1, flushed[0].FinalData["batch_size"])
	assert.True(t, strings.HasPrefix(flushed[0].Token.RowID, "aggregation:batcher#flush-"))

	again, err := h.proc.FlushAggregations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestProcessRow_AuditTrailIsComplete(t *testing.T) {
	spec := forkSpec(domain.PolicyRequireAll, domain.StepSpec{
		Name: "tag", Type: domain.StepTransform, Plugin: "field_mapper",
		Options: map[string]any{"set": map[string]any{"tagged": true}},
	})
	spec.Sinks = []string{"review"}
	h := newHarness(t, spec, nil)

	for i := range 3 {
		h.process(t, fmt.Sprintf("r%d", i), domain.Row{"n": i})
	}
	require.NoError(t, h.proc.Finish(context.Background(), nil))

	status, ok := h.recorder.RunStatus(testRunID)
	require.True(t, ok)
	assert.Equal(t, audit.RunCompleted, status)

	assertEveryTokenTerminal(t, h.recorder)
	assert.Len(t, h.recorder.Nodes(testRunID), len(h.proc.Graph().Nodes()))
	assert.Len(t, h.recorder.Edges(testRunID), len(h.proc.Graph().Edges()))
	for i := range 3 {
		_, ok := h.recorder.RowHash(testRunID, fmt.Sprintf("r%d", i))
		assert.True(t, ok)
	}
}

func assertEveryTokenTerminal(t testingT, recorder *audit.MemoryRecorder) {
	t.Helper()
	outcomes := make(map[string]int)
	for _, o := range recorder.Outcomes(testRunID) {
		outcomes[o.TokenID]++
	}
	tokens := recorder.Tokens(testRunID)
	require.Len(t, outcomes, len(tokens), "one outcome per token")
	for _, tok := range tokens {
		require.Equal(t, 1, outcomes[tok.TokenID], "token %s", tok.TokenID)
	}
	for _, s := range recorder.NodeStates(testRunID) {
		require.NotEqual(t, audit.StateOpen, s.Status, "node state %s left open", s.StateID)
	}
}

func TestProperty_EveryTokenReachesOneTerminalOutcome(t *testing.T) {
	policies := []domain.CoalescePolicy{
		domain.PolicyRequireAll, domain.PolicyBestEffort, domain.PolicyFirst, domain.PolicyQuorum,
	}
	rapid.Check(t, func(rt *rapid.T) {
		width := rapid.IntRange(1, 4).Draw(rt, "branches")
		joinPolicy := rapid.SampledFrom(policies).Draw(rt, "policy")

		branches := make([]string, width)
		for i := range branches {
			branches[i] = fmt.Sprintf("b%d", i)
		}
		steps := []domain.StepSpec{
			{
				Name:      "triage",
				Type:      domain.StepGate,
				Condition: "row['score'] > 50",
				Routes:    map[string]string{"true": "continue", "false": "review"},
			},
			{
				Name:      "split",
				Type:      domain.StepGate,
				Condition: "True",
				Routes:    map[string]string{"true": "fork"},
				ForkTo:    branches,
			},
		}
		row := domain.Row{"score": rapid.IntRange(0, 100).Draw(rt, "score")}
		for i, b := range branches {
			field := fmt.Sprintf("need_%d", i)
			steps = append(steps, domain.StepSpec{
				Name:     "check_" + b,
				Type:     domain.StepTransform,
				Plugin:   "field_mapper",
				Branches: []string{b},
				Options:  map[string]any{"require": []any{field}},
			})
			if rapid.Bool().Draw(rt, "has_"+field) {
				row[field] = i
			}
		}
		quorum := 0
		if joinPolicy == domain.PolicyQuorum {
			quorum = rapid.IntRange(1, width).Draw(rt, "quorum")
		}
		steps = append(steps, domain.StepSpec{
			Name: "join", Type: domain.StepCoalesce, Branches: branches, Policy: joinPolicy, Quorum: quorum,
		})

		h := newHarness(rt, domain.PipelineSpec{
			ID:          "property",
			DefaultSink: "output",
			Sinks:       []string{"review"},
			Steps:       steps,
		}, nil)
		results := h.process(rt, "r1", row)
		require.NotEmpty(rt, results)
		for _, r := range results {
			require.True(rt, r.Outcome.IsTerminal())
		}
		assertEveryTokenTerminal(rt, h.recorder)
	})
}

func TestProcessRow_EmitsSpansAndMetrics(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	metrics := telemetry.NewRunMetrics()
	spec := domain.PipelineSpec{
		ID:          "traced",
		DefaultSink: "output",
		Sinks:       []string{"low"},
		Steps: []domain.StepSpec{
			{
				Name:      "gate",
				Type:      domain.StepGate,
				Condition: "row['score'] > 50",
				Routes:    map[string]string{"true": "continue", "false": "low"},
			},
			{Name: "noop", Type: domain.StepTransform, Plugin: "passthrough"},
		},
	}
	h := newHarness(t, spec, nil, func(d *Dependencies) { d.Metrics = metrics })
	h.process(t, "r1", domain.Row{"score": 80})

	var rows, steps int
	for _, span := range sr.Ended() {
		switch span.Name() {
		case "pipeline.row":
			rows++
		case "pipeline.step":
			steps++
		}
	}
	assert.Equal(t, 1, rows)
	assert.Equal(t, 2, steps)

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["pipeline_tokens_total"])
	assert.True(t, names["pipeline_rows_total"])
}

func TestProcessRow_ConcurrentRows(t *testing.T) {
	spec := forkSpec(domain.PolicyRequireAll)
	h := newHarness(t, spec, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := range 16 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results, err := h.proc.ProcessRow(context.Background(), fmt.Sprintf("r%d", i), domain.Row{"i": i})
			if err != nil {
				errs <- err
				return
			}
			if len(withOutcome(results, domain.OutcomeCompleted)) != 1 {
				errs <- fmt.Errorf("row %d: outcomes %v", i, outcomesOf(results))
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assertEveryTokenTerminal(t, h.recorder)
	assert.Zero(t, h.proc.tokens.Len(), "row state is released")
	assert.Zero(t, h.proc.coalesce.Pending())
}
