package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

func TestStableHash_KeyOrderIndependent(t *testing.T) {
	a := domain.Row{"x": 1, "y": "two", "z": []any{1, 2}}
	b := domain.Row{"z": []any{1, 2}, "y": "two", "x": 1}

	ha, err := StableHash(a)
	require.NoError(t, err)
	hb, err := StableHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)

	hc, err := StableHash(domain.Row{"x": 2})
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestStableHash_Unencodable(t *testing.T) {
	_, err := StableHash(domain.Row{"ch": make(chan int)})
	require.Error(t, err)
}

// recordSampleRun drives a recorder through a fork with one retried step.
func recordSampleRun(t *testing.T, ctx context.Context, rec Recorder) {
	t.Helper()
	require.NoError(t, rec.BeginRun(ctx, Run{RunID: "run-1", PipelineID: "p"}))
	require.NoError(t, rec.RegisterNode(ctx, "run-1", domain.Node{ID: "gate:split", Type: domain.NodeGate}))
	require.NoError(t, rec.RegisterEdge(ctx, "run-1", domain.Edge{From: "gate:split", To: "sink:out", Label: "a", Mode: domain.EdgeCopy}))
	require.NoError(t, rec.CreateRow(ctx, "run-1", "row-1", domain.Row{"v": 1}))

	root := &domain.Token{TokenID: "t1", RowID: "row-1"}
	child := &domain.Token{TokenID: "t2", RowID: "row-1", ParentTokenID: "t1", BranchName: "a", ForkGroupID: "t1", StepIndex: 1}
	require.NoError(t, rec.CreateToken(ctx, "run-1", root))
	require.NoError(t, rec.CreateToken(ctx, "run-1", child))

	first, err := rec.BeginNodeState(ctx, NodeStateStart{RunID: "run-1", TokenID: "t2", NodeID: "transform:x", StepIndex: 1, Attempt: 0, Input: domain.Row{"v": 1}})
	require.NoError(t, err)
	require.NoError(t, rec.CompleteNodeState(ctx, first, nil, errors.New("timeout")))
	require.NoError(t, rec.RecordRetryAttempt(ctx, RetryAttempt{RunID: "run-1", TokenID: "t2", NodeID: "transform:x", Attempt: 0, Error: "timeout", Delay: 100 * time.Millisecond}))

	second, err := rec.BeginNodeState(ctx, NodeStateStart{RunID: "run-1", TokenID: "t2", NodeID: "transform:x", StepIndex: 1, Attempt: 1, Input: domain.Row{"v": 1}})
	require.NoError(t, err)
	require.NoError(t, rec.CompleteNodeState(ctx, second, domain.Row{"v": 2}, nil))

	require.NoError(t, rec.RecordRoutingEvent(ctx, RoutingEvent{RunID: "run-1", TokenID: "t2", NodeID: "gate:split", Label: "a", Destination: "sink:out", Mode: domain.EdgeCopy}))
	require.NoError(t, rec.RecordTokenOutcome(ctx, "run-1", domain.RowResult{Token: root, Outcome: domain.OutcomeForked}))
	require.NoError(t, rec.RecordTokenOutcome(ctx, "run-1", domain.RowResult{Token: child, FinalData: domain.Row{"v": 2}, Outcome: domain.OutcomeRouted, SinkName: "out"}))
	require.NoError(t, rec.RecordCoalesceMerge(ctx, CoalesceMerge{RunID: "run-1", Name: "join", RowID: "row-1", ForkGroupID: "t1", MergedTokenID: "t9", Trigger: "first", Branches: []string{"a"}, Missing: []string{"b"}, Conflicts: []string{"v"}}))
	require.NoError(t, rec.RecordCoalesceFailure(ctx, CoalesceFailure{RunID: "run-1", Name: "join", RowID: "row-1", ForkGroupID: "t1", Reason: "deadline", Held: []string{"a"}, Missing: []string{"b"}}))
	require.NoError(t, rec.CompleteRun(ctx, "run-1", RunCompleted))
}

func TestMemoryRecorder_FullRun(t *testing.T) {
	ctx := context.Background()
	rec := NewMemoryRecorder()
	recordSampleRun(t, ctx, rec)

	status, ok := rec.RunStatus("run-1")
	require.True(t, ok)
	assert.Equal(t, RunCompleted, status)
	assert.Len(t, rec.Nodes("run-1"), 1)
	assert.Len(t, rec.Edges("run-1"), 1)

	rowHash, ok := rec.RowHash("run-1", "row-1")
	require.True(t, ok)
	want, err := StableHash(domain.Row{"v": 1})
	require.NoError(t, err)
	assert.Equal(t, want, rowHash)

	tokens := rec.Tokens("run-1")
	require.Len(t, tokens, 2)
	assert.Equal(t, "t1", tokens[1].ParentTokenID)
	assert.Equal(t, "a", tokens[1].BranchName)

	states := rec.StatesForToken("t2")
	require.Len(t, states, 2)
	assert.Equal(t, 0, states[0].Attempt)
	assert.Equal(t, StateFailed, states[0].Status)
	assert.Equal(t, "timeout", states[0].Error)
	assert.Equal(t, 1, states[1].Attempt)
	assert.Equal(t, StateCompleted, states[1].Status)
	assert.NotEmpty(t, states[1].OutputHash)
	assert.Equal(t, states[0].InputHash, states[1].InputHash)

	require.Len(t, rec.RetryAttempts("run-1"), 1)
	require.Len(t, rec.RoutingEvents("run-1"), 1)

	outcomes := rec.Outcomes("run-1")
	require.Len(t, outcomes, 2)
	assert.Equal(t, domain.OutcomeForked, outcomes[0].Outcome)
	assert.Empty(t, outcomes[0].OutputHash)
	assert.Equal(t, "out", outcomes[1].SinkName)

	merges := rec.CoalesceMerges("run-1")
	require.Len(t, merges, 1)
	assert.Equal(t, []string{"v"}, merges[0].Conflicts)

	failures := rec.CoalesceFailures("run-1")
	require.Len(t, failures, 1)
	assert.Equal(t, []string{"b"}, failures[0].Missing)
}

func TestMemoryRecorder_Errors(t *testing.T) {
	ctx := context.Background()
	rec := NewMemoryRecorder()

	err := rec.CreateRow(ctx, "missing", "row", domain.Row{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown run")

	require.NoError(t, rec.BeginRun(ctx, Run{RunID: "r"}))
	require.Error(t, rec.BeginRun(ctx, Run{RunID: "r"}))

	err = rec.CompleteNodeState(ctx, StateHandle{StateID: "nope"}, nil, nil)
	require.ErrorIs(t, err, ErrUnknownState)

	h, err := rec.BeginNodeState(ctx, NodeStateStart{RunID: "r", TokenID: "t", NodeID: "n"})
	require.NoError(t, err)
	require.NoError(t, rec.CompleteNodeState(ctx, h, nil, nil))
	require.ErrorIs(t, rec.CompleteNodeState(ctx, h, nil, nil), ErrStateClosed)

	tok := &domain.Token{TokenID: "t", RowID: "row"}
	require.NoError(t, rec.RecordTokenOutcome(ctx, "r", domain.RowResult{Token: tok, Outcome: domain.OutcomeCompleted}))
	err = rec.RecordTokenOutcome(ctx, "r", domain.RowResult{Token: tok, Outcome: domain.OutcomeFailed})
	require.ErrorIs(t, err, ErrDuplicateOutcome)
}

func TestMemoryRecorder_ConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	rec := NewMemoryRecorder()
	require.NoError(t, rec.BeginRun(ctx, Run{RunID: "r"}))

	const workers = 8
	done := make(chan struct{})
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 50; i++ {
				h, err := rec.BeginNodeState(ctx, NodeStateStart{RunID: "r", TokenID: "t", NodeID: "n", Attempt: i})
				if err != nil {
					return
				}
				_ = rec.CompleteNodeState(ctx, h, domain.Row{"w": w}, nil)
			}
		}(w)
	}
	for w := 0; w < workers; w++ {
		<-done
	}
	assert.Len(t, rec.NodeStates("r"), workers*50)
}

func openTestSQLite(t *testing.T) *SQLiteRecorder {
	t.Helper()
	rec, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })
	return rec
}

func TestSQLiteRecorder_FullRun(t *testing.T) {
	ctx := context.Background()
	rec := openTestSQLite(t)
	recordSampleRun(t, ctx, rec)

	status, err := rec.RunStatus(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, status)

	tokens, err := rec.Tokens(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "t1", tokens[1].ForkGroupID)

	states, err := rec.NodeStates(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, StateFailed, states[0].Status)
	assert.Equal(t, "timeout", states[0].Error)
	assert.Equal(t, StateCompleted, states[1].Status)
	assert.False(t, states[1].CompletedAt.IsZero())

	retries, err := rec.RetryAttempts(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, retries, 1)
	assert.Equal(t, 100*time.Millisecond, retries[0].Delay)

	outcomes, err := rec.Outcomes(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, domain.OutcomeRouted, outcomes[1].Outcome)

	merges, err := rec.CoalesceMerges(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, merges, 1)
	assert.Equal(t, "t9", merges[0].MergedTokenID)
	assert.Equal(t, []string{"a"}, merges[0].Branches)
	assert.Equal(t, []string{"v"}, merges[0].Conflicts)

	failures, err := rec.CoalesceFailures(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, []string{"a"}, failures[0].Held)
	assert.Equal(t, []string{"b"}, failures[0].Missing)
}

func TestSQLiteRecorder_Errors(t *testing.T) {
	ctx := context.Background()
	rec := openTestSQLite(t)

	require.Error(t, rec.CreateRow(ctx, "missing", "row", domain.Row{}), "foreign key to runs")
	require.Error(t, rec.CompleteRun(ctx, "missing", RunFailed))

	require.NoError(t, rec.BeginRun(ctx, Run{RunID: "r"}))
	require.ErrorIs(t, rec.CompleteNodeState(ctx, StateHandle{StateID: "nope"}, nil, nil), ErrUnknownState)

	h, err := rec.BeginNodeState(ctx, NodeStateStart{RunID: "r", TokenID: "t", NodeID: "n"})
	require.NoError(t, err)
	require.NoError(t, rec.CompleteNodeState(ctx, h, nil, errors.New("boom")))
	require.ErrorIs(t, rec.CompleteNodeState(ctx, h, nil, nil), ErrStateClosed)

	tok := &domain.Token{TokenID: "t", RowID: "row"}
	require.NoError(t, rec.RecordTokenOutcome(ctx, "r", domain.RowResult{Token: tok, Outcome: domain.OutcomeCompleted}))
	require.ErrorIs(t, rec.RecordTokenOutcome(ctx, "r", domain.RowResult{Token: tok, Outcome: domain.OutcomeFailed}), ErrDuplicateOutcome)
}

func TestSQLiteRecorder_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")

	rec, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, rec.BeginRun(ctx, Run{RunID: "r"}))
	require.NoError(t, rec.Close())

	rec, err = OpenSQLite(path)
	require.NoError(t, err)
	defer rec.Close()
	status, err := rec.RunStatus(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, RunRunning, status)
}
