package audit

import (
	"context"
	"errors"
	"time"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// ErrUnknownState is returned when a node state handle does not belong to the recorder.
var ErrUnknownState = errors.New("unknown node state")

// ErrStateClosed is returned when a node state is completed twice.
var ErrStateClosed = errors.New("node state already completed")

// ErrDuplicateOutcome is returned when a token is given a second terminal outcome.
var ErrDuplicateOutcome = errors.New("token outcome already recorded")

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// StateStatus is the lifecycle status of a single node state.
type StateStatus string

const (
	StateOpen      StateStatus = "open"
	StateCompleted StateStatus = "completed"
	StateFailed    StateStatus = "failed"
)

// Run describes one invocation of a pipeline.
type Run struct {
	RunID      string
	PipelineID string
	ConfigHash string
	StartedAt  time.Time
}

// NodeStateStart opens a node state. Attempt is 0-indexed.
type NodeStateStart struct {
	RunID     string
	TokenID   string
	NodeID    string
	StepIndex int
	Attempt   int
	Input     domain.Row
}

// StateHandle identifies an open node state.
type StateHandle struct {
	StateID string
	RunID   string
	TokenID string
	NodeID  string
	Attempt int
}

// NodeState is the stored form of one step attempt for one token.
type NodeState struct {
	StateID     string
	RunID       string
	TokenID     string
	NodeID      string
	StepIndex   int
	Attempt     int
	Status      StateStatus
	InputHash   string
	OutputHash  string
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// RetryAttempt records a failed attempt that will be retried after Delay.
type RetryAttempt struct {
	RunID   string
	TokenID string
	NodeID  string
	Attempt int
	Error   string
	Delay   time.Duration
}

// RoutingEvent records a token leaving a node along a labelled edge.
type RoutingEvent struct {
	RunID       string
	TokenID     string
	NodeID      string
	Label       string
	Destination string
	Mode        domain.EdgeMode
}

// TokenRecord is the stored lineage of a token.
type TokenRecord struct {
	RunID         string
	TokenID       string
	RowID         string
	ParentTokenID string
	BranchName    string
	ForkGroupID   string
	StepIndex     int
}

// TokenOutcome is the stored terminal state of a token.
type TokenOutcome struct {
	RunID      string
	TokenID    string
	RowID      string
	Outcome    domain.RowOutcome
	SinkName   string
	OutputHash string
	Error      string
}

// CoalesceFailure records a coalesce group that could not be satisfied.
type CoalesceFailure struct {
	RunID       string
	Name        string
	RowID       string
	ForkGroupID string
	Reason      string
	Held        []string
	Missing     []string
}

// CoalesceMerge records a coalesce group that produced a merged token.
// Conflicts lists union fields on which branches disagreed.
type CoalesceMerge struct {
	RunID         string
	Name          string
	RowID         string
	ForkGroupID   string
	MergedTokenID string
	Trigger       string
	Branches      []string
	Missing       []string
	Conflicts     []string
}

// Recorder is the audit collaborator the engine reports to. Implementations
// must be safe for concurrent use.
type Recorder interface {
	BeginRun(ctx context.Context, run Run) error
	CompleteRun(ctx context.Context, runID string, status RunStatus) error

	RegisterNode(ctx context.Context, runID string, node domain.Node) error
	RegisterEdge(ctx context.Context, runID string, edge domain.Edge) error

	CreateRow(ctx context.Context, runID, rowID string, data domain.Row) error
	CreateToken(ctx context.Context, runID string, token *domain.Token) error

	BeginNodeState(ctx context.Context, start NodeStateStart) (StateHandle, error)
	CompleteNodeState(ctx context.Context, handle StateHandle, output domain.Row, stepErr error) error

	RecordRetryAttempt(ctx context.Context, attempt RetryAttempt) error
	RecordRoutingEvent(ctx context.Context, event RoutingEvent) error
	RecordTokenOutcome(ctx context.Context, runID string, result domain.RowResult) error
	RecordCoalesceMerge(ctx context.Context, merge CoalesceMerge) error
	RecordCoalesceFailure(ctx context.Context, failure CoalesceFailure) error

	Close() error
}

func tokenRecord(runID string, token *domain.Token) TokenRecord {
	return TokenRecord{
		RunID:         runID,
		TokenID:       token.TokenID,
		RowID:         token.RowID,
		ParentTokenID: token.ParentTokenID,
		BranchName:    token.BranchName,
		ForkGroupID:   token.ForkGroupID,
		StepIndex:     token.StepIndex,
	}
}

func outcomeRecord(runID string, result domain.RowResult) (TokenOutcome, error) {
	out := TokenOutcome{
		RunID:    runID,
		Outcome:  result.Outcome,
		SinkName: result.SinkName,
	}
	if result.Token != nil {
		out.TokenID = result.Token.TokenID
		out.RowID = result.Token.RowID
	}
	if result.Error != nil {
		out.Error = result.Error.Error()
	}
	if result.FinalData != nil {
		hash, err := StableHash(result.FinalData)
		if err != nil {
			return TokenOutcome{}, err
		}
		out.OutputHash = hash
	}
	return out, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var (
	_ Recorder = (*MemoryRecorder)(nil)
	_ Recorder = (*SQLiteRecorder)(nil)
)
