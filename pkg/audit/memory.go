package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// MemoryRecorder keeps the audit trail in memory.
type MemoryRecorder struct {
	mu sync.RWMutex

	now func() time.Time

	runs     map[string]*runRecord
	rows     map[string]map[string]string // runID -> rowID -> payload hash
	tokens   []TokenRecord
	states   map[string]*NodeState
	order    []string
	retries  []RetryAttempt
	routing  []RoutingEvent
	outcomes []TokenOutcome
	ended    map[string]struct{} // runID + tokenID with a recorded outcome
	merges   []CoalesceMerge
	failures []CoalesceFailure
}

type runRecord struct {
	run    Run
	status RunStatus
	nodes  []domain.Node
	edges  []domain.Edge
}

// NewMemoryRecorder creates an empty recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		now:    time.Now,
		runs:   make(map[string]*runRecord),
		rows:   make(map[string]map[string]string),
		states: make(map[string]*NodeState),
		ended:  make(map[string]struct{}),
	}
}

func (m *MemoryRecorder) BeginRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.RunID]; exists {
		return fmt.Errorf("audit: run %q already started", run.RunID)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = m.now()
	}
	m.runs[run.RunID] = &runRecord{run: run, status: RunRunning}
	m.rows[run.RunID] = make(map[string]string)
	return nil
}

func (m *MemoryRecorder) CompleteRun(_ context.Context, runID string, status RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.runLocked(runID)
	if err != nil {
		return err
	}
	rec.status = status
	return nil
}

func (m *MemoryRecorder) RegisterNode(_ context.Context, runID string, node domain.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.runLocked(runID)
	if err != nil {
		return err
	}
	rec.nodes = append(rec.nodes, node)
	return nil
}

func (m *MemoryRecorder) RegisterEdge(_ context.Context, runID string, edge domain.Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.runLocked(runID)
	if err != nil {
		return err
	}
	rec.edges = append(rec.edges, edge)
	return nil
}

func (m *MemoryRecorder) CreateRow(_ context.Context, runID, rowID string, data domain.Row) error {
	hash, err := StableHash(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.runLocked(runID); err != nil {
		return err
	}
	m.rows[runID][rowID] = hash
	return nil
}

func (m *MemoryRecorder) CreateToken(_ context.Context, runID string, token *domain.Token) error {
	if token == nil {
		return fmt.Errorf("audit: nil token")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.runLocked(runID); err != nil {
		return err
	}
	m.tokens = append(m.tokens, tokenRecord(runID, token))
	return nil
}

func (m *MemoryRecorder) BeginNodeState(_ context.Context, start NodeStateStart) (StateHandle, error) {
	hash, err := StableHash(start.Input)
	if err != nil {
		return StateHandle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.runLocked(start.RunID); err != nil {
		return StateHandle{}, err
	}
	state := &NodeState{
		StateID:   uuid.NewString(),
		RunID:     start.RunID,
		TokenID:   start.TokenID,
		NodeID:    start.NodeID,
		StepIndex: start.StepIndex,
		Attempt:   start.Attempt,
		Status:    StateOpen,
		InputHash: hash,
		StartedAt: m.now(),
	}
	m.states[state.StateID] = state
	m.order = append(m.order, state.StateID)
	return StateHandle{
		StateID: state.StateID,
		RunID:   state.RunID,
		TokenID: state.TokenID,
		NodeID:  state.NodeID,
		Attempt: state.Attempt,
	}, nil
}

func (m *MemoryRecorder) CompleteNodeState(_ context.Context, handle StateHandle, output domain.Row, stepErr error) error {
	var hash string
	if output != nil {
		h, err := StableHash(output)
		if err != nil {
			return err
		}
		hash = h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[handle.StateID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownState, handle.StateID)
	}
	if state.Status != StateOpen {
		return fmt.Errorf("%w: %s", ErrStateClosed, handle.StateID)
	}
	state.CompletedAt = m.now()
	state.OutputHash = hash
	if stepErr != nil {
		state.Status = StateFailed
		state.Error = stepErr.Error()
	} else {
		state.Status = StateCompleted
	}
	return nil
}

func (m *MemoryRecorder) RecordRetryAttempt(_ context.Context, attempt RetryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.runLocked(attempt.RunID); err != nil {
		return err
	}
	m.retries = append(m.retries, attempt)
	return nil
}

func (m *MemoryRecorder) RecordRoutingEvent(_ context.Context, event RoutingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.runLocked(event.RunID); err != nil {
		return err
	}
	m.routing = append(m.routing, event)
	return nil
}

func (m *MemoryRecorder) RecordTokenOutcome(_ context.Context, runID string, result domain.RowResult) error {
	out, err := outcomeRecord(runID, result)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.runLocked(runID); err != nil {
		return err
	}
	key := runID + "\x00" + out.TokenID
	if _, dup := m.ended[key]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateOutcome, out.TokenID)
	}
	m.ended[key] = struct{}{}
	m.outcomes = append(m.outcomes, out)
	return nil
}

func (m *MemoryRecorder) RecordCoalesceMerge(_ context.Context, merge CoalesceMerge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.runLocked(merge.RunID); err != nil {
		return err
	}
	merge.Branches = append([]string(nil), merge.Branches...)
	merge.Missing = append([]string(nil), merge.Missing...)
	merge.Conflicts = append([]string(nil), merge.Conflicts...)
	m.merges = append(m.merges, merge)
	return nil
}

func (m *MemoryRecorder) RecordCoalesceFailure(_ context.Context, failure CoalesceFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.runLocked(failure.RunID); err != nil {
		return err
	}
	failure.Held = append([]string(nil), failure.Held...)
	failure.Missing = append([]string(nil), failure.Missing...)
	m.failures = append(m.failures, failure)
	return nil
}

// Close is a no-op for the memory recorder.
func (m *MemoryRecorder) Close() error {
	return nil
}

func (m *MemoryRecorder) runLocked(runID string) (*runRecord, error) {
	rec, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("audit: unknown run %q", runID)
	}
	return rec, nil
}

// RunStatus returns the recorded status of a run.
func (m *MemoryRecorder) RunStatus(runID string) (RunStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[runID]
	if !ok {
		return "", false
	}
	return rec.status, true
}

// Nodes returns the nodes registered for a run.
func (m *MemoryRecorder) Nodes(runID string) []domain.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.runs[runID]; ok {
		return append([]domain.Node(nil), rec.nodes...)
	}
	return nil
}

// Edges returns the edges registered for a run.
func (m *MemoryRecorder) Edges(runID string) []domain.Edge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.runs[runID]; ok {
		return append([]domain.Edge(nil), rec.edges...)
	}
	return nil
}

// RowHash returns the payload hash recorded for a source row.
func (m *MemoryRecorder) RowHash(runID, rowID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hash, ok := m.rows[runID][rowID]
	return hash, ok
}

// Tokens returns every token created during a run, in creation order.
func (m *MemoryRecorder) Tokens(runID string) []TokenRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TokenRecord
	for _, t := range m.tokens {
		if t.RunID == runID {
			out = append(out, t)
		}
	}
	return out
}

// NodeStates returns node states for a run in the order they were opened.
func (m *MemoryRecorder) NodeStates(runID string) []NodeState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []NodeState
	for _, id := range m.order {
		if s := m.states[id]; s.RunID == runID {
			out = append(out, *s)
		}
	}
	return out
}

// StatesForToken returns the node states recorded for one token.
func (m *MemoryRecorder) StatesForToken(tokenID string) []NodeState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []NodeState
	for _, id := range m.order {
		if s := m.states[id]; s.TokenID == tokenID {
			out = append(out, *s)
		}
	}
	return out
}

// RetryAttempts returns the retry attempts recorded for a run.
func (m *MemoryRecorder) RetryAttempts(runID string) []RetryAttempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterRun(m.retries, runID, func(r RetryAttempt) string { return r.RunID })
}

// RoutingEvents returns the routing events recorded for a run.
func (m *MemoryRecorder) RoutingEvents(runID string) []RoutingEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterRun(m.routing, runID, func(r RoutingEvent) string { return r.RunID })
}

// Outcomes returns the terminal token outcomes recorded for a run.
func (m *MemoryRecorder) Outcomes(runID string) []TokenOutcome {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterRun(m.outcomes, runID, func(o TokenOutcome) string { return o.RunID })
}

// CoalesceMerges returns the coalesce merges recorded for a run.
func (m *MemoryRecorder) CoalesceMerges(runID string) []CoalesceMerge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterRun(m.merges, runID, func(c CoalesceMerge) string { return c.RunID })
}

// CoalesceFailures returns the coalesce failures recorded for a run.
func (m *MemoryRecorder) CoalesceFailures(runID string) []CoalesceFailure {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterRun(m.failures, runID, func(f CoalesceFailure) string { return f.RunID })
}

func filterRun[T any](items []T, runID string, key func(T) string) []T {
	var out []T
	for _, item := range items {
		if key(item) == runID {
			out = append(out, item)
		}
	}
	return out
}
