// Package coalesce holds fork branches at a coalesce point until the point's
// policy is satisfied, then hands back one merge for the processor to
// continue downstream.
package coalesce

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// Status is the result class of Accept.
type Status int

const (
	// StatusHeld means the token waits for its siblings.
	StatusHeld Status = iota + 1
	// StatusMerged means the token completed the group.
	StatusMerged
	// StatusDiscarded means the token arrived after a first/quorum group
	// already merged and was dropped.
	StatusDiscarded
)

func (s Status) String() string {
	switch s {
	case StatusHeld:
		return "held"
	case StatusMerged:
		return "merged"
	case StatusDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Merge triggers.
const (
	TriggerAllArrived   = "all_arrived"
	TriggerFirst        = "first"
	TriggerQuorum       = "quorum"
	TriggerDeadline     = "deadline"
	TriggerBranchesLost = "branches_lost"
	TriggerDrained      = "drained"
)

// Merge is a satisfied group. The processor mints the merged token from it.
type Merge struct {
	Name        string
	RowID       string
	ForkGroupID string
	StepIndex   int
	Data        domain.Row
	// Branches holds the arrived tokens in declared branch order.
	Branches []*domain.Token
	Missing  []string
	// Conflicts lists union fields whose branch values disagreed; the value
	// from the earliest declared branch was kept.
	Conflicts []string
	Trigger   string
}

// Failure is a group that can no longer be satisfied.
type Failure struct {
	Name        string
	RowID       string
	ForkGroupID string
	StepIndex   int
	Held        []*domain.Token
	Missing     []string
	Reason      string
}

// Err describes the failure; it matches domain.ErrCoalesceFailed.
func (f *Failure) Err() error {
	return fmt.Errorf("%w: coalesce %q row %s: %s", domain.ErrCoalesceFailed, f.Name, f.RowID, f.Reason)
}

// Resolution is produced when a group resolves outside Accept.
type Resolution struct {
	Merge   *Merge
	Failure *Failure
}

// Result is returned by Accept.
type Result struct {
	Status Status
	Merge  *Merge
}

// Config holds dependencies for creating an Engine.
type Config struct {
	LateArrival domain.LateArrivalMode
	Now         func() time.Time
	Logger      *slog.Logger
}

type groupKey struct {
	name string
	fork string
}

type group struct {
	key      groupKey
	spec     domain.CoalesceSpec
	rowID    string
	step     int
	arrivals map[string]*domain.Token
	lost     map[string]bool
	deadline time.Time
	resolved bool
}

// Engine tracks every in-flight coalesce group. Group mutation is serialised
// by one mutex so rows may be processed concurrently.
type Engine struct {
	mu          sync.Mutex
	specs       map[string]domain.CoalesceSpec
	groups      map[groupKey]*group
	byRow       map[string][]groupKey
	lateArrival domain.LateArrivalMode
	now         func() time.Time
	logger      *slog.Logger
}

// NewEngine creates an Engine with no registered coalesce points.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	mode := cfg.LateArrival
	if mode == "" {
		mode = domain.LateArrivalDiscard
	}
	return &Engine{
		specs:       make(map[string]domain.CoalesceSpec),
		groups:      make(map[groupKey]*group),
		byRow:       make(map[string][]groupKey),
		lateArrival: mode,
		now:         now,
		logger:      logger,
	}
}

// Register declares a coalesce point. It is called once per point at build time.
func (e *Engine) Register(spec domain.CoalesceSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: coalesce name is required", domain.ErrConfigInvalid)
	}
	if len(spec.Branches) == 0 {
		return fmt.Errorf("%w: coalesce %q declares no branches", domain.ErrConfigInvalid, spec.Name)
	}
	switch spec.Policy {
	case domain.PolicyRequireAll, domain.PolicyBestEffort, domain.PolicyFirst:
	case domain.PolicyQuorum:
		if spec.QuorumCount < 1 || spec.QuorumCount > len(spec.Branches) {
			return fmt.Errorf("%w: coalesce %q quorum %d outside [1,%d]",
				domain.ErrConfigInvalid, spec.Name, spec.QuorumCount, len(spec.Branches))
		}
	default:
		return fmt.Errorf("%w: coalesce %q has unknown policy %q", domain.ErrConfigInvalid, spec.Name, spec.Policy)
	}
	if spec.Merge == "" {
		spec.Merge = domain.MergeUnion
	}
	if spec.Merge != domain.MergeUnion && spec.Merge != domain.MergeNested {
		return fmt.Errorf("%w: coalesce %q has unknown merge strategy %q", domain.ErrConfigInvalid, spec.Name, spec.Merge)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.specs[spec.Name]; exists {
		return fmt.Errorf("%w: coalesce %q registered twice", domain.ErrConfigInvalid, spec.Name)
	}
	spec.Branches = append([]string(nil), spec.Branches...)
	e.specs[spec.Name] = spec
	return nil
}

// Spec returns a registered coalesce point.
func (e *Engine) Spec(name string) (domain.CoalesceSpec, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	spec, ok := e.specs[name]
	return spec, ok
}

// Accept hands a branch token to a coalesce point.
//
// Errors wrap domain.ErrCoalesceConflict for unexpected or duplicate
// branches and for arrivals at a resolved group that are not first/quorum
// late arrivals. In error mode, late arrivals also wrap domain.ErrLateArrival.
func (e *Engine) Accept(token *domain.Token, name string, step int) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	spec, ok := e.specs[name]
	if !ok {
		return Result{}, fmt.Errorf("coalesce %q is not registered", name)
	}
	if !contains(spec.Branches, token.BranchName) {
		return Result{}, fmt.Errorf("%w: coalesce %q does not expect branch %q (token %s)",
			domain.ErrCoalesceConflict, name, token.BranchName, token.TokenID)
	}

	g := e.groupFor(spec, token, step)
	if g.resolved {
		return e.lateArrivalLocked(g, token)
	}
	if _, dup := g.arrivals[token.BranchName]; dup || g.lost[token.BranchName] {
		return Result{}, fmt.Errorf("%w: coalesce %q already accounted for branch %q (token %s)",
			domain.ErrCoalesceConflict, name, token.BranchName, token.TokenID)
	}

	g.arrivals[token.BranchName] = token
	if trigger, ready := readyTrigger(g); ready {
		return Result{Status: StatusMerged, Merge: e.mergeLocked(g, trigger)}, nil
	}
	return Result{Status: StatusHeld}, nil
}

func (e *Engine) lateArrivalLocked(g *group, token *domain.Token) (Result, error) {
	switch g.spec.Policy {
	case domain.PolicyFirst, domain.PolicyQuorum:
		if e.lateArrival == domain.LateArrivalError {
			return Result{}, fmt.Errorf("%w: %w: branch %q reached coalesce %q after it merged",
				domain.ErrCoalesceConflict, domain.ErrLateArrival, token.BranchName, g.spec.Name)
		}
		e.logger.Warn("late coalesce arrival discarded",
			"coalesce", g.spec.Name,
			"row_id", token.RowID,
			"token_id", token.TokenID,
			"branch", token.BranchName)
		return Result{Status: StatusDiscarded}, nil
	default:
		return Result{}, fmt.Errorf("%w: branch %q reached coalesce %q after the group resolved",
			domain.ErrCoalesceConflict, token.BranchName, g.spec.Name)
	}
}

// MarkLost records that a branch token ended before reaching the coalesce
// point, so the group stops waiting for it. The returned resolution is nil
// while the group can still be satisfied.
func (e *Engine) MarkLost(token *domain.Token, name string, step int) *Resolution {
	e.mu.Lock()
	defer e.mu.Unlock()

	spec, ok := e.specs[name]
	if !ok || !contains(spec.Branches, token.BranchName) {
		return nil
	}
	g := e.groupFor(spec, token, step)
	if g.resolved {
		return nil
	}
	if _, arrived := g.arrivals[token.BranchName]; arrived {
		return nil
	}
	g.lost[token.BranchName] = true

	expected := len(spec.Branches)
	possible := expected - len(g.lost)
	switch spec.Policy {
	case domain.PolicyBestEffort:
		if len(g.arrivals)+len(g.lost) < expected {
			return nil
		}
		if len(g.arrivals) == 0 {
			return &Resolution{Failure: e.failLocked(g, "every branch was lost")}
		}
		return &Resolution{Merge: e.mergeLocked(g, TriggerBranchesLost)}
	case domain.PolicyRequireAll:
		return &Resolution{Failure: e.failLocked(g, fmt.Sprintf("branch %q was lost", token.BranchName))}
	case domain.PolicyQuorum:
		if possible >= spec.QuorumCount {
			return nil
		}
		return &Resolution{Failure: e.failLocked(g, fmt.Sprintf("quorum %d unreachable", spec.QuorumCount))}
	case domain.PolicyFirst:
		if possible > 0 {
			return nil
		}
		return &Resolution{Failure: e.failLocked(g, "every branch was lost")}
	}
	return nil
}

// ExpireDeadlines resolves the row's groups whose timeout has elapsed.
// best_effort groups merge whatever arrived; other policies fail. It is
// polled by the processor on every queue iteration.
func (e *Engine) ExpireDeadlines(rowID string) []Resolution {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var out []Resolution
	for _, key := range e.byRow[rowID] {
		g := e.groups[key]
		if g == nil || g.resolved || g.deadline.IsZero() || now.Before(g.deadline) {
			continue
		}
		out = append(out, e.settleLocked(g, TriggerDeadline, "timed out"))
	}
	return out
}

// FlushRow settles every pending group of a row whose work queue drained.
func (e *Engine) FlushRow(rowID string) []Resolution {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Resolution
	for _, key := range e.byRow[rowID] {
		g := e.groups[key]
		if g == nil || g.resolved {
			continue
		}
		out = append(out, e.settleLocked(g, TriggerDrained, "row finished before the group was satisfied"))
	}
	return out
}

// ReleaseRow forgets every group of a row, resolved or not.
func (e *Engine) ReleaseRow(rowID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, key := range e.byRow[rowID] {
		delete(e.groups, key)
	}
	delete(e.byRow, rowID)
}

// Pending returns the number of unresolved groups.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, g := range e.groups {
		if !g.resolved {
			n++
		}
	}
	return n
}

func (e *Engine) settleLocked(g *group, trigger, reason string) Resolution {
	if g.spec.Policy == domain.PolicyBestEffort && len(g.arrivals) > 0 {
		return Resolution{Merge: e.mergeLocked(g, trigger)}
	}
	return Resolution{Failure: e.failLocked(g, reason)}
}

func (e *Engine) groupFor(spec domain.CoalesceSpec, token *domain.Token, step int) *group {
	fork := token.ForkGroupID
	if fork == "" {
		fork = token.RowID
	}
	key := groupKey{name: spec.Name, fork: fork}
	if g, ok := e.groups[key]; ok {
		return g
	}

	g := &group{
		key:      key,
		spec:     spec,
		rowID:    token.RowID,
		step:     step,
		arrivals: make(map[string]*domain.Token),
		lost:     make(map[string]bool),
	}
	if spec.Timeout > 0 {
		g.deadline = e.now().Add(spec.Timeout)
	}
	e.groups[key] = g
	e.byRow[token.RowID] = append(e.byRow[token.RowID], key)
	return g
}

func readyTrigger(g *group) (string, bool) {
	arrived := len(g.arrivals)
	expected := len(g.spec.Branches)
	switch g.spec.Policy {
	case domain.PolicyRequireAll:
		return TriggerAllArrived, arrived == expected
	case domain.PolicyFirst:
		return TriggerFirst, arrived >= 1
	case domain.PolicyQuorum:
		return TriggerQuorum, arrived >= g.spec.QuorumCount
	case domain.PolicyBestEffort:
		if arrived == expected {
			return TriggerAllArrived, true
		}
		if arrived > 0 && arrived+len(g.lost) == expected {
			return TriggerBranchesLost, true
		}
	}
	return "", false
}

func (e *Engine) mergeLocked(g *group, trigger string) *Merge {
	g.resolved = true

	m := &Merge{
		Name:        g.spec.Name,
		RowID:       g.rowID,
		ForkGroupID: g.key.fork,
		StepIndex:   g.step,
		Missing:     missing(g),
		Trigger:     trigger,
	}
	for _, branch := range g.spec.Branches {
		if tok, ok := g.arrivals[branch]; ok {
			m.Branches = append(m.Branches, tok)
		}
	}
	m.Data, m.Conflicts = mergeRows(g.spec.Merge, m.Branches)

	if len(m.Conflicts) > 0 {
		e.logger.Warn("coalesce union conflict",
			"coalesce", g.spec.Name,
			"row_id", g.rowID,
			"fields", m.Conflicts)
	}
	return m
}

func (e *Engine) failLocked(g *group, reason string) *Failure {
	g.resolved = true

	f := &Failure{
		Name:        g.spec.Name,
		RowID:       g.rowID,
		ForkGroupID: g.key.fork,
		StepIndex:   g.step,
		Missing:     missing(g),
		Reason:      reason,
	}
	for _, branch := range g.spec.Branches {
		if tok, ok := g.arrivals[branch]; ok {
			f.Held = append(f.Held, tok)
		}
	}
	e.logger.Warn("coalesce group failed",
		"coalesce", g.spec.Name,
		"row_id", g.rowID,
		"reason", reason,
		"missing", f.Missing)
	return f
}

func missing(g *group) []string {
	var out []string
	for _, branch := range g.spec.Branches {
		if _, ok := g.arrivals[branch]; !ok {
			out = append(out, branch)
		}
	}
	return out
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func sortedUnique(values []string) []string {
	sort.Strings(values)
	out := values[:0]
	for i, v := range values {
		if i == 0 || v != values[i-1] {
			out = append(out, v)
		}
	}
	return out
}
