package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

//go:embed schema.sql
var schemaSQL string

const timeLayout = time.RFC3339Nano

// SQLiteRecorder persists the audit trail to a SQLite database.
type SQLiteRecorder struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite creates or opens the audit database at dsn and applies the schema.
//
// The connection pool is limited to one connection; SQLite has a single
// writer and the engine may record from several workers at once.
func OpenSQLite(dsn string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: connect to database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: apply schema: %w", err)
	}
	return &SQLiteRecorder{db: db, now: time.Now}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteRecorder) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteRecorder) BeginRun(ctx context.Context, run Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, pipeline_id, config_hash, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.PipelineID, run.ConfigHash, string(RunRunning), run.StartedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("audit: begin run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *SQLiteRecorder) CompleteRun(ctx context.Context, runID string, status RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE run_id = ?`,
		string(status), s.now().UTC().Format(timeLayout), runID)
	if err != nil {
		return fmt.Errorf("audit: complete run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("audit: unknown run %q", runID)
	}
	return nil
}

func (s *SQLiteRecorder) RegisterNode(ctx context.Context, runID string, node domain.Node) error {
	cfg := node.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("audit: encode node config %s: %w", node.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO nodes (run_id, node_id, node_type, plugin_name, config_json) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, node_id) DO NOTHING`,
		runID, node.ID, string(node.Type), node.PluginName, string(raw))
	if err != nil {
		return fmt.Errorf("audit: register node %s: %w", node.ID, err)
	}
	return nil
}

func (s *SQLiteRecorder) RegisterEdge(ctx context.Context, runID string, edge domain.Edge) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO edges (run_id, from_node, to_node, label, mode) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, from_node, to_node, label) DO NOTHING`,
		runID, edge.From, edge.To, edge.Label, string(edge.Mode))
	if err != nil {
		return fmt.Errorf("audit: register edge %s: %w", edge, err)
	}
	return nil
}

func (s *SQLiteRecorder) CreateRow(ctx context.Context, runID, rowID string, data domain.Row) error {
	hash, err := StableHash(data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO source_rows (run_id, row_id, payload_hash) VALUES (?, ?, ?)`,
		runID, rowID, hash)
	if err != nil {
		return fmt.Errorf("audit: create row %s: %w", rowID, err)
	}
	return nil
}

func (s *SQLiteRecorder) CreateToken(ctx context.Context, runID string, token *domain.Token) error {
	if token == nil {
		return fmt.Errorf("audit: nil token")
	}
	rec := tokenRecord(runID, token)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (run_id, token_id, row_id, parent_token_id, branch_name, fork_group_id, step_index)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.TokenID, rec.RowID, rec.ParentTokenID, rec.BranchName, rec.ForkGroupID, rec.StepIndex)
	if err != nil {
		return fmt.Errorf("audit: create token %s: %w", token.TokenID, err)
	}
	return nil
}

func (s *SQLiteRecorder) BeginNodeState(ctx context.Context, start NodeStateStart) (StateHandle, error) {
	hash, err := StableHash(start.Input)
	if err != nil {
		return StateHandle{}, err
	}
	handle := StateHandle{
		StateID: uuid.NewString(),
		RunID:   start.RunID,
		TokenID: start.TokenID,
		NodeID:  start.NodeID,
		Attempt: start.Attempt,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_states (state_id, run_id, token_id, node_id, step_index, attempt, status, input_hash, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		handle.StateID, start.RunID, start.TokenID, start.NodeID, start.StepIndex, start.Attempt,
		string(StateOpen), hash, s.now().UTC().Format(timeLayout))
	if err != nil {
		return StateHandle{}, fmt.Errorf("audit: begin node state %s/%s: %w", start.NodeID, start.TokenID, err)
	}
	return handle, nil
}

func (s *SQLiteRecorder) CompleteNodeState(ctx context.Context, handle StateHandle, output domain.Row, stepErr error) error {
	var hash string
	if output != nil {
		h, err := StableHash(output)
		if err != nil {
			return err
		}
		hash = h
	}
	status := StateCompleted
	if stepErr != nil {
		status = StateFailed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE node_states SET status = ?, output_hash = ?, error = ?, completed_at = ?
		 WHERE state_id = ? AND status = ?`,
		string(status), hash, errorText(stepErr), s.now().UTC().Format(timeLayout),
		handle.StateID, string(StateOpen))
	if err != nil {
		return fmt.Errorf("audit: complete node state %s: %w", handle.StateID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM node_states WHERE state_id = ?`, handle.StateID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUnknownState, handle.StateID)
	}
	if err != nil {
		return fmt.Errorf("audit: complete node state %s: %w", handle.StateID, err)
	}
	return fmt.Errorf("%w: %s", ErrStateClosed, handle.StateID)
}

func (s *SQLiteRecorder) RecordRetryAttempt(ctx context.Context, attempt RetryAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retry_attempts (run_id, token_id, node_id, attempt, error, delay_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		attempt.RunID, attempt.TokenID, attempt.NodeID, attempt.Attempt, attempt.Error, attempt.Delay.Milliseconds())
	if err != nil {
		return fmt.Errorf("audit: record retry attempt: %w", err)
	}
	return nil
}

func (s *SQLiteRecorder) RecordRoutingEvent(ctx context.Context, event RoutingEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routing_events (run_id, token_id, node_id, label, destination, mode) VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, event.TokenID, event.NodeID, event.Label, event.Destination, string(event.Mode))
	if err != nil {
		return fmt.Errorf("audit: record routing event: %w", err)
	}
	return nil
}

func (s *SQLiteRecorder) RecordTokenOutcome(ctx context.Context, runID string, result domain.RowResult) error {
	out, err := outcomeRecord(runID, result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO token_outcomes (run_id, token_id, row_id, outcome, sink_name, output_hash, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		out.RunID, out.TokenID, out.RowID, string(out.Outcome), out.SinkName, out.OutputHash, out.Error)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %s", ErrDuplicateOutcome, out.TokenID)
		}
		return fmt.Errorf("audit: record token outcome %s: %w", out.TokenID, err)
	}
	return nil
}

func (s *SQLiteRecorder) RecordCoalesceMerge(ctx context.Context, merge CoalesceMerge) error {
	lists := make([]string, 0, 3)
	for _, values := range [][]string{merge.Branches, merge.Missing, merge.Conflicts} {
		raw, err := json.Marshal(nonNil(values))
		if err != nil {
			return fmt.Errorf("audit: encode coalesce merge: %w", err)
		}
		lists = append(lists, string(raw))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO coalesce_merges (run_id, name, row_id, fork_group_id, merged_token_id, trigger_name, branches_json, missing_json, conflicts_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		merge.RunID, merge.Name, merge.RowID, merge.ForkGroupID, merge.MergedTokenID, merge.Trigger, lists[0], lists[1], lists[2])
	if err != nil {
		return fmt.Errorf("audit: record coalesce merge: %w", err)
	}
	return nil
}

func (s *SQLiteRecorder) RecordCoalesceFailure(ctx context.Context, failure CoalesceFailure) error {
	held, err := json.Marshal(nonNil(failure.Held))
	if err != nil {
		return fmt.Errorf("audit: encode held branches: %w", err)
	}
	missing, err := json.Marshal(nonNil(failure.Missing))
	if err != nil {
		return fmt.Errorf("audit: encode missing branches: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO coalesce_failures (run_id, name, row_id, fork_group_id, reason, held_json, missing_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		failure.RunID, failure.Name, failure.RowID, failure.ForkGroupID, failure.Reason, string(held), string(missing))
	if err != nil {
		return fmt.Errorf("audit: record coalesce failure: %w", err)
	}
	return nil
}

// RunStatus returns the stored status of a run.
func (s *SQLiteRecorder) RunStatus(ctx context.Context, runID string) (RunStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("audit: run status %s: %w", runID, err)
	}
	return RunStatus(status), nil
}

// Tokens returns the lineage records of a run in creation order.
func (s *SQLiteRecorder) Tokens(ctx context.Context, runID string) ([]TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token_id, row_id, parent_token_id, branch_name, fork_group_id, step_index
		 FROM tokens WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("audit: query tokens: %w", err)
	}
	defer rows.Close()

	var out []TokenRecord
	for rows.Next() {
		rec := TokenRecord{RunID: runID}
		if err := rows.Scan(&rec.TokenID, &rec.RowID, &rec.ParentTokenID, &rec.BranchName, &rec.ForkGroupID, &rec.StepIndex); err != nil {
			return nil, fmt.Errorf("audit: scan token: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// NodeStates returns the node states of a run in the order they were opened.
func (s *SQLiteRecorder) NodeStates(ctx context.Context, runID string) ([]NodeState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state_id, token_id, node_id, step_index, attempt, status, input_hash, output_hash, error, started_at, completed_at
		 FROM node_states WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("audit: query node states: %w", err)
	}
	defer rows.Close()

	var out []NodeState
	for rows.Next() {
		st := NodeState{RunID: runID}
		var status, started string
		var completed sql.NullString
		if err := rows.Scan(&st.StateID, &st.TokenID, &st.NodeID, &st.StepIndex, &st.Attempt,
			&status, &st.InputHash, &st.OutputHash, &st.Error, &started, &completed); err != nil {
			return nil, fmt.Errorf("audit: scan node state: %w", err)
		}
		st.Status = StateStatus(status)
		st.StartedAt, _ = time.Parse(timeLayout, started)
		if completed.Valid {
			st.CompletedAt, _ = time.Parse(timeLayout, completed.String)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// RetryAttempts returns the retry attempts recorded for a run.
func (s *SQLiteRecorder) RetryAttempts(ctx context.Context, runID string) ([]RetryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token_id, node_id, attempt, error, delay_ms FROM retry_attempts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("audit: query retry attempts: %w", err)
	}
	defer rows.Close()

	var out []RetryAttempt
	for rows.Next() {
		ra := RetryAttempt{RunID: runID}
		var delayMS int64
		if err := rows.Scan(&ra.TokenID, &ra.NodeID, &ra.Attempt, &ra.Error, &delayMS); err != nil {
			return nil, fmt.Errorf("audit: scan retry attempt: %w", err)
		}
		ra.Delay = time.Duration(delayMS) * time.Millisecond
		out = append(out, ra)
	}
	return out, rows.Err()
}

// Outcomes returns the terminal token outcomes recorded for a run.
func (s *SQLiteRecorder) Outcomes(ctx context.Context, runID string) ([]TokenOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token_id, row_id, outcome, sink_name, output_hash, error FROM token_outcomes WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("audit: query outcomes: %w", err)
	}
	defer rows.Close()

	var out []TokenOutcome
	for rows.Next() {
		o := TokenOutcome{RunID: runID}
		var outcome string
		if err := rows.Scan(&o.TokenID, &o.RowID, &outcome, &o.SinkName, &o.OutputHash, &o.Error); err != nil {
			return nil, fmt.Errorf("audit: scan outcome: %w", err)
		}
		o.Outcome = domain.RowOutcome(outcome)
		out = append(out, o)
	}
	return out, rows.Err()
}

// CoalesceMerges returns the coalesce merges recorded for a run.
func (s *SQLiteRecorder) CoalesceMerges(ctx context.Context, runID string) ([]CoalesceMerge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, row_id, fork_group_id, merged_token_id, trigger_name, branches_json, missing_json, conflicts_json
		 FROM coalesce_merges WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("audit: query coalesce merges: %w", err)
	}
	defer rows.Close()

	var out []CoalesceMerge
	for rows.Next() {
		c := CoalesceMerge{RunID: runID}
		var branches, missing, conflicts string
		if err := rows.Scan(&c.Name, &c.RowID, &c.ForkGroupID, &c.MergedTokenID, &c.Trigger, &branches, &missing, &conflicts); err != nil {
			return nil, fmt.Errorf("audit: scan coalesce merge: %w", err)
		}
		for _, field := range []struct {
			raw string
			dst *[]string
		}{{branches, &c.Branches}, {missing, &c.Missing}, {conflicts, &c.Conflicts}} {
			if err := json.Unmarshal([]byte(field.raw), field.dst); err != nil {
				return nil, fmt.Errorf("audit: decode coalesce merge: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CoalesceFailures returns the coalesce failures recorded for a run.
func (s *SQLiteRecorder) CoalesceFailures(ctx context.Context, runID string) ([]CoalesceFailure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, row_id, fork_group_id, reason, held_json, missing_json FROM coalesce_failures WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("audit: query coalesce failures: %w", err)
	}
	defer rows.Close()

	var out []CoalesceFailure
	for rows.Next() {
		f := CoalesceFailure{RunID: runID}
		var held, missing string
		if err := rows.Scan(&f.Name, &f.RowID, &f.ForkGroupID, &f.Reason, &held, &missing); err != nil {
			return nil, fmt.Errorf("audit: scan coalesce failure: %w", err)
		}
		if err := json.Unmarshal([]byte(held), &f.Held); err != nil {
			return nil, fmt.Errorf("audit: decode held branches: %w", err)
		}
		if err := json.Unmarshal([]byte(missing), &f.Missing); err != nil {
			return nil, fmt.Errorf("audit: decode missing branches: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
