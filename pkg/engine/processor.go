package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-pipeline/internal/governance"
	"github.com/polisai/polis-pipeline/pkg/audit"
	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/engine/coalesce"
	"github.com/polisai/polis-pipeline/pkg/engine/expr"
	"github.com/polisai/polis-pipeline/pkg/engine/runtime"
	"github.com/polisai/polis-pipeline/pkg/engine/tokens"
	"github.com/polisai/polis-pipeline/pkg/graph"
	"github.com/polisai/polis-pipeline/pkg/telemetry"
)

// RowProcessor drives rows through a built pipeline. ProcessRow may be
// called from several goroutines; each call owns its own work queue.
type RowProcessor struct {
	spec  domain.PipelineSpec
	graph *graph.ExecutionGraph
	steps []*Step

	runID     string
	recorder  audit.Recorder
	metrics   *telemetry.RunMetrics
	logger    *slog.Logger
	evaluator *expr.Evaluator

	tokens   *tokens.Manager
	coalesce *coalesce.Engine
	breakers *governance.CircuitBreakerManager
	limiter  *governance.RateLimiter

	maxIterations int
	flushSeq      atomic.Int64
}

// RunID returns the audit run id.
func (p *RowProcessor) RunID() string { return p.runID }

// Graph returns the validated execution graph.
func (p *RowProcessor) Graph() *graph.ExecutionGraph { return p.graph }

// Steps returns the compiled steps in pipeline order.
func (p *RowProcessor) Steps() []*Step { return slices.Clone(p.steps) }

// Start opens the run in the audit trail and registers the graph.
func (p *RowProcessor) Start(ctx context.Context) error {
	hash, err := audit.StableHash(p.spec)
	if err != nil {
		return fmt.Errorf("hash pipeline config: %w", err)
	}
	if err := p.recorder.BeginRun(ctx, audit.Run{
		RunID:      p.runID,
		PipelineID: p.spec.ID,
		ConfigHash: hash,
		StartedAt:  time.Now().UTC(),
	}); err != nil {
		return err
	}
	for _, node := range p.graph.Nodes() {
		if err := p.recorder.RegisterNode(ctx, p.runID, node); err != nil {
			return err
		}
	}
	for _, edge := range p.graph.Edges() {
		if err := p.recorder.RegisterEdge(ctx, p.runID, edge); err != nil {
			return err
		}
	}
	p.logger.Info("pipeline run started",
		"nodes", len(p.graph.Nodes()),
		"edges", len(p.graph.Edges()))
	return nil
}

// Finish closes the run. runErr decides whether the run completed or failed.
func (p *RowProcessor) Finish(ctx context.Context, runErr error) error {
	status := audit.RunCompleted
	if runErr != nil {
		status = audit.RunFailed
	}
	if err := p.recorder.CompleteRun(ctx, p.runID, status); err != nil {
		return err
	}
	p.logger.Info("pipeline run finished", "status", string(status))
	return nil
}

// ProcessRow runs one source row to completion and returns the terminal
// result of every token it produced. A returned error aborts the row; the
// results recorded before the error are still returned.
func (p *RowProcessor) ProcessRow(ctx context.Context, rowID string, data domain.Row) ([]domain.RowResult, error) {
	return p.process(ctx, rowID, data, 0)
}

// FlushAggregations empties every aggregation's partial batch, in step
// order, and drives each emitted row through the steps after its
// aggregation. It is called once after the last source row.
func (p *RowProcessor) FlushAggregations(ctx context.Context) ([]domain.RowResult, error) {
	var all []domain.RowResult
	for _, step := range p.steps {
		if step.Kind != KindAggregation {
			continue
		}
		res, err := step.Aggregation.Aggregation.Flush(ctx)
		if err != nil {
			return all, fmt.Errorf("flush aggregation %s: %w", step.NodeID, err)
		}
		if !res.Flushed {
			continue
		}
		p.logger.Debug("aggregation flushed at end of input",
			"node_id", step.NodeID,
			"rows", len(res.Rows),
			"trigger", res.Trigger)
		for _, row := range res.Rows {
			rowID := fmt.Sprintf("%s#flush-%d", step.NodeID, p.flushSeq.Add(1))
			results, err := p.process(ctx, rowID, row, step.Index+1)
			all = append(all, results...)
			if err != nil {
				return all, err
			}
		}
	}
	return all, nil
}

func (p *RowProcessor) process(ctx context.Context, rowID string, data domain.Row, startStep int) ([]domain.RowResult, error) {
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.row",
		trace.WithAttributes(
			attribute.String("pipeline.id", p.spec.ID),
			attribute.String("row.id", rowID),
		))
	defer span.End()

	r := &rowRun{p: p, rowID: rowID}
	defer func() {
		p.coalesce.ReleaseRow(rowID)
		p.tokens.Release(rowID)
	}()

	err := r.start(ctx, data, startStep)
	if err == nil {
		err = r.drain(ctx)
	}

	p.metrics.RecordRow(r.results, time.Since(start), err)
	span.SetAttributes(attribute.Int("row.tokens", len(r.results)))
	if err != nil {
		telemetry.RecordError(span, err)
		p.logger.Error("row processing aborted",
			"row_id", rowID,
			"iterations", r.iterations,
			"error", err)
		return r.results, err
	}
	p.logger.Debug("row processed",
		"row_id", rowID,
		"tokens", len(r.results),
		"duration_ms", time.Since(start).Milliseconds())
	return r.results, nil
}

// rowRun is the state of one ProcessRow call.
type rowRun struct {
	p          *RowProcessor
	rowID      string
	queue      workQueue
	results    []domain.RowResult
	iterations int
}

func (r *rowRun) start(ctx context.Context, data domain.Row, startStep int) error {
	if err := r.p.recorder.CreateRow(ctx, r.p.runID, r.rowID, data); err != nil {
		return err
	}
	root := r.p.tokens.CreateRoot(r.rowID, data)
	root.StepIndex = startStep
	if err := r.p.recorder.CreateToken(ctx, r.p.runID, root); err != nil {
		return err
	}
	r.queue.push(domain.WorkItem{Token: root, StartStep: startStep})
	return nil
}

// drain pops work items until the queue and every pending coalesce group of
// the row are settled.
func (r *rowRun) drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.settle(ctx, r.p.coalesce.ExpireDeadlines(r.rowID)); err != nil {
			return err
		}

		item, ok := r.queue.pop()
		if !ok {
			if err := r.settle(ctx, r.p.coalesce.FlushRow(r.rowID)); err != nil {
				return err
			}
			if r.queue.len() == 0 {
				return nil
			}
			continue
		}

		r.iterations++
		if r.iterations > r.p.maxIterations {
			return fmt.Errorf("%w: row %s processed %d work items (limit %d)",
				domain.ErrIterationLimit, r.rowID, r.iterations-1, r.p.maxIterations)
		}
		if err := r.run(ctx, item); err != nil {
			return err
		}
	}
}

// run walks a token from item.StartStep until it reaches a terminal state.
func (r *rowRun) run(ctx context.Context, item domain.WorkItem) error {
	token := item.Token
	for i := item.StartStep; i < len(r.p.steps); i++ {
		step := r.p.steps[i]
		if !step.appliesTo(token) {
			continue
		}
		token.StepIndex = i
		done, err := r.execute(ctx, step, token)
		if err != nil || done {
			return err
		}
	}

	token.StepIndex = len(r.p.steps)
	sink := r.p.spec.DefaultSink
	if err := r.p.recorder.RecordRoutingEvent(ctx, audit.RoutingEvent{
		RunID:       r.p.runID,
		TokenID:     token.TokenID,
		NodeID:      r.lastNodeID(),
		Label:       domain.RouteContinue,
		Destination: graph.NodeID(domain.NodeSink, sink),
		Mode:        domain.EdgeMove,
	}); err != nil {
		return err
	}
	return r.terminal(ctx, nil, domain.RowResult{
		Token:     token,
		FinalData: token.RowData,
		Outcome:   domain.OutcomeCompleted,
		SinkName:  sink,
	})
}

func (r *rowRun) lastNodeID() string {
	if n := len(r.p.steps); n > 0 {
		return r.p.steps[n-1].NodeID
	}
	for _, node := range r.p.graph.Nodes() {
		if node.Type == domain.NodeSource {
			return node.ID
		}
	}
	return ""
}

// stepOutcome is what one step did with one token.
type stepOutcome struct {
	// done is set when the token reached a terminal state.
	done    bool
	label   string
	retries int
}

func (r *rowRun) execute(ctx context.Context, step *Step, token *domain.Token) (bool, error) {
	attrs := append(telemetry.TokenAttributes(token),
		attribute.String("node.id", step.NodeID),
		attribute.String("node.type", step.Kind.String()))
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.step", trace.WithAttributes(attrs...))
	defer span.End()

	started := time.Now()
	var (
		out stepOutcome
		err error
	)
	switch step.Kind {
	case KindGate:
		out, err = r.gate(ctx, step, token)
	case KindTransform:
		out, err = r.transform(ctx, step, token)
	case KindAggregation:
		out, err = r.aggregate(ctx, step, token)
	case KindCoalesce:
		out, err = r.coalesceAt(ctx, step, token)
	default:
		err = fmt.Errorf("step %s has unsupported kind %s", step.NodeID, step.Kind)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return false, err
	}

	telemetry.RecordStepMetrics(ctx, telemetry.StepMetrics{
		PipelineID: r.p.spec.ID,
		NodeID:     step.NodeID,
		NodeType:   step.Kind.String(),
		Outcome:    out.label,
		Duration:   time.Since(started),
		Retries:    out.retries,
	})
	return out.done, nil
}

func (r *rowRun) gate(ctx context.Context, step *Step, token *domain.Token) (stepOutcome, error) {
	handle, err := r.beginState(ctx, step, token, 0)
	if err != nil {
		return stepOutcome{}, err
	}

	var dest domain.RouteDestination
	value, evalErr := r.p.evaluator.Evaluate(ctx, step.Gate.Condition, token.RowData)
	label := ""
	if evalErr == nil {
		label = routeLabel(value)
		dest, evalErr = r.p.graph.ResolveRoute(step.NodeID, label)
	}
	if evalErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stepOutcome{}, errors.Join(ctxErr, r.completeState(ctx, handle, nil, ctxErr))
		}
		if err := r.completeState(ctx, handle, nil, evalErr); err != nil {
			return stepOutcome{}, err
		}
		return r.fail(ctx, step, token, fmt.Errorf("gate %s: %w", step.NodeID, evalErr))
	}
	if err := r.completeState(ctx, handle, token.RowData, nil); err != nil {
		return stepOutcome{}, err
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("gate.label", label),
		attribute.String("gate.destination", dest.String()))

	switch dest.Kind {
	case domain.RouteToContinue:
		return stepOutcome{label: telemetry.StepSucceeded}, nil

	case domain.RouteToSink:
		if err := r.routingEvent(ctx, token, step.NodeID, label, graph.NodeID(domain.NodeSink, dest.Sink), domain.EdgeMove); err != nil {
			return stepOutcome{}, err
		}
		err := r.terminal(ctx, step, domain.RowResult{
			Token:     token,
			FinalData: token.RowData,
			Outcome:   domain.OutcomeRouted,
			SinkName:  dest.Sink,
		})
		return stepOutcome{done: true, label: telemetry.StepRouted}, err

	case domain.RouteToFork:
		children, err := r.p.tokens.Fork(token, step.Gate.ForkTo)
		if err != nil {
			return r.fail(ctx, step, token, err)
		}
		// The parent is terminal before any child runs.
		if err := r.terminal(ctx, step, domain.RowResult{
			Token:     token,
			FinalData: token.RowData,
			Outcome:   domain.OutcomeForked,
		}); err != nil {
			return stepOutcome{}, err
		}
		nextID := r.nextNodeID(step.Index)
		for _, child := range children {
			child.StepIndex = step.Index + 1
			if err := r.p.recorder.CreateToken(ctx, r.p.runID, child); err != nil {
				return stepOutcome{}, err
			}
			if err := r.routingEvent(ctx, child, step.NodeID, child.BranchName, nextID, domain.EdgeCopy); err != nil {
				return stepOutcome{}, err
			}
			r.queue.push(domain.WorkItem{Token: child, StartStep: step.Index + 1})
		}
		r.p.logger.Debug("token forked",
			"row_id", token.RowID,
			"token_id", token.TokenID,
			"node_id", step.NodeID,
			"branches", step.Gate.ForkTo)
		return stepOutcome{done: true, label: telemetry.StepRouted}, nil
	}
	return stepOutcome{}, fmt.Errorf("gate %s resolved %q to an unknown destination", step.NodeID, label)
}

// routeLabel turns a condition result into a route label.
func routeLabel(v any) string {
	switch val := v.(type) {
	case bool:
		if val {
			return "true"
		}
		return "false"
	case string:
		return val
	case nil:
		return "null"
	default:
		return fmt.Sprint(val)
	}
}

func (r *rowRun) transform(ctx context.Context, step *Step, token *domain.Token) (stepOutcome, error) {
	ts := step.Transform
	breaker := r.p.breakers.Get(step.NodeID)

	// fatal carries audit failures out of the retry loop; they abort the row.
	var (
		output domain.Row
		fatal  error
	)
	op := func(ctx context.Context, attempt int) error {
		if fatal != nil {
			return fatal
		}
		handle, err := r.beginState(ctx, step, token, attempt)
		if err != nil {
			fatal = err
			return err
		}
		row, stepErr := r.attempt(ctx, step, breaker, token)
		if err := r.completeState(ctx, handle, row, stepErr); err != nil {
			fatal = err
			return err
		}
		if stepErr == nil {
			output = row
		}
		return stepErr
	}
	isRetryable := func(err error) bool {
		if fatal != nil || errors.Is(err, governance.ErrCircuitOpen) {
			return false
		}
		return runtime.IsRetryable(err)
	}
	onRetry := func(attempt int, err error, delay time.Duration) {
		r.p.logger.Warn("transform attempt failed; retrying",
			"row_id", token.RowID,
			"token_id", token.TokenID,
			"node_id", step.NodeID,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err)
		if rerr := r.p.recorder.RecordRetryAttempt(ctx, audit.RetryAttempt{
			RunID:   r.p.runID,
			TokenID: token.TokenID,
			NodeID:  step.NodeID,
			Attempt: attempt,
			Error:   err.Error(),
			Delay:   delay,
		}); rerr != nil && fatal == nil {
			fatal = rerr
		}
	}

	state, err := ts.Retry.Execute(ctx, op, isRetryable, onRetry)
	retries := max(state.Attempts-1, 0)
	if fatal != nil {
		return stepOutcome{}, fatal
	}
	if err == nil {
		token.RowData = output
		return stepOutcome{label: telemetry.StepSucceeded, retries: retries}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stepOutcome{}, ctxErr
	}

	out, ferr := r.transformFailed(ctx, step, token, err, state.Attempts)
	out.retries = retries
	if errors.Is(err, governance.ErrCircuitOpen) {
		out.label = telemetry.StepCircuitOpen
	}
	return out, ferr
}

// attempt runs the plugin once on a private copy of the row.
func (r *rowRun) attempt(ctx context.Context, step *Step, breaker *governance.CircuitBreaker, token *domain.Token) (domain.Row, error) {
	if err := breaker.Allow(); err != nil {
		return nil, fmt.Errorf("transform %s: %w", step.NodeID, err)
	}
	if err := r.p.limiter.Wait(ctx, step.NodeID); err != nil {
		return nil, err
	}

	res, err := step.Transform.Transform.Process(ctx, token.RowData.Clone())
	if err == nil {
		res = res.WithDefaults()
		err = res.Err(step.NodeID)
	}
	breaker.Record(err)
	if err != nil {
		return nil, err
	}
	if res.Row == nil {
		return domain.Row{}, nil
	}
	return res.Row, nil
}

// transformFailed hands an exhausted failure to the step's error policy.
func (r *rowRun) transformFailed(ctx context.Context, step *Step, token *domain.Token, cause error, attempts int) (stepOutcome, error) {
	span := trace.SpanFromContext(ctx)
	telemetry.RecordError(span, cause)

	disposition, err := step.Transform.Policy.Decide(ctx, runtime.FailureContext{
		NodeID:   step.NodeID,
		Plugin:   step.Transform.Plugin,
		Token:    token,
		Err:      cause,
		Attempts: attempts,
	})
	if err != nil {
		return r.fail(ctx, step, token, errors.Join(cause, err))
	}
	telemetry.RecordDisposition(span, disposition)
	if !disposition.Quarantine {
		return r.fail(ctx, step, token, cause)
	}
	if !r.p.graph.HasSink(disposition.Sink) {
		return r.fail(ctx, step, token, errors.Join(cause,
			fmt.Errorf("%w: quarantine sink %q is not declared", domain.ErrConfigInvalid, disposition.Sink)))
	}

	if err := r.routingEvent(ctx, token, step.NodeID, onErrorLabel, graph.NodeID(domain.NodeSink, disposition.Sink), domain.EdgeMove); err != nil {
		return stepOutcome{}, err
	}
	r.p.logger.Warn("token quarantined",
		"row_id", token.RowID,
		"token_id", token.TokenID,
		"node_id", step.NodeID,
		"sink", disposition.Sink,
		"attempts", attempts,
		"error", cause)
	err = r.terminal(ctx, step, domain.RowResult{
		Token:     token,
		FinalData: token.RowData,
		Outcome:   domain.OutcomeQuarantined,
		SinkName:  disposition.Sink,
		Error:     cause,
	})
	return stepOutcome{done: true, label: telemetry.StepFailed}, err
}

func (r *rowRun) aggregate(ctx context.Context, step *Step, token *domain.Token) (stepOutcome, error) {
	handle, err := r.beginState(ctx, step, token, 0)
	if err != nil {
		return stepOutcome{}, err
	}
	res, accErr := step.Aggregation.Aggregation.Accept(ctx, token)
	if err := r.completeState(ctx, handle, nil, accErr); err != nil {
		return stepOutcome{}, err
	}
	if accErr != nil {
		return r.fail(ctx, step, token, fmt.Errorf("aggregation %s: %w", step.NodeID, accErr))
	}

	if res.Flushed {
		outputs := r.p.tokens.Expand(token, res.Rows)
		for _, out := range outputs {
			out.StepIndex = step.Index + 1
			if err := r.p.recorder.CreateToken(ctx, r.p.runID, out); err != nil {
				return stepOutcome{}, err
			}
			r.queue.push(domain.WorkItem{Token: out, StartStep: step.Index + 1})
		}
		r.p.logger.Debug("aggregation flushed",
			"row_id", token.RowID,
			"node_id", step.NodeID,
			"trigger", res.Trigger,
			"rows", len(outputs))
	}

	err = r.terminal(ctx, step, domain.RowResult{
		Token:     token,
		FinalData: token.RowData,
		Outcome:   domain.OutcomeConsumedInBatch,
	})
	if err == nil && !res.Flushed {
		// The token's branch continues only through the batch output, which
		// may belong to another row.
		err = r.markLost(ctx, step, token)
	}
	return stepOutcome{done: true, label: telemetry.StepHeld}, err
}

func (r *rowRun) coalesceAt(ctx context.Context, step *Step, token *domain.Token) (stepOutcome, error) {
	// Tokens that are not on one of this point's branches pass straight
	// through; an enclosing fork's branches are joined further down.
	if token.BranchName == "" || !slices.Contains(step.Coalesce.Spec.Branches, token.BranchName) {
		return stepOutcome{label: telemetry.StepSucceeded}, nil
	}

	handle, err := r.beginState(ctx, step, token, 0)
	if err != nil {
		return stepOutcome{}, err
	}
	res, accErr := r.p.coalesce.Accept(token, step.Name, step.Index)
	if accErr != nil {
		if err := r.completeState(ctx, handle, nil, accErr); err != nil {
			return stepOutcome{}, err
		}
		return r.terminalFailure(ctx, step, token, accErr, false)
	}

	switch res.Status {
	case coalesce.StatusHeld:
		if err := r.completeState(ctx, handle, nil, nil); err != nil {
			return stepOutcome{}, err
		}
		err := r.terminal(ctx, step, domain.RowResult{
			Token:     token,
			FinalData: token.RowData,
			Outcome:   domain.OutcomeConsumedInCoalesce,
		})
		return stepOutcome{done: true, label: telemetry.StepHeld}, err

	case coalesce.StatusDiscarded:
		if err := r.completeState(ctx, handle, nil, nil); err != nil {
			return stepOutcome{}, err
		}
		err := r.terminal(ctx, step, domain.RowResult{
			Token:     token,
			FinalData: token.RowData,
			Outcome:   domain.OutcomeConsumedInCoalesce,
			Error: fmt.Errorf("%w: branch %q reached coalesce %q after it merged",
				domain.ErrLateArrival, token.BranchName, step.Name),
		})
		return stepOutcome{done: true, label: telemetry.StepHeld}, err

	case coalesce.StatusMerged:
		merged, err := r.emitMerge(ctx, res.Merge)
		if err != nil {
			return stepOutcome{}, err
		}
		if err := r.completeState(ctx, handle, merged.RowData, nil); err != nil {
			return stepOutcome{}, err
		}
		err = r.terminal(ctx, step, domain.RowResult{
			Token:     token,
			FinalData: token.RowData,
			Outcome:   domain.OutcomeCoalesced,
		})
		return stepOutcome{done: true, label: telemetry.StepSucceeded}, err
	}
	return stepOutcome{}, fmt.Errorf("coalesce %s returned unknown status %s", step.NodeID, res.Status)
}

// emitMerge mints, audits and enqueues the token produced by a merge.
func (r *rowRun) emitMerge(ctx context.Context, m *coalesce.Merge) (*domain.Token, error) {
	merged, err := r.p.tokens.Coalesce(m.Branches, m.Data, m.StepIndex+1)
	if err != nil {
		return nil, err
	}
	if err := r.p.recorder.CreateToken(ctx, r.p.runID, merged); err != nil {
		return nil, err
	}

	branches := make([]string, 0, len(m.Branches))
	for _, b := range m.Branches {
		branches = append(branches, b.BranchName)
	}
	if err := r.p.recorder.RecordCoalesceMerge(ctx, audit.CoalesceMerge{
		RunID:         r.p.runID,
		Name:          m.Name,
		RowID:         m.RowID,
		ForkGroupID:   m.ForkGroupID,
		MergedTokenID: merged.TokenID,
		Trigger:       m.Trigger,
		Branches:      branches,
		Missing:       m.Missing,
		Conflicts:     m.Conflicts,
	}); err != nil {
		return nil, err
	}
	if len(m.Conflicts) > 0 {
		r.p.logger.Warn("coalesce merge had conflicting fields",
			"coalesce", m.Name,
			"row_id", m.RowID,
			"fields", m.Conflicts)
	}
	r.p.logger.Debug("coalesce merged",
		"coalesce", m.Name,
		"row_id", m.RowID,
		"trigger", m.Trigger,
		"branches", branches,
		"missing", m.Missing)

	r.queue.push(domain.WorkItem{Token: merged, StartStep: m.StepIndex + 1})
	return merged, nil
}

// settle applies coalesce resolutions reached outside Accept.
func (r *rowRun) settle(ctx context.Context, resolutions []coalesce.Resolution) error {
	for _, res := range resolutions {
		switch {
		case res.Merge != nil:
			if _, err := r.emitMerge(ctx, res.Merge); err != nil {
				return err
			}
		case res.Failure != nil:
			if err := r.coalesceFailed(ctx, res.Failure); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *rowRun) coalesceFailed(ctx context.Context, f *coalesce.Failure) error {
	held := make([]string, 0, len(f.Held))
	for _, t := range f.Held {
		held = append(held, t.TokenID)
	}
	if err := r.p.recorder.RecordCoalesceFailure(ctx, audit.CoalesceFailure{
		RunID:       r.p.runID,
		Name:        f.Name,
		RowID:       f.RowID,
		ForkGroupID: f.ForkGroupID,
		Reason:      f.Reason,
		Held:        held,
		Missing:     f.Missing,
	}); err != nil {
		return err
	}
	r.p.metrics.RecordCoalesceFailure(f.Name)
	failure := f.Err()
	telemetry.RecordError(trace.SpanFromContext(ctx), failure)
	r.p.logger.Warn("coalesce group failed",
		"coalesce", f.Name,
		"row_id", f.RowID,
		"fork_group", f.ForkGroupID,
		"missing", f.Missing,
		"error", failure)
	return nil
}

// markLost tells the first downstream coalesce point waiting for the
// token's branch that the branch will not arrive.
func (r *rowRun) markLost(ctx context.Context, step *Step, token *domain.Token) error {
	if token.BranchName == "" {
		return nil
	}
	for _, next := range r.p.steps[step.Index+1:] {
		if next.Kind != KindCoalesce || !slices.Contains(next.Coalesce.Spec.Branches, token.BranchName) {
			continue
		}
		if res := r.p.coalesce.MarkLost(token, next.Name, next.Index); res != nil {
			return r.settle(ctx, []coalesce.Resolution{*res})
		}
		return nil
	}
	return nil
}

// fail ends the token FAILED and releases its branch at any coalesce point.
func (r *rowRun) fail(ctx context.Context, step *Step, token *domain.Token, cause error) (stepOutcome, error) {
	return r.terminalFailure(ctx, step, token, cause, true)
}

func (r *rowRun) terminalFailure(ctx context.Context, step *Step, token *domain.Token, cause error, lost bool) (stepOutcome, error) {
	telemetry.RecordError(trace.SpanFromContext(ctx), cause)
	r.p.logger.Warn("token failed",
		"row_id", token.RowID,
		"token_id", token.TokenID,
		"node_id", step.NodeID,
		"error", cause)
	err := r.terminal(ctx, step, domain.RowResult{
		Token:     token,
		FinalData: token.RowData,
		Outcome:   domain.OutcomeFailed,
		Error:     cause,
	})
	if err == nil && lost {
		err = r.markLost(ctx, step, token)
	}
	return stepOutcome{done: true, label: telemetry.StepFailed}, err
}

// terminal records a token's single terminal outcome. Routed and
// quarantined branch tokens never reach their coalesce point, so they are
// reported lost.
func (r *rowRun) terminal(ctx context.Context, step *Step, result domain.RowResult) error {
	if err := r.p.recorder.RecordTokenOutcome(ctx, r.p.runID, result); err != nil {
		return err
	}
	r.results = append(r.results, result)
	telemetry.RecordOutcome(trace.SpanFromContext(ctx), result)

	args := []any{
		"row_id", result.Token.RowID,
		"token_id", result.Token.TokenID,
		"outcome", string(result.Outcome),
	}
	if result.SinkName != "" {
		args = append(args, "sink", result.SinkName)
	}
	if result.Token.BranchName != "" {
		args = append(args, "branch", result.Token.BranchName)
	}
	r.p.logger.Debug("token reached terminal state", args...)

	if step != nil && (result.Outcome == domain.OutcomeRouted || result.Outcome == domain.OutcomeQuarantined) {
		return r.markLost(ctx, step, result.Token)
	}
	return nil
}

func (r *rowRun) beginState(ctx context.Context, step *Step, token *domain.Token, attempt int) (audit.StateHandle, error) {
	return r.p.recorder.BeginNodeState(ctx, audit.NodeStateStart{
		RunID:     r.p.runID,
		TokenID:   token.TokenID,
		NodeID:    step.NodeID,
		StepIndex: step.Index,
		Attempt:   attempt,
		Input:     token.RowData,
	})
}

func (r *rowRun) completeState(ctx context.Context, handle audit.StateHandle, output domain.Row, stepErr error) error {
	return r.p.recorder.CompleteNodeState(ctx, handle, output, stepErr)
}

func (r *rowRun) routingEvent(ctx context.Context, token *domain.Token, nodeID, label, destination string, mode domain.EdgeMode) error {
	return r.p.recorder.RecordRoutingEvent(ctx, audit.RoutingEvent{
		RunID:       r.p.runID,
		TokenID:     token.TokenID,
		NodeID:      nodeID,
		Label:       label,
		Destination: destination,
		Mode:        mode,
	})
}

func (r *rowRun) nextNodeID(index int) string {
	if index+1 < len(r.p.steps) {
		return r.p.steps[index+1].NodeID
	}
	return graph.NodeID(domain.NodeSink, r.p.spec.DefaultSink)
}
