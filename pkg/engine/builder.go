package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/polisai/polis-pipeline/internal/governance"
	"github.com/polisai/polis-pipeline/pkg/audit"
	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/engine/coalesce"
	"github.com/polisai/polis-pipeline/pkg/engine/expr"
	"github.com/polisai/polis-pipeline/pkg/engine/handlers"
	"github.com/polisai/polis-pipeline/pkg/engine/runtime"
	"github.com/polisai/polis-pipeline/pkg/engine/tokens"
	"github.com/polisai/polis-pipeline/pkg/graph"
	"github.com/polisai/polis-pipeline/pkg/policy"
	"github.com/polisai/polis-pipeline/pkg/telemetry"
)

// DefaultMaxIterations bounds the work items one row may process.
const DefaultMaxIterations = 10000

// defaultSourceName names the source node when the pipeline leaves it unset.
const defaultSourceName = "source"

// onErrorLabel labels the edge a quarantined token takes to its sink.
const onErrorLabel = "on_error"

// Dependencies holds the collaborators used to build a RowProcessor. Every
// field is optional.
type Dependencies struct {
	// RunID identifies the run in the audit trail. Defaults to a new ULID.
	RunID     string
	Registry  *runtime.Registry
	Evaluator *expr.Evaluator
	Recorder  audit.Recorder
	Metrics   *telemetry.RunMetrics
	Logger    *slog.Logger

	// MaxIterations bounds the work items one row may process.
	MaxIterations int
	LateArrival   domain.LateArrivalMode

	Now     func() time.Time
	Sleeper governance.Sleeper
	Random  func() float64
	IDs     tokens.IDGenerator
}

// Build validates spec, compiles its graph and steps, and returns a processor
// ready for Start. Every structural problem is reported before any row runs.
func Build(ctx context.Context, spec domain.PipelineSpec, deps Dependencies) (*RowProcessor, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = runtime.NewRegistry()
		handlers.RegisterBuiltins(deps.Registry, logger)
	}
	if deps.Evaluator == nil {
		deps.Evaluator = expr.NewEvaluator(expr.Options{})
	}
	if deps.Recorder == nil {
		deps.Recorder = audit.NewMemoryRecorder()
	}
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = DefaultMaxIterations
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.RunID == "" {
		deps.RunID = ulid.Make().String()
	}
	if deps.LateArrival != "" && deps.LateArrival != domain.LateArrivalDiscard && deps.LateArrival != domain.LateArrivalError {
		return nil, fmt.Errorf("%w: unknown late arrival mode %q", domain.ErrConfigInvalid, deps.LateArrival)
	}

	if err := checkSpec(spec); err != nil {
		return nil, err
	}

	g, err := buildGraph(spec)
	if err != nil {
		return nil, err
	}

	p := &RowProcessor{
		spec:          spec,
		graph:         g,
		runID:         deps.RunID,
		recorder:      deps.Recorder,
		metrics:       deps.Metrics,
		logger:        logger.With("pipeline_id", spec.ID, "run_id", deps.RunID),
		evaluator:     deps.Evaluator,
		tokens:        tokens.NewManager(deps.IDs),
		breakers:      governance.NewCircuitBreakerManager(deps.Now),
		maxIterations: deps.MaxIterations,
	}
	p.coalesce = coalesce.NewEngine(coalesce.Config{
		LateArrival: deps.LateArrival,
		Now:         deps.Now,
		Logger:      p.logger,
	})

	var retryOpts []governance.RetryOption
	if deps.Sleeper != nil {
		retryOpts = append(retryOpts, governance.WithSleeper(deps.Sleeper))
	}
	if deps.Random != nil {
		retryOpts = append(retryOpts, governance.WithRandom(deps.Random))
	}

	regoPolicy, err := buildRegoPolicy(ctx, spec.ErrorPolicy)
	if err != nil {
		return nil, err
	}

	limits := make(map[string]governance.RateLimiterConfig)
	var errs []error
	for i, ss := range spec.Steps {
		step := &Step{
			Index:    i,
			Name:     ss.Name,
			NodeID:   graph.NodeID(ss.Type.NodeType(), ss.Name),
			Branches: append([]string(nil), ss.Branches...),
		}
		switch ss.Type {
		case domain.StepGate:
			step.Kind = KindGate
			cond, err := expr.Parse(ss.Condition)
			if err != nil {
				errs = append(errs, fmt.Errorf("gate %q condition: %w", ss.Name, err))
				continue
			}
			step.Gate = &GateStep{Condition: cond, ForkTo: append([]string(nil), ss.ForkTo...)}

		case domain.StepTransform:
			step.Kind = KindTransform
			plugin, err := deps.Registry.NewTransform(ss.Plugin, ss.Options)
			if err != nil {
				errs = append(errs, fmt.Errorf("transform %q: %w", ss.Name, err))
				continue
			}
			retryCfg := governance.RetryConfig{MaxAttempts: 1}
			if ss.Retry != nil {
				retryCfg = governance.RetryConfig{
					MaxAttempts: ss.Retry.MaxAttempts,
					BaseDelay:   ss.Retry.BaseDelay,
					MaxDelay:    ss.Retry.MaxDelay,
					Jitter:      ss.Retry.Jitter,
				}
				if err := retryCfg.Validate(); err != nil {
					errs = append(errs, fmt.Errorf("%w: transform %q retry: %w", domain.ErrConfigInvalid, ss.Name, err))
					continue
				}
			}
			if ss.CircuitBreaker != nil {
				p.breakers.Configure(step.NodeID, governance.CircuitBreakerConfig{
					MaxFailures: ss.CircuitBreaker.MaxFailures,
					Cooldown:    ss.CircuitBreaker.Cooldown,
				})
			}
			if ss.RateLimit != nil {
				limits[step.NodeID] = governance.RateLimiterConfig{
					PerSecond: ss.RateLimit.PerSecond,
					Burst:     ss.RateLimit.Burst,
				}
			}
			static := runtime.StaticPolicy{Sink: ss.OnError}
			var errPolicy runtime.ErrorPolicy = static
			if regoPolicy != nil {
				errPolicy = regoPolicy.WithFallback(static)
			}
			step.Transform = &TransformStep{
				Plugin:    ss.Plugin,
				Transform: plugin,
				Retry:     governance.NewRetryPolicy(retryCfg, retryOpts...),
				Policy:    errPolicy,
			}

		case domain.StepAggregation:
			step.Kind = KindAggregation
			plugin, err := deps.Registry.NewAggregation(ss.Plugin, ss.Options)
			if err != nil {
				errs = append(errs, fmt.Errorf("aggregation %q: %w", ss.Name, err))
				continue
			}
			step.Aggregation = &AggregationStep{Plugin: ss.Plugin, Aggregation: plugin}

		case domain.StepCoalesce:
			step.Kind = KindCoalesce
			cs := coalesceSpec(ss)
			if err := p.coalesce.Register(cs); err != nil {
				errs = append(errs, err)
				continue
			}
			step.Coalesce = &CoalesceStep{Spec: cs}
			// Branches on a coalesce step list what it waits for, not a filter.
			step.Branches = nil
		}
		p.steps = append(p.steps, step)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	p.limiter = governance.NewRateLimiter(limits)

	return p, nil
}

// checkSpec rejects documents that cannot be turned into a graph.
func checkSpec(spec domain.PipelineSpec) error {
	var errs []error
	if strings.TrimSpace(spec.ID) == "" {
		errs = append(errs, fmt.Errorf("%w: pipeline id is required", domain.ErrConfigInvalid))
	}
	if strings.TrimSpace(spec.DefaultSink) == "" {
		errs = append(errs, fmt.Errorf("%w: default_sink is required", domain.ErrConfigInvalid))
	}
	if posture := spec.ErrorPolicy.Posture; posture != "" {
		if _, err := policy.ParseMode(posture); err != nil {
			errs = append(errs, fmt.Errorf("%w: error_policy: %w", domain.ErrConfigInvalid, err))
		}
	}
	seen := make(map[string]bool, len(spec.Steps))
	for i, s := range spec.Steps {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%w: step %d has no name", domain.ErrConfigInvalid, i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("%w: step name %q used twice", domain.ErrConfigInvalid, s.Name))
		}
		seen[s.Name] = true
		switch s.Type {
		case domain.StepGate:
			if len(s.Routes) == 0 {
				errs = append(errs, fmt.Errorf("%w: gate %q declares no routes", domain.ErrConfigInvalid, s.Name))
			}
		case domain.StepTransform, domain.StepAggregation:
			if s.Plugin == "" {
				errs = append(errs, fmt.Errorf("%w: %s %q names no plugin", domain.ErrConfigInvalid, s.Type, s.Name))
			}
		case domain.StepCoalesce:
		default:
			errs = append(errs, fmt.Errorf("%w: step %q has unknown type %q", domain.ErrConfigInvalid, s.Name, s.Type))
		}
	}
	return errors.Join(errs...)
}

// sinkNames returns the declared sinks with the default sink included.
func sinkNames(spec domain.PipelineSpec) []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range append([]string{spec.DefaultSink}, spec.Sinks...) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		names = append(names, s)
	}
	return names
}

// buildGraph lays the steps out as a chain from the source to the default
// sink, adding one labelled edge per gate route, fork branch and on_error
// destination.
func buildGraph(spec domain.PipelineSpec) (*graph.ExecutionGraph, error) {
	g := graph.New()
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	sourceName := spec.Source
	if sourceName == "" {
		sourceName = defaultSourceName
	}
	sourceID := graph.NodeID(domain.NodeSource, sourceName)
	add(g.AddNode(sourceID, domain.NodeSource, "", nil))

	stepIDs := make([]string, len(spec.Steps))
	for i, s := range spec.Steps {
		stepIDs[i] = graph.NodeID(s.Type.NodeType(), s.Name)
		add(g.AddNode(stepIDs[i], s.Type.NodeType(), s.Plugin, nodeConfig(s)))
	}
	for _, sink := range sinkNames(spec) {
		add(g.AddNode(graph.NodeID(domain.NodeSink, sink), domain.NodeSink, "", nil))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	defaultSinkID := graph.NodeID(domain.NodeSink, spec.DefaultSink)
	next := func(i int) string {
		if i+1 < len(stepIDs) {
			return stepIDs[i+1]
		}
		return defaultSinkID
	}

	first := defaultSinkID
	if len(stepIDs) > 0 {
		first = stepIDs[0]
	}
	add(g.AddEdge(sourceID, first, domain.RouteContinue, domain.EdgeMove))

	for i, s := range spec.Steps {
		id := stepIDs[i]
		switch s.Type {
		case domain.StepGate:
			labels := make([]string, 0, len(s.Routes))
			for label := range s.Routes {
				labels = append(labels, label)
			}
			sort.Strings(labels)

			continues := false
			for _, label := range labels {
				dest := domain.ParseRouteDestination(s.Routes[label])
				add(g.AddRoute(id, label, s.Routes[label]))
				switch dest.Kind {
				case domain.RouteToContinue:
					continues = true
				case domain.RouteToSink:
					add(g.AddEdge(id, graph.NodeID(domain.NodeSink, dest.Sink), label, domain.EdgeMove))
				case domain.RouteToFork:
				}
			}
			if continues {
				add(g.AddEdge(id, next(i), domain.RouteContinue, domain.EdgeMove))
			}
			if len(s.ForkTo) > 0 {
				g.SetForkBranches(id, s.ForkTo)
				for _, branch := range s.ForkTo {
					if branch == domain.RouteContinue {
						add(fmt.Errorf("%w: gate %q uses reserved branch name %q", domain.ErrGraphValidation, s.Name, branch))
						continue
					}
					add(g.AddEdge(id, next(i), branch, domain.EdgeCopy))
				}
			}

		case domain.StepTransform:
			add(g.AddEdge(id, next(i), domain.RouteContinue, domain.EdgeMove))
			if s.OnError != "" && s.OnError != runtime.DiscardSink {
				add(g.AddEdge(id, graph.NodeID(domain.NodeSink, s.OnError), onErrorLabel, domain.EdgeMove))
			}

		case domain.StepAggregation:
			add(g.AddEdge(id, next(i), domain.RouteContinue, domain.EdgeMove))

		case domain.StepCoalesce:
			g.SetCoalesceBranches(id, s.Branches)
			add(g.AddEdge(id, next(i), domain.RouteContinue, domain.EdgeMove))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// nodeConfig is the step configuration stored on the graph node and in the
// audit trail.
func nodeConfig(s domain.StepSpec) map[string]any {
	cfg := make(map[string]any)
	for k, v := range s.Options {
		cfg[k] = v
	}
	if s.Condition != "" {
		cfg["condition"] = s.Condition
	}
	if len(s.Branches) > 0 {
		cfg["branches"] = append([]string(nil), s.Branches...)
	}
	if s.OnError != "" {
		cfg["on_error"] = s.OnError
	}
	if s.Type == domain.StepCoalesce {
		cs := coalesceSpec(s)
		cfg["policy"] = string(cs.Policy)
		cfg["merge"] = string(cs.Merge)
		if cs.QuorumCount > 0 {
			cfg["quorum"] = cs.QuorumCount
		}
		if cs.Timeout > 0 {
			cfg["timeout"] = cs.Timeout.String()
		}
	}
	if len(cfg) == 0 {
		return nil
	}
	return cfg
}

func coalesceSpec(s domain.StepSpec) domain.CoalesceSpec {
	cs := domain.CoalesceSpec{
		Name:        s.Name,
		Branches:    append([]string(nil), s.Branches...),
		Policy:      s.Policy,
		QuorumCount: s.Quorum,
		Merge:       s.Merge,
		Timeout:     s.Timeout,
	}
	if cs.Policy == "" {
		cs.Policy = domain.PolicyRequireAll
	}
	if cs.Merge == "" {
		cs.Merge = domain.MergeUnion
	}
	return cs
}

func buildRegoPolicy(ctx context.Context, spec domain.ErrorPolicySpec) (*policy.RegoPolicy, error) {
	if strings.TrimSpace(spec.Rego) == "" {
		return nil, nil
	}
	mode, err := policy.ParseMode(spec.Posture)
	if err != nil {
		return nil, fmt.Errorf("%w: error_policy: %w", domain.ErrConfigInvalid, err)
	}
	rp, err := policy.NewRegoPolicyFromSource(ctx, spec.Rego, policy.RegoPolicyOptions{Mode: mode})
	if err != nil {
		return nil, fmt.Errorf("%w: error_policy: %w", domain.ErrConfigInvalid, err)
	}
	return rp, nil
}
