package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-pipeline/pkg/audit"
	"github.com/polisai/polis-pipeline/pkg/config"
	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/engine"
	"github.com/polisai/polis-pipeline/pkg/logging"
	"github.com/polisai/polis-pipeline/pkg/telemetry"
)

const maxRowBytes = 4 << 20

type runOptions struct {
	configPath string
	inputPath  string
	outputPath string
	workers    int
	logLevel   string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process a JSON Lines file of rows through a pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.logLevel, _ = cmd.Flags().GetString("log-level")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runPipeline(ctx, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Path to the settings file (required)")
	f.StringVarP(&opts.inputPath, "input", "i", "", "JSON Lines file with one row object per line (required)")
	f.StringVarP(&opts.outputPath, "output", "o", "", "Write delivered tokens here instead of stdout")
	f.IntVarP(&opts.workers, "workers", "w", 0, "Rows processed concurrently (overrides engine.workers)")

	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func runPipeline(ctx context.Context, opts *runOptions, stdout, stderr io.Writer) (err error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.workers > 0 {
		cfg.Engine.Workers = opts.workers
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: stderr,
	})

	runID := ulid.Make().String()
	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Telemetry.Environment,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
		PipelineID:  cfg.Pipeline.ID,
		RunID:       runID,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	recorder, err := openRecorder(cfg.Audit)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := recorder.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close audit recorder: %w", closeErr))
		}
	}()

	metrics := telemetry.NewRunMetrics()
	if cfg.Metrics.Address != "" {
		server, err := startMetricsServer(cfg.Metrics.Address, metrics, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Metrics server shutdown error", "error", err)
			}
		}()
	}

	//nolint:gosec // Input path is supplied by the operator
	input, err := os.Open(opts.inputPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = input.Close() }()

	out := stdout
	if opts.outputPath != "" {
		//nolint:gosec // Output path is supplied by the operator
		file, createErr := os.Create(opts.outputPath)
		if createErr != nil {
			return fmt.Errorf("create output: %w", createErr)
		}
		defer func() {
			if closeErr := file.Close(); closeErr != nil {
				err = errors.Join(err, fmt.Errorf("close output: %w", closeErr))
			}
		}()
		out = file
	}

	proc, err := engine.Build(ctx, cfg.Pipeline, engine.Dependencies{
		RunID:         runID,
		Recorder:      recorder,
		Metrics:       metrics,
		Logger:        logger,
		MaxIterations: cfg.Engine.MaxIterations,
		LateArrival:   cfg.Engine.LateArrival,
	})
	if err != nil {
		return fmt.Errorf("build pipeline %s: %w", cfg.Pipeline.ID, err)
	}
	if err := proc.Start(ctx); err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	writer := newResultWriter(out)
	runErr := processInput(ctx, proc, input, writer, cfg.Engine.Workers, logger)
	if runErr == nil {
		results, flushErr := proc.FlushAggregations(ctx)
		runErr = errors.Join(flushErr, writer.write(results))
	}
	if finishErr := proc.Finish(context.WithoutCancel(ctx), runErr); finishErr != nil {
		runErr = errors.Join(runErr, finishErr)
	}

	attrs := []any{"run_id", runID, "pipeline_id", cfg.Pipeline.ID, "rows", writer.rowCount(), "aborted_rows", writer.abortedCount()}
	for _, c := range writer.outcomeCounts() {
		attrs = append(attrs, string(c.outcome), c.count)
	}
	if runErr != nil {
		logger.Error("Pipeline run failed", append(attrs, "error", runErr)...)
		return runErr
	}
	logger.Info("Pipeline run finished", attrs...)
	return nil
}

// processInput feeds every row of input to the processor, running up to
// workers rows at once. A row that exceeds the iteration limit is logged
// and skipped; any other row error cancels the rest.
func processInput(ctx context.Context, proc *engine.RowProcessor, input io.Reader, writer *resultWriter, workers int, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)

	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRowBytes)

	line := 0
	for scanner.Scan() {
		line++
		if gctx.Err() != nil {
			break
		}
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		row, err := decodeRow(raw)
		if err != nil {
			_ = g.Wait()
			return fmt.Errorf("input line %d: %w", line, err)
		}

		rowID := fmt.Sprintf("row-%06d", line)
		g.Go(func() error {
			results, err := proc.ProcessRow(gctx, rowID, row)
			writer.countRow()
			if werr := writer.write(results); werr != nil {
				return werr
			}
			if errors.Is(err, domain.ErrIterationLimit) {
				// The row is abandoned; the run carries on.
				writer.countAborted()
				logger.Error("Row aborted", "row_id", rowID, "error", err)
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return ctx.Err()
}

func decodeRow(raw []byte) (domain.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	if row == nil {
		return nil, errors.New("row must be a JSON object")
	}
	return domain.Row(row), nil
}

func openRecorder(cfg config.AuditConfig) (audit.Recorder, error) {
	switch cfg.Driver {
	case config.AuditDriverSQLite:
		recorder, err := audit.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open audit database: %w", err)
		}
		return recorder, nil
	default:
		return audit.NewMemoryRecorder(), nil
	}
}

func startMetricsServer(addr string, metrics *telemetry.RunMetrics, logger *slog.Logger) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind metrics listener %s: %w", addr, err)
	}
	logger.Info("Metrics listening", "addr", listener.Addr().String())

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	return server, nil
}

// resultRecord is one line of run output.
type resultRecord struct {
	RowID   string            `json:"row_id"`
	TokenID string            `json:"token_id"`
	Branch  string            `json:"branch,omitempty"`
	Outcome domain.RowOutcome `json:"outcome"`
	Sink    string            `json:"sink,omitempty"`
	Data    domain.Row        `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// delivered reports whether a token left the pipeline for a sink or failed.
// Forked, held and merged tokens live on only in the audit trail.
func delivered(outcome domain.RowOutcome) bool {
	switch outcome {
	case domain.OutcomeCompleted, domain.OutcomeRouted, domain.OutcomeQuarantined, domain.OutcomeFailed:
		return true
	default:
		return false
	}
}

type outcomeCount struct {
	outcome domain.RowOutcome
	count   int
}

// resultWriter serialises results from concurrent rows as JSON Lines.
type resultWriter struct {
	mu       sync.Mutex
	enc      *json.Encoder
	rows     int
	aborted  int
	outcomes map[domain.RowOutcome]int
}

func newResultWriter(w io.Writer) *resultWriter {
	return &resultWriter{
		enc:      json.NewEncoder(w),
		outcomes: make(map[domain.RowOutcome]int),
	}
}

func (w *resultWriter) countRow() {
	w.mu.Lock()
	w.rows++
	w.mu.Unlock()
}

func (w *resultWriter) countAborted() {
	w.mu.Lock()
	w.aborted++
	w.mu.Unlock()
}

func (w *resultWriter) write(results []domain.RowResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range results {
		w.outcomes[r.Outcome]++
		if !delivered(r.Outcome) {
			continue
		}
		record := resultRecord{
			Outcome: r.Outcome,
			Sink:    r.SinkName,
			Data:    r.FinalData,
		}
		if r.Token != nil {
			record.RowID = r.Token.RowID
			record.TokenID = r.Token.TokenID
			record.Branch = r.Token.BranchName
		}
		if r.Error != nil {
			record.Error = r.Error.Error()
		}
		if err := w.enc.Encode(record); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	return nil
}

func (w *resultWriter) rowCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

func (w *resultWriter) abortedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.aborted
}

func (w *resultWriter) outcomeCounts() []outcomeCount {
	w.mu.Lock()
	defer w.mu.Unlock()
	counts := make([]outcomeCount, 0, len(w.outcomes))
	for o, n := range w.outcomes {
		counts = append(counts, outcomeCount{outcome: o, count: n})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].outcome < counts[j].outcome })
	return counts
}
