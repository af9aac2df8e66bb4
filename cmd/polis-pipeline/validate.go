package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-pipeline/pkg/config"
	"github.com/polisai/polis-pipeline/pkg/engine"
)

func newValidateCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "validate <file|glob>...",
		Short: "Check settings files and build their pipeline graphs without running rows",
		Long: `Loads each settings file, checks it against the schema and builds its
pipeline graph. Globs may use ** to match nested directories.

With --watch the files are re-checked whenever they change until interrupted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := config.Discover(args)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			logger := commandLogger(cmd, cmd.ErrOrStderr())

			failures := 0
			for _, path := range files {
				cfg, err := config.Load(path)
				if !report(cmd.Context(), out, logger, path, cfg, err) {
					failures++
				}
			}

			if watch {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return watchFiles(ctx, out, logger, files)
			}

			if failures > 0 {
				return fmt.Errorf("%d of %d files invalid", failures, len(files))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-validate files when they change")
	return cmd
}

func watchFiles(ctx context.Context, out io.Writer, logger *slog.Logger, files []string) error {
	updates, err := config.Watch(ctx, files, logger)
	if err != nil {
		return err
	}
	logger.Info("Watching for changes", "files", len(files))
	for u := range updates {
		report(ctx, out, logger, u.Path, u.Config, u.Err)
	}
	return nil
}

// report prints one validation line and reports whether the file is valid.
// A file is valid when it loads and its pipeline builds.
func report(ctx context.Context, out io.Writer, logger *slog.Logger, path string, cfg *config.Config, loadErr error) bool {
	if loadErr != nil {
		fmt.Fprintf(out, "FAIL %s: %v\n", path, loadErr)
		return false
	}

	proc, err := engine.Build(ctx, cfg.Pipeline, engine.Dependencies{
		Logger:        logger,
		MaxIterations: cfg.Engine.MaxIterations,
		LateArrival:   cfg.Engine.LateArrival,
	})
	if err != nil {
		fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
		return false
	}

	g := proc.Graph()
	fmt.Fprintf(out, "ok   %s (pipeline %s: %d steps, %d nodes, %d edges)\n",
		path, cfg.Pipeline.ID, len(proc.Steps()), len(g.Nodes()), len(g.Edges()))
	return true
}
