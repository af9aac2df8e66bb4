// Package main is the entry point for the polis-pipeline binary.
// It runs row files through a declarative pipeline and validates pipeline documents.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-pipeline/pkg/logging"
)

const defaultLogLevel = "info"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-pipeline
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-pipeline",
		Short: "Auditable row-processing pipelines",
		Long: `Runs rows through a pipeline of gates, transforms, aggregations and
coalesce points, recording every step in an audit trail.

Example:
  polis-pipeline run --config triage.yaml --input rows.jsonl --workers 8
  polis-pipeline validate 'pipelines/**/*.yaml'
  polis-pipeline check-expr "row['score'] > 50" --row '{"score": 72}'`,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}

	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newCheckExprCmd())

	return rootCmd
}

// commandLogger builds a logger for commands that have no settings file of
// their own.
func commandLogger(cmd *cobra.Command, out io.Writer) *slog.Logger {
	level, err := cmd.Flags().GetString("log-level")
	if err != nil || level == "" {
		level = defaultLogLevel
	}
	return logging.NewLogger(logging.Config{Level: level, Format: "text", Output: out})
}
