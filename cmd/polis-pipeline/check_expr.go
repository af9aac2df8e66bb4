package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-pipeline/pkg/engine/expr"
)

func newCheckExprCmd() *cobra.Command {
	var rowJSON string
	cmd := &cobra.Command{
		Use:   "check-expr <expression>",
		Short: "Parse a gate condition and optionally evaluate it against a row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expression, err := expr.Parse(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "parsed: %s\n", expression)
			if rowJSON == "" {
				return nil
			}

			dec := json.NewDecoder(bytes.NewReader([]byte(rowJSON)))
			dec.UseNumber()
			var row map[string]any
			if err := dec.Decode(&row); err != nil {
				return fmt.Errorf("decode --row: %w", err)
			}

			value, err := expr.NewEvaluator(expr.Options{}).Evaluate(cmd.Context(), expression, row)
			if err != nil {
				return err
			}
			rendered, err := json.Marshal(value)
			if err != nil {
				rendered = []byte(fmt.Sprint(value))
			}
			fmt.Fprintf(out, "result: %s\n", rendered)
			return nil
		},
	}
	cmd.Flags().StringVar(&rowJSON, "row", "", "JSON object to evaluate the expression against")
	return cmd
}
