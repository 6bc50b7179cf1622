package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seanankenbruck/semantic-analytics/internal/compiler"
)

type validateResult struct {
	SQL    string             `json:"sql"`
	Checks compiler.ASTChecks `json:"checks"`
	Passed bool               `json:"passed"`
	Error  string             `json:"error,omitempty"`
}

func newValidateCmd() *cobra.Command {
	var (
		sql    string
		tables []string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run the SQL safety checks against a statement",
		Example: `  analyticsctl validate --sql "SELECT region, SUM(amount) FROM sales.orders GROUP BY region" --tables sales.orders`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd)
			checks, err := compiler.NewValidator(cfg.Pipeline.SchemaAllowlist).Validate(sql, tables)

			res := validateResult{SQL: sql, Checks: checks, Passed: err == nil && checks.Passed()}
			if err != nil {
				res.Error = err.Error()
			}
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			if !res.Passed {
				return fmt.Errorf("statement rejected")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sql, "sql", "", "statement to check")
	cmd.Flags().StringSliceVar(&tables, "tables", nil, "tables the plan is allowed to read")
	_ = cmd.MarkFlagRequired("sql")
	return cmd
}
