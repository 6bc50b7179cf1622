package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seanankenbruck/semantic-analytics/internal/dremio"
	"github.com/seanankenbruck/semantic-analytics/internal/semantic"
)

type modelReport struct {
	Source  string   `json:"source"`
	Version string   `json:"version"`
	Metrics int      `json:"metrics"`
	Tables  []string `json:"tables"`
	Missing []string `json:"missing,omitempty"`
}

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Inspect the semantic model",
	}
	cmd.AddCommand(newModelCheckCmd())
	return cmd
}

func newModelCheckCmd() *cobra.Command {
	var (
		path    string
		offline bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load the model and confirm its tables exist in the catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd)
			if !cmd.Flags().Changed("path") {
				path = cfg.Pipeline.ModelPath
			}
			source := semantic.NewFileSource(path)

			var checker semantic.TableChecker
			if !offline {
				checker = dremio.NewClient(cfg.Dremio)
			}
			report, err := checkModel(cmd.Context(), source, checker)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if len(report.Missing) > 0 {
				return fmt.Errorf("%d model tables missing from the catalog", len(report.Missing))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "model YAML; empty checks the embedded default")
	cmd.Flags().BoolVar(&offline, "offline", false, "only parse the model, skip the catalog lookups")
	return cmd
}

// checkModel parses the model from source and, when checker is set, looks
// up every referenced table.
func checkModel(ctx context.Context, source semantic.Source, checker semantic.TableChecker) (*modelReport, error) {
	model, err := source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("model from %s is invalid: %w", source.Name(), err)
	}

	report := &modelReport{
		Source:  source.Name(),
		Version: model.Version,
		Metrics: len(model.Metrics),
		Tables:  model.Tables(),
	}
	if checker == nil {
		return report, nil
	}
	for _, table := range report.Tables {
		exists, err := checker.TableExists(ctx, table)
		if err != nil {
			return nil, err
		}
		if !exists {
			report.Missing = append(report.Missing, table)
		}
	}
	return report, nil
}
