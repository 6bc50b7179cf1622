package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/seanankenbruck/semantic-analytics/internal/app"
	"github.com/seanankenbruck/semantic-analytics/internal/auth"
	"github.com/seanankenbruck/semantic-analytics/internal/errors"
	"github.com/seanankenbruck/semantic-analytics/internal/observability"
	"github.com/seanankenbruck/semantic-analytics/internal/processor"
)

func newAskCmd() *cobra.Command {
	var (
		format  string
		userID  string
		domains []string
		metrics []string
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a natural-language question through the full pipeline",
		Example: `  analyticsctl ask "revenue by region last month"
  analyticsctl ask "why did profit drop last week" --metrics profit --format chatgpt_enterprise`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd)
			logger := observability.NewLogger("analyticsctl").
				WithOutput(os.Stderr).
				WithLevel(observability.ParseLogLevel(cfg.LogLevel))

			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			user := auth.UserContext{
				UserID: userID,
				Grants: auth.Grants{Domains: domains, Metrics: metrics},
			}
			traceID := uuid.New().String()
			ctx := observability.WithTraceID(cmd.Context(), traceID)

			resp, err := a.Processor.ProcessQuery(ctx, &processor.QueryRequest{
				Query:          args[0],
				ResponseFormat: format,
			}, user)
			if err != nil {
				status, body := errors.ToResponse(err, traceID)
				fmt.Fprintln(cmd.ErrOrStderr(), body.Error.UserMessage())
				return fmt.Errorf("query failed with status %d (trace %s)", status, traceID)
			}
			return printJSON(cmd.OutOrStdout(), resp.Envelope())
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "response format: mcp_standard, chatgpt_enterprise or aws_bedrock")
	cmd.Flags().StringVar(&userID, "user", "analyticsctl", "user id recorded in request logs")
	cmd.Flags().StringSliceVar(&domains, "domains", []string{auth.Wildcard}, "granted domains")
	cmd.Flags().StringSliceVar(&metrics, "metrics", []string{auth.Wildcard}, "granted metrics")
	return cmd
}
