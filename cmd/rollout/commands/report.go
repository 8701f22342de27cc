package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReportCommand() *cobra.Command {
	var workflowName string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render a report of recorded rollbacks",
		Example: `  # Report on every recorded rollback
  rollout report

  # Report on one workflow
  rollout report --workflow deploy`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			report, err := app.engine.GenerateRollbackReport(ctx, workflowName)
			if err != nil {
				return err
			}
			fmt.Print(report)
			return nil
		},
	}

	cmd.Flags().StringVar(&workflowName, "workflow", "", "filter by workflow name")

	return cmd
}
