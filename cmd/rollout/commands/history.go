package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		workflowName string
		limit        int
		rollbacks    bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show run and rollback history",
		Example: `  # List the last 20 runs
  rollout history

  # List runs of one workflow
  rollout history --workflow deploy

  # List executed rollbacks
  rollout history --rollbacks`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			if rollbacks {
				entries, err := app.engine.GetRollbackHistory(ctx, workflowName)
				if err != nil {
					return err
				}
				if jsonOutput {
					data, jerr := json.MarshalIndent(entries, "", "  ")
					if jerr != nil {
						return jerr
					}
					fmt.Println(string(data))
					return nil
				}
				for _, entry := range entries {
					status := "ok"
					if !entry.Result.Success {
						status = "failed"
					}
					fmt.Printf("%s  %-20s %-20s %-12s %s\n",
						entry.Timestamp.Format("2006-01-02 15:04:05"),
						entry.WorkflowName, entry.Trigger, status, entry.Reason)
				}
				return nil
			}

			records, err := app.history.ListRuns(ctx, workflowName, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				data, jerr := json.MarshalIndent(records, "", "  ")
				if jerr != nil {
					return jerr
				}
				fmt.Println(string(data))
				return nil
			}
			for _, record := range records {
				completed := "-"
				if record.CompletedAt != nil {
					completed = record.CompletedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%-36s  %-20s %-22s %s  %s\n",
					record.ID, record.WorkflowName, record.Status,
					record.StartedAt.Format("2006-01-02 15:04:05"), completed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workflowName, "workflow", "", "filter by workflow name")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().BoolVar(&rollbacks, "rollbacks", false, "list executed rollbacks instead of runs")

	return cmd
}
