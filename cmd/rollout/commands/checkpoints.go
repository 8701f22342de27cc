package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newCheckpointsCommand() *cobra.Command {
	var workflowName string

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List stored checkpoints",
		Long: `List the checkpoints written by previous runs, newest first.

A checkpoint id can be passed to "rollout run --resume-from" to continue a
run past its already-completed steps.`,
		Example: `  # List every checkpoint
  rollout checkpoints

  # List checkpoints of one workflow
  rollout checkpoints --workflow deploy`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			checkpoints, err := app.engine.ListCheckpoints(workflowName)
			if err != nil {
				return err
			}

			if jsonOutput {
				data, jerr := json.MarshalIndent(checkpoints, "", "  ")
				if jerr != nil {
					return jerr
				}
				fmt.Println(string(data))
				return nil
			}

			for _, cp := range checkpoints {
				fmt.Printf("%-40s  %-20s %s  completed=[%s]\n",
					cp.ID, cp.WorkflowName,
					cp.Timestamp.Format("2006-01-02 15:04:05"),
					strings.Join(cp.CompletedSteps, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workflowName, "workflow", "", "filter by workflow name")

	return cmd
}
