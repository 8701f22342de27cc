package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openrollout/rollout/pkg/engine"
	"github.com/openrollout/rollout/pkg/workflow"
)

func newRollbackCommand() *cobra.Command {
	var (
		reason      string
		completed   []string
		autoApprove bool
	)

	cmd := &cobra.Command{
		Use:   "rollback <workflow.yaml>",
		Short: "Execute the workflow's rollback steps",
		Long: `Plan and execute the compensating steps declared by a workflow.

The plan honors rollback step priorities and dependencies. Workflows with a
manual rollback strategy prompt for confirmation unless --auto-approve is
given.`,
		Example: `  # Roll back a deployed workflow
  rollout rollback deploy.yaml --reason "bad canary metrics"

  # Roll back without the confirmation prompt
  rollout rollback deploy.yaml --reason "cleanup" --auto-approve`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			def, err := app.loader.LoadWorkflow(args[0])
			if err != nil {
				return err
			}

			if autoApprove {
				// Replace the interactive confirmer for this invocation.
				approveAll = true
			}

			log.Info().Str("workflow", def.Name).Str("reason", reason).Msg("Executing manual rollback")

			result, err := app.engine.ExecuteManualRollback(ctx, def, reason, completed)
			if err != nil {
				return err
			}

			for _, sr := range result.StepResults {
				status := "ok"
				if !sr.Success {
					status = "failed"
				}
				fmt.Printf("  %-30s %-22s %s\n", sr.Name, sr.Type, status)
			}
			if !result.Success {
				return fmt.Errorf("rollback finished with failures: %s", strings.Join(result.Errors, "; "))
			}
			fmt.Printf("Rollback completed in %s\n", result.Duration)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "operator requested rollback", "reason recorded in the rollback history")
	cmd.Flags().StringArrayVar(&completed, "completed", nil, "step name known to have completed (repeatable)")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the confirmation prompt")

	return cmd
}

// approveAll is toggled by --auto-approve.
var approveAll bool

// newPromptConfirmer reads a yes/no answer from stdin for manual-confirm
// rollback plans.
func newPromptConfirmer() engine.RollbackConfirmer {
	return engine.RollbackConfirmerFunc(func(_ context.Context, plan *workflow.RollbackPlan) (bool, error) {
		if approveAll {
			return true, nil
		}

		fmt.Printf("Rollback plan %s for workflow %s (%d steps, trigger: %s)\n",
			plan.ID, plan.WorkflowName, len(plan.Steps), plan.Trigger)
		fmt.Print("Proceed? [y/N]: ")

		reader := bufio.NewReader(os.Stdin)
		answer, err := reader.ReadString('\n')
		if err != nil {
			return false, err
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes", nil
	})
}
