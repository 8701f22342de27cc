package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openrollout/rollout/pkg/engine"
	"github.com/openrollout/rollout/pkg/workflow"
)

func newRunCommand() *cobra.Command {
	var (
		dryRun          bool
		resumeFrom      string
		noCheckpoints   bool
		ignoreHookFails bool
		variables       []string
	)

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow",
		Long: `Execute a workflow to completion.

Steps run in dependency-ordered batches with the configured concurrency.
Failed steps go through retry and recovery; unrecoverable failures can
suspend the run on the manual intervention queue or trigger rollback.`,
		Example: `  # Execute a workflow
  rollout run deploy.yaml

  # Validate and schedule without touching infrastructure
  rollout run deploy.yaml --dry-run

  # Resume a failed run from its last checkpoint
  rollout run deploy.yaml --resume-from deploy-1712345678

  # Pass run variables
  rollout run deploy.yaml --var region=eu-west-1 --var canary=true`,
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

			vars, err := parseVariables(variables)
			if err != nil {
				return err
			}

			log.Info().
				Str("workflow", def.Name).
				Bool("dry_run", dryRun).
				Str("resume_from", resumeFrom).
				Msg("Executing workflow")

			// Answer manual interventions interactively while the run is live.
			promptCtx, stopPrompt := context.WithCancel(ctx)
			defer stopPrompt()
			go resolveInterventions(promptCtx, app.engine)

			result, err := app.engine.ExecuteWorkflow(ctx, def, engine.ExecuteOptions{
				DryRun:                dryRun,
				ResumeFrom:            resumeFrom,
				Variables:             vars,
				DisableCheckpoints:    noCheckpoints,
				ContinueOnHookFailure: ignoreHookFails,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				data, jerr := json.MarshalIndent(result, "", "  ")
				if jerr != nil {
					return jerr
				}
				fmt.Println(string(data))
			} else {
				printRunSummary(result)
			}

			if !result.Success {
				return fmt.Errorf("run %s finished with status %s", result.RunID, result.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and schedule without executing operations")
	cmd.Flags().StringVar(&resumeFrom, "resume-from", "", "checkpoint id to resume from")
	cmd.Flags().BoolVar(&noCheckpoints, "no-checkpoints", false, "skip per-batch checkpoint writes")
	cmd.Flags().BoolVar(&ignoreHookFails, "continue-on-hook-failure", false, "record hook failures instead of ending the run")
	cmd.Flags().StringArrayVar(&variables, "var", nil, "run variable as key=value (repeatable)")

	return cmd
}

func parseVariables(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid variable %q, expected key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

func printRunSummary(result *workflow.ExecutionResult) {
	fmt.Printf("Run:       %s\n", result.RunID)
	fmt.Printf("Workflow:  %s\n", result.WorkflowName)
	fmt.Printf("Status:    %s\n", result.Status)
	fmt.Printf("Duration:  %s\n", result.Duration)
	fmt.Printf("Steps:     %d completed, %d failed, %d skipped\n",
		len(result.CompletedSteps), len(result.FailedSteps), len(result.SkippedSteps))
	fmt.Printf("Batches:   %d (max concurrency observed: %d)\n",
		result.Parallelism.BatchCount, result.Parallelism.MaxObservedConcurrency)

	if result.ResumedFrom != "" {
		fmt.Printf("Resumed:   %s\n", result.ResumedFrom)
	}
	if len(result.CheckpointsSaved) > 0 {
		fmt.Printf("Checkpoints: %s\n", strings.Join(result.CheckpointsSaved, ", "))
	}
	if result.RollbackPerformed && result.RollbackResult != nil {
		fmt.Printf("Rollback:  executed, success=%v\n", result.RollbackResult.Success)
	}
	for _, msg := range result.Errors {
		fmt.Printf("Error:     %s\n", msg)
	}
	for _, id := range result.PendingInterventions {
		fmt.Printf("Pending intervention: %s\n", id)
	}
}
