package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openrollout/rollout/pkg/config"
	"github.com/openrollout/rollout/pkg/engine"
)

func newAnalyzeCommand() *cobra.Command {
	var (
		maxConcurrency int
		optimize       bool
	)

	cmd := &cobra.Command{
		Use:   "analyze <workflow.yaml>",
		Short: "Analyze workflow parallelization",
		Long: `Compute the execution batches of a workflow and report its concurrency
profile without executing anything.

With --optimize, print a reordered workflow with parallel-group hints filled
in for steps sharing a batch. Dependencies are never modified.`,
		Example: `  # Show the batch schedule and speedup estimate
  rollout analyze deploy.yaml

  # Show the schedule under a tighter concurrency bound
  rollout analyze deploy.yaml --max-concurrency 2

  # Print the optimized step ordering
  rollout analyze deploy.yaml --optimize`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader()
			def, err := loader.LoadWorkflow(args[0])
			if err != nil {
				return err
			}

			scheduler := engine.NewScheduler(maxConcurrency)

			if optimize {
				optimized, err := scheduler.OptimizeForParallelExecution(def)
				if err != nil {
					return err
				}
				names := make([]string, 0, len(optimized.Steps))
				for i := range optimized.Steps {
					names = append(names, optimized.Steps[i].Name)
				}
				if jsonOutput {
					data, jerr := json.MarshalIndent(optimized, "", "  ")
					if jerr != nil {
						return jerr
					}
					fmt.Println(string(data))
					return nil
				}
				out, merr := yaml.Marshal(map[string]any{
					"name":  optimized.Name,
					"order": names,
				})
				if merr != nil {
					return merr
				}
				fmt.Print(string(out))
				return nil
			}

			report, err := scheduler.AnalyzeParallelization(def)
			if err != nil {
				return err
			}

			if jsonOutput {
				data, jerr := json.MarshalIndent(report, "", "  ")
				if jerr != nil {
					return jerr
				}
				fmt.Println(string(data))
				return nil
			}

			fmt.Printf("Workflow:  %s\n", report.WorkflowName)
			fmt.Printf("Steps:     %d\n", report.TotalSteps)
			fmt.Printf("Batches:   %d (max width %d, %d sequential)\n",
				report.BatchCount, report.MaxBatchWidth, report.SequentialBatches)
			fmt.Printf("Speedup:   %.2fx over sequential execution\n\n", report.Speedup)
			for _, batch := range report.Batches {
				fmt.Printf("  batch %d: %s\n", batch.Index, strings.Join(batch.Steps, ", "))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 10, "concurrency bound for the schedule")
	cmd.Flags().BoolVar(&optimize, "optimize", false, "print the optimized step ordering")

	return cmd
}
