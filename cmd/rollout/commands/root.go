package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rollout",
		Short: "Rollout - Workflow Orchestration Engine",
		Long: `Rollout orchestrates multi-step infrastructure change workflows.

Features:
  - Dependency-aware parallel scheduling
  - Per-step retry policies with backoff
  - Automatic failure classification and recovery
  - Manual intervention queue for operator decisions
  - Checkpoint and resume
  - Compensating rollback with pluggable strategies`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".rollout/config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newReportCommand())
	rootCmd.AddCommand(newCheckpointsCommand())
	rootCmd.AddCommand(newAnalyzeCommand())

	return rootCmd
}
