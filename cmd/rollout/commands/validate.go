package commands

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openrollout/rollout/pkg/config"
	"github.com/openrollout/rollout/pkg/engine"
	"github.com/openrollout/rollout/pkg/workflow"
)

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Validate a workflow file",
		Long: `Validate a workflow file without executing it.

This command checks:
  - YAML syntax and schema conformance
  - Required fields and enum values
  - Dependency references and cycles
  - Retry policy and rollback step shape`,
		Example: `  # Validate a workflow file
  rollout validate deploy.yaml

  # Re-validate on every change while editing
  rollout validate deploy.yaml --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			if !watch {
				return validateFile(path)
			}

			if err := validateFile(path); err != nil {
				log.Warn().Err(err).Msg("Validation failed, watching for changes")
			}
			return watchAndValidate(cmd, path)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate whenever the file changes")

	return cmd
}

func validateFile(path string) error {
	loader := config.NewLoader()
	def, err := loader.LoadWorkflow(path)
	if err != nil {
		return err
	}

	result := workflow.Validate(def)
	if result.Valid {
		if err := engine.NewScheduler(0).CheckCycles(def.Steps); err != nil {
			werr := workflow.AsError(err)
			result.Valid = false
			result.Issues = append(result.Issues, workflow.ValidationIssue{
				Code:    werr.Code,
				Message: werr.Message,
				Step:    werr.Step,
			})
		}
	}

	if jsonOutput {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else if result.Valid {
		fmt.Printf("%s: workflow %q is valid (%d steps)\n", path, def.Name, len(def.Steps))
	} else {
		for _, issue := range result.Issues {
			if issue.Step != "" {
				fmt.Printf("%s: [%s] step %s: %s\n", path, issue.Code, issue.Step, issue.Message)
			} else {
				fmt.Printf("%s: [%s] %s\n", path, issue.Code, issue.Message)
			}
		}
	}

	if !result.Valid {
		return fmt.Errorf("workflow validation failed with %d issue(s)", len(result.Issues))
	}
	return nil
}

func watchAndValidate(cmd *cobra.Command, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file on save.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	target := filepath.Clean(path)
	log.Info().Str("path", path).Msg("Watching for changes")

	for {
		select {
		case <-cmd.Context().Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := validateFile(path); err != nil {
				log.Warn().Err(err).Msg("Validation failed")
			}

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(werr).Msg("Watcher error")
		}
	}
}
