package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openrollout/rollout/pkg/workflow"
)

// Duration wraps time.Duration with YAML support for strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// WorkflowDocument is the YAML representation of a workflow definition.
type WorkflowDocument struct {
	Name        string `yaml:"name" validate:"required"`
	Description string `yaml:"description" validate:"required"`

	Steps     []StepDocument `yaml:"steps" validate:"required,min=1,dive"`
	PreHooks  []StepDocument `yaml:"pre_hooks,omitempty" validate:"dive"`
	PostHooks []StepDocument `yaml:"post_hooks,omitempty" validate:"dive"`

	RollbackSteps    []RollbackStepDocument    `yaml:"rollback_steps,omitempty" validate:"dive"`
	RollbackStrategy *RollbackStrategyDocument `yaml:"rollback_strategy,omitempty"`

	Timeout Duration `yaml:"timeout,omitempty"`
}

// StepDocument is the YAML representation of one workflow step.
type StepDocument struct {
	Name        string            `yaml:"name" validate:"required"`
	Description string            `yaml:"description"`
	Command     string            `yaml:"command" validate:"required"`
	Args        []string          `yaml:"args,omitempty"`
	Options     map[string]string `yaml:"options,omitempty"`

	DependsOn     []string `yaml:"depends_on,omitempty"`
	ParallelGroup string   `yaml:"parallel_group,omitempty"`

	Condition *ConditionDocument `yaml:"condition,omitempty"`
	Retry     *RetryDocument     `yaml:"retry,omitempty"`
	Timeout   Duration           `yaml:"timeout,omitempty"`
}

// ConditionDocument is the YAML representation of a step condition.
type ConditionDocument struct {
	Type  string `yaml:"type" validate:"required,oneof=always never on_success variable_set"`
	Value string `yaml:"value,omitempty"`
}

// RetryDocument is the YAML representation of a retry policy.
type RetryDocument struct {
	MaxAttempts       int      `yaml:"max_attempts" validate:"required,min=1"`
	Delay             Duration `yaml:"delay"`
	Strategy          string   `yaml:"strategy,omitempty" validate:"omitempty,oneof=fixed linear exponential"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier,omitempty" validate:"omitempty,gt=0"`
	MaxDelay          Duration `yaml:"max_delay,omitempty"`
	DisableJitter     bool     `yaml:"disable_jitter,omitempty"`
	RetryOnCodes      []string `yaml:"retry_on_codes,omitempty"`
}

// RollbackStepDocument is the YAML representation of a compensating step.
type RollbackStepDocument struct {
	Name        string            `yaml:"name" validate:"required"`
	Description string            `yaml:"description,omitempty"`
	Command     string            `yaml:"command,omitempty"`
	Args        []string          `yaml:"args,omitempty"`
	Options     map[string]string `yaml:"options,omitempty"`

	Type      string   `yaml:"type" validate:"required,oneof=state_restore resource_destroy configuration_revert cleanup validation custom"`
	Priority  string   `yaml:"priority,omitempty" validate:"omitempty,oneof=critical high medium low"`
	DependsOn []string `yaml:"depends_on,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty"`
}

// RollbackStrategyDocument is the YAML representation of the rollback policy.
type RollbackStrategyDocument struct {
	Type     string   `yaml:"type" validate:"required,oneof=automatic manual selective progressive"`
	Triggers []string `yaml:"triggers,omitempty" validate:"dive,oneof=step_failure timeout resource_error state_inconsistency manual_request"`
}

// Definition converts the document to the engine's workflow definition.
func (doc *WorkflowDocument) Definition() *workflow.Definition {
	def := &workflow.Definition{
		Name:        doc.Name,
		Description: doc.Description,
		Steps:       convertSteps(doc.Steps),
		PreHooks:    convertSteps(doc.PreHooks),
		PostHooks:   convertSteps(doc.PostHooks),
		Timeout:     time.Duration(doc.Timeout),
	}

	for _, rs := range doc.RollbackSteps {
		def.RollbackSteps = append(def.RollbackSteps, workflow.RollbackStep{
			Name:        rs.Name,
			Description: rs.Description,
			Command:     rs.Command,
			Args:        rs.Args,
			Options:     rs.Options,
			Type:        workflow.RollbackType(rs.Type),
			Priority:    workflow.RollbackPriority(rs.Priority),
			DependsOn:   rs.DependsOn,
			Timeout:     time.Duration(rs.Timeout),
		})
	}

	if doc.RollbackStrategy != nil {
		strategy := &workflow.RollbackStrategy{
			Type: workflow.RollbackStrategyType(doc.RollbackStrategy.Type),
		}
		for _, trig := range doc.RollbackStrategy.Triggers {
			strategy.Triggers = append(strategy.Triggers, workflow.RollbackTrigger(trig))
		}
		def.RollbackStrategy = strategy
	}

	return def
}

func convertSteps(docs []StepDocument) []workflow.Step {
	if len(docs) == 0 {
		return nil
	}
	steps := make([]workflow.Step, 0, len(docs))
	for _, sd := range docs {
		step := workflow.Step{
			Name:          sd.Name,
			Description:   sd.Description,
			Command:       sd.Command,
			Args:          sd.Args,
			Options:       sd.Options,
			DependsOn:     sd.DependsOn,
			ParallelGroup: sd.ParallelGroup,
			Timeout:       time.Duration(sd.Timeout),
		}
		if sd.Condition != nil {
			step.Condition = &workflow.Condition{
				Type:  workflow.ConditionType(sd.Condition.Type),
				Value: sd.Condition.Value,
			}
		}
		if sd.Retry != nil {
			step.Retry = &workflow.RetryPolicy{
				MaxAttempts:       sd.Retry.MaxAttempts,
				Delay:             time.Duration(sd.Retry.Delay),
				Strategy:          workflow.BackoffStrategy(sd.Retry.Strategy),
				BackoffMultiplier: sd.Retry.BackoffMultiplier,
				MaxDelay:          time.Duration(sd.Retry.MaxDelay),
				DisableJitter:     sd.Retry.DisableJitter,
				RetryOnCodes:      sd.Retry.RetryOnCodes,
			}
		}
		steps = append(steps, step)
	}
	return steps
}

// Settings is the tool-level configuration file for the rollout CLI.
type Settings struct {
	// CheckpointDir is where checkpoints are written.
	CheckpointDir string `yaml:"checkpoint_dir,omitempty"`

	// HistoryDB is the SQLite database path for run history.
	HistoryDB string `yaml:"history_db,omitempty"`

	// StateFile is the JSON state file for rollback state restores.
	StateFile string `yaml:"state_file,omitempty"`

	// BackendBinary is the executable the exec backend shells out to.
	BackendBinary string `yaml:"backend_binary,omitempty"`

	// MaxConcurrency bounds parallel steps per batch.
	MaxConcurrency int `yaml:"max_concurrency,omitempty" validate:"omitempty,min=1"`

	// MaxManualInterventions bounds operator escalations per run.
	MaxManualInterventions int `yaml:"max_manual_interventions,omitempty" validate:"omitempty,min=1"`

	// LogLevel is the zerolog level name.
	LogLevel string `yaml:"log_level,omitempty" validate:"omitempty,oneof=trace debug info warn error"`

	// LogFormat selects console or json output.
	LogFormat string `yaml:"log_format,omitempty" validate:"omitempty,oneof=console json"`

	// MetricsAddr, when set, serves Prometheus metrics on this address.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// TracingExporter selects the trace exporter: none, stdout or otlp.
	TracingExporter string `yaml:"tracing_exporter,omitempty" validate:"omitempty,oneof=none stdout otlp"`

	// TracingEndpoint is the OTLP collector endpoint.
	TracingEndpoint string `yaml:"tracing_endpoint,omitempty"`
}

// DefaultSettings returns the settings used when no config file exists.
func DefaultSettings() *Settings {
	return &Settings{
		CheckpointDir:          ".rollout/checkpoints",
		HistoryDB:              ".rollout/history.db",
		StateFile:              ".rollout/state.json",
		MaxConcurrency:         10,
		MaxManualInterventions: 3,
		LogLevel:               "info",
		LogFormat:              "console",
		TracingExporter:        "none",
	}
}
