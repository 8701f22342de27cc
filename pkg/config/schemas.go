package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for workflow document validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	_ = sr.RegisterSchema("workflow", builtinWorkflowSchema)
	_ = sr.RegisterSchema("settings", builtinSettingsSchema)
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates decoded YAML data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// Built-in schema definitions

const builtinWorkflowSchema = `
// Workflow schema for rollout workflow documents
#Step: {
	// Name uniquely identifies the step
	name: string & =~"^[a-zA-Z0-9_-]+$"

	// Description is the human-readable purpose
	description?: string

	// Command is the backend operation identifier
	command: string

	// Args are positional command arguments
	args?: [...string]

	// Options are named command options
	options?: {[string]: string}

	// DependsOn lists step names that must succeed first
	depends_on?: [...string]

	// ParallelGroup is a scheduling hint
	parallel_group?: string

	// Condition guards dispatch of the step
	condition?: {
		type:   "always" | "never" | "on_success" | "variable_set"
		value?: string
	}

	// Retry is the per-step retry policy
	retry?: {
		max_attempts:        int & >=1
		delay?:              string
		strategy?:           "fixed" | "linear" | "exponential"
		backoff_multiplier?: number & >0
		max_delay?:          string
		disable_jitter?:     bool
		retry_on_codes?: [...string]
	}

	// Timeout bounds one attempt of the step
	timeout?: string
}

#RollbackStep: {
	name:         string & =~"^[a-zA-Z0-9_-]+$"
	description?: string
	command?:     string
	args?: [...string]
	options?: {[string]: string}
	type:      "state_restore" | "resource_destroy" | "configuration_revert" | "cleanup" | "validation" | "custom"
	priority?: "critical" | "high" | "medium" | "low"
	depends_on?: [...string]
	timeout?: string
}

#Workflow: {
	// Name uniquely identifies the workflow
	name: string & =~"^[a-zA-Z0-9_-]+$"

	// Description is the human-readable purpose
	description: string

	// Steps are the workflow steps
	steps: [...#Step] & [_, ...]

	// PreHooks run before the dependency graph
	pre_hooks?: [...#Step]

	// PostHooks run after the dependency graph
	post_hooks?: [...#Step]

	// RollbackSteps are the compensating actions
	rollback_steps?: [...#RollbackStep]

	// RollbackStrategy governs compensation
	rollback_strategy?: {
		type: "automatic" | "manual" | "selective" | "progressive"
		triggers?: [..."step_failure" | "timeout" | "resource_error" | "state_inconsistency" | "manual_request"]
	}

	// Timeout bounds one run of the workflow
	timeout?: string
}
`

const builtinSettingsSchema = `
// Settings schema for the rollout tool configuration file
#Settings: {
	checkpoint_dir?:           string
	history_db?:               string
	state_file?:               string
	backend_binary?:           string
	max_concurrency?:          int & >=1
	max_manual_interventions?: int & >=1
	log_level?:                "trace" | "debug" | "info" | "warn" | "error"
	log_format?:               "console" | "json"
	metrics_addr?:             string
	tracing_exporter?:         "none" | "stdout" | "otlp"
	tracing_endpoint?:         string
}
`

// ValidateWorkflowDocument validates a decoded workflow document against the
// workflow schema.
func (sr *SchemaRegistry) ValidateWorkflowDocument(data map[string]interface{}) error {
	return sr.validateDefinition("workflow", "#Workflow", data)
}

// ValidateSettingsDocument validates a decoded settings document against the
// settings schema.
func (sr *SchemaRegistry) ValidateSettingsDocument(data map[string]interface{}) error {
	return sr.validateDefinition("settings", "#Settings", data)
}

func (sr *SchemaRegistry) validateDefinition(schemaName, defName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	def := schema.LookupPath(cue.ParsePath(defName))
	if err := def.Err(); err != nil {
		return fmt.Errorf("schema %s has no definition %s: %w", schemaName, defName, err)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := def.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
