package workflow

import (
	"fmt"
)

// ValidationIssue describes one problem found in a workflow definition.
type ValidationIssue struct {
	// Code classifies the issue (VALIDATION_ERROR, CYCLIC_DEPENDENCY, ...).
	Code string `json:"code"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// Step is the step the issue belongs to, if applicable.
	Step string `json:"step,omitempty"`
}

// ValidationResult is the outcome of validating a workflow definition.
// Validation reports issues rather than failing on the first one.
type ValidationResult struct {
	// Valid is true when no issues were found.
	Valid bool `json:"is_valid"`

	// Issues lists every problem found.
	Issues []ValidationIssue `json:"issues,omitempty"`
}

func (r *ValidationResult) add(code, step, format string, args ...any) {
	r.Issues = append(r.Issues, ValidationIssue{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Step:    step,
	})
}

// Validate checks the structural invariants of a workflow definition: name
// and description present, at least one step, per-step required fields,
// unique step names, resolvable dependency references, and well-formed retry
// policies and conditions. Cycle detection is owned by the scheduler and
// composed in by the engine's ValidateWorkflow.
func Validate(def *Definition) ValidationResult {
	result := ValidationResult{}

	if def == nil {
		result.add(CodeValidation, "", "workflow definition is nil")
		return result
	}

	if def.Name == "" {
		result.add(CodeValidation, "", "workflow name is required")
	}
	if def.Description == "" {
		result.add(CodeValidation, "", "workflow description is required")
	}
	if len(def.Steps) == 0 {
		result.add(CodeValidation, "", "workflow has no steps")
	}

	names := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Name == "" {
			result.add(CodeValidation, "", "step %d is missing a name", i)
			continue
		}
		if names[step.Name] {
			result.add(CodeValidation, step.Name, "duplicate step name: %s", step.Name)
		}
		names[step.Name] = true

		validateStepFields(&result, step)
	}

	// Dependency references are checked after all names are indexed.
	for i := range def.Steps {
		step := &def.Steps[i]
		for _, dep := range step.DependsOn {
			if dep == step.Name {
				result.add(CodeValidation, step.Name, "step %s depends on itself", step.Name)
				continue
			}
			if !names[dep] {
				result.add(CodeValidation, step.Name,
					"step %s depends on unknown step %s", step.Name, dep)
			}
		}
	}

	for i := range def.PreHooks {
		validateHook(&result, &def.PreHooks[i], "pre-hook", i)
	}
	for i := range def.PostHooks {
		validateHook(&result, &def.PostHooks[i], "post-hook", i)
	}

	validateRollback(&result, def)

	result.Valid = len(result.Issues) == 0
	return result
}

func validateStepFields(result *ValidationResult, step *Step) {
	if step.Description == "" {
		result.add(CodeValidation, step.Name, "step %s is missing a description", step.Name)
	}
	if step.Command == "" {
		result.add(CodeValidation, step.Name, "step %s is missing a command", step.Name)
	}
	if step.Condition != nil {
		if err := step.Condition.Type.Validate(); err != nil {
			result.add(CodeValidation, step.Name, "step %s: %v", step.Name, err)
		}
		if step.Condition.Type == ConditionVariableSet && step.Condition.Value == "" {
			result.add(CodeValidation, step.Name,
				"step %s: variable_set condition requires a value", step.Name)
		}
	}
	if step.Retry != nil {
		if step.Retry.MaxAttempts < 1 {
			result.add(CodeValidation, step.Name,
				"step %s: retry max_attempts must be at least 1", step.Name)
		}
		if step.Retry.Strategy != "" {
			if err := step.Retry.Strategy.Validate(); err != nil {
				result.add(CodeValidation, step.Name, "step %s: %v", step.Name, err)
			}
		}
		if step.Retry.Delay < 0 {
			result.add(CodeValidation, step.Name,
				"step %s: retry delay must not be negative", step.Name)
		}
	}
	if step.Timeout < 0 {
		result.add(CodeValidation, step.Name, "step %s: timeout must not be negative", step.Name)
	}
}

func validateHook(result *ValidationResult, hook *Step, kind string, index int) {
	if hook.Name == "" {
		result.add(CodeValidation, "", "%s %d is missing a name", kind, index)
		return
	}
	if hook.Command == "" {
		result.add(CodeValidation, hook.Name, "%s %s is missing a command", kind, hook.Name)
	}
	// Hooks run outside the dependency graph.
	if len(hook.DependsOn) > 0 {
		result.add(CodeValidation, hook.Name,
			"%s %s must not declare dependencies", kind, hook.Name)
	}
}

func validateRollback(result *ValidationResult, def *Definition) {
	names := make(map[string]bool, len(def.RollbackSteps))
	for i := range def.RollbackSteps {
		rs := &def.RollbackSteps[i]
		if rs.Name == "" {
			result.add(CodeValidation, "", "rollback step %d is missing a name", i)
			continue
		}
		if names[rs.Name] {
			result.add(CodeValidation, rs.Name, "duplicate rollback step name: %s", rs.Name)
		}
		names[rs.Name] = true

		if err := rs.Type.Validate(); err != nil {
			result.add(CodeValidation, rs.Name, "rollback step %s: %v", rs.Name, err)
		}
		if rs.Type != RollbackStateRestore && rs.Command == "" {
			result.add(CodeValidation, rs.Name,
				"rollback step %s is missing a command", rs.Name)
		}
		if rs.Priority != "" {
			if err := rs.Priority.Validate(); err != nil {
				result.add(CodeValidation, rs.Name, "rollback step %s: %v", rs.Name, err)
			}
		}
	}
	for i := range def.RollbackSteps {
		rs := &def.RollbackSteps[i]
		for _, dep := range rs.DependsOn {
			if !names[dep] {
				result.add(CodeValidation, rs.Name,
					"rollback step %s depends on unknown rollback step %s", rs.Name, dep)
			}
		}
	}
	if def.RollbackStrategy != nil {
		if err := def.RollbackStrategy.Type.Validate(); err != nil {
			result.add(CodeValidation, "", "%v", err)
		}
		for _, trig := range def.RollbackStrategy.Triggers {
			if err := trig.Validate(); err != nil {
				result.add(CodeValidation, "", "%v", err)
			}
		}
	}
}
