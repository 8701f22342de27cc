package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openrollout/rollout/pkg/workflow"
)

// Loader parses and validates workflow documents and tool settings.
type Loader struct {
	schemas  *SchemaRegistry
	validate *validator.Validate
}

// NewLoader creates a loader with the built-in schemas.
func NewLoader() *Loader {
	return &Loader{
		schemas:  NewSchemaRegistry(),
		validate: validator.New(),
	}
}

// LoadWorkflow reads, validates and converts a workflow YAML file.
func (l *Loader) LoadWorkflow(path string) (*workflow.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file: %w", err)
	}
	return l.ParseWorkflow(data)
}

// ParseWorkflow validates and converts raw workflow YAML.
func (l *Loader) ParseWorkflow(data []byte) (*workflow.Definition, error) {
	// Decode once into a generic map for CUE, once into the typed document.
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, workflow.NewValidationError("workflow file is not valid YAML", err)
	}
	if err := l.schemas.ValidateWorkflowDocument(raw); err != nil {
		return nil, workflow.NewValidationError(err.Error(), err)
	}

	var doc WorkflowDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, workflow.NewValidationError("decoding workflow document", err)
	}
	if err := l.validate.Struct(&doc); err != nil {
		return nil, workflow.NewValidationError(err.Error(), err)
	}

	return doc.Definition(), nil
}

// LoadSettings reads the tool settings file, applying defaults for absent
// fields. A missing file yields the defaults.
func (l *Loader) LoadSettings(path string) (*Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("settings file is not valid YAML: %w", err)
	}
	if err := l.schemas.ValidateSettingsDocument(raw); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	if err := l.validate.Struct(settings); err != nil {
		return nil, err
	}
	return settings, nil
}
