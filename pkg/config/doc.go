// Package config loads workflow definitions and tool settings from YAML.
// Documents are checked three ways before they reach the engine: struct
// tags via go-playground/validator, a CUE schema for shape and enum
// constraints, and the engine's own semantic validation.
package config
