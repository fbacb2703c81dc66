package config

import (
	"fmt"
)

// ValidationError wraps configuration validation errors with context.
type ValidationError struct {
	Section string // configuration section (server, pipeline, sessions)
	Field   string // field name
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Section, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a validation error for one field.
func NewValidationError(section, field string, err error) *ValidationError {
	return &ValidationError{Section: section, Field: field, Err: err}
}

// LoadError wraps configuration loading errors with file context.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// NewLoadError creates a load error for one file.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}
