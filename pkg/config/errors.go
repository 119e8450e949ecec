package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound indicates the configuration file was not found
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrInvalidYAML indicates YAML parsing failed
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrValidationFailed indicates configuration validation failed
	ErrValidationFailed = errors.New("configuration validation failed")

	// ErrMissingRequiredField indicates a required field is missing
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidValue indicates a field has an invalid value
	ErrInvalidValue = errors.New("invalid field value")
)

// ValidationError wraps a single configuration violation with its location.
type ValidationError struct {
	Section string // Configuration section (server, quota, providers, ...)
	ID      string // ID within the section (provider id, tenant id), optional
	Field   string // Field name, optional
	Err     error  // Underlying error
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	switch {
	case e.ID != "" && e.Field != "":
		return fmt.Sprintf("%s %q: field %q: %v", e.Section, e.ID, e.Field, e.Err)
	case e.ID != "":
		return fmt.Sprintf("%s %q: %v", e.Section, e.ID, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: field %q: %v", e.Section, e.Field, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Section, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new validation error.
func NewValidationError(section, id, field string, err error) *ValidationError {
	return &ValidationError{
		Section: section,
		ID:      id,
		Field:   field,
		Err:     err,
	}
}

// LoadError wraps configuration loading errors with file context.
type LoadError struct {
	File string
	Err  error
}

// Error returns the formatted error message.
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// NewLoadError creates a new load error.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}
