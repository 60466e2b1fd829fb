package config

import (
	"errors"
	"fmt"
)

var (
	// ErrValidationFailed indicates configuration validation failed
	ErrValidationFailed = errors.New("configuration validation failed")

	// ErrMissingRequiredField indicates a required variable is empty
	ErrMissingRequiredField = errors.New("missing required value")

	// ErrNonPositive indicates a value that must be > 0
	ErrNonPositive = errors.New("value must be positive")

	// ErrNegative indicates a value that must be >= 0
	ErrNegative = errors.New("value must not be negative")

	// ErrInvalidValue indicates a value outside its allowed range
	ErrInvalidValue = errors.New("invalid value")
)

// ValidationError wraps configuration validation errors with context
type ValidationError struct {
	Section string // Configuration section (token, breakers, eventsub, ...)
	Field   string // Environment variable or field name
	Err     error  // Underlying error
}

// Error returns formatted error message
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Section, e.Field, e.Err)
}

// Unwrap returns the underlying error
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new validation error
func NewValidationError(section, field string, err error) *ValidationError {
	return &ValidationError{Section: section, Field: field, Err: err}
}
