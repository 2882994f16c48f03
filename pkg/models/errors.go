package models

import (
	"errors"
	"fmt"
)

// Core error kinds surfaced across the coordination plane.
// Callers classify with errors.Is; services wrap them with context via %w.
var (
	ErrNotFound            = errors.New("not found")
	ErrNotAuthorized       = errors.New("not authorized")
	ErrValidationFailed    = errors.New("validation failed")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrModelTransient      = errors.New("model transient failure")
	ErrModelFatal          = errors.New("model fatal failure")
	ErrToolFailed          = errors.New("tool failed")
	ErrCancelled           = errors.New("cancelled")
	ErrInternal            = errors.New("internal error")
)

// ValidationError carries field-level detail for ErrValidationFailed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// Unwrap makes errors.Is(err, ErrValidationFailed) hold for ValidationError.
func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// NewValidationError creates a field-scoped validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ErrorKind returns the wire name of the error kind for API/event payloads.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrNotAuthorized):
		return "NotAuthorized"
	case errors.Is(err, ErrValidationFailed):
		return "ValidationFailed"
	case errors.Is(err, ErrConcurrencyConflict):
		return "ConcurrencyConflict"
	case errors.Is(err, ErrModelTransient):
		return "ModelTransient"
	case errors.Is(err, ErrModelFatal):
		return "ModelFatal"
	case errors.Is(err, ErrToolFailed):
		return "ToolFailed"
	case errors.Is(err, ErrCancelled):
		return "Cancelled"
	default:
		return "Internal"
	}
}
