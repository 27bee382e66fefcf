package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation and parse failures.
var (
	ErrEmptyDocument      = errors.New("document has no content")
	ErrMissingSource      = errors.New("document source is empty")
	ErrUnsupportedFormat  = errors.New("unsupported document format")
	ErrUnreadableDocument = errors.New("document could not be read")
	ErrEmptyQuestion      = errors.New("question is empty")
	ErrQuestionTooShort   = errors.New("question too short")
	ErrQuestionInjection  = errors.New("question contains suspicious content")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
