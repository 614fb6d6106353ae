package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the targeted record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateKey indicates a uniqueness constraint would be violated.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrValidation matches every *ValidationError through errors.Is.
	ErrValidation = errors.New("validation failed")
)

// ValidationError reports a value rejected before any mutation took place.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a validation error for a single field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any validation error.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
