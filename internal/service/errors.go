package service

import (
	"errors"
	"fmt"

	"github.com/makeasinger/bulkgen/internal/store"
)

var (
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for unknown jobs and prompts.
	ErrNotFound = store.ErrNotFound
	// ErrNotEnoughPrompts is returned when a view needs more completed prompts.
	ErrNotEnoughPrompts = errors.New("not enough completed prompts")
)

// ValidationError reports a rejected request field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
