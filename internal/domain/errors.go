package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTransport         = errors.New("transport failure")
	ErrAuthExpired       = errors.New("authentication expired")
	ErrConflict          = errors.New("booking changed on the server")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = fmt.Errorf("%w: command not allowed in current state", ErrValidation)
)

// ValidationError describes a rejected input. It matches ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Invalid builds a ValidationError for a field.
func Invalid(field string, err error) error {
	return &ValidationError{Field: field, Reason: err.Error(), Err: err}
}

// TransportError wraps a network level failure so it matches ErrTransport.
func TransportError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// Retryable reports whether err may succeed when the same call is repeated.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
