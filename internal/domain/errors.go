// Package domain holds the identity and value layer shared by every aggregate:
// exchanges, project keys, instruments, money and the error taxonomy.
package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrValidation marks malformed or missing input at construction time.
	ErrValidation = errors.New("validation error")
	// ErrStateConflict marks an operation that is invalid in the current state.
	ErrStateConflict = errors.New("state conflict")
)

// Error carries the failing operation and a human readable message for one of the error kinds.
type Error struct {
	Kind error
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Msg
	}
	return e.Op + ": " + e.Msg
}

// Unwrap exposes the kind so errors.Is(err, ErrValidation) works.
func (e *Error) Unwrap() error {
	return e.Kind
}

// Invalid builds a validation error for op.
func Invalid(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Conflict builds a state conflict error for op.
func Conflict(op, format string, args ...any) error {
	return &Error{Kind: ErrStateConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsStateConflict reports whether err is a state conflict.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrStateConflict)
}
