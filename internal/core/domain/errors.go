package domain

import (
	"errors"
	"fmt"
)

// ValidationError rejects malformed or out-of-range input before any state
// change happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidStateError rejects an operation against a job or beacon whose
// current state forbids it. No state change happens.
type InvalidStateError struct {
	Entity  string
	ID      string
	Current string
	Wanted  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: %s %s is %s, cannot move to %s", e.Entity, e.ID, e.Current, e.Wanted)
}

func NewInvalidTransition(entity, id string, from, to JobStatus) *InvalidStateError {
	return &InvalidStateError{Entity: entity, ID: id, Current: string(from), Wanted: string(to)}
}

// NotFoundError marks a reference to a beacon, job or schedule that does not
// exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// TransientStorageError wraps a persistence failure that is worth a bounded
// retry. Callers that cannot retry fail the whole operation cleanly.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *TransientStorageError) Unwrap() error { return e.Err }

func NewTransient(op string, err error) *TransientStorageError {
	return &TransientStorageError{Op: op, Err: err}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsInvalidState reports whether err is (or wraps) an InvalidStateError.
func IsInvalidState(err error) bool {
	var v *InvalidStateError
	return errors.As(err, &v)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

// IsTransient reports whether err is (or wraps) a TransientStorageError.
func IsTransient(err error) bool {
	var v *TransientStorageError
	return errors.As(err, &v)
}
