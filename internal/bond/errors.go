package bond

import (
	"errors"
	"fmt"
)

// ValidationError is returned before any state is touched when an input is
// out of range or unknown.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) ValidationError {
	return ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error (including wrapped errors)
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// ConflictError is a duplicate alive bond or duplicate queue entry.
type ConflictError struct {
	Field   string
	Message string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Field, e.Message)
}

// NewConflictError constructs ConflictError
func NewConflictError(field, message string) ConflictError {
	return ConflictError{Field: field, Message: message}
}

// IsConflictError checks if error is ConflictError
func IsConflictError(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}

// StaleStateError means the caller lost a race: the bond was released or
// rewritten since it was read. Callers should refetch.
type StaleStateError struct {
	BondID  string
	Message string
}

func (e StaleStateError) Error() string {
	return fmt.Sprintf("stale state for bond %s: %s", e.BondID, e.Message)
}

// NewStaleStateError constructs StaleStateError
func NewStaleStateError(bondID, message string) StaleStateError {
	return StaleStateError{BondID: bondID, Message: message}
}

// IsStaleStateError checks if error is StaleStateError
func IsStaleStateError(err error) bool {
	var se StaleStateError
	return errors.As(err, &se)
}

// NotFoundError is an unknown bond, queue entry or offer.
type NotFoundError struct {
	Field   string
	Message string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("not found %s: %s", e.Field, e.Message)
}

// NewNotFoundError constructs NotFoundError
func NewNotFoundError(field, message string) NotFoundError {
	return NotFoundError{Field: field, Message: message}
}

// IsNotFoundError checks if error is NotFoundError
func IsNotFoundError(err error) bool {
	var ne NotFoundError
	return errors.As(err, &ne)
}
