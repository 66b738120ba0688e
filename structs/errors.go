package structs

import (
	"errors"
	"fmt"
)

// Sentinel errors for the coordinator's error taxonomy. The state package
// wraps these with context; the api package maps them onto HTTP status codes.
// Internal callers match with errors.Is.
var (
	// ErrNotFound indicates an unknown id in the store.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a disallowed job FSM edge.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrAssignmentMismatch indicates a result submitted by a node that does
	// not hold the task's lease.
	ErrAssignmentMismatch = errors.New("assignment mismatch")

	// ErrNotExecutable indicates a result submitted against a task that is
	// already terminal.
	ErrNotExecutable = errors.New("task not executable")

	// ErrValidation indicates a schema or range violation in a payload.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized indicates a bad or missing shared secret.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInternal indicates a store or migration failure.
	ErrInternal = errors.New("internal error")
)

// NewNotFoundError returns an ErrNotFound for the given entity and id.
func NewNotFoundError(entity, id string) error {
	return fmt.Errorf("%s %q: %w", entity, id, ErrNotFound)
}

// NewInvalidTransitionError describes a rejected job FSM edge.
func NewInvalidTransitionError(from, to JobStatus) error {
	return fmt.Errorf("job transition %s -> %s: %w", from, to, ErrInvalidTransition)
}

// NewValidationError wraps a human-readable message as a validation error.
func NewValidationError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrValidation)
}

// NewInternalError wraps a lower-level failure as an internal error while
// preserving the cause for logging.
func NewInternalError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInternal, err)
}
