package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflicting transition")
	ErrOwnership             = errors.New("task not owned by node")
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	ErrOrphanRecovery        = errors.New("orphan recovery failed")
)

func ValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFoundError(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}

func ConflictError(id string, got TaskStatus, want []TaskStatus) error {
	names := make([]string, len(want))
	for i, s := range want {
		names[i] = string(s)
	}
	return fmt.Errorf("%w: task %s is %s, expected one of [%s]", ErrConflict, id, got, strings.Join(names, ","))
}

func OwnershipError(id, owner, node string) error {
	return fmt.Errorf("%w: task %s claimed by %q, reported by %q", ErrOwnership, id, owner, node)
}

// AllProvidersExhaustedError is returned by the model router when every step of a route failed.
type AllProvidersExhaustedError struct {
	TaskType string
	Failures []ProviderFailure
}

func (e *AllProvidersExhaustedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Provider + ": " + f.Error
	}
	return fmt.Sprintf("%s for %s (%s)", ErrAllProvidersExhausted, e.TaskType, strings.Join(parts, "; "))
}

func (e *AllProvidersExhaustedError) Unwrap() error { return ErrAllProvidersExhausted }

// OrphanRecoveryError wraps a failed requeue of a task left behind by an unreachable node.
type OrphanRecoveryError struct {
	TaskID string
	NodeID string
	Err    error
}

func (e *OrphanRecoveryError) Error() string {
	return fmt.Sprintf("%s: task %s of node %s: %v", ErrOrphanRecovery, e.TaskID, e.NodeID, e.Err)
}

func (e *OrphanRecoveryError) Unwrap() []error { return []error{ErrOrphanRecovery, e.Err} }
