package domain

import (
	"fmt"
	"slices"
)

// ApplyTransition checks the guard of a status change and applies patch to t.
// Stores call it while holding whatever lock or watch makes the change atomic.
func ApplyTransition(t *Task, from []TaskStatus, to TaskStatus, p Patch) error {
	// A report from a node that lost its claim is an ownership error even
	// when the task has since moved on to another status.
	if p.Owner != "" && t.ClaimedBy != p.Owner {
		return OwnershipError(t.ID, t.ClaimedBy, p.Owner)
	}
	if !slices.Contains(from, t.Status) {
		return ConflictError(t.ID, t.Status, from)
	}
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s is not a lifecycle edge", ErrConflict, t.Status, to)
	}

	t.Status = to
	if p.ClaimedBy != "" {
		at := p.ClaimedAt
		t.ClaimedBy = p.ClaimedBy
		t.ClaimedAt = &at
	}
	if p.ClearClaim {
		t.ClaimedBy = ""
		t.ClaimedAt = nil
	}
	if p.Error != nil {
		e := *p.Error
		if e.Attempt == 0 {
			e.Attempt = t.Attempts + 1
		}
		t.Error = &e
		t.Errors = append(t.Errors, e)
	}
	if p.IncrAttempts {
		t.Attempts++
	}
	if p.Result != nil {
		t.Result = p.Result
	}
	if !p.UpdatedAt.IsZero() {
		t.UpdatedAt = p.UpdatedAt
	}
	return nil
}
