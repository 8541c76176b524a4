package ports

import (
	"context"
	"taskmesh/internal/domain"
)

// Ledger is the authoritative record of tasks.
type Ledger interface {
	// Create stores t as pending with zero attempts and assigns its sequence.
	Create(ctx context.Context, t domain.Task) (domain.Task, error)
	Transition(ctx context.Context, id string, from []domain.TaskStatus, to domain.TaskStatus, p domain.Patch) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	ClaimedBy(ctx context.Context, nodeID string) ([]string, error)
	// ListByStatus returns the ids of every task currently in status s.
	ListByStatus(ctx context.Context, s domain.TaskStatus) ([]string, error)
	CountByStatus(ctx context.Context) (map[domain.TaskStatus]int64, error)
}
