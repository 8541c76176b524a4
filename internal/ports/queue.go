package ports

import (
	"context"
	"taskmesh/internal/domain"
)

// Queue holds references to pending tasks, partitioned by affinity.
type Queue interface {
	Enqueue(ctx context.Context, ref domain.TaskRef) error
	// Claim removes and returns the most urgent reference across the partitions
	// served by tags. It returns nil without blocking when nothing is eligible.
	Claim(ctx context.Context, tags []string) (*domain.TaskRef, error)
	// Requeue reinserts a reference with its original priority and sequence.
	Requeue(ctx context.Context, ref domain.TaskRef) error
	// Contains reports whether ref is still waiting in its partition.
	Contains(ctx context.Context, ref domain.TaskRef) (bool, error)
	Len(ctx context.Context) (int64, error)
}
