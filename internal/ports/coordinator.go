package ports

import (
	"context"
	"taskmesh/internal/domain"
)

// Coordinator is the gateway surface a worker agent talks to, either in
// process or over HTTP.
type Coordinator interface {
	ReportHeartbeat(ctx context.Context, nodeID string, tags []string, load domain.Load) (domain.Node, error)
	ClaimTask(ctx context.Context, nodeID string) (*domain.Task, error)
	StartTask(ctx context.Context, taskID, nodeID string) (domain.Task, error)
	ReportResult(ctx context.Context, taskID, nodeID string, o domain.Outcome) (domain.Task, error)
	// ReleaseTask hands back a claimed or running task the node cannot finish.
	ReleaseTask(ctx context.Context, taskID, nodeID, reason string) (domain.Task, error)
}
