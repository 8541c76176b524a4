package ports

import (
	"context"
	"taskmesh/internal/domain"
	"time"
)

// Registry owns node liveness leases.
type Registry interface {
	Heartbeat(ctx context.Context, id string, tags []string, load domain.Load) (domain.Node, error)
	Get(ctx context.Context, id string) (domain.Node, error)
	List(ctx context.Context) ([]domain.Node, error)
	// Expire removes every node whose lease elapsed before now. Each expired
	// node is returned to exactly one caller.
	Expire(ctx context.Context, now time.Time) ([]string, error)
}
