package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"taskmesh/internal/domain"
	"taskmesh/internal/ports"
	"time"
)

var _ ports.Registry = (*Registry)(nil)

type entry struct {
	node  domain.Node
	lease domain.Lease
}

// Registry tracks node leases in process memory.
type Registry struct {
	mu         sync.Mutex
	nodes      map[string]*entry
	ttl        time.Duration
	thresholds domain.Thresholds
	Now        func() time.Time
}

func NewRegistry(ttl time.Duration, th domain.Thresholds) *Registry {
	return &Registry{
		nodes:      make(map[string]*entry),
		ttl:        ttl,
		thresholds: th,
		Now:        time.Now,
	}
}

func (r *Registry) Heartbeat(_ context.Context, id string, tags []string, load domain.Load) (domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.Now()
	n := domain.Node{
		ID:            id,
		Tags:          slices.Clone(tags),
		LastHeartbeat: now,
		Load:          load,
		Status:        r.thresholds.Classify(load),
	}
	r.nodes[id] = &entry{node: n, lease: domain.Lease{NodeID: id, ExpiresAt: now.Add(r.ttl)}}
	return n, nil
}

func (r *Registry) Get(_ context.Context, id string) (domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[id]
	if !ok || e.lease.Expired(r.Now()) {
		return domain.Node{}, domain.NotFoundError("node", id)
	}
	return e.node, nil
}

func (r *Registry) List(_ context.Context) ([]domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.Now()
	out := make([]domain.Node, 0, len(r.nodes))
	for _, e := range r.nodes {
		if e.lease.Expired(now) {
			continue
		}
		out = append(out, e.node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Registry) Expire(_ context.Context, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for id, e := range r.nodes {
		if e.lease.Expired(now) {
			expired = append(expired, id)
			delete(r.nodes, id)
		}
	}
	slices.Sort(expired)
	return expired, nil
}

// Ping always succeeds; memory is always reachable.
func (r *Registry) Ping(context.Context) error { return nil }
