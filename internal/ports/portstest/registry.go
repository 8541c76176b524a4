package portstest

import (
	"context"
	"sync"
	"taskmesh/internal/domain"
	"taskmesh/internal/ports"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TTL is the lease length every registry under test is built with.
const TTL = 120 * time.Second

// Thresholds mark a node degraded at 80% cpu or memory, or 4 active tasks.
var Thresholds = domain.Thresholds{CPU: 0.8, Memory: 0.8, ActiveTasks: 4}

// Registry runs the registry suite. newRegistry must build a registry with
// TTL and Thresholds that reads time from clock.
func Registry(t *testing.T, newRegistry func(t *testing.T, clock *Clock) ports.Registry) {
	t.Run("HeartbeatCreatesNode", func(t *testing.T) {
		ctx := context.Background()
		clock := NewClock()
		r := newRegistry(t, clock)

		_, err := r.Get(ctx, "n1")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = r.Heartbeat(ctx, "n1", []string{"gpu"}, domain.Load{CPU: 0.1})
		require.NoError(t, err)

		n, err := r.Get(ctx, "n1")
		require.NoError(t, err)
		assert.Equal(t, []string{"gpu"}, n.Tags)
		assert.Equal(t, domain.NodeHealthy, n.Status)
		assert.True(t, clock.Now().Equal(n.LastHeartbeat))
	})

	t.Run("DerivedStatus", func(t *testing.T) {
		ctx := context.Background()
		r := newRegistry(t, NewClock())
		_, err := r.Heartbeat(ctx, "calm", nil, domain.Load{CPU: 0.2, Memory: 0.3, ActiveTasks: 1})
		require.NoError(t, err)
		_, err = r.Heartbeat(ctx, "hot", nil, domain.Load{CPU: 0.95})
		require.NoError(t, err)
		_, err = r.Heartbeat(ctx, "busy", nil, domain.Load{ActiveTasks: 4})
		require.NoError(t, err)

		nodes, err := r.List(ctx)
		require.NoError(t, err)
		status := map[string]domain.NodeStatus{}
		for _, n := range nodes {
			status[n.ID] = n.Status
		}
		assert.Equal(t, map[string]domain.NodeStatus{
			"busy": domain.NodeDegraded,
			"calm": domain.NodeHealthy,
			"hot":  domain.NodeDegraded,
		}, status)
	})

	t.Run("LeaseExpiresAfterTTL", func(t *testing.T) {
		ctx := context.Background()
		clock := NewClock()
		r := newRegistry(t, clock)
		_, err := r.Heartbeat(ctx, "n1", nil, domain.Load{})
		require.NoError(t, err)

		clock.Advance(TTL - time.Second)
		_, err = r.Get(ctx, "n1")
		require.NoError(t, err, "a missed beat inside the TTL keeps the lease")

		clock.Advance(time.Second)
		_, err = r.Get(ctx, "n1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		nodes, err := r.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, nodes)
	})

	t.Run("HeartbeatRenewsLease", func(t *testing.T) {
		ctx := context.Background()
		clock := NewClock()
		r := newRegistry(t, clock)
		_, err := r.Heartbeat(ctx, "n1", nil, domain.Load{})
		require.NoError(t, err)
		clock.Advance(TTL / 2)
		_, err = r.Heartbeat(ctx, "n1", nil, domain.Load{})
		require.NoError(t, err)
		clock.Advance(TTL/2 + time.Second)

		expired, err := r.Expire(ctx, clock.Now())
		require.NoError(t, err)
		assert.Empty(t, expired)
		_, err = r.Get(ctx, "n1")
		assert.NoError(t, err)
	})

	t.Run("ExpireReturnsEachNodeOnce", func(t *testing.T) {
		ctx := context.Background()
		clock := NewClock()
		r := newRegistry(t, clock)
		for _, id := range []string{"a", "b", "c"} {
			_, err := r.Heartbeat(ctx, id, nil, domain.Load{})
			require.NoError(t, err)
		}
		clock.Advance(TTL / 2)
		_, err := r.Heartbeat(ctx, "c", nil, domain.Load{})
		require.NoError(t, err)
		clock.Advance(TTL / 2)

		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			all []string
		)
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ids, err := r.Expire(ctx, clock.Now())
				assert.NoError(t, err)
				mu.Lock()
				all = append(all, ids...)
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.ElementsMatch(t, []string{"a", "b"}, all)
		nodes, err := r.List(ctx)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "c", nodes[0].ID)
	})
}
