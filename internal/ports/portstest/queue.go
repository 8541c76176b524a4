package portstest

import (
	"context"
	"fmt"
	"sync"
	"taskmesh/internal/domain"
	"taskmesh/internal/ports"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Queue runs the queue suite against fresh queues from newQueue.
func Queue(t *testing.T, newQueue func(t *testing.T) ports.Queue) {
	t.Run("EmptyClaimReturnsNil", func(t *testing.T) {
		q := newQueue(t)
		ref, err := q.Claim(context.Background(), []string{"gpu"})
		require.NoError(t, err)
		assert.Nil(t, ref)
	})

	t.Run("PriorityThenSubmissionOrder", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t)
		refs := []domain.TaskRef{
			{ID: "late-urgent", Priority: 1, Affinity: "any", Seq: 4},
			{ID: "lazy", Priority: 9, Affinity: "any", Seq: 1},
			{ID: "early-urgent", Priority: 1, Affinity: "any", Seq: 2},
			{ID: "middle", Priority: 5, Affinity: "any", Seq: 3},
		}
		for _, r := range refs {
			require.NoError(t, q.Enqueue(ctx, r))
		}

		var got []string
		for {
			ref, err := q.Claim(ctx, nil)
			require.NoError(t, err)
			if ref == nil {
				break
			}
			got = append(got, ref.ID)
		}
		assert.Equal(t, []string{"early-urgent", "late-urgent", "middle", "lazy"}, got)
	})

	t.Run("ClaimReturnsFullReference", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t)
		want := domain.TaskRef{ID: "t1", Priority: 7, Affinity: "gpu", Seq: 42}
		require.NoError(t, q.Enqueue(ctx, want))

		ref, err := q.Claim(ctx, []string{"gpu"})
		require.NoError(t, err)
		require.NotNil(t, ref)
		assert.Equal(t, want, *ref)
	})

	t.Run("AffinityPartitions", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, domain.TaskRef{ID: "for-a", Priority: 1, Affinity: "A", Seq: 1}))

		ref, err := q.Claim(ctx, []string{"B"})
		require.NoError(t, err)
		assert.Nil(t, ref, "node tagged B must not see affinity A")

		ref, err = q.Claim(ctx, []string{"A"})
		require.NoError(t, err)
		require.NotNil(t, ref)
		assert.Equal(t, "for-a", ref.ID)
	})

	t.Run("AnyPartitionVisibleToAllAndMergedByPriority", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, domain.TaskRef{ID: "gpu-low", Priority: 8, Affinity: "gpu", Seq: 1}))
		require.NoError(t, q.Enqueue(ctx, domain.TaskRef{ID: "any-high", Priority: 2, Affinity: "", Seq: 2}))

		ref, err := q.Claim(ctx, []string{"gpu"})
		require.NoError(t, err)
		require.NotNil(t, ref)
		assert.Equal(t, "any-high", ref.ID)
		assert.Equal(t, domain.AffinityAny, ref.Affinity)

		ref, err = q.Claim(ctx, []string{"gpu"})
		require.NoError(t, err)
		require.NotNil(t, ref)
		assert.Equal(t, "gpu-low", ref.ID)
	})

	t.Run("RequeueKeepsOriginalPosition", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t)
		first := domain.TaskRef{ID: "first", Priority: 3, Affinity: "any", Seq: 1}
		require.NoError(t, q.Enqueue(ctx, first))
		require.NoError(t, q.Enqueue(ctx, domain.TaskRef{ID: "second", Priority: 3, Affinity: "any", Seq: 2}))

		ref, err := q.Claim(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, "first", ref.ID)
		require.NoError(t, q.Requeue(ctx, *ref))

		ref, err = q.Claim(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, "first", ref.ID)
	})

	t.Run("Contains", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t)
		ref := domain.TaskRef{ID: "t1", Priority: 4, Affinity: "gpu", Seq: 9}

		ok, err := q.Contains(ctx, ref)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, q.Enqueue(ctx, ref))
		ok, err = q.Contains(ctx, ref)
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = q.Claim(ctx, []string{"gpu"})
		require.NoError(t, err)
		ok, err = q.Contains(ctx, ref)
		require.NoError(t, err)
		assert.False(t, ok, "claimed references are gone")

		require.NoError(t, q.Requeue(ctx, ref))
		ok, err = q.Contains(ctx, ref)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Len", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, domain.TaskRef{ID: "a", Affinity: "x", Seq: 1}))
		require.NoError(t, q.Enqueue(ctx, domain.TaskRef{ID: "b", Affinity: "any", Seq: 2}))
		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
	})

	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) {
		ctx := context.Background()
		q := newQueue(t)
		const tasks, workers = 200, 16
		for i := range tasks {
			aff := []string{"any", "A", "B"}[i%3]
			require.NoError(t, q.Enqueue(ctx, domain.TaskRef{ID: fmt.Sprintf("t%03d", i), Priority: i % 7, Affinity: aff, Seq: int64(i + 1)}))
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					ref, err := q.Claim(ctx, []string{"A", "B"})
					if err != nil {
						t.Error(err)
						return
					}
					if ref == nil {
						return
					}
					mu.Lock()
					seen[ref.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, tasks)
		for id, n := range seen {
			assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
		}
	})
}
