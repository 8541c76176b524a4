package portstest

import (
	"context"
	"encoding/json"
	"sync"
	"taskmesh/internal/domain"
	"taskmesh/internal/ports"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pending = []domain.TaskStatus{domain.StatusPending}
	claimed = []domain.TaskStatus{domain.StatusClaimed}
	running = []domain.TaskStatus{domain.StatusRunning}
	failed  = []domain.TaskStatus{domain.StatusFailed}
)

func newTask(id string) domain.Task {
	return domain.Task{
		ID:          id,
		Type:        "echo",
		Payload:     json.RawMessage(`{"x":1}`),
		Priority:    5,
		Affinity:    domain.AffinityAny,
		MaxAttempts: 3,
	}
}

// Ledger runs the ledger suite against fresh ledgers from newLedger.
func Ledger(t *testing.T, newLedger func(t *testing.T) ports.Ledger) {
	t.Run("CreateStartsPending", func(t *testing.T) {
		ctx := context.Background()
		l := newLedger(t)
		in := newTask("t1")
		in.Status = domain.StatusCompleted
		in.Attempts = 7

		a, err := l.Create(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, a.Status)
		assert.Zero(t, a.Attempts)
		assert.Empty(t, a.ClaimedBy)
		assert.Nil(t, a.ClaimedAt)
		assert.False(t, a.CreatedAt.IsZero())

		b, err := l.Create(ctx, newTask("t2"))
		require.NoError(t, err)
		assert.Greater(t, b.Seq, a.Seq)

		got, err := l.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.JSONEq(t, `{"x":1}`, string(got.Payload))
	})

	t.Run("CreateRejectsDuplicate", func(t *testing.T) {
		ctx := context.Background()
		l := newLedger(t)
		_, err := l.Create(ctx, newTask("dup"))
		require.NoError(t, err)
		_, err = l.Create(ctx, newTask("dup"))
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		_, err := newLedger(t).Get(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("TransitionUnknown", func(t *testing.T) {
		_, err := newLedger(t).Transition(context.Background(), "missing", pending, domain.StatusClaimed, domain.Patch{})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("FullLifecycle", func(t *testing.T) {
		ctx := context.Background()
		l := newLedger(t)
		_, err := l.Create(ctx, newTask("t"))
		require.NoError(t, err)

		at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		c, err := l.Transition(ctx, "t", pending, domain.StatusClaimed, domain.Patch{ClaimedBy: "n1", ClaimedAt: at})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusClaimed, c.Status)
		assert.Equal(t, "n1", c.ClaimedBy)
		require.NotNil(t, c.ClaimedAt)
		assert.True(t, at.Equal(*c.ClaimedAt))

		_, err = l.Transition(ctx, "t", claimed, domain.StatusRunning, domain.Patch{Owner: "n1"})
		require.NoError(t, err)

		done, err := l.Transition(ctx, "t", running, domain.StatusCompleted, domain.Patch{Owner: "n1", Result: json.RawMessage(`{"x":1}`)})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, done.Status)
		assert.JSONEq(t, `{"x":1}`, string(done.Result))

		got, err := l.Get(ctx, "t")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, got.Status)
		assert.JSONEq(t, `{"x":1}`, string(got.Result))
	})

	t.Run("GuardConflict", func(t *testing.T) {
		ctx := context.Background()
		l := newLedger(t)
		_, err := l.Create(ctx, newTask("t"))
		require.NoError(t, err)

		_, err = l.Transition(ctx, "t", running, domain.StatusCompleted, domain.Patch{})
		assert.ErrorIs(t, err, domain.ErrConflict)

		got, err := l.Get(ctx, "t")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status, "a failed guard must not mutate")
	})

	t.Run("OwnershipGuard", func(t *testing.T) {
		ctx := context.Background()
		l := newLedger(t)
		_, err := l.Create(ctx, newTask("t"))
		require.NoError(t, err)
		_, err = l.Transition(ctx, "t", pending, domain.StatusClaimed, domain.Patch{ClaimedBy: "n1", ClaimedAt: time.Now()})
		require.NoError(t, err)

		_, err = l.Transition(ctx, "t", claimed, domain.StatusRunning, domain.Patch{Owner: "n2"})
		assert.ErrorIs(t, err, domain.ErrOwnership)
	})

	t.Run("TerminalStatesAcceptNothing", func(t *testing.T) {
		ctx := context.Background()
		l := newLedger(t)
		_, err := l.Create(ctx, newTask("t"))
		require.NoError(t, err)
		_, err = l.Transition(ctx, "t", pending, domain.StatusClaimed, domain.Patch{ClaimedBy: "n1", ClaimedAt: time.Now()})
		require.NoError(t, err)
		_, err = l.Transition(ctx, "t", claimed, domain.StatusRunning, domain.Patch{})
		require.NoError(t, err)
		_, err = l.Transition(ctx, "t", running, domain.StatusFailed, domain.Patch{Error: &domain.TaskError{Kind: domain.ErrorRetryable, Message: "boom"}})
		require.NoError(t, err)
		dl, err := l.Transition(ctx, "t", failed, domain.StatusDeadLettered, domain.Patch{IncrAttempts: true, ClearClaim: true})
		require.NoError(t, err)
		assert.Equal(t, 1, dl.Attempts)
		require.Len(t, dl.Errors, 1)
		assert.Equal(t, 1, dl.Errors[0].Attempt)

		all := []domain.TaskStatus{domain.StatusDeadLettered}
		for _, to := range domain.Statuses {
			_, err = l.Transition(ctx, "t", all, to, domain.Patch{})
			assert.ErrorIs(t, err, domain.ErrConflict, "dead_lettered -> %s", to)
		}
	})

	t.Run("ClaimedByIndex", func(t *testing.T) {
		ctx := context.Background()
		l := newLedger(t)
		for _, id := range []string{"a", "b", "c"} {
			_, err := l.Create(ctx, newTask(id))
			require.NoError(t, err)
		}
		for _, id := range []string{"a", "b"} {
			_, err := l.Transition(ctx, id, pending, domain.StatusClaimed, domain.Patch{ClaimedBy: "n1", ClaimedAt: time.Now()})
			require.NoError(t, err)
		}
		_, err := l.Transition(ctx, "c", pending, domain.StatusClaimed, domain.Patch{ClaimedBy: "n2", ClaimedAt: time.Now()})
		require.NoError(t, err)
		_, err = l.Transition(ctx, "b", claimed, domain.StatusRunning, domain.Patch{Owner: "n1"})
		require.NoError(t, err)

		ids, err := l.ClaimedBy(ctx, "n1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids)

		_, err = l.Transition(ctx, "b", running, domain.StatusCompleted, domain.Patch{Owner: "n1"})
		require.NoError(t, err)
		ids, err = l.ClaimedBy(ctx, "n1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, ids)
	})

	t.Run("CountByStatus", func(t *testing.T) {
		ctx := context.Background()
		l := newLedger(t)
		for _, id := range []string{"a", "b", "c"} {
			_, err := l.Create(ctx, newTask(id))
			require.NoError(t, err)
		}
		_, err := l.Transition(ctx, "a", pending, domain.StatusClaimed, domain.Patch{ClaimedBy: "n", ClaimedAt: time.Now()})
		require.NoError(t, err)

		counts, err := l.CountByStatus(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, counts[domain.StatusPending])
		assert.EqualValues(t, 1, counts[domain.StatusClaimed])
		assert.EqualValues(t, 0, counts[domain.StatusCompleted])
	})

	t.Run("ListByStatus", func(t *testing.T) {
		ctx := context.Background()
		l := newLedger(t)
		for _, id := range []string{"c", "a", "b"} {
			_, err := l.Create(ctx, newTask(id))
			require.NoError(t, err)
		}
		_, err := l.Transition(ctx, "b", pending, domain.StatusClaimed, domain.Patch{ClaimedBy: "n", ClaimedAt: time.Now()})
		require.NoError(t, err)

		ids, err := l.ListByStatus(ctx, domain.StatusPending)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, ids)
		ids, err = l.ListByStatus(ctx, domain.StatusClaimed)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids)
		ids, err = l.ListByStatus(ctx, domain.StatusFailed)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("ConcurrentTransitionsHaveOneWinner", func(t *testing.T) {
		ctx := context.Background()
		l := newLedger(t)
		_, err := l.Create(ctx, newTask("race"))
		require.NoError(t, err)

		const n = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
		)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				node := string(rune('a' + i))
				_, err := l.Transition(ctx, "race", pending, domain.StatusClaimed, domain.Patch{ClaimedBy: node, ClaimedAt: time.Now()})
				if err == nil {
					mu.Lock()
					winners = append(winners, node)
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, domain.ErrConflict)
			}()
		}
		wg.Wait()

		require.Len(t, winners, 1)
		got, err := l.Get(ctx, "race")
		require.NoError(t, err)
		assert.Equal(t, winners[0], got.ClaimedBy)
	})
}
