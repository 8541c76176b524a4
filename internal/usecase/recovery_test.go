package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"taskmesh/internal/config"
	"taskmesh/internal/domain"
	"taskmesh/internal/infra/redisq"
	"taskmesh/internal/metrics"
	"taskmesh/internal/ports"
	"taskmesh/internal/ports/portstest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConnReset = errors.New("connection reset by peer")

// flakyCoordinator fails StartTask, ReportResult and ReleaseTask the given
// number of times before passing calls through.
type flakyCoordinator struct {
	ports.Coordinator
	startFailures   int
	reportFailures  int
	releaseFailures int
	releases        int
}

func (c *flakyCoordinator) StartTask(ctx context.Context, taskID, nodeID string) (domain.Task, error) {
	if c.startFailures > 0 {
		c.startFailures--
		return domain.Task{}, errConnReset
	}
	return c.Coordinator.StartTask(ctx, taskID, nodeID)
}

func (c *flakyCoordinator) ReportResult(ctx context.Context, taskID, nodeID string, o domain.Outcome) (domain.Task, error) {
	if c.reportFailures > 0 {
		c.reportFailures--
		return domain.Task{}, errConnReset
	}
	return c.Coordinator.ReportResult(ctx, taskID, nodeID, o)
}

func (c *flakyCoordinator) ReleaseTask(ctx context.Context, taskID, nodeID, reason string) (domain.Task, error) {
	c.releases++
	if c.releaseFailures > 0 {
		c.releaseFailures--
		return domain.Task{}, errConnReset
	}
	return c.Coordinator.ReleaseTask(ctx, taskID, nodeID, reason)
}

// countingQueue counts Enqueue and Requeue calls and fails the first
// enqueueFailures calls to Enqueue.
type countingQueue struct {
	ports.Queue
	enqueueFailures int
	enqueues        int
	requeues        int
}

func (q *countingQueue) Enqueue(ctx context.Context, ref domain.TaskRef) error {
	q.enqueues++
	if q.enqueueFailures > 0 {
		q.enqueueFailures--
		return errStoreDown
	}
	return q.Queue.Enqueue(ctx, ref)
}

func (q *countingQueue) Requeue(ctx context.Context, ref domain.TaskRef) error {
	q.requeues++
	return q.Queue.Requeue(ctx, ref)
}

// racingLedger requeues a task the moment it is failed, the way a reaper
// sweep landing between the two steps of a retryable report would.
type racingLedger struct {
	ports.Ledger
	g    *Gateway
	done bool
}

func (l *racingLedger) Transition(ctx context.Context, id string, from []domain.TaskStatus, to domain.TaskStatus, p domain.Patch) (domain.Task, error) {
	t, err := l.Ledger.Transition(ctx, id, from, to, p)
	if err == nil && to == domain.StatusFailed && !l.done {
		l.done = true
		if _, rerr := l.g.Requeue(ctx, id); rerr != nil {
			return domain.Task{}, rerr
		}
	}
	return t, err
}

func TestConsumer_ReleasesTaskWhenStartFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, Submission{Type: "echo", Payload: json.RawMessage(`{"x":1}`)})

	coord := &flakyCoordinator{Coordinator: f.g, startFailures: 1}
	c := f.consumer("n1", nil, map[string]Handler{"echo": Echo})
	c.C = coord
	c.heartbeat(ctx)

	worked, err := c.ProcessOne(ctx)
	assert.True(t, worked)
	require.ErrorIs(t, err, errConnReset)
	assert.Equal(t, 1, coord.releases)

	got, err := f.g.GetTaskStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.ClaimedBy)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrorRetryable, got.Error.Kind)
	assert.Equal(t, "n1", got.Error.NodeID)
	assert.Contains(t, got.Error.Message, "connection reset")

	worked, err = c.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	got, err = f.g.GetTaskStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestConsumer_ReleasesTaskWhenResultCannotBeReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, Submission{Type: "echo"})

	coord := &flakyCoordinator{Coordinator: f.g, reportFailures: 100}
	c := f.consumer("n1", nil, map[string]Handler{"echo": Echo})
	c.C = coord
	c.heartbeat(ctx)

	worked, err := c.ProcessOne(ctx)
	assert.True(t, worked)
	require.ErrorIs(t, err, errConnReset)

	got, err := f.g.GetTaskStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrorRetryable, got.Error.Kind)
	assert.Contains(t, got.Error.Message, "result could not be reported")
}

func TestConsumer_NoReleaseWhenTaskIsNoLongerOurs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, Submission{Type: "echo"})

	coord := &flakyCoordinator{Coordinator: f.g}
	c := f.consumer("n1", nil, map[string]Handler{
		"echo": func(ctx context.Context, task domain.Task) (json.RawMessage, error) {
			// The claim is released from under the handler.
			require.NoError(t, f.g.RecoverOrphan(ctx, task.ID, "n1"))
			return Echo(ctx, task)
		},
	})
	c.C = coord
	c.heartbeat(ctx)

	_, err := c.ProcessOne(ctx)
	assert.ErrorIs(t, err, domain.ErrOwnership)
	assert.Zero(t, coord.releases)
}

func TestReaper_ExpiresClaimPastTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, Submission{Type: "echo"})

	// The node stays alive but can neither start nor give back its task.
	coord := &flakyCoordinator{Coordinator: f.g, startFailures: 100, releaseFailures: 100}
	c := f.consumer("n1", nil, map[string]Handler{"echo": Echo})
	c.C = coord
	c.heartbeat(ctx)

	_, err := c.ProcessOne(ctx)
	require.ErrorIs(t, err, errConnReset)

	reaper := NewReaper(f.g, time.Second)
	reaper.ClaimTimeout = time.Minute

	_, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	got, err := f.g.GetTaskStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClaimed, got.Status)

	for range 2 {
		f.clock.Advance(31 * time.Second)
		c.heartbeat(ctx)
	}
	n, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "the node itself is alive")

	got, err = f.g.GetTaskStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrorClaimTimeout, got.Error.Kind)
	assert.Equal(t, "n1", got.Error.NodeID)

	_, err = f.g.StartTask(ctx, sub.ID, "n1")
	assert.ErrorIs(t, err, domain.ErrOwnership, "the claim is gone")
}

func TestReaper_ClaimTimeoutDisabledByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.heartbeat(t, "n1")
	sub := f.submit(t, Submission{Type: "echo"})
	f.claimAndStart(t, "n1")

	reaper := NewReaper(f.g, time.Second)
	for range 10 {
		f.clock.Advance(portstest.TTL / 2)
		f.heartbeat(t, "n1")
		_, err := reaper.Sweep(ctx)
		require.NoError(t, err)
	}

	got, err := f.g.GetTaskStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
}

func TestReaper_RecoversClaimsAfterRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.heartbeat(t, "n1")
	sub := f.submit(t, Submission{Type: "echo"})
	f.claimAndStart(t, "n1")

	// The previous gateway expired the lease and died before releasing
	// anything.
	f.clock.Advance(portstest.TTL)
	expired, err := f.registry.Expire(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, []string{"n1"}, expired)

	restarted := &Gateway{
		Queue:    f.queue,
		Ledger:   f.ledger,
		Registry: f.registry,
		Store:    f.registry,
		Policy:   f.g.Policy,
		Now:      f.clock.Now,
	}
	n, err := NewReaper(restarted, time.Second).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no lease left to expire")

	got, err := restarted.GetTaskStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, got.ClaimedBy)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrorNodeUnreachable, got.Error.Kind)
}

func TestReaper_RecoversClaimsAfterRestartRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	clock := portstest.NewClock()

	gateway := func() *Gateway {
		c := redisq.New(config.Redis{Addr: mr.Addr(), KeyPrefix: "test"})
		t.Cleanup(func() { _ = c.Close() })
		require.NoError(t, c.Connect(ctx))
		l := redisq.NewLedger(c)
		l.Now = clock.Now
		r := redisq.NewRegistry(c, portstest.TTL, portstest.Thresholds)
		r.Now = clock.Now
		return &Gateway{
			Queue:    redisq.NewQueue(c),
			Ledger:   l,
			Registry: r,
			Store:    c,
			Metrics:  metrics.NewCollector("test"),
			Policy:   Policy{TaskTypes: []string{"echo"}, MaxPriority: 10, DefaultMaxAttempts: 3},
			Now:      clock.Now,
		}
	}

	before := gateway()
	_, err := before.ReportHeartbeat(ctx, "n1", nil, domain.Load{})
	require.NoError(t, err)
	sub, err := before.SubmitTask(ctx, Submission{Type: "echo"})
	require.NoError(t, err)
	claimed, err := before.ClaimTask(ctx, "n1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	clock.Advance(portstest.TTL)
	_, err = before.Registry.Expire(ctx, clock.Now())
	require.NoError(t, err)

	after := gateway()
	_, err = NewReaper(after, time.Second).Sweep(ctx)
	require.NoError(t, err)

	got, err := after.GetTaskStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)

	_, err = after.ReportHeartbeat(ctx, "n2", nil, domain.Load{})
	require.NoError(t, err)
	again, err := after.ClaimTask(ctx, "n2")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, sub.ID, again.ID)
}

func TestReaper_RequeuesFailedTaskLeftByReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.g.Ledger = &flakyLedger{Ledger: f.ledger, transitionFailures: 1}
	f.heartbeat(t, "n1")
	sub := f.submit(t, Submission{Type: "echo"})
	f.claimAndStart(t, "n1")

	retry := domain.Outcome{Error: &domain.TaskError{Kind: domain.ErrorRetryable, Message: "upstream timeout"}}
	_, err := f.g.ReportResult(ctx, sub.ID, "n1", retry)
	require.ErrorIs(t, err, errStoreDown)

	// The worker's retry finds the failure already recorded.
	_, err = f.g.ReportResult(ctx, sub.ID, "n1", retry)
	require.ErrorIs(t, err, domain.ErrConflict)

	got, err := f.g.GetTaskStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)

	reaper := NewReaper(f.g, time.Second)
	_, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	got, err = f.g.GetTaskStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status, "still within the grace period")

	f.clock.Advance(reaper.Grace)
	_, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	got, err = f.g.GetTaskStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)

	task := f.claimAndStart(t, "n1")
	assert.Equal(t, sub.ID, task.ID)
}

func TestReaper_LeavesFatalFailuresAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.heartbeat(t, "n1")
	sub := f.submit(t, Submission{Type: "echo"})
	f.claimAndStart(t, "n1")
	_, err := f.g.ReportResult(ctx, sub.ID, "n1", domain.Outcome{
		Error: &domain.TaskError{Kind: domain.ErrorFatal, Message: "malformed payload"},
	})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	f.heartbeat(t, "n1")
	_, err = NewReaper(f.g, time.Second).Sweep(ctx)
	require.NoError(t, err)

	got, err := f.g.GetTaskStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
}

func TestReaper_RestoresMissingQueueReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.heartbeat(t, "n1")

	// Recorded as pending, but its reference never made it to the queue.
	lost, err := f.ledger.Create(ctx, domain.Task{ID: "lost", Type: "echo", Affinity: domain.AffinityAny, MaxAttempts: 3})
	require.NoError(t, err)

	reaper := NewReaper(f.g, time.Second)
	_, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	claimed, err := f.g.ClaimTask(ctx, "n1")
	require.NoError(t, err)
	assert.Nil(t, claimed, "not restored within the grace period")

	f.clock.Advance(reaper.Grace)
	f.heartbeat(t, "n1")
	for range 2 {
		_, err = reaper.Sweep(ctx)
		require.NoError(t, err)
	}
	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "restored once")

	task := f.claimAndStart(t, "n1")
	assert.Equal(t, lost.ID, task.ID)
}

func TestSubmitTask_LostEnqueueIsRestored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := &countingQueue{Queue: f.queue, enqueueFailures: 3}
	f.g.Queue = q
	f.heartbeat(t, "n1")

	_, err := f.g.SubmitTask(ctx, Submission{Type: "echo"})
	require.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, 3, q.enqueues)

	ids, err := f.ledger.ListByStatus(ctx, domain.StatusPending)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	reaper := NewReaper(f.g, time.Second)
	f.clock.Advance(reaper.Grace)
	f.heartbeat(t, "n1")
	_, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, q.requeues)

	task := f.claimAndStart(t, "n1")
	assert.Equal(t, ids[0], task.ID)
}

func TestRequeue_GoesThroughQueueRequeue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := &countingQueue{Queue: f.queue}
	f.g.Queue = q
	f.heartbeat(t, "n1")
	sub := f.submit(t, Submission{Type: "echo"})
	assert.Equal(t, 1, q.enqueues)
	assert.Zero(t, q.requeues)

	f.claimAndStart(t, "n1")
	_, err := f.g.ReportResult(ctx, sub.ID, "n1", domain.Outcome{
		Error: &domain.TaskError{Kind: domain.ErrorRetryable, Message: "upstream timeout"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, q.enqueues)
	assert.Equal(t, 1, q.requeues)
}

func TestReportResult_ReaperRequeuedFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.g.Ledger = &racingLedger{Ledger: f.ledger, g: f.g}
	f.heartbeat(t, "n1")
	sub := f.submit(t, Submission{Type: "echo"})
	f.claimAndStart(t, "n1")

	got, err := f.g.ReportResult(ctx, sub.ID, "n1", domain.Outcome{
		Error: &domain.TaskError{Kind: domain.ErrorRetryable, Message: "upstream timeout"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts, "requeued once")
}

func TestReleaseTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.heartbeat(t, "n1")
	f.heartbeat(t, "n2")
	sub := f.submit(t, Submission{Type: "echo"})

	_, err := f.g.ReleaseTask(ctx, sub.ID, "n1", "")
	assert.ErrorIs(t, err, domain.ErrOwnership, "pending tasks are not held")

	claimed, err := f.g.ClaimTask(ctx, "n1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, err = f.g.ReleaseTask(ctx, sub.ID, "", "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.g.ReleaseTask(ctx, sub.ID, "n2", "")
	assert.ErrorIs(t, err, domain.ErrOwnership)

	got, err := f.g.ReleaseTask(ctx, sub.ID, "n1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.Error)
	assert.Equal(t, "released by node", got.Error.Message)
}

func TestReportHeartbeat_ReleasesClaimsHeldAcrossLapsedLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.heartbeat(t, "n1")
	sub := f.submit(t, Submission{Type: "echo"})
	f.claimAndStart(t, "n1")

	// The lease lapses and n1 heartbeats again before any sweep.
	f.clock.Advance(portstest.TTL)
	f.heartbeat(t, "n1")

	got, err := f.g.GetTaskStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, got.ClaimedBy)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrorNodeUnreachable, got.Error.Kind)

	_, err = f.g.ReportResult(ctx, sub.ID, "n1", domain.Outcome{Success: true})
	assert.ErrorIs(t, err, domain.ErrOwnership)

	task := f.claimAndStart(t, "n1")
	assert.Equal(t, sub.ID, task.ID)
}

func TestReportHeartbeat_LiveLeaseKeepsClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.heartbeat(t, "n1")
	sub := f.submit(t, Submission{Type: "echo"})
	f.claimAndStart(t, "n1")

	f.clock.Advance(portstest.TTL / 2)
	f.heartbeat(t, "n1")

	got, err := f.g.GetTaskStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, "n1", got.ClaimedBy)
}
