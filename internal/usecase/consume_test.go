package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"taskmesh/internal/domain"
	"taskmesh/internal/router"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) consumer(nodeID string, tags []string, hs map[string]Handler) *Consumer {
	return &Consumer{
		C:                 f.g,
		NodeID:            nodeID,
		Tags:              tags,
		Handlers:          hs,
		HeartbeatInterval: 10 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		Concurrency:       1,
		BaseBackoff:       time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
	}
}

func TestConsumer_EchoScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, Submission{Type: "echo", Payload: json.RawMessage(`{"x":1}`), Priority: 5})

	var seen []domain.TaskStatus
	c := f.consumer("n1", nil, map[string]Handler{
		"echo": func(ctx context.Context, task domain.Task) (json.RawMessage, error) {
			cur, err := f.g.GetTaskStatus(ctx, task.ID)
			require.NoError(t, err)
			seen = append(seen, task.Status, cur.Status)
			return Echo(ctx, task)
		},
	})
	c.heartbeat(ctx)

	worked, err := c.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, []domain.TaskStatus{domain.StatusClaimed, domain.StatusRunning}, seen)

	got, err := f.g.GetTaskStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"x":1}`, string(got.Result))

	worked, err = c.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestConsumer_DisjointAffinity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskA := f.submit(t, Submission{Type: "echo", Affinity: "A"})
	taskB := f.submit(t, Submission{Type: "echo", Affinity: "B"})

	hs := map[string]Handler{"echo": Echo}
	a := f.consumer("node-a", []string{"A"}, hs)
	b := f.consumer("node-b", []string{"B"}, hs)
	a.heartbeat(ctx)
	b.heartbeat(ctx)

	worked, err := b.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, worked)
	worked, err = b.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "node-b never sees the A task")

	gotB, err := f.g.GetTaskStatus(ctx, taskB.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, gotB.Status)
	gotA, err := f.g.GetTaskStatus(ctx, taskA.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, gotA.Status)

	worked, err = a.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, worked)
	gotA, err = f.g.GetTaskStatus(ctx, taskA.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, gotA.Status)
}

func TestConsumer_FailureClasses(t *testing.T) {
	tests := []struct {
		name     string
		handler  Handler
		status   domain.TaskStatus
		kind     domain.ErrorKind
		attempts int
	}{
		{
			name: "transient error is requeued",
			handler: func(context.Context, domain.Task) (json.RawMessage, error) {
				return nil, errors.New("connection reset")
			},
			status: domain.StatusPending, kind: domain.ErrorRetryable, attempts: 1,
		},
		{
			name: "fatal error stays failed",
			handler: func(context.Context, domain.Task) (json.RawMessage, error) {
				return nil, Fatal(errors.New("bad input"))
			},
			status: domain.StatusFailed, kind: domain.ErrorFatal, attempts: 1,
		},
		{
			name: "panic is fatal",
			handler: func(context.Context, domain.Task) (json.RawMessage, error) {
				panic("nil map")
			},
			status: domain.StatusFailed, kind: domain.ErrorFatal, attempts: 1,
		},
		{
			name: "exhausted providers stay failed",
			handler: func(context.Context, domain.Task) (json.RawMessage, error) {
				return nil, &domain.AllProvidersExhaustedError{TaskType: "echo", Failures: []domain.ProviderFailure{{Provider: "a", Error: "503"}}}
			},
			status: domain.StatusFailed, kind: domain.ErrorProvidersExhausted, attempts: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			sub := f.submit(t, Submission{Type: "echo"})
			c := f.consumer("n1", nil, map[string]Handler{"echo": tt.handler})
			c.heartbeat(ctx)

			worked, err := c.ProcessOne(ctx)
			require.NoError(t, err)
			require.True(t, worked)

			got, err := f.g.GetTaskStatus(ctx, sub.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.attempts, got.Attempts)
			require.NotNil(t, got.Error)
			assert.Equal(t, tt.kind, got.Error.Kind)
			assert.Equal(t, "n1", got.Error.NodeID)
		})
	}
}

func TestConsumer_MissingHandlerIsFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, Submission{Type: "summarize"})
	c := f.consumer("n1", nil, map[string]Handler{"echo": Echo})
	c.heartbeat(ctx)

	_, err := c.ProcessOne(ctx)
	require.NoError(t, err)
	got, err := f.g.GetTaskStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.Error.Message, "no handler")
}

func TestConsumer_ReportsActiveTasksInHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, Submission{Type: "echo"})

	var c *Consumer
	c = f.consumer("n1", []string{"gpu"}, map[string]Handler{
		"echo": func(ctx context.Context, task domain.Task) (json.RawMessage, error) {
			c.heartbeat(ctx)
			return task.Payload, nil
		},
	})
	c.Load = func() domain.Load { return domain.Load{CPU: 0.5} }
	c.heartbeat(ctx)

	_, err := c.ProcessOne(ctx)
	require.NoError(t, err)

	node, err := f.registry.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 1, node.Load.ActiveTasks, "last heartbeat was sent mid-task")
	assert.Equal(t, 0.5, node.Load.CPU)
	assert.Equal(t, []string{"gpu"}, node.Tags)
}

func TestConsumer_RunDrainsQueue(t *testing.T) {
	f := newFixture(t)
	ids := make([]string, 5)
	for i := range ids {
		ids[i] = f.submit(t, Submission{Type: "echo", Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))}).ID
	}

	c := f.consumer("n1", nil, map[string]Handler{"echo": Echo})
	c.Concurrency = 3

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		counts, err := f.ledger.CountByStatus(context.Background())
		return err == nil && counts[domain.StatusCompleted] == int64(len(ids))
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}

	for i, id := range ids {
		got, err := f.g.GetTaskStatus(context.Background(), id)
		require.NoError(t, err)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(got.Result))
	}
}

func TestClassify(t *testing.T) {
	exhausted := &domain.AllProvidersExhaustedError{TaskType: "x", Failures: []domain.ProviderFailure{{Provider: "a"}}}

	assert.Equal(t, domain.ErrorRetryable, Classify(errors.New("timeout")).Kind)
	assert.Equal(t, domain.ErrorFatal, Classify(Fatal(errors.New("bad"))).Kind)
	assert.Equal(t, domain.ErrorFatal, Classify(fmt.Errorf("wrapped: %w", Fatal(errors.New("bad")))).Kind)

	te := Classify(fmt.Errorf("route: %w", exhausted))
	assert.Equal(t, domain.ErrorProvidersExhausted, te.Kind)
	assert.Equal(t, exhausted.Failures, te.Providers)
}

func TestRouted(t *testing.T) {
	r := router.New()
	r.Register(router.Func{Name: "down", Fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("503")
	}})
	r.Register(router.Echo("local"))
	require.NoError(t, r.SetRoute("summarize", router.Route{
		{Provider: "down", CostWeight: 0.2, Timeout: time.Second},
		{Provider: "local", CostWeight: 1, Timeout: time.Second},
	}))
	h := Routed(r)
	ctx := context.Background()

	out, err := h(ctx, domain.Task{Type: "summarize", Payload: json.RawMessage(`{"text":"hi"}`)})
	require.NoError(t, err)
	var res routedResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "local", res.Provider)
	assert.Equal(t, 1.0, res.Cost)
	assert.JSONEq(t, `{"text":"hi"}`, string(res.Output))
	require.Len(t, res.Fallbacks, 1)
	assert.Equal(t, "down", res.Fallbacks[0].Provider)

	_, err = h(ctx, domain.Task{Type: "summarize", Payload: json.RawMessage(`[]`)})
	assert.Equal(t, domain.ErrorFatal, Classify(err).Kind)

	_, err = h(ctx, domain.Task{Type: "translate", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, domain.ErrorFatal, Classify(err).Kind)

	hs := Handlers(r)
	assert.Contains(t, hs, "echo")
	assert.Contains(t, hs, "summarize")
}
