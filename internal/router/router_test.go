package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"taskmesh/internal/domain"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing(id string) Func {
	return Func{Name: id, Fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New(id + " unavailable")
	}}
}

func blocking(id string) Func {
	return Func{Name: id, Fn: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

func TestInvoke_FallsBackToLastProvider(t *testing.T) {
	r := New()
	r.Register(failing("a"))
	r.Register(failing("b"))
	r.Register(Echo("c"))
	require.NoError(t, r.SetRoute("summarize", Route{
		{Provider: "a", CostWeight: 0.1, Timeout: time.Second},
		{Provider: "b", CostWeight: 0.5, Timeout: time.Second},
		{Provider: "c", CostWeight: 1, Timeout: time.Second},
	}))

	res, err := r.Invoke(context.Background(), "summarize", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, string(res.Output))
	assert.Equal(t, "c", res.Provider)
	assert.Equal(t, 1.0, res.Cost)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "a", res.Failures[0].Provider)
	assert.Equal(t, "b", res.Failures[1].Provider)
}

func TestInvoke_FirstSuccessStopsChain(t *testing.T) {
	r := New()
	called := false
	r.Register(Echo("a"))
	r.Register(Func{Name: "b", Fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		called = true
		return nil, nil
	}})
	require.NoError(t, r.SetRoute("t", Route{{Provider: "a"}, {Provider: "b"}}))

	res, err := r.Invoke(context.Background(), "t", json.RawMessage(`1`))
	require.NoError(t, err)
	assert.Equal(t, "a", res.Provider)
	assert.Empty(t, res.Failures)
	assert.False(t, called)
}

func TestInvoke_AllProvidersExhausted(t *testing.T) {
	r := New()
	r.Register(failing("a"))
	r.Register(blocking("slow"))
	require.NoError(t, r.SetRoute("t", Route{
		{Provider: "a", Timeout: time.Second},
		{Provider: "slow", Timeout: 20 * time.Millisecond},
	}))

	_, err := r.Invoke(context.Background(), "t", json.RawMessage(`{}`))
	require.ErrorIs(t, err, domain.ErrAllProvidersExhausted)

	var exhausted *domain.AllProvidersExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Failures, 2)
	assert.False(t, exhausted.Failures[0].Timeout)
	assert.True(t, exhausted.Failures[1].Timeout)
}

func TestInvoke_TimeoutEnforcedForUncooperativeProvider(t *testing.T) {
	r := New()
	release := make(chan struct{})
	defer close(release)
	r.Register(Func{Name: "stuck", Fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		<-release
		return nil, nil
	}})
	r.Register(Echo("backup"))
	require.NoError(t, r.SetRoute("t", Route{
		{Provider: "stuck", Timeout: 20 * time.Millisecond},
		{Provider: "backup"},
	}))

	start := time.Now()
	res, err := r.Invoke(context.Background(), "t", json.RawMessage(`"x"`))
	require.NoError(t, err)
	assert.Equal(t, "backup", res.Provider)
	assert.Less(t, time.Since(start), time.Second)
}

func TestInvoke_UnknownRoute(t *testing.T) {
	_, err := New().Invoke(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSetRoute_RejectsUnknownProvider(t *testing.T) {
	r := New()
	err := r.SetRoute("t", Route{{Provider: "ghost"}})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.False(t, r.Handles("t"))
}

func TestBuild_FromYAML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"summary":"short"}`))
	}))
	defer srv.Close()

	f, err := Parse([]byte(`
providers:
  - id: cheap
    kind: http
    url: ` + srv.URL + `/down
  - id: good
    kind: http
    url: ` + srv.URL + `/up
routes:
  summarize:
    - {provider: cheap, cost_weight: 0.1, timeout: 2s}
    - {provider: good, cost_weight: 1.0, timeout: 2s}
`))
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, f.Routes["summarize"][0].Timeout)

	r, err := Build(f, srv.Client())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"summarize"}, r.TaskTypes())

	res, err := r.Invoke(context.Background(), "summarize", json.RawMessage(`{"text":"long"}`))
	require.NoError(t, err)
	assert.Equal(t, "good", res.Provider)
	assert.JSONEq(t, `{"summary":"short"}`, string(res.Output))
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0].Error, "503")
}

func TestBuild_UnknownKind(t *testing.T) {
	_, err := Build(&File{Providers: []ProviderSpec{{ID: "x", Kind: "grpc"}}}, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
