// Package router invokes external model providers through per-task-type
// fallback chains.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"taskmesh/internal/domain"
	"taskmesh/internal/ports"
	"time"

	"github.com/rs/zerolog/log"
)

// Step is one entry of a route.
type Step struct {
	Provider   string        `yaml:"provider"`
	CostWeight float64       `yaml:"cost_weight"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Route is the ordered fallback chain for one task type.
type Route []Step

// Result is a successful invocation together with the failures that preceded it.
type Result struct {
	Output   json.RawMessage
	Provider string
	Cost     float64
	Failures []domain.ProviderFailure
}

type Router struct {
	mu        sync.RWMutex
	providers map[string]ports.Provider
	routes    map[string]Route
}

func New() *Router {
	return &Router{
		providers: make(map[string]ports.Provider),
		routes:    make(map[string]Route),
	}
}

func (r *Router) Register(p ports.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

// SetRoute installs the chain for taskType. Every step must name a registered
// provider; the route is copied so later edits by the caller have no effect.
func (r *Router) SetRoute(taskType string, route Route) error {
	if len(route) == 0 {
		return domain.ValidationError("route for %s is empty", taskType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range route {
		if _, ok := r.providers[s.Provider]; !ok {
			return domain.ValidationError("route %s step %d: unknown provider %q", taskType, i, s.Provider)
		}
	}
	r.routes[taskType] = append(Route(nil), route...)
	return nil
}

func (r *Router) Handles(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[taskType]
	return ok
}

func (r *Router) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	return out
}

// Invoke walks the route for taskType top-down and returns the first success.
// When every step fails it returns *domain.AllProvidersExhaustedError.
func (r *Router) Invoke(ctx context.Context, taskType string, input json.RawMessage) (Result, error) {
	r.mu.RLock()
	route, ok := r.routes[taskType]
	chain := make([]ports.Provider, len(route))
	for i, s := range route {
		chain[i] = r.providers[s.Provider]
	}
	r.mu.RUnlock()
	if !ok {
		return Result{}, domain.NotFoundError("route", taskType)
	}

	var failures []domain.ProviderFailure
	for i, step := range route {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		out, f := call(ctx, chain[i], step, input)
		if f == nil {
			return Result{Output: out, Provider: step.Provider, Cost: step.CostWeight, Failures: failures}, nil
		}
		log.Ctx(ctx).Warn().
			Str("task_type", taskType).
			Str("provider", step.Provider).
			Bool("timeout", f.Timeout).
			Msgf("provider failed: %s", f.Error)
		failures = append(failures, *f)
	}
	return Result{}, &domain.AllProvidersExhaustedError{TaskType: taskType, Failures: failures}
}

type reply struct {
	out json.RawMessage
	err error
}

// call runs one provider, giving up once the step timeout elapses even if the
// provider itself does not honour its context.
func call(ctx context.Context, p ports.Provider, step Step, input json.RawMessage) (json.RawMessage, *domain.ProviderFailure) {
	callCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan reply, 1)
	go func() {
		out, err := p.Invoke(callCtx, input)
		done <- reply{out, err}
	}()

	var err error
	select {
	case rep := <-done:
		if rep.err == nil {
			return rep.out, nil
		}
		err = rep.err
	case <-callCtx.Done():
		err = callCtx.Err()
	}
	return nil, &domain.ProviderFailure{
		Provider: step.Provider,
		Error:    err.Error(),
		Timeout:  errors.Is(err, context.DeadlineExceeded),
		Elapsed:  time.Since(start),
	}
}
