package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"taskmesh/internal/domain"
	"taskmesh/internal/ports"
	"taskmesh/pkg/backoff"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Handler executes one task and returns its result.
type Handler func(ctx context.Context, t domain.Task) (json.RawMessage, error)

type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

// Fatal marks err as not worth retrying, e.g. a malformed payload.
func Fatal(err error) error { return fatalError{err} }

// Classify turns a handler error into the failure record reported to the gateway.
func Classify(err error) domain.TaskError {
	var exhausted *domain.AllProvidersExhaustedError
	var fatal fatalError
	switch {
	case errors.As(err, &exhausted):
		return domain.TaskError{Kind: domain.ErrorProvidersExhausted, Message: err.Error(), Providers: exhausted.Failures}
	case errors.As(err, &fatal):
		return domain.TaskError{Kind: domain.ErrorFatal, Message: err.Error()}
	default:
		return domain.TaskError{Kind: domain.ErrorRetryable, Message: err.Error()}
	}
}

// Consumer is the worker agent loop: it keeps its lease alive and claims,
// runs and reports tasks for NodeID.
type Consumer struct {
	C                 ports.Coordinator
	NodeID            string
	Tags              []string
	Handlers          map[string]Handler
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	Concurrency       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	// Load samples host load for heartbeats; ActiveTasks is filled in by the consumer.
	Load func() domain.Load

	active atomic.Int64
}

func (c *Consumer) Run(ctx context.Context) error {
	// The first heartbeat creates the lease that claiming requires.
	c.heartbeat(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.heartbeatLoop(ctx) })
	for range max(c.Concurrency, 1) {
		g.Go(func() error { return c.pollLoop(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.heartbeat(ctx)
		}
	}
}

func (c *Consumer) heartbeat(ctx context.Context) {
	var load domain.Load
	if c.Load != nil {
		load = c.Load()
	}
	load.ActiveTasks = int(c.active.Load())
	if _, err := c.C.ReportHeartbeat(ctx, c.NodeID, c.Tags, load); err != nil && ctx.Err() == nil {
		log.Ctx(ctx).Warn().Err(err).Str("node", c.NodeID).Msg("heartbeat failed")
	}
}

func (c *Consumer) pollLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := c.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			log.Ctx(ctx).Warn().Err(err).Str("node", c.NodeID).Msg("poll failed")
		}
		if worked {
			continue
		}
		if err := backoff.Sleep(ctx, c.PollInterval); err != nil {
			return err
		}
	}
}

// ProcessOne claims at most one task and drives it to a reported outcome.
// It reports whether a task was claimed.
func (c *Consumer) ProcessOne(ctx context.Context) (bool, error) {
	t, err := c.C.ClaimTask(ctx, c.NodeID)
	if err != nil || t == nil {
		return false, err
	}

	c.active.Add(1)
	defer c.active.Add(-1)

	logger := log.Ctx(ctx).With().Str("task", t.ID).Str("type", t.Type).Logger()
	if _, err := c.C.StartTask(ctx, t.ID, c.NodeID); err != nil {
		err = fmt.Errorf("start %s: %w", t.ID, err)
		if !final(err) {
			c.release(ctx, t.ID, err.Error())
		}
		return true, err
	}

	outcome := c.execute(logger.WithContext(ctx), *t)

	// A shutdown mid-task still reports, so the task is requeued now rather
	// than after the lease runs out.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err = c.retry(reportCtx, func(ctx context.Context) error {
		_, err := c.C.ReportResult(ctx, t.ID, c.NodeID, outcome)
		return err
	})
	if err != nil {
		if !final(err) {
			c.release(ctx, t.ID, "result could not be reported: "+err.Error())
		}
		return true, err
	}
	logger.Info().Bool("success", outcome.Success).Int("attempts", t.Attempts).Msg("task reported")
	return true, nil
}

// release hands a task back to the gateway after this node lost the ability
// to carry it through. If that fails too, the gateway's claim timeout
// recovers the task.
func (c *Consumer) release(ctx context.Context, taskID, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := c.retry(ctx, func(ctx context.Context) error {
		_, err := c.C.ReleaseTask(ctx, taskID, c.NodeID, reason)
		return err
	})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("task", taskID).Str("node", c.NodeID).Msg("releasing task failed")
		return
	}
	log.Ctx(ctx).Warn().Str("task", taskID).Str("node", c.NodeID).Msgf("task released: %s", reason)
}

func (c *Consumer) execute(ctx context.Context, t domain.Task) (o domain.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = domain.Outcome{Error: &domain.TaskError{Kind: domain.ErrorFatal, Message: fmt.Sprintf("handler panic: %v", r)}}
		}
	}()

	h, ok := c.Handlers[t.Type]
	if !ok {
		return domain.Outcome{Error: &domain.TaskError{Kind: domain.ErrorFatal, Message: fmt.Sprintf("no handler for task type %q", t.Type)}}
	}
	out, err := h(ctx, t)
	if err == nil {
		return domain.Outcome{Success: true, Result: out}
	}
	if ctx.Err() != nil {
		err = fmt.Errorf("worker shutting down: %w", err)
	}
	te := Classify(err)
	return domain.Outcome{Error: &te}
}

// final reports whether err is a guard failure (conflict, ownership) that
// retrying cannot change; such a task is no longer ours.
func final(err error) bool {
	return errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrOwnership) ||
		errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation)
}

// retry runs fn until it succeeds, fails for good, or runs out of attempts.
func (c *Consumer) retry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		if err = fn(ctx); err == nil || final(err) {
			return err
		}
		delay := backoff.ExponentialJitter(c.BaseBackoff, c.MaxBackoff, attempt)
		if serr := backoff.Sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return err
}
