package usecase

import (
	"context"
	"errors"
	"taskmesh/internal/domain"
	"taskmesh/internal/metrics"
	"taskmesh/internal/ports"
	"taskmesh/pkg/backoff"
	"time"

	"github.com/rs/zerolog/log"
)

var _ ports.Coordinator = (*Gateway)(nil)

// maxStaleRefs bounds how many dropped references one claim call skips over.
const maxStaleRefs = 16

var holding = []domain.TaskStatus{domain.StatusClaimed, domain.StatusRunning}

// Gateway coordinates the queue, ledger and registry. It is the only place
// where an operation touches more than one of them.
type Gateway struct {
	Queue    ports.Queue
	Ledger   ports.Ledger
	Registry ports.Registry
	Store    ports.Pinger
	Metrics  *metrics.Collector
	Policy   Policy
	Now      func() time.Time
}

func (g *Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Gateway) GetTaskStatus(ctx context.Context, id string) (domain.Task, error) {
	return g.Ledger.Get(ctx, id)
}

func (g *Gateway) ReportHeartbeat(ctx context.Context, nodeID string, tags []string, load domain.Load) (domain.Node, error) {
	if nodeID == "" {
		return domain.Node{}, domain.ValidationError("node_id is required")
	}
	if load.CPU < 0 || load.Memory < 0 || load.ActiveTasks < 0 {
		return domain.Node{}, domain.ValidationError("load counters must not be negative")
	}
	// A node back from a lapsed lease must not keep the claims it held while
	// it counted as unreachable, even if no sweep has run yet.
	if _, err := g.Registry.Get(ctx, nodeID); errors.Is(err, domain.ErrNotFound) {
		if err := g.releaseLapsed(ctx, nodeID); err != nil {
			return domain.Node{}, err
		}
	} else if err != nil {
		return domain.Node{}, err
	}

	n, err := g.Registry.Heartbeat(ctx, nodeID, tags, load)
	if err != nil {
		return domain.Node{}, err
	}
	g.Metrics.Heartbeat()
	return n, nil
}

func (g *Gateway) releaseLapsed(ctx context.Context, nodeID string) error {
	ids, err := g.Ledger.ClaimedBy(ctx, nodeID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		err := g.RecoverOrphan(ctx, id, nodeID)
		if err == nil {
			g.Metrics.Orphan("requeued")
			log.Ctx(ctx).Warn().Str("task", id).Str("node", nodeID).Msg("released claim held across a lapsed lease")
			continue
		}
		g.Metrics.Orphan("failed")
		if transient(err) {
			return err
		}
		log.Ctx(ctx).Warn().Err(err).Str("task", id).Str("node", nodeID).Msg("claim of lapsed node already settled")
	}
	return nil
}

func (g *Gateway) ListNodes(ctx context.Context) ([]domain.Node, error) {
	return g.Registry.List(ctx)
}

// ClaimTask hands the most urgent eligible task to nodeID, which must hold a
// live lease. It returns nil when nothing is eligible.
func (g *Gateway) ClaimTask(ctx context.Context, nodeID string) (*domain.Task, error) {
	node, err := g.Registry.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	for range maxStaleRefs {
		ref, err := g.Queue.Claim(ctx, node.Tags)
		if err != nil {
			return nil, err
		}
		if ref == nil {
			g.Metrics.Claim("empty")
			return nil, nil
		}

		t, err := g.Ledger.Transition(ctx, ref.ID,
			[]domain.TaskStatus{domain.StatusPending}, domain.StatusClaimed,
			domain.Patch{ClaimedBy: nodeID, ClaimedAt: g.now()})
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrNotFound):
			log.Ctx(ctx).Warn().Str("task", ref.ID).Msg("dropping queue reference to unknown task")
			g.Metrics.Claim("stale")
			continue
		case errors.Is(err, domain.ErrConflict) && !g.stillPending(ctx, ref.ID):
			log.Ctx(ctx).Warn().Str("task", ref.ID).Msg("dropping queue reference to task that is no longer pending")
			g.Metrics.Claim("stale")
			continue
		default:
			g.restore(ctx, *ref)
			return nil, err
		}

		// The lease may have lapsed, and the reaper run, between the lookup
		// above and the transition; a claim it could not see must not survive.
		if _, err := g.Registry.Get(ctx, nodeID); errors.Is(err, domain.ErrNotFound) {
			if rerr := g.RecoverOrphan(ctx, t.ID, nodeID); rerr != nil {
				log.Ctx(ctx).Error().Err(rerr).Msg("could not release claim of expired node")
			}
			return nil, err
		}

		g.Metrics.Claim("claimed")
		log.Ctx(ctx).Debug().Str("task", t.ID).Str("node", nodeID).Msg("task claimed")
		return &t, nil
	}
	return nil, nil
}

func (g *Gateway) stillPending(ctx context.Context, id string) bool {
	t, err := g.Ledger.Get(ctx, id)
	return err == nil && t.Status == domain.StatusPending
}

// restore puts back a reference whose claim could not be recorded.
func (g *Gateway) restore(ctx context.Context, ref domain.TaskRef) {
	if err := g.enqueue(ctx, ref, g.Queue.Requeue); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("task", ref.ID).Msg("failed to restore queue reference")
	}
}

func (g *Gateway) StartTask(ctx context.Context, taskID, nodeID string) (domain.Task, error) {
	return g.Ledger.Transition(ctx, taskID,
		[]domain.TaskStatus{domain.StatusClaimed}, domain.StatusRunning,
		domain.Patch{Owner: nodeID})
}

// ReportResult records the outcome of a running task. Retryable failures go
// back to the queue; other failures stay failed and use up an attempt.
func (g *Gateway) ReportResult(ctx context.Context, taskID, nodeID string, o domain.Outcome) (domain.Task, error) {
	if nodeID == "" {
		return domain.Task{}, domain.ValidationError("node_id is required")
	}
	running := []domain.TaskStatus{domain.StatusRunning}

	if o.Success {
		result := o.Result
		if result == nil {
			result = []byte("null")
		}
		t, err := g.Ledger.Transition(ctx, taskID, running, domain.StatusCompleted,
			domain.Patch{Owner: nodeID, Result: result})
		if err != nil {
			return domain.Task{}, err
		}
		g.Metrics.Outcome(t.Type, "completed")
		return t, nil
	}

	te := domain.TaskError{Kind: domain.ErrorFatal, Message: "worker reported failure without detail"}
	if o.Error != nil {
		te = *o.Error
	}
	te.NodeID = nodeID
	te.At = g.now()
	retry := te.Kind == domain.ErrorRetryable

	t, err := g.Ledger.Transition(ctx, taskID, running, domain.StatusFailed,
		domain.Patch{Owner: nodeID, Error: &te, IncrAttempts: !retry})
	if err != nil {
		return domain.Task{}, err
	}
	g.Metrics.Outcome(t.Type, string(te.Kind))
	log.Ctx(ctx).Info().
		Str("task", taskID).
		Str("node", nodeID).
		Str("kind", string(te.Kind)).
		Msgf("task failed: %s", te.Message)

	if !retry {
		return t, nil
	}
	return g.requeueFailed(ctx, taskID)
}

// requeueFailed requeues a task this call just failed. Losing the guard means
// the reaper got there first, which is not an error for the caller.
func (g *Gateway) requeueFailed(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := g.Requeue(ctx, taskID)
	if !errors.Is(err, domain.ErrConflict) {
		return t, err
	}
	cur, gerr := g.Ledger.Get(ctx, taskID)
	if gerr != nil || cur.Status == domain.StatusFailed {
		return domain.Task{}, err
	}
	return cur, nil
}

// ReleaseTask gives back a task the node claimed but cannot carry through,
// e.g. because it lost contact with the gateway mid-task. The task fails as
// retryable and is requeued.
func (g *Gateway) ReleaseTask(ctx context.Context, taskID, nodeID, reason string) (domain.Task, error) {
	if nodeID == "" {
		return domain.Task{}, domain.ValidationError("node_id is required")
	}
	if reason == "" {
		reason = "released by node"
	}
	t, err := g.release(ctx, taskID, nodeID, domain.TaskError{Kind: domain.ErrorRetryable, Message: reason})
	if err != nil {
		return domain.Task{}, err
	}
	g.Metrics.Outcome(t.Type, "released")
	log.Ctx(ctx).Info().Str("task", taskID).Str("node", nodeID).Msgf("task released: %s", reason)
	return t, nil
}

// ExpireClaim releases a claim held longer than the claim timeout, whether or
// not its node is still alive.
func (g *Gateway) ExpireClaim(ctx context.Context, taskID, nodeID string, held time.Duration) error {
	_, err := g.release(ctx, taskID, nodeID, domain.TaskError{
		Kind:    domain.ErrorClaimTimeout,
		Message: "claim held for " + held.Round(time.Second).String() + " without a result",
	})
	return err
}

// release fails a task held by nodeID with te and requeues it. A retry after a
// partial earlier attempt picks up at the requeue.
func (g *Gateway) release(ctx context.Context, taskID, nodeID string, te domain.TaskError) (domain.Task, error) {
	te.NodeID = nodeID
	te.At = g.now()
	_, err := g.Ledger.Transition(ctx, taskID, holding, domain.StatusFailed,
		domain.Patch{Owner: nodeID, Error: &te})
	if err != nil && !g.failedBy(ctx, taskID, nodeID, te.Kind) {
		return domain.Task{}, err
	}
	return g.requeueFailed(ctx, taskID)
}

// Requeue moves a failed task back to pending, or to dead_lettered once the
// new attempt count exceeds max_attempts.
func (g *Gateway) Requeue(ctx context.Context, taskID string) (domain.Task, error) {
	cur, err := g.Ledger.Get(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	to := domain.StatusPending
	if cur.Attempts+1 > cur.MaxAttempts {
		to = domain.StatusDeadLettered
	}

	t, err := g.Ledger.Transition(ctx, taskID,
		[]domain.TaskStatus{domain.StatusFailed}, to,
		domain.Patch{IncrAttempts: true, ClearClaim: true})
	if err != nil {
		return domain.Task{}, err
	}

	if to == domain.StatusDeadLettered {
		g.Metrics.DeadLettered()
		log.Ctx(ctx).Warn().Str("task", taskID).Int("attempts", t.Attempts).Msg("task dead-lettered")
		return t, nil
	}
	if err := g.enqueue(ctx, t.Ref(), g.Queue.Requeue); err != nil {
		return t, err
	}
	g.Metrics.Requeued()
	log.Ctx(ctx).Info().Str("task", taskID).Int("attempts", t.Attempts).Msg("task requeued")
	return t, nil
}

// RecoverOrphan fails a task still held by an unreachable node and requeues it.
func (g *Gateway) RecoverOrphan(ctx context.Context, taskID, nodeID string) error {
	_, err := g.release(ctx, taskID, nodeID, domain.TaskError{
		Kind:    domain.ErrorNodeUnreachable,
		Message: "node lease expired while holding the task",
	})
	if err != nil {
		return &domain.OrphanRecoveryError{TaskID: taskID, NodeID: nodeID, Err: err}
	}
	return nil
}

// failedBy reports whether an earlier release of this claim got as far as
// failing the task with kind.
func (g *Gateway) failedBy(ctx context.Context, taskID, nodeID string, kind domain.ErrorKind) bool {
	t, err := g.Ledger.Get(ctx, taskID)
	return err == nil && t.Status == domain.StatusFailed && t.Error != nil &&
		t.Error.Kind == kind && t.Error.NodeID == nodeID
}

// enqueue retries put briefly: by the time it runs the ledger already says
// pending. A reference still missing afterwards is restored by the reaper.
func (g *Gateway) enqueue(ctx context.Context, ref domain.TaskRef, put func(context.Context, domain.TaskRef) error) error {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = put(ctx, ref); err == nil || errors.Is(err, domain.ErrValidation) {
			return err
		}
		if serr := backoff.Sleep(ctx, backoff.ExponentialJitter(50*time.Millisecond, time.Second, attempt)); serr != nil {
			return err
		}
	}
	return err
}

type HealthReport struct {
	StoreOK    bool
	StoreError string
	Pending    int64
	Nodes      int
	ByStatus   map[domain.TaskStatus]int64
}

func (g *Gateway) Health(ctx context.Context) HealthReport {
	var h HealthReport
	if err := g.Store.Ping(ctx); err != nil {
		h.StoreError = err.Error()
		return h
	}
	h.StoreOK = true

	var err error
	if h.Pending, err = g.Queue.Len(ctx); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("health: queue length unavailable")
	}
	if nodes, err := g.Registry.List(ctx); err == nil {
		h.Nodes = len(nodes)
	} else {
		log.Ctx(ctx).Warn().Err(err).Msg("health: node list unavailable")
	}
	if h.ByStatus, err = g.Ledger.CountByStatus(ctx); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("health: status counters unavailable")
	}
	return h
}
