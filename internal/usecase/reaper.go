package usecase

import (
	"context"
	"errors"
	"taskmesh/internal/domain"
	"time"

	"github.com/rs/zerolog/log"
)

// Reaper expires node leases and releases whatever the expired nodes held.
// Each sweep also reconciles the ledger against the registry and the queue,
// so work interrupted by a store error or a gateway restart is picked up from
// stored state alone.
type Reaper struct {
	G        *Gateway
	Interval time.Duration
	// ClaimTimeout releases claims held this long even when their node is
	// alive; zero disables it.
	ClaimTimeout time.Duration
	// Grace is how long a pending or failed task is left alone before the
	// sweep assumes the operation that should have moved it on was lost.
	Grace time.Duration
}

func NewReaper(g *Gateway, interval time.Duration) *Reaper {
	return &Reaper{G: g, Interval: interval, Grace: interval}
}

// Run sweeps until ctx is done. Sweep errors are logged, never fatal.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		if n, err := r.Sweep(ctx); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("reaper sweep failed")
		} else if n > 0 {
			log.Ctx(ctx).Info().Int("nodes", n).Msg("reaped unreachable nodes")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs one expiry and reconcile pass and returns the number of nodes reaped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	expired, err := r.G.Registry.Expire(ctx, r.G.now())
	if err != nil {
		return 0, err
	}
	for _, nodeID := range expired {
		r.G.Metrics.NodeReaped()
		r.release(ctx, nodeID)
	}

	now := r.G.now()
	err = errors.Join(
		r.reconcileHeld(ctx, now),
		r.reconcileFailed(ctx, now),
		r.reconcilePending(ctx, now),
	)
	return len(expired), err
}

// release is the fast path for freshly expired nodes; anything it misses is
// found again by reconcileHeld.
func (r *Reaper) release(ctx context.Context, nodeID string) {
	ids, err := r.G.Ledger.ClaimedBy(ctx, nodeID)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("node", nodeID).Msg("listing orphaned claims failed")
		return
	}
	for _, id := range ids {
		r.recover(ctx, id, nodeID)
	}
}

func (r *Reaper) recover(ctx context.Context, taskID, nodeID string) {
	if err := r.G.RecoverOrphan(ctx, taskID, nodeID); err != nil {
		r.G.Metrics.Orphan("failed")
		log.Ctx(ctx).Error().Err(err).Str("task", taskID).Str("node", nodeID).Msg("orphan recovery failed")
		return
	}
	r.G.Metrics.Orphan("requeued")
	log.Ctx(ctx).Warn().Str("task", taskID).Str("node", nodeID).Msg("released claim of unreachable node")
}

// reconcileHeld releases claims whose node holds no live lease, and claims
// older than the claim timeout.
func (r *Reaper) reconcileHeld(ctx context.Context, now time.Time) error {
	live := make(map[string]bool)
	for _, status := range holding {
		ids, err := r.G.Ledger.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, id := range ids {
			t, ok := r.load(ctx, id, status)
			if !ok || t.ClaimedBy == "" {
				continue
			}

			alive, seen := live[t.ClaimedBy]
			if !seen {
				_, err := r.G.Registry.Get(ctx, t.ClaimedBy)
				switch {
				case err == nil:
					alive = true
				case errors.Is(err, domain.ErrNotFound):
				default:
					return err
				}
				live[t.ClaimedBy] = alive
			}

			if !alive {
				r.recover(ctx, id, t.ClaimedBy)
				continue
			}
			if r.ClaimTimeout <= 0 || t.ClaimedAt == nil {
				continue
			}
			if held := now.Sub(*t.ClaimedAt); held >= r.ClaimTimeout {
				if err := r.G.ExpireClaim(ctx, id, t.ClaimedBy, held); err != nil {
					log.Ctx(ctx).Error().Err(err).Str("task", id).Msg("expiring stale claim failed")
					continue
				}
				r.G.Metrics.Reconciled("claim_timeout")
				log.Ctx(ctx).Warn().Str("task", id).Str("node", t.ClaimedBy).Dur("held", held).Msg("released claim past its timeout")
			}
		}
	}
	return nil
}

// reconcileFailed requeues failed tasks whose failure was meant to be retried
// but whose requeue never happened.
func (r *Reaper) reconcileFailed(ctx context.Context, now time.Time) error {
	ids, err := r.G.Ledger.ListByStatus(ctx, domain.StatusFailed)
	if err != nil {
		return err
	}
	for _, id := range ids {
		t, ok := r.load(ctx, id, domain.StatusFailed)
		if !ok || t.Error == nil || !t.Error.Kind.Requeueable() || now.Sub(t.UpdatedAt) < r.Grace {
			continue
		}
		if _, err := r.G.Requeue(ctx, id); err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				log.Ctx(ctx).Error().Err(err).Str("task", id).Msg("requeue of failed task failed")
			}
			continue
		}
		r.G.Metrics.Reconciled("failed_requeued")
		log.Ctx(ctx).Warn().Str("task", id).Str("kind", string(t.Error.Kind)).Msg("requeued failed task left behind")
	}
	return nil
}

// reconcilePending restores queue references of pending tasks that lost
// theirs. A duplicate reference is harmless: claiming it finds the task no
// longer pending and drops it.
func (r *Reaper) reconcilePending(ctx context.Context, now time.Time) error {
	ids, err := r.G.Ledger.ListByStatus(ctx, domain.StatusPending)
	if err != nil {
		return err
	}
	for _, id := range ids {
		t, ok := r.load(ctx, id, domain.StatusPending)
		if !ok || now.Sub(t.UpdatedAt) < r.Grace {
			continue
		}
		queued, err := r.G.Queue.Contains(ctx, t.Ref())
		if err != nil {
			return err
		}
		if queued {
			continue
		}
		if err := r.G.Queue.Requeue(ctx, t.Ref()); err != nil {
			return err
		}
		r.G.Metrics.Reconciled("ref_restored")
		log.Ctx(ctx).Warn().Str("task", id).Msg("restored missing queue reference")
	}
	return nil
}

// load reads a task listed under status, skipping it if it has moved on.
func (r *Reaper) load(ctx context.Context, id string, status domain.TaskStatus) (domain.Task, bool) {
	t, err := r.G.Ledger.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Ctx(ctx).Error().Err(err).Str("task", id).Msg("reading task for reconcile failed")
		}
		return domain.Task{}, false
	}
	return t, t.Status == status
}

// transient reports whether err came from the store rather than from a
// guard that will keep failing.
func transient(err error) bool {
	return !errors.Is(err, domain.ErrConflict) &&
		!errors.Is(err, domain.ErrOwnership) &&
		!errors.Is(err, domain.ErrNotFound)
}
