package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"taskmesh/internal/domain"
	"taskmesh/internal/ports"
	"taskmesh/pkg/backoff"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var _ ports.Ledger = (*Ledger)(nil)

// Ledger keeps each task in a hash (status, claimed_by, data) and maintains
// per-status and per-node index sets alongside it in the same transaction.
type Ledger struct {
	c   *Client
	Now func() time.Time
}

func NewLedger(c *Client) *Ledger { return &Ledger{c: c, Now: time.Now} }

func (l *Ledger) taskKey(id string) string             { return l.c.key("task", id) }
func (l *Ledger) statusKey(s domain.TaskStatus) string { return l.c.key("tasks", string(s)) }
func (l *Ledger) claimsKey(nodeID string) string       { return l.c.key("claims", nodeID) }

func (l *Ledger) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	seq, err := l.c.Rdb.Incr(ctx, l.c.key("seq")).Result()
	if err != nil {
		return domain.Task{}, fmt.Errorf("create %s: %w", t.ID, err)
	}

	now := l.Now()
	t.Seq = seq
	t.Status = domain.StatusPending
	t.Attempts = 0
	t.ClaimedBy, t.ClaimedAt = "", nil
	t.CreatedAt, t.UpdatedAt = now, now
	b, err := json.Marshal(t)
	if err != nil {
		return domain.Task{}, err
	}

	key := l.taskKey(t.ID)
	err = l.c.Rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ValidationError("task %s already exists", t.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(t.Status), "claimed_by", "", "data", b)
			pipe.SAdd(ctx, l.statusKey(t.Status), t.ID)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

type hashReader interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (l *Ledger) load(ctx context.Context, cmd hashReader, id string) (domain.Task, error) {
	raw, err := cmd.HGet(ctx, l.taskKey(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Task{}, domain.NotFoundError("task", id)
	}
	if err != nil {
		return domain.Task{}, err
	}
	var t domain.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return domain.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return t, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (domain.Task, error) {
	return l.load(ctx, l.c.Rdb, id)
}

// Transition applies a guarded status change with WATCH/MULTI. Losing the
// optimistic race is retried with backoff; a failed guard is returned as is.
func (l *Ledger) Transition(ctx context.Context, id string, from []domain.TaskStatus, to domain.TaskStatus, p domain.Patch) (domain.Task, error) {
	key := l.taskKey(id)
	var out domain.Task

	txf := func(tx *redis.Tx) error {
		t, err := l.load(ctx, tx, id)
		if err != nil {
			return err
		}
		prevStatus, prevOwner := t.Status, t.ClaimedBy
		patch := p
		if patch.UpdatedAt.IsZero() {
			patch.UpdatedAt = l.Now()
		}
		if err := domain.ApplyTransition(&t, from, to, patch); err != nil {
			return err
		}
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(t.Status), "claimed_by", t.ClaimedBy, "data", b)
			pipe.SMove(ctx, l.statusKey(prevStatus), l.statusKey(t.Status), id)
			if prevOwner != "" && (prevOwner != t.ClaimedBy || !t.Status.Holding()) {
				pipe.SRem(ctx, l.claimsKey(prevOwner), id)
			}
			if t.ClaimedBy != "" && t.Status.Holding() {
				pipe.SAdd(ctx, l.claimsKey(t.ClaimedBy), id)
			}
			return nil
		})
		if err == nil {
			out = t
		}
		return err
	}

	retries := l.c.maxTxRetries()
	for attempt := 1; attempt <= retries; attempt++ {
		err := l.c.Rdb.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return domain.Task{}, err
		}

		delay := backoff.ExponentialJitter(5*time.Millisecond, 200*time.Millisecond, attempt)
		log.Ctx(ctx).Debug().Str("task", id).Int("attempt", attempt).Dur("delay", delay).Msg("ledger transition contended, retrying")
		if err := backoff.Sleep(ctx, delay); err != nil {
			return domain.Task{}, err
		}
	}
	return domain.Task{}, fmt.Errorf("%w: task %s still contended after %d attempts", domain.ErrConflict, id, retries)
}

func (l *Ledger) ClaimedBy(ctx context.Context, nodeID string) ([]string, error) {
	ids, err := l.c.Rdb.SMembers(ctx, l.claimsKey(nodeID)).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

func (l *Ledger) ListByStatus(ctx context.Context, s domain.TaskStatus) ([]string, error) {
	ids, err := l.c.Rdb.SMembers(ctx, l.statusKey(s)).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

func (l *Ledger) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int64, error) {
	cmds := make(map[domain.TaskStatus]*redis.IntCmd, len(domain.Statuses))
	_, err := l.c.Rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, s := range domain.Statuses {
			cmds[s] = pipe.SCard(ctx, l.statusKey(s))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[domain.TaskStatus]int64, len(cmds))
	for s, c := range cmds {
		out[s] = c.Val()
	}
	return out, nil
}
