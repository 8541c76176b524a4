package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"taskmesh/internal/domain"
	"taskmesh/internal/ports"

	"github.com/redis/go-redis/v9"
)

var _ ports.Queue = (*Queue)(nil)

const (
	// seqSpan separates priority from sequence inside a sorted-set score.
	seqSpan = 1e12
	// MaxAbsPriority keeps priority*seqSpan+seq exactly representable in a float64.
	MaxAbsPriority = 9000
)

// claimScript pops the lowest-scored member across every key it is given.
// It runs atomically inside redis, so two callers never get the same member.
var claimScript = redis.NewScript(`
local best, bestKey, bestScore
for _, key in ipairs(KEYS) do
  local head = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if #head > 0 then
    local score = tonumber(head[2])
    if best == nil or score < bestScore then
      best, bestKey, bestScore = head[1], key, score
    end
  end
end
if best == nil then
  return false
end
redis.call('ZREM', bestKey, best)
return best
`)

// Queue stores task references in one sorted set per affinity partition.
type Queue struct {
	c *Client
}

func NewQueue(c *Client) *Queue { return &Queue{c: c} }

func (q *Queue) partitionKey(affinity string) string { return q.c.key("queue", affinity) }

func score(ref domain.TaskRef) float64 {
	return float64(ref.Priority)*seqSpan + float64(ref.Seq)
}

func (q *Queue) Enqueue(ctx context.Context, ref domain.TaskRef) error {
	if ref.Affinity == "" {
		ref.Affinity = domain.AffinityAny
	}
	if ref.Priority > MaxAbsPriority || ref.Priority < -MaxAbsPriority {
		return domain.ValidationError("priority %d outside [-%d, %d]", ref.Priority, MaxAbsPriority, MaxAbsPriority)
	}
	b, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	_, err = q.c.Rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.partitionKey(ref.Affinity), redis.Z{Score: score(ref), Member: string(b)})
		pipe.SAdd(ctx, q.c.key("partitions"), ref.Affinity)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", ref.ID, err)
	}
	return nil
}

func (q *Queue) Claim(ctx context.Context, tags []string) (*domain.TaskRef, error) {
	parts := domain.Partitions(tags)
	keys := make([]string, len(parts))
	for i, p := range parts {
		keys[i] = q.partitionKey(p)
	}

	member, err := claimScript.Run(ctx, q.c.Rdb, keys).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	var ref domain.TaskRef
	if err := json.Unmarshal([]byte(member), &ref); err != nil {
		return nil, fmt.Errorf("claim: malformed reference %q: %w", member, err)
	}
	return &ref, nil
}

func (q *Queue) Requeue(ctx context.Context, ref domain.TaskRef) error {
	return q.Enqueue(ctx, ref)
}

func (q *Queue) Contains(ctx context.Context, ref domain.TaskRef) (bool, error) {
	if ref.Affinity == "" {
		ref.Affinity = domain.AffinityAny
	}
	b, err := json.Marshal(ref)
	if err != nil {
		return false, err
	}
	err = q.c.Rdb.ZScore(ctx, q.partitionKey(ref.Affinity), string(b)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("contains %s: %w", ref.ID, err)
	}
	return true, nil
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	parts, err := q.c.Rdb.SMembers(ctx, q.c.key("partitions")).Result()
	if err != nil {
		return 0, err
	}
	cmds := make([]*redis.IntCmd, len(parts))
	_, err = q.c.Rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, p := range parts {
			cmds[i] = pipe.ZCard(ctx, q.partitionKey(p))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	var n int64
	for _, c := range cmds {
		n += c.Val()
	}
	return n, nil
}
