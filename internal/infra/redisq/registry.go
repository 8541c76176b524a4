package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"taskmesh/internal/domain"
	"taskmesh/internal/ports"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ ports.Registry = (*Registry)(nil)

// expireScript removes every lease that elapsed at or before ARGV[1] together
// with its node record, returning the removed node ids.
var expireScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('DEL', ARGV[2] .. id)
end
return ids
`)

// Registry stores node records as JSON strings and leases in a sorted set
// scored by expiry time in milliseconds.
type Registry struct {
	c          *Client
	ttl        time.Duration
	thresholds domain.Thresholds
	Now        func() time.Time
}

func NewRegistry(c *Client, ttl time.Duration, th domain.Thresholds) *Registry {
	return &Registry{c: c, ttl: ttl, thresholds: th, Now: time.Now}
}

func (r *Registry) leasesKey() string        { return r.c.key("leases") }
func (r *Registry) nodePrefix() string       { return r.c.key("node") + ":" }
func (r *Registry) nodeKey(id string) string { return r.nodePrefix() + id }

func (r *Registry) Heartbeat(ctx context.Context, id string, tags []string, load domain.Load) (domain.Node, error) {
	now := r.Now()
	n := domain.Node{
		ID:            id,
		Tags:          slices.Clone(tags),
		LastHeartbeat: now,
		Load:          load,
		Status:        r.thresholds.Classify(load),
	}
	b, err := json.Marshal(n)
	if err != nil {
		return domain.Node{}, err
	}
	lease := domain.Lease{NodeID: id, ExpiresAt: now.Add(r.ttl)}

	_, err = r.c.Rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.nodeKey(id), b, 0)
		pipe.ZAdd(ctx, r.leasesKey(), redis.Z{Score: toMs(lease.ExpiresAt), Member: id})
		return nil
	})
	if err != nil {
		return domain.Node{}, fmt.Errorf("heartbeat %s: %w", id, err)
	}
	return n, nil
}

func (r *Registry) Get(ctx context.Context, id string) (domain.Node, error) {
	exp, err := r.c.Rdb.ZScore(ctx, r.leasesKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Node{}, domain.NotFoundError("node", id)
	}
	if err != nil {
		return domain.Node{}, err
	}
	if exp <= toMs(r.Now()) {
		return domain.Node{}, domain.NotFoundError("node", id)
	}

	raw, err := r.c.Rdb.Get(ctx, r.nodeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Node{}, domain.NotFoundError("node", id)
	}
	if err != nil {
		return domain.Node{}, err
	}
	var n domain.Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return domain.Node{}, fmt.Errorf("decode node %s: %w", id, err)
	}
	return n, nil
}

func (r *Registry) List(ctx context.Context) ([]domain.Node, error) {
	ids, err := r.c.Rdb.ZRangeByScore(ctx, r.leasesKey(), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(r.Now().UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []domain.Node{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.nodeKey(id)
	}
	vals, err := r.c.Rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]domain.Node, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var n domain.Node
		if err := json.Unmarshal([]byte(s), &n); err != nil {
			return nil, fmt.Errorf("decode node %s: %w", ids[i], err)
		}
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b domain.Node) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *Registry) Expire(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := expireScript.Run(ctx, r.c.Rdb,
		[]string{r.leasesKey()},
		strconv.FormatInt(now.UnixMilli(), 10), r.nodePrefix(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("expire leases: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}
