package redisq

import (
	"context"
	"fmt"
	"strings"
	"taskmesh/internal/config"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Client struct {
	Cfg config.Redis
	Rdb *redis.Client
}

func New(cfg config.Redis) *Client {
	log.Info().Msgf("connecting to redis at %s", cfg.Addr)
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{Cfg: cfg, Rdb: c}
}

// Connect verifies the server answers before any store is used.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Ping(ctx); err != nil {
		return err
	}
	log.Ctx(ctx).Info().Str("prefix", c.prefix()).Msg("connected to redis")
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	return nil
}

func (c *Client) Close() error { return c.Rdb.Close() }

func (c *Client) prefix() string {
	if c.Cfg.KeyPrefix == "" {
		return "taskmesh"
	}
	return c.Cfg.KeyPrefix
}

// key joins parts under the configured prefix, e.g. taskmesh:task:<id>.
func (c *Client) key(parts ...string) string {
	return c.prefix() + ":" + strings.Join(parts, ":")
}

func (c *Client) maxTxRetries() int {
	if c.Cfg.MaxTxRetries <= 0 {
		return 8
	}
	return c.Cfg.MaxTxRetries
}

func toMs(t time.Time) float64 { return float64(t.UnixMilli()) }
