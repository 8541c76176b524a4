// Package infra selects the backing store for the gateway.
package infra

import (
	"context"
	"fmt"
	"taskmesh/internal/config"
	"taskmesh/internal/domain"
	"taskmesh/internal/infra/memory"
	"taskmesh/internal/infra/redisq"
	"taskmesh/internal/ports"
)

type Stores struct {
	Queue    ports.Queue
	Ledger   ports.Ledger
	Registry ports.Registry
	Pinger   ports.Pinger
	Close    func() error
}

// Open builds the queue, ledger and registry on the store named by cfg.Store.
func Open(ctx context.Context, cfg *config.Config) (*Stores, error) {
	ttl := cfg.Gateway.NodeTTL
	th := domain.Thresholds{
		CPU:         cfg.Gateway.DegradedCPU,
		Memory:      cfg.Gateway.DegradedMemory,
		ActiveTasks: cfg.Gateway.DegradedTasks,
	}

	switch cfg.Store {
	case "memory":
		reg := memory.NewRegistry(ttl, th)
		return &Stores{
			Queue:    memory.NewQueue(),
			Ledger:   memory.NewLedger(),
			Registry: reg,
			Pinger:   reg,
			Close:    func() error { return nil },
		}, nil
	case "redis", "":
		cli := redisq.New(cfg.Redis)
		if err := cli.Connect(ctx); err != nil {
			_ = cli.Close()
			return nil, err
		}
		return &Stores{
			Queue:    redisq.NewQueue(cli),
			Ledger:   redisq.NewLedger(cli),
			Registry: redisq.NewRegistry(cli, ttl, th),
			Pinger:   cli,
			Close:    cli.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown store %q (want redis or memory)", cfg.Store)
	}
}
