package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"taskmesh/internal/api"
	"taskmesh/internal/config"
	"taskmesh/internal/router"
	"taskmesh/internal/usecase"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	NodeID      string
	Tags        []string
	GatewayURL  string
	Concurrency int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Run starts a worker agent against a remote gateway and blocks until SIGINT or SIGTERM.
func Run(cfg Config) error {
	appCfg := config.Load()
	wc := appCfg.Worker

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = wc.NodeID
	}
	if nodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("no node id configured and hostname unavailable: %w", err)
		}
		nodeID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	tags := cfg.Tags
	if len(tags) == 0 {
		tags = wc.Tags
	}

	rt := router.New()
	if wc.RoutesFile != "" {
		f, err := router.LoadFile(wc.RoutesFile)
		if err != nil {
			return err
		}
		if rt, err = router.Build(f, &http.Client{}); err != nil {
			return err
		}
	}

	client := api.NewClient(cfg.GatewayURL, &http.Client{Timeout: wc.RequestTimeout})
	consumer := &usecase.Consumer{
		C:                 client,
		NodeID:            nodeID,
		Tags:              tags,
		Handlers:          usecase.Handlers(rt),
		HeartbeatInterval: wc.HeartbeatInterval,
		PollInterval:      wc.PollInterval,
		Concurrency:       cfg.Concurrency,
		BaseBackoff:       cfg.BaseBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		Load:              SampleLoad,
	}

	log.Ctx(ctx).Info().
		Str("node", nodeID).
		Strs("tags", tags).
		Str("gateway", cfg.GatewayURL).
		Int("concurrency", cfg.Concurrency).
		Msg("worker starting")
	return consumer.Run(ctx)
}
