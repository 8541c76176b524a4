package cmd

import (
	"context"
	"slices"
	"taskmesh/internal/api"
	"taskmesh/internal/config"
	"taskmesh/internal/infra"
	"taskmesh/internal/metrics"
	"taskmesh/internal/router"
	"taskmesh/internal/usecase"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func gatewayCmd() *cobra.Command {
	var (
		port  int
		store string
	)
	var command = &cobra.Command{
		Use:   "gateway",
		Short: "Start the coordinator gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setLogLevel(cfg.LogLevel)
			if store != "" {
				cfg.Store = store
			}
			if !cmd.Flags().Changed("port") {
				port = cfg.Gateway.Port
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			openCtx, openCancel := context.WithTimeout(ctx, 10*time.Second)
			stores, err := infra.Open(openCtx, cfg)
			openCancel()
			if err != nil {
				return err
			}
			defer stores.Close()

			taskTypes := slices.Clone(cfg.Gateway.TaskTypes)
			if cfg.Gateway.RoutesFile != "" {
				f, err := router.LoadFile(cfg.Gateway.RoutesFile)
				if err != nil {
					return err
				}
				for t := range f.Routes {
					if !slices.Contains(taskTypes, t) {
						taskTypes = append(taskTypes, t)
					}
				}
			}

			gw := &usecase.Gateway{
				Queue:    stores.Queue,
				Ledger:   stores.Ledger,
				Registry: stores.Registry,
				Store:    stores.Pinger,
				Metrics:  metrics.NewCollector("taskmesh"),
				Policy: usecase.Policy{
					TaskTypes:          taskTypes,
					MinPriority:        cfg.Gateway.MinPriority,
					MaxPriority:        cfg.Gateway.MaxPriority,
					DefaultMaxAttempts: cfg.Gateway.DefaultMaxAttempts,
				},
			}
			log.Info().
				Str("store", cfg.Store).
				Strs("task_types", taskTypes).
				Dur("node_ttl", cfg.Gateway.NodeTTL).
				Dur("claim_timeout", cfg.Gateway.ClaimTimeout).
				Msg("gateway configured")

			reaper := usecase.NewReaper(gw, cfg.Gateway.ReapInterval)
			reaper.ClaimTimeout = cfg.Gateway.ClaimTimeout
			reaper.Grace = cfg.Gateway.ReconcileGrace
			reaperDone := make(chan struct{})
			go func() {
				defer close(reaperDone)
				_ = reaper.Run(ctx)
			}()

			server := api.NewServer(ctx, gw, api.Options{
				SubmitRPS:   cfg.Gateway.SubmitRPS,
				SubmitBurst: cfg.Gateway.SubmitBurst,
			})
			server.OnShutdown = func() {
				cancel()
				<-reaperDone
			}
			server.Run(port)
			return nil
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	command.Flags().StringVar(&store, "store", "", "Backing store: redis or memory (overrides STORE)")
	return command
}
