package cmd

import (
	"taskmesh/internal/config"
	"taskmesh/internal/worker"
	"time"

	"github.com/spf13/cobra"
)

func workerCmd() *cobra.Command {
	var (
		nodeID      string
		tags        []string
		gatewayURL  string
		concurrency int
		baseBackoff time.Duration
		maxBackoff  time.Duration
	)

	var command = &cobra.Command{
		Use:   "worker",
		Short: "Start a worker agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setLogLevel(cfg.LogLevel)
			if !cmd.Flags().Changed("gateway") {
				gatewayURL = cfg.Worker.GatewayURL
			}
			if !cmd.Flags().Changed("concurrency") {
				concurrency = cfg.Worker.Concurrency
			}
			return worker.Run(worker.Config{
				NodeID:      nodeID,
				Tags:        tags,
				GatewayURL:  gatewayURL,
				Concurrency: concurrency,
				BaseBackoff: baseBackoff,
				MaxBackoff:  maxBackoff,
			})
		},
	}

	command.Flags().StringVar(&nodeID, "node", "", "Node id (defaults to WORKER_NODE_ID or host-pid)")
	command.Flags().StringSliceVar(&tags, "tags", nil, "Affinity tags this node serves")
	command.Flags().StringVar(&gatewayURL, "gateway", "http://localhost:8080", "Gateway base URL")
	command.Flags().IntVar(&concurrency, "concurrency", 1, "Tasks executed in parallel")
	command.Flags().DurationVar(&baseBackoff, "base-backoff", 500*time.Millisecond, "Base backoff for result reporting")
	command.Flags().DurationVar(&maxBackoff, "max-backoff", 30*time.Second, "Max backoff for result reporting")

	return command
}
