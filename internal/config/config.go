package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"log"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// Store selects the backing store for queue, ledger and registry: redis or memory.
	Store   string `env:"STORE" envDefault:"redis"`
	Redis   Redis
	Gateway Gateway
	Worker  Worker
}

type Redis struct {
	Addr      string `env:"Redis_Address" envDefault:"localhost:6379"`
	Password  string `env:"Redis_Password"`
	DB        int    `env:"Redis_DB"`
	KeyPrefix string `env:"Redis_KeyPrefix" envDefault:"taskmesh"`
	// MaxTxRetries bounds optimistic transaction retries under contention.
	MaxTxRetries int `env:"Redis_MaxTxRetries" envDefault:"8"`
}

type Gateway struct {
	Port               int           `env:"GATEWAY_PORT" envDefault:"8080"`
	TaskTypes          []string      `env:"GATEWAY_TASK_TYPES" envSeparator:"," envDefault:"echo"`
	MinPriority        int           `env:"GATEWAY_MIN_PRIORITY" envDefault:"0"`
	MaxPriority        int           `env:"GATEWAY_MAX_PRIORITY" envDefault:"100"`
	DefaultMaxAttempts int           `env:"GATEWAY_DEFAULT_MAX_ATTEMPTS" envDefault:"3"`
	NodeTTL            time.Duration `env:"GATEWAY_NODE_TTL" envDefault:"120s"`
	ReapInterval       time.Duration `env:"GATEWAY_REAP_INTERVAL" envDefault:"10s"`
	ClaimTimeout       time.Duration `env:"GATEWAY_CLAIM_TIMEOUT" envDefault:"30m"`
	ReconcileGrace     time.Duration `env:"GATEWAY_RECONCILE_GRACE" envDefault:"30s"`
	DegradedCPU        float64       `env:"GATEWAY_DEGRADED_CPU" envDefault:"0.9"`
	DegradedMemory     float64       `env:"GATEWAY_DEGRADED_MEMORY" envDefault:"0.9"`
	DegradedTasks      int           `env:"GATEWAY_DEGRADED_ACTIVE_TASKS" envDefault:"0"`
	SubmitRPS          float64       `env:"GATEWAY_SUBMIT_RPS" envDefault:"0"`
	SubmitBurst        int           `env:"GATEWAY_SUBMIT_BURST" envDefault:"20"`
	RoutesFile         string        `env:"ROUTES_FILE"`
}

type Worker struct {
	GatewayURL        string        `env:"WORKER_GATEWAY_URL" envDefault:"http://localhost:8080"`
	NodeID            string        `env:"WORKER_NODE_ID"`
	Tags              []string      `env:"WORKER_TAGS" envSeparator:","`
	HeartbeatInterval time.Duration `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"30s"`
	PollInterval      time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
	Concurrency       int           `env:"WORKER_CONCURRENCY" envDefault:"1"`
	RequestTimeout    time.Duration `env:"WORKER_REQUEST_TIMEOUT" envDefault:"10s"`
	RoutesFile        string        `env:"ROUTES_FILE"`
}

// Load reads .env (if present) and then the process environment.
func Load() *Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
