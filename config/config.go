// Package config loads the sagad configuration from YAML with SAGAFLOW_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fortressi/sagaflow"
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	Engine    EngineConfig    `yaml:"engine"`
	Worker    WorkerConfig    `yaml:"worker"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Store     StoreConfig     `yaml:"store"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	HTTP      HTTPConfig      `yaml:"http"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
}

type EngineConfig struct {
	MaxFanOut           int           `yaml:"max_fan_out"`
	CompensationTimeout time.Duration `yaml:"compensation_timeout"`
	StepRetryBase       time.Duration `yaml:"step_retry_base"`
	StepRetryMax        time.Duration `yaml:"step_retry_max"`
}

type WorkerConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	BackoffJitter    float64       `yaml:"backoff_jitter"`
	LeaseGrace       time.Duration `yaml:"lease_grace"`
	DecayTTL         time.Duration `yaml:"decay_ttl"`
	EventSource      string        `yaml:"event_source"`
	LockedRetryDelay time.Duration `yaml:"locked_retry_delay"`
}

type SweeperConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Schedule           string        `yaml:"schedule"`
	StaleThreshold     time.Duration `yaml:"stale_threshold"`
	CompletedRetention time.Duration `yaml:"completed_retention"`
	FailedRetention    time.Duration `yaml:"failed_retention"`
	CancelledRetention time.Duration `yaml:"cancelled_retention"`
}

// StoreConfig selects the instance store: memory, file or postgres.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig enables the Redis queue and lease when Addr is set.
type RedisConfig struct {
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	Prefix            string        `yaml:"prefix"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// KafkaConfig enables the Kafka publisher when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type TelemetryConfig struct {
	Metrics       bool    `yaml:"metrics"`
	TraceEndpoint string  `yaml:"trace_endpoint"`
	SampleRate    float64 `yaml:"sample_rate"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used for anything a file or the
// environment leaves unset.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "sagad", Environment: "development", LogLevel: "info"},
		Engine: EngineConfig{
			MaxFanOut:           sagaflow.DefaultMaxFanOut,
			CompensationTimeout: sagaflow.DefaultCompensationTimeout,
			StepRetryBase:       100 * time.Millisecond,
			StepRetryMax:        2 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency:      8,
			DefaultTimeout:   60 * time.Second,
			MaxAttempts:      3,
			BackoffBase:      time.Second,
			BackoffMax:       30 * time.Second,
			BackoffJitter:    0.2,
			LeaseGrace:       5 * time.Second,
			DecayTTL:         7 * 24 * time.Hour,
			EventSource:      "sagaflow",
			LockedRetryDelay: time.Second,
		},
		Sweeper: SweeperConfig{
			Enabled:            true,
			Schedule:           "@hourly",
			StaleThreshold:     time.Hour,
			CompletedRetention: 30 * 24 * time.Hour,
			FailedRetention:    7 * 24 * time.Hour,
			CancelledRetention: 24 * time.Hour,
		},
		Store:     StoreConfig{Backend: "memory", Dir: "./sagas"},
		Postgres:  PostgresConfig{MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: 30 * time.Minute},
		Redis:     RedisConfig{Prefix: "sagaflow", VisibilityTimeout: sagaflow.DefaultVisibilityTimeout},
		Kafka:     KafkaConfig{Topic: "sagaflow.lifecycle"},
		Telemetry: TelemetryConfig{Metrics: true, SampleRate: 1},
		HTTP:      HTTPConfig{Addr: ":8080", ShutdownTimeout: 30 * time.Second},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings sagad cannot start without.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	if c.Worker.DefaultTimeout <= 0 {
		return fmt.Errorf("worker.default_timeout must be positive")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be positive")
	}
	if c.Worker.BackoffJitter < 0 || c.Worker.BackoffJitter > 1 {
		return fmt.Errorf("worker.backoff_jitter must be within [0, 1]")
	}
	if c.Engine.MaxFanOut <= 0 {
		return fmt.Errorf("engine.max_fan_out must be positive")
	}
	switch c.Store.Backend {
	case "memory":
	case "file":
		if c.Store.Dir == "" {
			return fmt.Errorf("store.dir is required for the file backend")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, file, postgres", c.Store.Backend)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when brokers are set")
	}
	if c.Sweeper.Enabled {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Sweeper.Schedule); err != nil {
			return fmt.Errorf("sweeper.schedule: %w", err)
		}
	}
	return nil
}

func (c *Config) EngineOptions(logger *zap.Logger, mw sagaflow.Middleware) sagaflow.EngineOptions {
	return sagaflow.EngineOptions{
		Middleware:          mw,
		Logger:              logger,
		MaxFanOut:           c.Engine.MaxFanOut,
		CompensationTimeout: c.Engine.CompensationTimeout,
		StepRetry: sagaflow.RetryPolicy{
			BaseDelay: c.Engine.StepRetryBase,
			MaxDelay:  c.Engine.StepRetryMax,
			Jitter:    0.2,
		},
	}
}

func (c *Config) WorkerConfig() sagaflow.WorkerConfig {
	return sagaflow.WorkerConfig{
		Concurrency:        c.Worker.Concurrency,
		DefaultTimeout:     c.Worker.DefaultTimeout,
		DefaultMaxAttempts: c.Worker.MaxAttempts,
		Backoff: sagaflow.RetryPolicy{
			BaseDelay: c.Worker.BackoffBase,
			MaxDelay:  c.Worker.BackoffMax,
			Jitter:    c.Worker.BackoffJitter,
		},
		LeaseGrace:       c.Worker.LeaseGrace,
		LockedRetryDelay: c.Worker.LockedRetryDelay,
		DecayTTL:         c.Worker.DecayTTL,
		EventSource:      c.Worker.EventSource,
	}
}

func (c *Config) SweeperConfig() sagaflow.SweeperConfig {
	return sagaflow.SweeperConfig{
		Schedule:           c.Sweeper.Schedule,
		StaleThreshold:     c.Sweeper.StaleThreshold,
		CompletedRetention: c.Sweeper.CompletedRetention,
		FailedRetention:    c.Sweeper.FailedRetention,
		CancelledRetention: c.Sweeper.CancelledRetention,
		DecayTTL:           c.Worker.DecayTTL,
	}
}
