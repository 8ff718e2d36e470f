package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SAGAFLOW_"

type envBinding struct {
	key string
	set func(c *Config, value string) error
}

func str(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func integer(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		i, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = i
		return nil
	}
}

func duration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func boolean(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func float(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

var envBindings = []envBinding{
	{"APP_ENVIRONMENT", str(func(c *Config) *string { return &c.App.Environment })},
	{"LOG_LEVEL", str(func(c *Config) *string { return &c.App.LogLevel })},
	{"ENGINE_MAX_FAN_OUT", integer(func(c *Config) *int { return &c.Engine.MaxFanOut })},
	{"ENGINE_COMPENSATION_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Engine.CompensationTimeout })},
	{"WORKER_CONCURRENCY", integer(func(c *Config) *int { return &c.Worker.Concurrency })},
	{"WORKER_DEFAULT_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Worker.DefaultTimeout })},
	{"WORKER_MAX_ATTEMPTS", integer(func(c *Config) *int { return &c.Worker.MaxAttempts })},
	{"WORKER_BACKOFF_BASE", duration(func(c *Config) *time.Duration { return &c.Worker.BackoffBase })},
	{"WORKER_BACKOFF_MAX", duration(func(c *Config) *time.Duration { return &c.Worker.BackoffMax })},
	{"WORKER_BACKOFF_JITTER", float(func(c *Config) *float64 { return &c.Worker.BackoffJitter })},
	{"SWEEPER_ENABLED", boolean(func(c *Config) *bool { return &c.Sweeper.Enabled })},
	{"SWEEPER_SCHEDULE", str(func(c *Config) *string { return &c.Sweeper.Schedule })},
	{"SWEEPER_STALE_THRESHOLD", duration(func(c *Config) *time.Duration { return &c.Sweeper.StaleThreshold })},
	{"STORE_BACKEND", str(func(c *Config) *string { return &c.Store.Backend })},
	{"STORE_DIR", str(func(c *Config) *string { return &c.Store.Dir })},
	{"POSTGRES_DSN", str(func(c *Config) *string { return &c.Postgres.DSN })},
	{"REDIS_ADDR", str(func(c *Config) *string { return &c.Redis.Addr })},
	{"REDIS_PASSWORD", str(func(c *Config) *string { return &c.Redis.Password })},
	{"REDIS_DB", integer(func(c *Config) *int { return &c.Redis.DB })},
	{"KAFKA_BROKERS", func(c *Config, v string) error {
		c.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
		return nil
	}},
	{"KAFKA_TOPIC", str(func(c *Config) *string { return &c.Kafka.Topic })},
	{"METRICS_ENABLED", boolean(func(c *Config) *bool { return &c.Telemetry.Metrics })},
	{"TRACE_ENDPOINT", str(func(c *Config) *string { return &c.Telemetry.TraceEndpoint })},
	{"HTTP_ADDR", str(func(c *Config) *string { return &c.HTTP.Addr })},
}

// ApplyEnv overrides settings from SAGAFLOW_* variables. lookup is usually
// os.LookupEnv. Empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		key := EnvPrefix + b.key
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		if err := b.set(c, v); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}
