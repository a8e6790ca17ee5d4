package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/barclamp/pkg/telemetry"
)

// Environment variables that override file values.
const (
	EnvDBPath       = "BARCLAMP_DB_PATH"
	EnvListen       = "BARCLAMP_LISTEN"
	EnvBackendURL   = "BARCLAMP_BACKEND_URL"
	EnvRedisAddr    = "BARCLAMP_REDIS_ADDR"
	EnvKafkaBrokers = "BARCLAMP_KAFKA_BROKERS"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/barclamp.db",
			BusyTimeout: 5 * time.Second,
		},
		Catalog: CatalogConfig{
			Path:  "./catalog",
			Watch: true,
		},
		Backend: BackendConfig{
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
			},
		},
		Queue: QueueConfig{
			CommitTimeout: 30 * time.Second,
			DrainInterval: 10 * time.Second,
		},
		Lock: LockConfig{
			Driver: "memory",
			Redis: RedisConfig{
				KeyPrefix: "barclamp:lock:",
				TTL:       2 * time.Minute,
			},
		},
		Registry: RegistryConfig{
			CacheTTL: 5 * time.Second,
		},
		Stream: StreamConfig{
			Topic: "barclamp.events",
		},
		HTTP: HTTPConfig{
			Listen:         ":8080",
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   60 * time.Second,
			RequestTimeout: 60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			LogLevel:       "info",
			LogFormat:      "console",
			TraceExporter:  "none",
			SamplingRate:   1.0,
			MetricsEnabled: true,
			EventBuffer:    1000,
		},
	}
}

// Load reads a configuration file over the defaults, applies environment overrides
// and validates the result. An empty path loads the defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a configuration document over the defaults and validates it.
// Environment overrides are not applied.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// ApplyEnv overrides values from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvDBPath); v != "" {
		c.Database.Path = v
	}
	if v := getenv(EnvListen); v != "" {
		c.HTTP.Listen = v
	}
	if v := getenv(EnvBackendURL); v != "" {
		c.Backend.URL = v
	}
	if v := getenv(EnvRedisAddr); v != "" {
		c.Lock.Driver = "redis"
		c.Lock.Redis.Address = v
	}
	if v := getenv(EnvKafkaBrokers); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		if len(brokers) > 0 {
			c.Stream.Enabled = true
			c.Stream.Brokers = brokers
		}
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if c.Backend.Timeout > 0 && c.Backend.Timeout <= c.Queue.CommitTimeout {
		return fmt.Errorf("config validation failed: backend.timeout (%s) must exceed queue.commit_timeout (%s)",
			c.Backend.Timeout, c.Queue.CommitTimeout)
	}
	if c.Lock.Driver == "redis" && c.Lock.Redis.Address == "" {
		return fmt.Errorf("config validation failed: lock.redis.address is required for the redis driver")
	}
	return nil
}

// TelemetryConfig converts the telemetry section into a telemetry configuration.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Environment = c.Telemetry.Environment
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Logging.Output = "stderr"
	tc.Logging.Caller = c.Telemetry.LogLevel == "debug" || c.Telemetry.LogLevel == "trace"

	tc.Tracing.Exporter = c.Telemetry.TraceExporter
	tc.Tracing.Endpoint = c.Telemetry.OTLPEndpoint
	tc.Tracing.Insecure = c.Telemetry.OTLPInsecure
	tc.Tracing.SamplingRate = c.Telemetry.SamplingRate

	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	tc.Events.BufferSize = c.Telemetry.EventBuffer
	return tc
}
