package telemetry

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config configures the telemetry of one barclamp process. The service reads it from
// the telemetry section of its configuration file.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Environment is attached to every span (development, staging, production).
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is a zerolog level name (trace, debug, info, warn, error, fatal).
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file path opened for append.
	Output string

	// Caller adds file:line to every entry.
	Caller bool
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Exporter is otlp, stdout or none. With none spans are still created so that
	// log entries carry trace ids, but nothing is exported.
	Exporter string

	// Endpoint is the OTLP collector address (host:port).
	Endpoint string

	// Insecure disables TLS towards the collector.
	Insecure bool

	// SamplingRate is the ratio of root spans kept (0.0 to 1.0).
	SamplingRate float64
}

// Exporting reports whether spans leave the process.
func (c TracingConfig) Exporting() bool {
	return c.Exporter != "" && c.Exporter != "none"
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool

	// Namespace prefixes every metric name.
	Namespace string
}

// EventsConfig configures lifecycle event delivery.
type EventsConfig struct {
	Enabled bool

	// BufferSize above zero delivers events from a background goroutine through a
	// buffer of that size. Zero delivers synchronously in publish order.
	BufferSize int

	// FlushInterval bounds how long a buffered event waits for its batch.
	FlushInterval time.Duration
}

const (
	defaultEventBatch    = 100
	defaultExportTimeout = 10 * time.Second
)

// latencyBuckets cover lock waits through slow backend submissions.
var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// DefaultConfig returns the configuration of a service without a telemetry section.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "barclamp",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "barclamp",
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: time.Second,
		},
	}
}

// Validate checks the configuration before any component is built.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil || c.Logging.Level == "" {
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	case "otlp":
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("otlp exporter requires an endpoint")
		}
	default:
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Events.BufferSize < 0 {
		return fmt.Errorf("event buffer size must not be negative, got: %d", c.Events.BufferSize)
	}
	return nil
}
