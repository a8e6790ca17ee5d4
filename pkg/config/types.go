package config

import (
	"time"
)

// Config is the service configuration.
type Config struct {
	// Database configures the SQLite store.
	Database DatabaseConfig `yaml:"database"`

	// Catalog locates the barclamp catalog.
	Catalog CatalogConfig `yaml:"catalog"`

	// Policy lists additional Rego policy sources.
	Policy PolicyConfig `yaml:"policy"`

	// Backend configures the deployment backend.
	Backend BackendConfig `yaml:"backend"`

	// Queue configures commit submission and queue draining.
	Queue QueueConfig `yaml:"queue"`

	// Lock selects the per-proposal locker.
	Lock LockConfig `yaml:"lock"`

	// Registry configures the active deployment registry cache.
	Registry RegistryConfig `yaml:"registry"`

	// Stream configures the Kafka event stream.
	Stream StreamConfig `yaml:"stream"`

	// HTTP configures the JSON API server.
	HTTP HTTPConfig `yaml:"http"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"min=0"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" validate:"min=0"`
}

// CatalogConfig locates the barclamp catalog.
type CatalogConfig struct {
	// Path is a catalog file or a directory of catalog files.
	Path string `yaml:"path" validate:"required"`

	// Watch reloads the catalog when its files change.
	Watch bool `yaml:"watch"`
}

// PolicyConfig lists Rego policy files or directories applied to every proposal.
type PolicyConfig struct {
	Paths []string `yaml:"paths" validate:"dive,required"`
	Watch bool     `yaml:"watch"`
}

// BackendConfig configures the deployment backend. Without a URL every module is
// detached and commits stay queued.
type BackendConfig struct {
	URL string `yaml:"url" validate:"omitempty,url"`

	// Timeout caps a single request. Zero leaves it to the commit timeout.
	Timeout time.Duration     `yaml:"timeout" validate:"min=0"`
	Headers map[string]string `yaml:"headers"`
	Breaker BreakerConfig     `yaml:"breaker"`
}

// BreakerConfig configures the backend circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"min=0"`
	OpenTimeout      time.Duration `yaml:"open_timeout" validate:"min=0"`
}

// QueueConfig configures commit submission.
type QueueConfig struct {
	// CommitTimeout bounds a synchronous backend submission.
	CommitTimeout time.Duration `yaml:"commit_timeout" validate:"gt=0"`

	// DrainInterval is how often queued commits are resubmitted. Zero disables draining.
	DrainInterval time.Duration `yaml:"drain_interval" validate:"min=0"`
}

// LockConfig selects the per-proposal locker.
type LockConfig struct {
	Driver string      `yaml:"driver" validate:"oneof=memory redis"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis locker.
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db" validate:"min=0"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl" validate:"min=0"`
}

// RegistryConfig configures the active deployment registry cache.
type RegistryConfig struct {
	// CacheTTL is how long an active set is reused. Zero disables the cache.
	CacheTTL time.Duration `yaml:"cache_ttl" validate:"min=0"`
}

// StreamConfig configures the Kafka event stream.
type StreamConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers" validate:"required_if=Enabled true,dive,required"`
	Topic   string   `yaml:"topic" validate:"required_if=Enabled true"`
}

// HTTPConfig configures the JSON API server.
type HTTPConfig struct {
	Listen         string        `yaml:"listen" validate:"required"`
	ReadTimeout    time.Duration `yaml:"read_timeout" validate:"min=0"`
	WriteTimeout   time.Duration `yaml:"write_timeout" validate:"min=0"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"min=0"`
}

// TelemetryConfig configures logging, tracing and metrics.
type TelemetryConfig struct {
	Environment    string  `yaml:"environment"`
	LogLevel       string  `yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat      string  `yaml:"log_format" validate:"oneof=console json"`
	TraceExporter  string  `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	OTLPInsecure   bool    `yaml:"otlp_insecure"`
	SamplingRate   float64 `yaml:"sampling_rate" validate:"min=0,max=1"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`

	// EventBuffer is the lifecycle event buffer. Zero delivers events synchronously.
	EventBuffer int `yaml:"event_buffer" validate:"min=0"`
}
