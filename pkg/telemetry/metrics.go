package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for the barclamp service.
type Metrics struct {
	// Lifecycle operation metrics
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Commit metrics
	commitOutcomes *prometheus.CounterVec
	queueDepth     prometheus.Gauge

	// Backend metrics
	backendSubmitDuration *prometheus.HistogramVec
	backendBreakerState   prometheus.Gauge

	// Validation metrics
	validationFailures *prometheus.CounterVec

	// Transition metrics
	transitionsRecorded prometheus.Counter

	// Registry cache metrics
	registryLookups *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec
	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	namespace := cfg.Namespace
	buckets := latencyBuckets

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_operations_total",
				Help:      "Total number of lifecycle operations by result",
			},
			[]string{"operation", "result"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lifecycle_operation_duration_seconds",
				Help:      "Duration of lifecycle operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		commitOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commit_outcomes_total",
				Help:      "Total number of commit outcomes",
			},
			[]string{"outcome"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "commit_queue_depth",
				Help:      "Current number of queued commits",
			},
		),

		backendSubmitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_submit_duration_seconds",
				Help:      "Duration of deployment backend submissions in seconds",
				Buckets:   buckets,
			},
			[]string{"result"},
		),
		backendBreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_circuit_open",
				Help:      "Whether the backend circuit breaker is open (1) or not (0)",
			},
		),

		validationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_failures_total",
				Help:      "Total number of failed proposal validations",
			},
			[]string{"barclamp"},
		),

		transitionsRecorded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_recorded_total",
				Help:      "Total number of node transition records",
			},
		),

		registryLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_lookups_total",
				Help:      "Active registry lookups by cache result",
			},
			[]string{"result"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of errors by error kind",
			},
			[]string{"kind"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.commitOutcomes,
		m.queueDepth,
		m.backendSubmitDuration,
		m.backendBreakerState,
		m.validationFailures,
		m.transitionsRecorded,
		m.registryLookups,
		m.errorsByKind,
		m.errorsByCode,
	)

	return m, nil
}

// RecordOperation records a lifecycle operation with its result and duration.
func (m *Metrics) RecordOperation(operation, result string, duration time.Duration) {
	if m == nil || m.operations == nil {
		return
	}
	m.operations.WithLabelValues(operation, result).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCommitOutcome increments the counter for a commit outcome.
func (m *Metrics) RecordCommitOutcome(outcome string) {
	if m == nil || m.commitOutcomes == nil {
		return
	}
	m.commitOutcomes.WithLabelValues(outcome).Inc()
}

// SetQueueDepth sets the current number of queued commits.
func (m *Metrics) SetQueueDepth(count float64) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(count)
}

// RecordBackendSubmit records a deployment backend submission.
func (m *Metrics) RecordBackendSubmit(result string, duration time.Duration) {
	if m == nil || m.backendSubmitDuration == nil {
		return
	}
	m.backendSubmitDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// SetBackendCircuitOpen records the backend circuit breaker state.
func (m *Metrics) SetBackendCircuitOpen(open bool) {
	if m == nil || m.backendBreakerState == nil {
		return
	}
	value := 0.0
	if open {
		value = 1.0
	}
	m.backendBreakerState.Set(value)
}

// RecordValidationFailure records a failed proposal validation.
func (m *Metrics) RecordValidationFailure(module string) {
	if m == nil || m.validationFailures == nil {
		return
	}
	m.validationFailures.WithLabelValues(module).Inc()
}

// RecordTransition records a node transition.
func (m *Metrics) RecordTransition() {
	if m == nil || m.transitionsRecorded == nil {
		return
	}
	m.transitionsRecorded.Inc()
}

// RecordRegistryLookup records an active registry lookup (hit, miss, shared, error).
func (m *Metrics) RecordRegistryLookup(result string) {
	if m == nil || m.registryLookups == nil {
		return
	}
	m.registryLookups.WithLabelValues(result).Inc()
}

// RecordError records an error by kind and optionally by code.
func (m *Metrics) RecordError(kind, code string) {
	if m == nil || m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
	if code != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

// Registry returns the underlying prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
