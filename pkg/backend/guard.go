package backend

import (
	"context"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"

	"github.com/openfroyo/barclamp/pkg/engine"
	"github.com/openfroyo/barclamp/pkg/telemetry"
)

// GuardConfig configures the circuit breaker of a Guarded backend.
type GuardConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int

	// OpenTimeout is how long the circuit stays open before probing again.
	OpenTimeout time.Duration

	// HalfOpenRequests is the number of trial requests allowed while half open.
	HalfOpenRequests int
}

// DefaultGuardConfig returns the default breaker settings.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

type submission struct {
	status  engine.SubmitStatus
	message string
	err     error
}

// Guarded wraps a backend with a circuit breaker. Only unavailability counts as a
// failure; an open circuit fails fast with a backend unavailable error.
type Guarded struct {
	next    engine.Backend
	breaker circuitbreaker.CircuitBreaker[submission]
	metrics *telemetry.Metrics
}

var _ engine.Backend = (*Guarded)(nil)

// NewGuarded creates a guarded backend. metrics may be nil.
func NewGuarded(next engine.Backend, cfg GuardConfig, metrics *telemetry.Metrics) *Guarded {
	def := DefaultGuardConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = def.HalfOpenRequests
	}
	threshold := uint32(cfg.FailureThreshold) // #nosec G115 -- validated above

	return &Guarded{
		next: next,
		breaker: circuitbreaker.New[submission](circuitbreaker.Config{
			MaxRequests: uint32(cfg.HalfOpenRequests), // #nosec G115 -- validated above
			Interval:    cfg.OpenTimeout,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		}),
		metrics: metrics,
	}
}

// Submit forwards to the wrapped backend through the breaker.
func (g *Guarded) Submit(ctx context.Context, p *engine.Proposal) (engine.SubmitStatus, string, error) {
	res, err := g.breaker.Execute(ctx, func(ctx context.Context) (submission, error) {
		status, message, err := g.next.Submit(ctx, p)
		if err != nil && engine.IsTransient(err) {
			return submission{}, err
		}
		// Rejections are answers from a healthy backend.
		return submission{status: status, message: message, err: err}, nil
	})
	g.observe()

	if err != nil {
		if _, ok := engine.AsEngineError(err); ok {
			return "", "", err
		}
		if ctx.Err() != nil {
			return "", "", err
		}
		return "", "", engine.NewBackendUnavailableError("deployment backend circuit open", err).
			WithResource(p.ID()).WithCode("CIRCUIT_OPEN")
	}
	return res.status, res.message, res.err
}

// Open reports whether the circuit is open.
func (g *Guarded) Open() bool {
	return strings.EqualFold(g.breaker.State().String(), "open")
}

func (g *Guarded) observe() {
	if g.metrics != nil {
		g.metrics.SetBackendCircuitOpen(g.Open())
	}
}
