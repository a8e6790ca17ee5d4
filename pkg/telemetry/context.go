package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of a process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Nop returns telemetry that discards logs and records nothing.
func Nop() *Telemetry {
	metrics, _ := NewMetrics(MetricsConfig{})
	events, _ := NewEventPublisher(EventsConfig{})
	return &Telemetry{
		Logger:  NopLogger(),
		Tracer:  nopTracer(),
		Metrics: metrics,
		Events:  events,
		Config:  DefaultConfig(),
	}
}

// Shutdown drains buffered events and flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}

// InstrumentedContext carries the span, logger and timer of one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer

	operation string
	metrics   *Metrics
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
// A nil receiver yields an operation that only times and logs through the context logger.
func (t *Telemetry) StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	if t == nil {
		return &InstrumentedContext{
			Ctx:       ctx,
			Logger:    FromContext(ctx),
			Timer:     NewTimer(),
			operation: operation,
		}
	}

	spanCtx, span := t.Tracer.StartSpan(ctx, operation, attrs...)

	logger := t.Logger.WithField("operation", operation)
	if id := TraceID(spanCtx); id != "" {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": id,
			"span_id":  SpanID(spanCtx),
		})
	}

	return &InstrumentedContext{
		Ctx:       logger.WithContext(spanCtx),
		Span:      span,
		Logger:    logger,
		Timer:     NewTimer(),
		operation: operation,
		metrics:   t.Metrics,
	}
}

// Annotate sets attributes on the operation span.
func (ic *InstrumentedContext) Annotate(attrs ...attribute.KeyValue) {
	if ic.Span != nil {
		SetAttributes(ic.Span, attrs...)
	}
}

// EndWithResult finishes the operation and records it under the given result label.
func (ic *InstrumentedContext) EndWithResult(result string, err error) {
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
	ic.metrics.RecordOperation(ic.operation, result, ic.Timer.Duration())
}
