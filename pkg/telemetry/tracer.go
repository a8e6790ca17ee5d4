package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys shared by the lifecycle engine.
var (
	AttrProposalID   = attribute.Key("proposal.id")
	AttrModule       = attribute.Key("barclamp")
	AttrTargetID     = attribute.Key("target.id")
	AttrNodeName     = attribute.Key("node.name")
	AttrSubmitStatus = attribute.Key("backend.status")
	AttrErrorKind    = attribute.Key("error.kind")
	AttrErrorCode    = attribute.Key("error.code")
)

// Tracer creates lifecycle spans on its own provider.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer for the service described by cfg. Only an exporting tracer
// installs itself as the global provider.
func NewTracer(cfg *Config) (*Tracer, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.SamplingRate))),
	}

	exporter, err := newSpanExporter(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithExportTimeout(defaultExportTimeout)))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	if exporter != nil {
		otel.SetTracerProvider(provider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}, nil
}

// nopTracer samples nothing and exports nothing.
func nopTracer() *Tracer {
	provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
	return &Tracer{provider: provider, tracer: provider.Tracer("barclamp")}
}

func newSpanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "none":
		return nil, nil
	case "stdout":
		// stdout belongs to command output.
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
}

// StartSpan starts a span carrying attrs.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartProposalSpan starts a "proposal.<operation>" span.
func (t *Tracer) StartProposalSpan(ctx context.Context, operation, proposalID string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "proposal."+operation, AttrProposalID.String(proposalID))
}

// StartBackendSpan starts a client span around one deployment backend submission.
func (t *Tracer) StartBackendSpan(ctx context.Context, module, proposalID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "backend.submit",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrModule.String(module), AttrProposalID.String(proposalID)),
	)
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// RecordError marks span as failed with err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// SetAttributes sets attrs on span.
func SetAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
}

// AddProposalEvent records a named lifecycle event, such as a commit outcome, on span.
func AddProposalEvent(span trace.Span, proposalID, name, message string) {
	span.AddEvent(name, trace.WithAttributes(
		AttrProposalID.String(proposalID),
		attribute.String("event.message", message),
	))
}

// SpanFromContext returns the span stored in ctx, or a no-op span.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// TraceID returns the trace id of the span in ctx, or "" without a valid span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// SpanID returns the span id of the span in ctx, or "" without a valid span.
func SpanID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.SpanID().String()
}
