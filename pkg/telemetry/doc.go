// Package telemetry provides observability instrumentation for the barclamp service.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring the proposal lifecycle.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with stdout or OTLP export
//  3. Metrics Collection - Prometheus metrics for lifecycle and queue health
//  4. Event Publishing - Lifecycle events for audit streams and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "barclamp"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Libraries that accept a *Telemetry fall back to Nop() when given nil, which
// discards logs and records nothing.
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("commit-queue")
//	logger = logger.WithProposalID("nova_default").WithModule("nova")
//	logger.Info("commit queued")
//	logger.WithError(err).Warn("commit rejected")
//
// # Distributed Tracing
//
//	ctx, span := tel.Tracer.StartProposalSpan(ctx, "commit", proposalID)
//	defer span.End()
//
//	ctx, backend := tel.Tracer.StartBackendSpan(ctx, module, proposalID)
//	status, msg, err := handler.Submit(ctx, p)
//	backend.End()
//
// # Instrumented Operations
//
// StartOperation combines a span, a logger carrying trace ids, and a timer. EndWithResult
// records the operation counter and latency under a result label:
//
//	ic := tel.StartOperation(ctx, "proposal.create", telemetry.AttrProposalID.String(id))
//	defer func() { ic.EndWithResult(result, err) }()
//
// # Events
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Key())
//	}, telemetry.FilterByType(telemetry.EventTypeCommitQueued))
//
//	tel.Events.PublishCommitQueued("nova_default", "deployment backend busy", 1)
//
// With a BufferSize, events are buffered and delivered in batches; otherwise they are
// delivered synchronously in publish order. Event filters: FilterByLevel, FilterByType,
// FilterByProposalID, FilterByTargetID.
//
// # Exporters
//
//   - "stdout": print traces to stdout (development)
//   - "otlp": export via OTLP/gRPC to a collector
//   - "none": generate traces without exporting them
//
// # Metrics
//
// Metrics are registered on a private registry served by Handler:
//
//   - barclamp_lifecycle_operations_total{operation,result}
//   - barclamp_lifecycle_operation_duration_seconds{operation}
//   - barclamp_commit_outcomes_total{outcome}
//   - barclamp_commit_queue_depth
//   - barclamp_backend_submit_duration_seconds{result}
//   - barclamp_backend_circuit_open
//   - barclamp_validation_failures_total{barclamp}
//   - barclamp_transitions_recorded_total
//   - barclamp_registry_lookups_total{result}
//   - barclamp_errors_by_kind_total{kind}
//   - barclamp_errors_by_code_total{code}
package telemetry
