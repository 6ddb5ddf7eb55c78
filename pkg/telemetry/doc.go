// Package telemetry provides observability instrumentation for metis.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind a single Telemetry value
// that the gateway, monitor and diagnostician share.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests and tools that do not care about observability use
// NewNopTelemetry, NewNopLogger and NewNoopTracer.
//
// # Structured Logging
//
// Component loggers carry the identifiers operators search by:
//
//	logger := tel.Logger.NewComponentLogger("monitor")
//	logger = logger.WithSweepID(sweepID).WithWorkOrderID(woID)
//	logger.Info("stuck work order recorded")
//	logger.WithError(err).Error("detector failed")
//
// # Distributed Tracing
//
// Spans exist for transitions, settlement passes, sweeps, individual
// detectors and diagnoses:
//
//	ctx, span := tel.Tracer.StartTransitionSpan(ctx, woID, "complete")
//	defer span.End()
//
// Supported exporters: "otlp" (gRPC), "stdout" and "none".
//
// Longer units of work use an Operation, whose logger carries the span's
// trace and span ids:
//
//	op := tel.StartOperation(ctx, logger, "diagnostician.batch")
//	defer func() { op.End(err) }()
//
// # Metrics
//
// Key metrics exposed on the serve command's /metrics endpoint:
//
//   - metis_transitions_total{event,to_status}
//   - metis_transition_rejections_total{code}
//   - metis_settlement_effects_total{effect}
//   - metis_monitor_sweeps_total{outcome}
//   - metis_monitor_sweep_duration_seconds
//   - metis_triage_findings_total{triage_type,severity}
//   - metis_correlation_groups_total{correlation_type}
//   - metis_triage_escalations_total{target}
//   - metis_diagnostician_dispatches_total{outcome}
//   - metis_diagnoses_total{outcome}
//   - metis_reasoner_request_duration_seconds{outcome}
//   - metis_queue_tasks_total{kind,event}
//   - metis_escalated_triage_backlog
//
// Every recording method is safe on a nil or disabled *Metrics.
package telemetry
