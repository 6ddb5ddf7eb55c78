package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing and metrics.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, errors.Join(err, tracer.Shutdown(context.Background()))
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// NewNopTelemetry returns telemetry that discards logs, spans and metrics.
func NewNopTelemetry() *Telemetry {
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  NewNoopTracer(),
		Metrics: &Metrics{},
		Config:  DefaultConfig(),
	}
}

// Shutdown flushes and stops the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// Operation is one traced unit of work with a logger bound to its span.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	start  time.Time
}

// StartOperation opens a span named name and derives a logger from logger
// carrying the operation name and the span's trace ids. A nil logger uses
// the telemetry logger.
func (t *Telemetry) StartOperation(ctx context.Context, logger *Logger, name string, attrs ...attribute.KeyValue) *Operation {
	if logger == nil {
		logger = t.Logger
	}
	ctx, span := t.Tracer.StartSpan(ctx, name, attrs...)
	return &Operation{
		Ctx:    ctx,
		Span:   span,
		Logger: logger.WithField("operation", name).WithSpan(ctx),
		start:  time.Now(),
	}
}

// End closes the span, marking it failed when err is non-nil, and returns
// the elapsed wall time.
func (o *Operation) End(err error) time.Duration {
	if err != nil {
		RecordError(o.Span, err)
	} else {
		RecordSuccess(o.Span)
	}
	o.Span.End()
	return time.Since(o.start)
}
