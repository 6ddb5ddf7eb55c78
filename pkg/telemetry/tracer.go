package telemetry

import (
	"context"
	"fmt"

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
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys.
var (
	AttrWorkOrderID = attribute.Key("work_order.id")
	AttrEvent       = attribute.Key("work_order.event")
	AttrStatus      = attribute.Key("work_order.status")
	AttrErrorCode   = attribute.Key("error.code")

	AttrSweepID  = attribute.Key("monitor.sweep_id")
	AttrDetector = attribute.Key("monitor.detector")

	AttrTriageID  = attribute.Key("triage.id")
	AttrBatchID   = attribute.Key("diagnostician.batch_id")
	AttrBatchSize = attribute.Key("diagnostician.batch_size")
)

// Tracer emits the lifecycle and remediation spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates a tracer. A disabled config yields a no-op tracer; the
// "none" exporter samples spans without exporting them.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		return NewNoopTracer(), nil
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
		attribute.String("environment", environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	exporter, err := newSpanExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

func newSpanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "none":
		return nil, nil
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent("metis-otlp")),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	}
	return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
}

// NewNoopTracer returns a tracer that records nothing.
func NewNoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("metis")}
}

// StartSpan starts a span with the given attributes.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (t *Tracer) StartTransitionSpan(ctx context.Context, workOrderID, event string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "workorder.transition", AttrWorkOrderID.String(workOrderID), AttrEvent.String(event))
}

func (t *Tracer) StartSettlementSpan(ctx context.Context, workOrderID, status string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "workorder.settle", AttrWorkOrderID.String(workOrderID), AttrStatus.String(status))
}

func (t *Tracer) StartSweepSpan(ctx context.Context, sweepID string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "monitor.sweep", AttrSweepID.String(sweepID))
}

func (t *Tracer) StartDetectorSpan(ctx context.Context, detector string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "monitor.detect."+detector, AttrDetector.String(detector))
}

func (t *Tracer) StartDiagnosisSpan(ctx context.Context, triageID, workOrderID string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "diagnostician.diagnose", AttrTriageID.String(triageID), AttrWorkOrderID.String(workOrderID))
}

// RecordError marks span failed with err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
