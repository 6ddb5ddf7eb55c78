package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the lifecycle and remediation engine.
// A nil *Metrics or one built with metrics disabled records nothing.
type Metrics struct {
	config MetricsConfig

	// Lifecycle metrics
	transitions       *prometheus.CounterVec
	rejections        *prometheus.CounterVec
	settlementEffects *prometheus.CounterVec

	// Monitor metrics
	sweeps        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	findings      *prometheus.CounterVec
	correlations  *prometheus.CounterVec
	escalations   *prometheus.CounterVec
	dispatches    *prometheus.CounterVec

	// Diagnostician metrics
	diagnoses        *prometheus.CounterVec
	reasonerDuration *prometheus.HistogramVec

	// Queue metrics
	tasks *prometheus.CounterVec

	// Backlog gauges
	escalatedBacklog prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of applied work order transitions",
			},
			[]string{"event", "to_status"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transition_rejections_total",
				Help:      "Total number of rejected transitions by error code",
			},
			[]string{"code"},
		),
		settlementEffects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlement_effects_total",
				Help:      "Total number of work orders changed by settlement",
			},
			[]string{"effect"},
		),

		sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "monitor_sweeps_total",
				Help:      "Total number of monitor sweeps",
			},
			[]string{"outcome"},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "monitor_sweep_duration_seconds",
				Help:      "Duration of monitor sweeps in seconds",
				Buckets:   buckets,
			},
		),
		findings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "triage_findings_total",
				Help:      "Total number of newly recorded triage entries",
			},
			[]string{"triage_type", "severity"},
		),
		correlations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "correlation_groups_total",
				Help:      "Total number of correlation groups found by sweeps",
			},
			[]string{"correlation_type"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "triage_escalations_total",
				Help:      "Total number of triage entries escalated",
			},
			[]string{"target"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "diagnostician_dispatches_total",
				Help:      "Total number of diagnostician dispatch attempts",
			},
			[]string{"outcome"},
		),

		diagnoses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "diagnoses_total",
				Help:      "Total number of processed triage items by outcome",
			},
			[]string{"outcome"},
		),
		reasonerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reasoner_request_duration_seconds",
				Help:      "Duration of reasoning collaborator requests in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_tasks_total",
				Help:      "Total number of queue task events",
			},
			[]string{"kind", "event"},
		),

		escalatedBacklog: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "escalated_triage_backlog",
				Help:      "Current number of triage entries waiting for the diagnostician",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.transitions,
		m.rejections,
		m.settlementEffects,
		m.sweeps,
		m.sweepDuration,
		m.findings,
		m.correlations,
		m.escalations,
		m.dispatches,
		m.diagnoses,
		m.reasonerDuration,
		m.tasks,
		m.escalatedBacklog,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// Lifecycle Metrics

// RecordTransition records an applied transition.
func (m *Metrics) RecordTransition(event, toStatus string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(event, toStatus).Inc()
}

// RecordRejection records a rejected transition by error code.
func (m *Metrics) RecordRejection(code string) {
	if m == nil || m.rejections == nil {
		return
	}
	m.rejections.WithLabelValues(code).Inc()
}

// RecordSettlementEffect records a work order changed by settlement.
func (m *Metrics) RecordSettlementEffect(effect string) {
	if m == nil || m.settlementEffects == nil {
		return
	}
	m.settlementEffects.WithLabelValues(effect).Inc()
}

// Monitor Metrics

// RecordSweep records a completed sweep with its duration.
func (m *Metrics) RecordSweep(outcome string, duration time.Duration) {
	if m == nil || m.sweeps == nil {
		return
	}
	m.sweeps.WithLabelValues(outcome).Inc()
	m.sweepDuration.Observe(duration.Seconds())
}

// RecordFinding records a newly inserted triage entry.
func (m *Metrics) RecordFinding(triageType, severity string) {
	if m == nil || m.findings == nil {
		return
	}
	m.findings.WithLabelValues(triageType, severity).Inc()
}

// RecordCorrelation records a correlation group found by a sweep.
func (m *Metrics) RecordCorrelation(correlationType string) {
	if m == nil || m.correlations == nil {
		return
	}
	m.correlations.WithLabelValues(correlationType).Inc()
}

// RecordEscalation records a triage entry escalation.
func (m *Metrics) RecordEscalation(target string) {
	if m == nil || m.escalations == nil {
		return
	}
	m.escalations.WithLabelValues(target).Inc()
}

// RecordDispatch records a diagnostician dispatch attempt.
func (m *Metrics) RecordDispatch(outcome string) {
	if m == nil || m.dispatches == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

// Diagnostician Metrics

// RecordDiagnosis records the outcome of one processed triage item.
func (m *Metrics) RecordDiagnosis(outcome string) {
	if m == nil || m.diagnoses == nil {
		return
	}
	m.diagnoses.WithLabelValues(outcome).Inc()
}

// RecordReasonerCall records a reasoning collaborator request.
func (m *Metrics) RecordReasonerCall(outcome string, duration time.Duration) {
	if m == nil || m.reasonerDuration == nil {
		return
	}
	m.reasonerDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// Queue Metrics

// RecordTask records a queue task event (enqueued, deduped, leased, acked, released).
func (m *Metrics) RecordTask(kind, event string) {
	if m == nil || m.tasks == nil {
		return
	}
	m.tasks.WithLabelValues(kind, event).Inc()
}

// SetEscalatedBacklog sets the current diagnostician backlog.
func (m *Metrics) SetEscalatedBacklog(count float64) {
	if m == nil || m.escalatedBacklog == nil {
		return
	}
	m.escalatedBacklog.Set(count)
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Path returns the configured metrics path.
func (m *Metrics) Path() string {
	if m == nil || m.config.Path == "" {
		return "/metrics"
	}
	return m.config.Path
}
