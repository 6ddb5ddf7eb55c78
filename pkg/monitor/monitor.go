package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/olivergale/metis-portal2-sub002/pkg/lifecycle"
	"github.com/olivergale/metis-portal2-sub002/pkg/policy"
	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/telemetry"
	"github.com/olivergale/metis-portal2-sub002/pkg/triage"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

// Dispatcher hands escalated work to the diagnostician.
type Dispatcher interface {
	Dispatch(ctx context.Context, sweepID string, escalated int) error
}

// SweepReport summarises one sweep.
type SweepReport struct {
	ID             string                    `json:"id"`
	StartedAt      time.Time                 `json:"started_at"`
	Duration       time.Duration             `json:"duration"`
	Findings       []*triage.Entry           `json:"findings"`
	Created        int                       `json:"created"`
	Correlations   []triage.CorrelationGroup `json:"correlations"`
	Escalated      []string                  `json:"escalated"`
	Backlog        int                       `json:"backlog"`
	Dispatched     bool                      `json:"dispatched"`
	DetectorErrors map[string]string         `json:"detector_errors,omitempty"`
}

// Failed reports whether any detector or stage failed.
func (r *SweepReport) Failed() bool {
	return len(r.DetectorErrors) > 0
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the monitor's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithDispatcher sets where escalations are sent.
func WithDispatcher(d Dispatcher) Option {
	return func(m *Monitor) {
		m.dispatcher = d
	}
}

// WithPolicyEngine overrides the escalation policy engine.
func WithPolicyEngine(e *policy.Engine) Option {
	return func(m *Monitor) {
		m.policy = e
	}
}

// WithDetectors replaces the built-in detector battery.
func WithDetectors(detectors ...Detector) Option {
	return func(m *Monitor) {
		m.custom = detectors
	}
}

// Monitor runs the Tier-1 sweep.
type Monitor struct {
	store      stores.Store
	gateway    *lifecycle.Gateway
	policy     *policy.Engine
	dispatcher Dispatcher
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	now        func() time.Time
	custom     []Detector

	mu         sync.RWMutex
	cfg        Config
	correlator *Correlator
}

// New creates a monitor. Signature scripts named in cfg are compiled here.
func New(store stores.Store, gateway *lifecycle.Gateway, tel *telemetry.Telemetry, cfg Config, opts ...Option) (*Monitor, error) {
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Monitor{
		store:   store,
		gateway: gateway,
		logger:  tel.Logger.NewComponentLogger("monitor"),
		metrics: tel.Metrics,
		tracer:  tel.Tracer,
		now:     func() time.Time { return time.Now().UTC() },
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.policy == nil {
		engine, err := policy.NewEngine(*tel.Logger.Zerolog())
		if err != nil {
			return nil, fmt.Errorf("failed to create policy engine: %w", err)
		}
		m.policy = engine
	}

	correlator, err := m.buildCorrelator(cfg)
	if err != nil {
		return nil, err
	}
	m.correlator = correlator

	return m, nil
}

func (m *Monitor) buildCorrelator(cfg Config) (*Correlator, error) {
	scripts := make([]*SignatureScript, 0, len(cfg.SignatureScripts))
	for _, path := range cfg.SignatureScripts {
		script, err := LoadSignatureScript(path, time.Second)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, script)
	}
	return NewCorrelator(m.store, m.logger.NewComponentLogger("correlation"), scripts...), nil
}

// Config returns the thresholds currently in force.
func (m *Monitor) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// UpdateConfig swaps the thresholds for subsequent sweeps. An invalid
// config or script leaves the current one in place.
func (m *Monitor) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	correlator, err := m.buildCorrelator(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cfg = cfg
	m.correlator = correlator
	m.mu.Unlock()

	m.logger.WithFields(map[string]interface{}{
		"interval":    cfg.Interval.String(),
		"stuck_after": cfg.StuckAfter.String(),
		"scripts":     len(cfg.SignatureScripts),
	}).Info("Monitor config updated")
	return nil
}

// Detectors returns the battery run by each sweep.
func (m *Monitor) Detectors() []Detector {
	if m.custom != nil {
		return m.custom
	}
	env := detectorEnv{
		store:   m.store,
		gateway: m.gateway,
		cfg:     m.Config(),
		logger:  m.logger,
	}
	return []Detector{
		&SettlementGapDetector{env},
		&AutoUnblockDetector{env},
		&StuckDetector{env},
		&OrphanDetector{env},
		&MismatchDetector{env},
		&SpiralDetector{env},
	}
}

// Sweep runs every detector once, records findings, correlates them,
// applies the escalation policy and dispatches the diagnostician while any
// escalated entry is waiting. It only returns an error when the sweep could not
// start; stage failures are reported in SweepReport.DetectorErrors.
func (m *Monitor) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{
		ID:             uuid.New().String(),
		StartedAt:      m.now(),
		DetectorErrors: make(map[string]string),
	}
	ctx, span := m.tracer.StartSweepSpan(ctx, report.ID)
	defer span.End()

	logger := m.logger.WithSweepID(report.ID)
	cfg := m.Config()
	start := time.Now()

	m.mu.RLock()
	correlator := m.correlator
	m.mu.RUnlock()

	seen := make(map[string]bool)
	for _, d := range m.Detectors() {
		findings, err := m.runDetector(ctx, d, cfg, report.StartedAt)
		if err != nil {
			report.DetectorErrors[d.Name()] = err.Error()
			logger.WithError(err).WithField("detector", d.Name()).Error("Detector failed")
			continue
		}

		for _, f := range findings {
			entry, created, err := m.record(ctx, f, report.StartedAt)
			if err != nil {
				report.DetectorErrors[d.Name()] = err.Error()
				logger.WithError(err).WithWorkOrderID(f.WorkOrderID).Error("Failed to record finding")
				continue
			}
			if created {
				report.Created++
				m.metrics.RecordFinding(string(entry.Type), string(entry.Severity))
				logger.WithWorkOrderID(entry.WorkOrderID).WithTriageID(entry.ID).WithFields(map[string]interface{}{
					"triage_type": string(entry.Type),
					"severity":    string(entry.Severity),
				}).Info("Triage entry recorded")
			}
			if !seen[entry.ID] {
				seen[entry.ID] = true
				report.Findings = append(report.Findings, entry)
			}
		}
	}

	groups, err := m.correlate(ctx, correlator, report.Findings, cfg, report.StartedAt)
	if err != nil {
		report.DetectorErrors["correlation"] = err.Error()
		logger.WithError(err).Error("Correlation failed")
	}
	report.Correlations = groups
	for _, g := range groups {
		m.metrics.RecordCorrelation(g.Type)
	}

	if err := m.escalate(ctx, report, cfg); err != nil {
		report.DetectorErrors["escalation"] = err.Error()
		logger.WithError(err).Error("Escalation failed")
	}

	// Every escalated entry still waiting is re-dispatched, not only those
	// escalated by this sweep; the queue keeps a single pending task.
	report.Backlog = len(report.Escalated)
	if backlog, err := m.store.CountEscalatedTriage(ctx); err != nil {
		logger.WithError(err).Warn("Failed to count escalated backlog")
	} else {
		report.Backlog = backlog
		m.metrics.SetEscalatedBacklog(float64(backlog))
	}

	if report.Backlog > 0 && m.dispatcher != nil {
		if err := m.dispatcher.Dispatch(ctx, report.ID, report.Backlog); err != nil {
			m.metrics.RecordDispatch("failed")
			logger.WithError(err).Warn("Diagnostician dispatch failed; escalated entries stay queued")
		} else {
			report.Dispatched = true
			m.metrics.RecordDispatch("queued")
		}
	}

	report.Duration = time.Since(start)
	outcome := "ok"
	if report.Failed() {
		outcome = "partial"
	}
	m.metrics.RecordSweep(outcome, report.Duration)
	telemetry.RecordSuccess(span)

	logger.WithFields(map[string]interface{}{
		"findings":     len(report.Findings),
		"created":      report.Created,
		"correlations": len(report.Correlations),
		"escalated":    len(report.Escalated),
		"backlog":      report.Backlog,
		"dispatched":   report.Dispatched,
		"errors":       len(report.DetectorErrors),
		"duration":     report.Duration.String(),
	}).Info("Sweep completed")

	return report, nil
}

// runDetector isolates one detector: panics and timeouts become errors.
func (m *Monitor) runDetector(ctx context.Context, d Detector, cfg Config, now time.Time) (findings []triage.Finding, err error) {
	ctx, span := m.tracer.StartDetectorSpan(ctx, d.Name())
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, cfg.DetectorTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			findings = nil
			err = fmt.Errorf("detector %s panicked: %v", d.Name(), r)
		}
		if err != nil {
			telemetry.RecordError(span, err)
		}
	}()

	return d.Detect(ctx, now)
}

// correlate isolates the correlation stage.
func (m *Monitor) correlate(ctx context.Context, c *Correlator, entries []*triage.Entry, cfg Config, now time.Time) (groups []triage.CorrelationGroup, err error) {
	defer func() {
		if r := recover(); r != nil {
			groups = nil
			err = fmt.Errorf("correlation panicked: %v", r)
		}
	}()
	if len(entries) < 2 {
		return nil, nil
	}
	return c.Correlate(ctx, entries, cfg, now)
}

// record inserts a finding unless an unresolved entry of the same type
// already exists for the work order, in which case that entry is returned.
func (m *Monitor) record(ctx context.Context, f triage.Finding, now time.Time) (*triage.Entry, bool, error) {
	entry := &triage.Entry{
		ID:          uuid.New().String(),
		WorkOrderID: f.WorkOrderID,
		Type:        f.Type(),
		Severity:    f.Severity,
		Context:     f.Context,
		EscalateTo:  f.EscalateTo,
		State:       triage.StateOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := entry.Type.Validate(); err != nil {
		return nil, false, err
	}
	return m.store.InsertTriageEntry(ctx, entry)
}

// escalate evaluates the policy over this sweep's entries and applies its
// decisions. Each escalation and its audit record commit together.
func (m *Monitor) escalate(ctx context.Context, report *SweepReport, cfg Config) error {
	if len(report.Findings) == 0 {
		return nil
	}

	input := policy.Input{
		SweepID:      report.ID,
		Entries:      make([]policy.EntryInput, 0, len(report.Findings)),
		Correlations: report.Correlations,
		Config:       policy.InputConfig{MinCorrelationSize: cfg.MinCorrelationSize},
		Timestamp:    report.StartedAt,
	}
	for _, e := range report.Findings {
		input.Entries = append(input.Entries, policy.NewEntryInput(e))
	}

	decisions, err := m.policy.Evaluate(ctx, input)
	if err != nil {
		return err
	}

	var firstErr error
	for _, d := range decisions {
		escalated, err := m.applyDecision(ctx, d, report.StartedAt)
		if err != nil {
			m.logger.WithTriageID(d.EntryID).WithError(err).Error("Failed to escalate triage entry")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if escalated {
			report.Escalated = append(report.Escalated, d.EntryID)
			m.metrics.RecordEscalation(string(d.Target))
		}
	}
	return firstErr
}

func (m *Monitor) applyDecision(ctx context.Context, d policy.Decision, now time.Time) (bool, error) {
	var escalated bool
	err := m.store.WithTx(ctx, func(tx stores.Store) error {
		entry, err := tx.GetTriageEntry(ctx, d.EntryID)
		if err != nil {
			return err
		}

		ok, err := tx.EscalateTriageEntry(ctx, d.EntryID, d.Target, d.Correlation, now)
		if err != nil || !ok {
			return err
		}
		escalated = true

		details, err := marshalDetails(map[string]any{
			"triage_entry_id": d.EntryID,
			"triage_type":     entry.Type,
			"target":          d.Target,
			"reason":          d.Reason,
			"correlation":     d.Correlation,
			"policy":          d.Policy,
		})
		if err != nil {
			return err
		}
		woID := entry.WorkOrderID
		return tx.AppendAudit(ctx, &workorder.AuditEntry{
			WorkOrderID: &woID,
			Action:      workorder.AuditActionTriageEscalated,
			Actor:       Actor,
			Details:     details,
			Timestamp:   now,
		})
	})
	if err != nil {
		return false, err
	}

	if escalated {
		m.logger.WithTriageID(d.EntryID).WithFields(map[string]interface{}{
			"target": string(d.Target),
			"reason": d.Reason,
		}).Info("Triage entry escalated")
	}
	return escalated, nil
}

// Run sweeps immediately and then on every interval until ctx is done. A
// failed sweep is logged and retried at the next tick.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.Config().Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.WithField("interval", interval.String()).Info("Monitor started")

	for {
		if _, err := m.Sweep(ctx); err != nil {
			m.logger.WithError(err).Error("Sweep failed")
		}

		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopped")
			return nil
		case <-ticker.C:
			if next := m.Config().Interval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func marshalDetails(v any) (*string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit details: %w", err)
	}
	s := string(data)
	return &s, nil
}
