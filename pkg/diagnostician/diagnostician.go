package diagnostician

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/olivergale/metis-portal2-sub002/pkg/lifecycle"
	"github.com/olivergale/metis-portal2-sub002/pkg/reasoning"
	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/telemetry"
	"github.com/olivergale/metis-portal2-sub002/pkg/triage"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

// Actor is recorded on everything the diagnostician writes.
const Actor = "tier2-diagnostician"

// Tags applied to remediation work orders.
const (
	TagRemediation = "remediation"
	TagRCA         = "rca"
)

// Diagnosis outcomes reported in metrics and results.
const (
	OutcomeRemediated = "remediated"
	OutcomeFallback   = "fallback"
	OutcomeFailed     = "failed"
)

// FollowUp queues another diagnostician invocation.
type FollowUp interface {
	Request(ctx context.Context, reason string, delay time.Duration) (bool, error)
}

// ItemResult is the outcome for one triage entry.
type ItemResult struct {
	TriageID        string  `json:"triage_id"`
	WorkOrderID     string  `json:"work_order_id"`
	Outcome         string  `json:"outcome"`
	RemediationSlug string  `json:"remediation_slug,omitempty"`
	Confidence      float64 `json:"confidence,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// BatchReport summarises one invocation.
type BatchReport struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Items     []ItemResult  `json:"items"`
	Remaining int           `json:"remaining"`
	FollowUp  bool          `json:"follow_up"`
}

// Failed counts items that were left unresolved.
func (r *BatchReport) Failed() int {
	n := 0
	for _, item := range r.Items {
		if item.Outcome == OutcomeFailed {
			n++
		}
	}
	return n
}

// Option configures a Diagnostician.
type Option func(*Diagnostician)

// WithClock overrides the diagnostician's time source.
func WithClock(now func() time.Time) Option {
	return func(d *Diagnostician) {
		d.now = now
	}
}

// WithFollowUp sets where follow-up invocations are queued.
func WithFollowUp(f FollowUp) Option {
	return func(d *Diagnostician) {
		d.followUp = f
	}
}

// Diagnostician turns escalated triage entries into remediation work.
type Diagnostician struct {
	store    stores.Store
	gateway  *lifecycle.Gateway
	reasoner reasoning.Reasoner
	followUp FollowUp
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	now      func() time.Time

	mu  sync.RWMutex
	cfg Config
}

// New creates a diagnostician.
func New(store stores.Store, gateway *lifecycle.Gateway, reasoner reasoning.Reasoner, tel *telemetry.Telemetry, cfg Config, opts ...Option) (*Diagnostician, error) {
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	if reasoner == nil {
		return nil, fmt.Errorf("reasoner is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Worker == "" {
		cfg.Worker = Actor
	}

	d := &Diagnostician{
		store:    store,
		gateway:  gateway,
		reasoner: reasoner,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("diagnostician"),
		metrics:  tel.Metrics,
		tracer:   tel.Tracer,
		now:      func() time.Time { return time.Now().UTC() },
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Config returns the active configuration.
func (d *Diagnostician) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// UpdateConfig swaps the configuration.
func (d *Diagnostician) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Worker == "" {
		cfg.Worker = Actor
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	return nil
}

// RunBatch claims up to BatchSize of the oldest escalated entries and
// processes each one independently. Only a failure to claim is returned;
// per-item failures are recorded on the entry and in the report.
func (d *Diagnostician) RunBatch(ctx context.Context) (_ *BatchReport, err error) {
	cfg := d.Config()
	report := &BatchReport{
		ID:        uuid.New().String(),
		StartedAt: d.now(),
	}
	op := d.tel.StartOperation(ctx, d.logger.WithField("batch_id", report.ID), "diagnostician.batch",
		telemetry.AttrBatchID.String(report.ID),
		telemetry.AttrBatchSize.Int(cfg.BatchSize),
	)
	defer func() { op.End(err) }()
	ctx, logger := op.Ctx, op.Logger

	entries, err := d.store.ClaimTriageEntries(ctx, cfg.Worker, cfg.BatchSize, cfg.ClaimTTL, d.now())
	if err != nil {
		return nil, fmt.Errorf("failed to claim triage entries: %w", err)
	}

	for _, entry := range entries {
		report.Items = append(report.Items, d.process(ctx, cfg, entry))
	}

	if remaining, cerr := d.store.CountEscalatedTriage(ctx); cerr != nil {
		logger.WithError(cerr).Warn("Failed to count escalated backlog")
	} else {
		report.Remaining = remaining
		d.metrics.SetEscalatedBacklog(float64(remaining))
	}

	// A batch that made no progress is retried when the next sweep
	// re-dispatches the backlog.
	if report.Remaining > 0 && len(entries) > report.Failed() && d.followUp != nil {
		queued, ferr := d.followUp.Request(ctx, "backlog", cfg.FollowUpDelay)
		if ferr != nil {
			logger.WithError(ferr).Warn("Failed to queue follow-up invocation")
		}
		report.FollowUp = queued
	}

	report.Duration = d.now().Sub(report.StartedAt)
	logger.WithFields(map[string]interface{}{
		"claimed":   len(entries),
		"failed":    report.Failed(),
		"remaining": report.Remaining,
		"follow_up": report.FollowUp,
	}).Info("Diagnostician batch completed")
	return report, nil
}

// HandleTask runs a batch for a leased diagnose task.
func (d *Diagnostician) HandleTask(ctx context.Context, task *stores.Task) error {
	d.logger.WithTaskID(task.ID).Debug("Diagnose task received")
	_, err := d.RunBatch(ctx)
	return err
}

func (d *Diagnostician) process(ctx context.Context, cfg Config, entry *triage.Entry) (result ItemResult) {
	ctx, span := d.tracer.StartDiagnosisSpan(ctx, entry.ID, entry.WorkOrderID)
	defer span.End()

	result = ItemResult{TriageID: entry.ID, WorkOrderID: entry.WorkOrderID}
	logger := d.logger.WithTriageID(entry.ID).WithWorkOrderID(entry.WorkOrderID)

	fail := func(stage string, err error) ItemResult {
		telemetry.RecordError(span, err)
		d.metrics.RecordDiagnosis(OutcomeFailed)
		logger.WithError(err).WithField("stage", stage).Error("Diagnosis failed")

		note := fmt.Sprintf("%s %s: %v", d.now().Format(time.RFC3339), stage, err)
		if relErr := d.store.ReleaseTriageClaim(context.WithoutCancel(ctx), entry.ID, note, d.now()); relErr != nil {
			logger.WithError(relErr).Error("Failed to release triage claim")
		}
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		return result
	}

	defer func() {
		if r := recover(); r != nil {
			result = fail("panic", fmt.Errorf("%v", r))
		}
	}()

	wo, req, err := d.gather(ctx, cfg, entry)
	if err != nil {
		return fail("gather", err)
	}

	text, err := d.ask(ctx, cfg, req)
	if err != nil {
		return fail("reasoner", err)
	}

	diagnosis, perr := ParseDiagnosis(text)
	if perr != nil {
		logger.WithError(perr).Warn("Unusable diagnosis, using fallback")
		diagnosis = Fallback(entry, wo, text, perr, cfg.FallbackConfidence)
	}

	slug, err := d.materialize(ctx, cfg, entry, wo, diagnosis)
	if err != nil {
		return fail("materialize", err)
	}

	outcome := OutcomeRemediated
	if diagnosis.Fallback {
		outcome = OutcomeFallback
	}
	d.metrics.RecordDiagnosis(outcome)
	telemetry.RecordSuccess(span)
	logger.WithFields(map[string]interface{}{
		"remediation": slug,
		"confidence":  diagnosis.Confidence,
		"fallback":    diagnosis.Fallback,
	}).Info("Triage entry remediated")

	result.Outcome = outcome
	result.RemediationSlug = slug
	result.Confidence = diagnosis.Confidence
	return result
}

// gather loads the work order and everything the collaborator is shown.
func (d *Diagnostician) gather(ctx context.Context, cfg Config, entry *triage.Entry) (*workorder.WorkOrder, *reasoning.Request, error) {
	wo, err := d.store.GetWorkOrder(ctx, entry.WorkOrderID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load work order: %w", err)
	}
	tail, err := d.store.ListExecutionLog(ctx, wo.ID, cfg.LogTail)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load execution log: %w", err)
	}
	findings, err := d.store.ListOpenQAFindings(ctx, wo.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load QA findings: %w", err)
	}
	var lessons []*triage.Lesson
	if cfg.LessonLimit > 0 {
		lessons, err = d.store.ListLessons(ctx, string(entry.Type), cfg.LessonLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load lessons: %w", err)
		}
	}

	req, err := reasoning.NewRequest(entry, wo, tail, findings, lessons)
	if err != nil {
		return nil, nil, err
	}
	return wo, req, nil
}

func (d *Diagnostician) ask(ctx context.Context, cfg Config, req *reasoning.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ReasonerTimeout)
	defer cancel()

	start := time.Now()
	text, err := d.reasoner.Diagnose(ctx, req)
	outcome := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome = "timeout"
		if err == nil {
			err = ctx.Err()
		}
	case err != nil:
		outcome = "error"
	}
	d.metrics.RecordReasonerCall(outcome, time.Since(start))
	if err != nil {
		return "", err
	}
	return text, nil
}

// materialize creates the remediation parent and its fix tasks, records the
// diagnosis and resolves the entry in one transaction.
func (d *Diagnostician) materialize(ctx context.Context, cfg Config, entry *triage.Entry, wo *workorder.WorkOrder, diagnosis *triage.Diagnosis) (string, error) {
	var slug string
	err := d.store.WithTx(ctx, func(tx stores.Store) error {
		current, err := tx.GetTriageEntry(ctx, entry.ID)
		if err != nil {
			return err
		}
		if current.State == triage.StateResolved {
			return fmt.Errorf("triage entry %s already resolved", entry.ID)
		}

		gw := d.gateway.WithStore(tx)
		parent, err := gw.CreateDraft(ctx, lifecycle.DraftRequest{
			Name:      fmt.Sprintf("RCA: %s on %s", entry.Type, wo.Slug),
			Objective: fmt.Sprintf("Root cause: %s\nRecommended fix: %s", diagnosis.RootCause, diagnosis.RecommendedFix),
			AcceptanceCriteria: []string{
				"All fix tasks are done",
				fmt.Sprintf("No new %s anomaly is reported for %s", entry.Type, wo.Slug),
			},
			Priority: priorityFor(entry.Severity),
			Tags:     []string{TagRemediation, TagRCA, string(entry.Type)},
			Actor:    Actor,
		})
		if err != nil {
			return fmt.Errorf("failed to create remediation parent: %w", err)
		}

		for _, task := range diagnosis.FixTasks {
			child, err := gw.CreateDraft(ctx, lifecycle.DraftRequest{
				Name:               task.Name,
				Objective:          task.Objective,
				AcceptanceCriteria: task.AcceptanceCriteria,
				Priority:           parent.Priority,
				Tags:               fixTaskTags(task.Tags),
				ParentID:           &parent.ID,
				Actor:              Actor,
			})
			if err != nil {
				return fmt.Errorf("failed to create fix task %q: %w", task.Name, err)
			}
			if cfg.AutoSubmit {
				if _, err := gw.Transition(ctx, lifecycle.TransitionRequest{
					WorkOrderID: child.ID,
					Event:       workorder.EventSubmit,
					Actor:       Actor,
				}); err != nil {
					return fmt.Errorf("failed to submit fix task %q: %w", task.Name, err)
				}
			}
		}

		now := d.now()
		diagnosis.ID = uuid.New().String()
		diagnosis.TriageEntryID = entry.ID
		diagnosis.WorkOrderID = wo.ID
		diagnosis.RemediationSlug = parent.Slug
		diagnosis.CreatedAt = now
		if err := tx.CreateDiagnosis(ctx, diagnosis); err != nil {
			return err
		}

		if err := tx.ResolveTriageEntry(ctx, entry.ID, parent.Slug, now); err != nil {
			return err
		}

		created, err := auditDetails(map[string]any{
			"triage_id":       entry.ID,
			"triage_type":     entry.Type,
			"source_slug":     wo.Slug,
			"diagnosis_id":    diagnosis.ID,
			"confidence":      diagnosis.Confidence,
			"fallback":        diagnosis.Fallback,
			"fix_tasks":       len(diagnosis.FixTasks),
			"correlation":     entry.Correlation,
			"recommended_fix": diagnosis.RecommendedFix,
		})
		if err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &workorder.AuditEntry{
			WorkOrderID: &parent.ID,
			Action:      workorder.AuditActionRemediationCreated,
			Actor:       Actor,
			Details:     created,
			Timestamp:   now,
		}); err != nil {
			return err
		}

		resolved, err := auditDetails(map[string]any{
			"triage_id":   entry.ID,
			"triage_type": entry.Type,
			"resolution":  parent.Slug,
			"root_cause":  diagnosis.RootCause,
		})
		if err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &workorder.AuditEntry{
			WorkOrderID: &wo.ID,
			Action:      workorder.AuditActionTriageResolved,
			Actor:       Actor,
			Details:     resolved,
			Timestamp:   now,
		}); err != nil {
			return err
		}

		slug = parent.Slug
		return nil
	})
	if err != nil {
		return "", err
	}
	return slug, nil
}

func priorityFor(s triage.Severity) workorder.Priority {
	switch s {
	case triage.SeverityCritical:
		return workorder.PriorityCritical
	case triage.SeverityHigh:
		return workorder.PriorityHigh
	default:
		return workorder.PriorityMedium
	}
}

func fixTaskTags(tags []string) []string {
	out := []string{TagRemediation}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" && t != TagRemediation {
			out = append(out, t)
		}
	}
	return out
}

func auditDetails(v map[string]any) (*string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit details: %w", err)
	}
	s := string(raw)
	return &s, nil
}
