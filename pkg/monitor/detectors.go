package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/olivergale/metis-portal2-sub002/pkg/lifecycle"
	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/telemetry"
	"github.com/olivergale/metis-portal2-sub002/pkg/triage"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

// Actor is recorded on every change the monitor makes.
const Actor = "tier1-monitor"

// Detector inspects the store for one kind of anomaly. Detectors may make
// narrow repairs (clearing satisfied dependencies, resettling a parent) but
// report what they saw as findings; recording is left to the sweep.
type Detector interface {
	Name() string
	Detect(ctx context.Context, now time.Time) ([]triage.Finding, error)
}

// detectorEnv is what every built-in detector shares.
type detectorEnv struct {
	store   stores.Store
	gateway *lifecycle.Gateway
	cfg     Config
	logger  *telemetry.Logger
}

func (env detectorEnv) list(ctx context.Context, statuses ...workorder.Status) ([]*workorder.WorkOrder, error) {
	wos, err := env.store.ListWorkOrders(ctx, stores.WorkOrderFilter{Statuses: statuses})
	if err != nil {
		return nil, fmt.Errorf("failed to list %v work orders: %w", statuses, err)
	}
	return wos, nil
}

func minutes(d time.Duration) float64 {
	return float64(int64(d.Minutes()*10)) / 10
}

// StuckDetector flags in-progress work orders that have run too long with no
// recent execution-log activity.
type StuckDetector struct{ detectorEnv }

func (d *StuckDetector) Name() string { return string(triage.TypeStuck) }

func (d *StuckDetector) Detect(ctx context.Context, now time.Time) ([]triage.Finding, error) {
	wos, err := d.list(ctx, workorder.StatusInProgress)
	if err != nil {
		return nil, err
	}

	var findings []triage.Finding
	for _, wo := range wos {
		started := wo.UpdatedAt
		if wo.StartedAt != nil {
			started = *wo.StartedAt
		}
		running := now.Sub(started)
		if running <= d.cfg.StuckAfter {
			continue
		}

		logs, err := d.store.ListExecutionLog(ctx, wo.ID, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to read execution log for %s: %w", wo.ID, err)
		}

		quiet := running
		var lastActivity *time.Time
		if len(logs) > 0 {
			at := logs[0].CreatedAt
			lastActivity = &at
			quiet = now.Sub(at)
		}
		if quiet <= d.cfg.QuietWindow {
			continue
		}

		findings = append(findings, triage.Finding{
			WorkOrderID: wo.ID,
			Severity:    triage.SeverityHigh,
			EscalateTo:  triage.TargetOps,
			Context: triage.StuckContext{
				StartedAt:         started,
				InProgressMinutes: minutes(running),
				LastActivityAt:    lastActivity,
				QuietMinutes:      minutes(quiet),
			},
		})
	}
	return findings, nil
}

// OrphanDetector flags ready work orders nobody has claimed.
type OrphanDetector struct{ detectorEnv }

func (d *OrphanDetector) Name() string { return string(triage.TypeOrphan) }

func (d *OrphanDetector) Detect(ctx context.Context, now time.Time) ([]triage.Finding, error) {
	wos, err := d.list(ctx, workorder.StatusReady)
	if err != nil {
		return nil, err
	}

	var findings []triage.Finding
	for _, wo := range wos {
		if wo.ClaimedBy != "" {
			continue
		}
		idle := now.Sub(wo.UpdatedAt)
		if idle <= d.cfg.OrphanAfter {
			continue
		}
		findings = append(findings, triage.Finding{
			WorkOrderID: wo.ID,
			Severity:    triage.SeverityMedium,
			Context: triage.OrphanContext{
				ReadySince:  wo.UpdatedAt,
				IdleMinutes: minutes(idle),
			},
		})
	}
	return findings, nil
}

// AutoUnblockDetector clears depends_on once every dependency is done. Ready
// work orders have the list cleared directly; blocked ones are also moved
// back to ready through the gateway.
type AutoUnblockDetector struct{ detectorEnv }

func (d *AutoUnblockDetector) Name() string { return string(triage.TypeAutoUnblock) }

func (d *AutoUnblockDetector) Detect(ctx context.Context, now time.Time) ([]triage.Finding, error) {
	wos, err := d.list(ctx, workorder.StatusReady, workorder.StatusBlocked)
	if err != nil {
		return nil, err
	}

	var findings []triage.Finding
	for _, wo := range wos {
		if len(wo.DependsOn) == 0 {
			continue
		}

		unmet, err := lifecycle.UnmetDependencies(ctx, d.store, wo.DependsOn)
		if err != nil {
			return nil, err
		}
		if len(unmet) > 0 {
			continue
		}

		unblocked := false
		if wo.Status == workorder.StatusBlocked {
			_, err := d.gateway.Transition(ctx, lifecycle.TransitionRequest{
				WorkOrderID: wo.ID,
				Event:       workorder.EventUnblock,
				Payload:     map[string]any{"reason": "all dependencies done"},
				Actor:       Actor,
			})
			if err != nil {
				d.logger.WithWorkOrderID(wo.ID).WithError(err).Warn("Failed to unblock work order")
				continue
			}
			unblocked = true
		}

		cleared, err := d.clear(ctx, wo, now)
		if err != nil {
			return nil, err
		}
		if !cleared && !unblocked {
			continue
		}

		findings = append(findings, triage.Finding{
			WorkOrderID: wo.ID,
			Severity:    triage.SeverityInfo,
			Context: triage.AutoUnblockContext{
				ClearedDependencies: wo.DependsOn,
				PreviousStatus:      wo.Status,
				Unblocked:           unblocked,
			},
		})
	}
	return findings, nil
}

// clear empties depends_on if it still holds the list we checked, and
// audits the change.
func (d *AutoUnblockDetector) clear(ctx context.Context, wo *workorder.WorkOrder, now time.Time) (bool, error) {
	var cleared bool
	err := d.store.WithTx(ctx, func(tx stores.Store) error {
		ok, err := tx.ClearDependencies(ctx, wo.ID, wo.DependsOn, now)
		if err != nil || !ok {
			return err
		}
		cleared = true

		details, err := marshalDetails(map[string]any{"cleared": wo.DependsOn})
		if err != nil {
			return err
		}
		id := wo.ID
		return tx.AppendAudit(ctx, &workorder.AuditEntry{
			WorkOrderID: &id,
			Action:      workorder.AuditActionDependenciesCleared,
			Actor:       Actor,
			Details:     details,
			Timestamp:   now,
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to clear dependencies of %s: %w", wo.ID, err)
	}
	return cleared, nil
}

// MismatchDetector flags in-progress work orders whose latest execution-log
// phase says the work already finished.
type MismatchDetector struct{ detectorEnv }

func (d *MismatchDetector) Name() string { return string(triage.TypeMismatch) }

func (d *MismatchDetector) Detect(ctx context.Context, now time.Time) ([]triage.Finding, error) {
	wos, err := d.list(ctx, workorder.StatusInProgress)
	if err != nil {
		return nil, err
	}

	var findings []triage.Finding
	for _, wo := range wos {
		logs, err := d.store.ListExecutionLog(ctx, wo.ID, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to read execution log for %s: %w", wo.ID, err)
		}
		if len(logs) == 0 || !logs[0].IsTerminalPhase() {
			continue
		}

		findings = append(findings, triage.Finding{
			WorkOrderID: wo.ID,
			Severity:    triage.SeverityMedium,
			Context: triage.MismatchContext{
				Status:       wo.Status,
				LastPhase:    logs[0].Phase,
				LastDetail:   logs[0].Detail,
				LastLoggedAt: logs[0].CreatedAt,
			},
		})
	}
	return findings, nil
}

// SpiralDetector flags agents that keep inspecting without changing
// anything. A step counts as read-only when every tool it called is.
type SpiralDetector struct{ detectorEnv }

func (d *SpiralDetector) Name() string { return string(triage.TypeSpiral) }

func (d *SpiralDetector) Detect(ctx context.Context, now time.Time) ([]triage.Finding, error) {
	wos, err := d.list(ctx, workorder.StatusInProgress)
	if err != nil {
		return nil, err
	}

	readOnly := d.cfg.readOnlySet()
	var findings []triage.Finding
	for _, wo := range wos {
		logs, err := d.store.ListExecutionLog(ctx, wo.ID, d.cfg.LogTail)
		if err != nil {
			return nil, fmt.Errorf("failed to read execution log for %s: %w", wo.ID, err)
		}

		ctxv, ok := spiralStats(logs, readOnly)
		if !ok || ctxv.TotalSteps < d.cfg.SpiralMinSteps || ctxv.ReadOnlyRatio <= d.cfg.SpiralReadOnlyRatio {
			continue
		}

		findings = append(findings, triage.Finding{
			WorkOrderID: wo.ID,
			Severity:    triage.SeverityMedium,
			Context:     ctxv,
		})
	}
	return findings, nil
}

// spiralStats summarises the tool steps in logs.
func spiralStats(logs []*workorder.ExecutionLogEntry, readOnly map[string]bool) (triage.SpiralContext, bool) {
	counts := make(map[string]int)
	var stats triage.SpiralContext

	for _, l := range logs {
		if len(l.ToolNames) == 0 {
			continue
		}
		stats.TotalSteps++

		allReadOnly := true
		for _, tool := range l.ToolNames {
			name := strings.ToLower(strings.TrimSpace(tool))
			counts[name]++
			if !readOnly[name] {
				allReadOnly = false
			}
		}
		if allReadOnly {
			stats.ReadOnlySteps++
		}
	}
	if stats.TotalSteps == 0 {
		return stats, false
	}

	stats.ReadOnlyRatio = float64(stats.ReadOnlySteps) / float64(stats.TotalSteps)

	tools := make([]string, 0, len(counts))
	for t := range counts {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool {
		if counts[tools[i]] != counts[tools[j]] {
			return counts[tools[i]] > counts[tools[j]]
		}
		return tools[i] < tools[j]
	})
	if len(tools) > 3 {
		tools = tools[:3]
	}
	stats.TopTools = tools

	return stats, true
}

// SettlementGapDetector finds done or cancelled parents that still have
// active children, which settlement should never leave behind, and tries to
// repair them by resettling the parent.
type SettlementGapDetector struct{ detectorEnv }

func (d *SettlementGapDetector) Name() string { return string(triage.TypeSettlementGap) }

func (d *SettlementGapDetector) Detect(ctx context.Context, now time.Time) ([]triage.Finding, error) {
	active, err := d.list(ctx,
		workorder.StatusDraft, workorder.StatusReady, workorder.StatusInProgress,
		workorder.StatusBlocked, workorder.StatusReview,
	)
	if err != nil {
		return nil, err
	}

	childrenOf := make(map[string][]string)
	var parents []string
	for _, wo := range active {
		if wo.ParentID == nil {
			continue
		}
		if _, seen := childrenOf[*wo.ParentID]; !seen {
			parents = append(parents, *wo.ParentID)
		}
		childrenOf[*wo.ParentID] = append(childrenOf[*wo.ParentID], wo.ID)
	}

	var findings []triage.Finding
	for _, parentID := range parents {
		parent, err := d.store.GetWorkOrder(ctx, parentID)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to load parent %s: %w", parentID, err)
		}
		if parent.Status != workorder.StatusDone && parent.Status != workorder.StatusCancelled {
			continue
		}

		gap := triage.SettlementGapContext{
			ParentStatus:   parent.Status,
			ActiveChildren: childrenOf[parentID],
		}

		log := d.logger.WithWorkOrderID(parentID).WithFields(map[string]interface{}{
			"severity":        string(triage.SeverityCritical),
			"active_children": len(gap.ActiveChildren),
		})
		log.Error("Settled parent has active children")

		action := workorder.AuditActionSettlementGapRepaired
		if _, err := d.gateway.Resettle(ctx, parentID, Actor); err != nil {
			gap.RepairError = err.Error()
			action = workorder.AuditActionSettlementGapUnrepaired
			log.WithError(err).Error("Failed to resettle parent")
		} else {
			gap.Repaired = true
		}

		if err := d.audit(ctx, parentID, action, gap, now); err != nil {
			return nil, err
		}

		findings = append(findings, triage.Finding{
			WorkOrderID: parentID,
			Severity:    triage.SeverityCritical,
			Context:     gap,
		})
	}
	return findings, nil
}

func (d *SettlementGapDetector) audit(ctx context.Context, id, action string, gap triage.SettlementGapContext, now time.Time) error {
	details, err := marshalDetails(gap)
	if err != nil {
		return err
	}
	if err := d.store.AppendAudit(ctx, &workorder.AuditEntry{
		WorkOrderID: &id,
		Action:      action,
		Actor:       Actor,
		Details:     details,
		Timestamp:   now,
	}); err != nil {
		return fmt.Errorf("failed to audit settlement gap on %s: %w", id, err)
	}
	return nil
}
