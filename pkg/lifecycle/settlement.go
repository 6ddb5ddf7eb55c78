package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/telemetry"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

// SystemActor is recorded on audit entries written by settlement.
const SystemActor = "settlement"

// Settler propagates terminal states through the work order hierarchy.
type Settler struct {
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	now     func() time.Time
}

// Settle applies settlement for a work order that has just become terminal.
// Done and cancelled work orders cancel every active descendant; a failed
// work order may fail its parent, transitively. Settle is idempotent and
// must run inside the transaction of the terminal transition.
func (s *Settler) Settle(ctx context.Context, tx stores.Store, wo *workorder.WorkOrder, trigger string) ([]Effect, error) {
	if !wo.Status.IsTerminal() {
		return nil, nil
	}

	ctx, span := s.tracer.StartSettlementSpan(ctx, wo.ID, string(wo.Status))
	defer span.End()

	var effects []Effect

	if wo.Status == workorder.StatusDone || wo.Status == workorder.StatusCancelled {
		cancelled, err := s.cascade(ctx, tx, wo, trigger)
		effects = append(effects, cancelled...)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	if wo.Status == workorder.StatusFailed && wo.ParentID != nil {
		failed, err := s.escalate(ctx, tx, wo, trigger)
		effects = append(effects, failed...)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	telemetry.RecordSuccess(span)
	return effects, nil
}

// cascade cancels every active descendant of root, breadth first.
func (s *Settler) cascade(ctx context.Context, tx stores.Store, root *workorder.WorkOrder, trigger string) ([]Effect, error) {
	var effects []Effect

	visited := map[string]bool{root.ID: true}
	queue := []string{root.ID}

	for len(queue) > 0 {
		parentID := queue[0]
		queue = queue[1:]

		children, err := tx.ListChildren(ctx, parentID)
		if err != nil {
			return nil, workorder.NewTransientError("failed to list children", err).WithWorkOrder(parentID)
		}

		for _, child := range children {
			if visited[child.ID] {
				s.logger.WithWorkOrderID(child.ID).Warn("cycle in work order hierarchy; skipping")
				continue
			}
			visited[child.ID] = true
			queue = append(queue, child.ID)

			if child.Status.IsTerminal() {
				continue
			}

			summary := fmt.Sprintf("cancelled: ancestor %s settled as %s", root.Slug, root.Status)
			changed, err := s.apply(ctx, tx, child, workorder.StatusCancelled, summary,
				workorder.AuditActionCancelledBySettlement, map[string]any{
					"root_id":     root.ID,
					"root_status": root.Status,
					"parent_id":   parentID,
					"trigger":     trigger,
				})
			if err != nil {
				return nil, err
			}
			if changed {
				effects = append(effects, Effect{
					WorkOrderID: child.ID,
					Action:      workorder.AuditActionCancelledBySettlement,
					FromStatus:  child.Status,
					ToStatus:    workorder.StatusCancelled,
				})
			}
		}
	}

	return effects, nil
}

// escalate walks upward from a failed work order, failing each parent
// whose children have all ended with at least one failure and no success.
func (s *Settler) escalate(ctx context.Context, tx stores.Store, failed *workorder.WorkOrder, trigger string) ([]Effect, error) {
	var effects []Effect

	visited := map[string]bool{failed.ID: true}
	current := failed

	for current.ParentID != nil {
		parentID := *current.ParentID
		if visited[parentID] {
			s.logger.WithWorkOrderID(parentID).Warn("cycle in work order hierarchy; stopping escalation")
			break
		}
		visited[parentID] = true

		parent, err := tx.GetWorkOrder(ctx, parentID)
		if errors.Is(err, stores.ErrNotFound) {
			s.logger.WithWorkOrderID(current.ID).WithField("parent_id", parentID).Warn("parent work order missing")
			break
		}
		if err != nil {
			return nil, workorder.NewTransientError("failed to load parent", err).WithWorkOrder(parentID)
		}
		if parent.Status.IsTerminal() {
			break
		}

		children, err := tx.ListChildren(ctx, parent.ID)
		if err != nil {
			return nil, workorder.NewTransientError("failed to list children", err).WithWorkOrder(parent.ID)
		}
		failedCount, exhausted := exhaustion(children)
		if !exhausted {
			break
		}

		summary := fmt.Sprintf("remediation exhausted: %d of %d child work orders failed and none completed",
			failedCount, len(children))
		changed, err := s.apply(ctx, tx, parent, workorder.StatusFailed, summary,
			workorder.AuditActionFailedBySettlement, map[string]any{
				"failed_child_id": current.ID,
				"failed_children": failedCount,
				"total_children":  len(children),
				"trigger":         trigger,
			})
		if err != nil {
			return nil, err
		}
		if !changed {
			break
		}
		effects = append(effects, Effect{
			WorkOrderID: parent.ID,
			Action:      workorder.AuditActionFailedBySettlement,
			FromStatus:  parent.Status,
			ToStatus:    workorder.StatusFailed,
		})

		parent.Status = workorder.StatusFailed
		current = parent
	}

	return effects, nil
}

// exhaustion reports how many children failed and whether the set of
// children has run out of ways to succeed.
func exhaustion(children []*workorder.WorkOrder) (int, bool) {
	if len(children) == 0 {
		return 0, false
	}
	failed := 0
	for _, c := range children {
		if !c.Status.IsTerminal() || c.Status.IsSuccess() {
			return 0, false
		}
		if c.Status == workorder.StatusFailed {
			failed++
		}
	}
	return failed, failed > 0
}

// apply moves wo to status with a compare-and-set and writes the audit
// entry. It reports false when wo had already reached a terminal state.
func (s *Settler) apply(ctx context.Context, tx stores.Store, wo *workorder.WorkOrder, to workorder.Status, summary, action string, details map[string]any) (bool, error) {
	now := s.now()
	err := tx.CompareAndSetStatus(ctx, stores.StatusUpdate{
		ID:          wo.ID,
		From:        wo.Status,
		To:          to,
		Summary:     &summary,
		CompletedAt: &now,
		UpdatedAt:   now,
	})
	if errors.Is(err, stores.ErrStatusConflict) {
		current, getErr := tx.GetWorkOrder(ctx, wo.ID)
		if getErr != nil {
			return false, workorder.NewTransientError("failed to reload work order", getErr).WithWorkOrder(wo.ID)
		}
		if current.Status.IsTerminal() {
			return false, nil
		}
		return false, workorder.NewTransitionFailedError(wo.ID, wo.Status, err)
	}
	if err != nil {
		return false, workorder.NewTransientError("failed to write settlement status", err).WithWorkOrder(wo.ID)
	}

	encoded, err := auditDetails(details)
	if err != nil {
		return false, workorder.NewInternalError("failed to encode audit details", err)
	}
	from := wo.Status
	if err := tx.AppendAudit(ctx, &workorder.AuditEntry{
		WorkOrderID: &wo.ID,
		Action:      action,
		Actor:       SystemActor,
		FromStatus:  &from,
		ToStatus:    &to,
		Details:     encoded,
		Timestamp:   now,
	}); err != nil {
		return false, workorder.NewTransientError("failed to write settlement audit", err).WithWorkOrder(wo.ID)
	}

	s.metrics.RecordSettlementEffect(action)
	s.logger.WithWorkOrderID(wo.ID).WithFields(map[string]interface{}{
		"action": action,
		"from":   string(from),
		"to":     string(to),
	}).Info("settlement applied")
	return true, nil
}

// Resettle re-runs settlement for a terminal work order. It repairs a
// hierarchy left inconsistent by an interrupted or pre-existing settlement
// and is a no-op on a settled subtree.
func (g *Gateway) Resettle(ctx context.Context, workOrderID, actor string) ([]Effect, error) {
	var effects []Effect
	err := g.store.WithTx(ctx, func(tx stores.Store) error {
		wo, err := tx.GetWorkOrder(ctx, workOrderID)
		if errors.Is(err, stores.ErrNotFound) {
			return workorder.NewNotFoundError(workOrderID)
		}
		if err != nil {
			return workorder.NewTransientError("failed to load work order", err).WithWorkOrder(workOrderID)
		}
		if !wo.Status.IsTerminal() {
			return workorder.NewValidationError(
				fmt.Sprintf("work order is %s; only terminal work orders can be settled", wo.Status), nil,
			).WithWorkOrder(wo.ID)
		}
		effects, err = g.settler.Settle(ctx, tx, wo, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(effects) > 0 {
		g.logger.WithWorkOrderID(workOrderID).WithField("effects", len(effects)).Info("resettle repaired hierarchy")
	}
	return effects, nil
}
