package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

// DraftRequest describes a new work order.
type DraftRequest struct {
	Name               string             `json:"name" validate:"required,max=200"`
	Objective          string             `json:"objective" validate:"required"`
	AcceptanceCriteria []string           `json:"acceptance_criteria" validate:"dive,required"`
	Priority           workorder.Priority `json:"priority" validate:"omitempty,oneof=critical high medium low"`
	Tags               []string           `json:"tags" validate:"dive,required"`
	ParentID           *string            `json:"parent_id,omitempty"`
	DependsOn          []string           `json:"depends_on,omitempty"`
	Actor              string             `json:"actor" validate:"required"`
}

// CreateDraft creates a work order in the draft status and records its
// creation in the audit trail. A parent, when given, must exist and still
// be active.
func (g *Gateway) CreateDraft(ctx context.Context, req DraftRequest) (*workorder.WorkOrder, error) {
	if err := g.validate.Struct(req); err != nil {
		return nil, workorder.NewValidationError("invalid draft work order", err)
	}
	if req.Priority == "" {
		req.Priority = workorder.PriorityMedium
	}

	var created *workorder.WorkOrder
	err := g.store.WithTx(ctx, func(tx stores.Store) error {
		if req.ParentID != nil {
			parent, err := tx.GetWorkOrder(ctx, *req.ParentID)
			if errors.Is(err, stores.ErrNotFound) {
				return workorder.NewNotFoundError(*req.ParentID)
			}
			if err != nil {
				return workorder.NewTransientError("failed to load parent", err).WithWorkOrder(*req.ParentID)
			}
			if parent.Status.IsTerminal() {
				return workorder.NewValidationError(
					fmt.Sprintf("parent is %s; children can only be added to active work orders", parent.Status), nil,
				).WithWorkOrder(parent.ID)
			}
		}

		now := g.now()
		wo := &workorder.WorkOrder{
			ID:                 uuid.New().String(),
			Slug:               NewSlug(),
			Name:               strings.TrimSpace(req.Name),
			Objective:          strings.TrimSpace(req.Objective),
			Status:             workorder.StatusDraft,
			Priority:           req.Priority,
			ParentID:           req.ParentID,
			DependsOn:          req.DependsOn,
			Tags:               req.Tags,
			AcceptanceCriteria: workorder.Criteria(req.AcceptanceCriteria...),
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := tx.CreateWorkOrder(ctx, wo); err != nil {
			return workorder.NewTransientError("failed to create work order", err)
		}

		details, err := auditDetails(map[string]any{
			"slug":      wo.Slug,
			"name":      wo.Name,
			"priority":  wo.Priority,
			"parent_id": wo.ParentID,
			"tags":      wo.Tags,
		})
		if err != nil {
			return workorder.NewInternalError("failed to encode audit details", err)
		}
		to := workorder.StatusDraft
		if err := tx.AppendAudit(ctx, &workorder.AuditEntry{
			WorkOrderID: &wo.ID,
			Action:      workorder.AuditActionCreated,
			Actor:       req.Actor,
			ToStatus:    &to,
			Details:     details,
			Timestamp:   now,
		}); err != nil {
			return workorder.NewTransientError("failed to write audit entry", err).WithWorkOrder(wo.ID)
		}

		created = wo
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.logger.WithWorkOrderID(created.ID).WithFields(map[string]interface{}{
		"slug":  created.Slug,
		"actor": req.Actor,
	}).Info("draft work order created")
	return created, nil
}

// NewSlug returns a short human-readable work order identifier.
func NewSlug() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "WO-" + strings.ToUpper(id[:8])
}
