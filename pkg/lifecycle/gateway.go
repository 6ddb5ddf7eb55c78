package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/telemetry"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

// TransitionRequest is one lifecycle event submitted by an actor.
type TransitionRequest struct {
	WorkOrderID string          `json:"work_order_id" validate:"required"`
	Event       workorder.Event `json:"event" validate:"required"`
	Payload     map[string]any  `json:"payload,omitempty"`
	Actor       string          `json:"actor" validate:"required"`
}

// TransitionResult reports an applied transition and everything it caused.
type TransitionResult struct {
	WorkOrderID    string           `json:"work_order_id"`
	PreviousStatus workorder.Status `json:"previous_status"`
	NewStatus      workorder.Status `json:"new_status"`
	Effects        []Effect         `json:"effects,omitempty"`
}

// Effect is a derived change made by settlement as part of a transition.
type Effect struct {
	WorkOrderID string           `json:"work_order_id"`
	Action      string           `json:"action"`
	FromStatus  workorder.Status `json:"from_status"`
	ToStatus    workorder.Status `json:"to_status"`
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock overrides the gateway's time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// Gateway applies lifecycle events to work orders.
type Gateway struct {
	store    stores.Store
	settler  *Settler
	validate *validator.Validate
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	now      func() time.Time
}

// NewGateway creates a transition gateway over store.
func NewGateway(store stores.Store, tel *telemetry.Telemetry, opts ...Option) *Gateway {
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}

	g := &Gateway{
		store:    store,
		validate: validator.New(),
		logger:   tel.Logger.NewComponentLogger("gateway"),
		metrics:  tel.Metrics,
		tracer:   tel.Tracer,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}

	g.settler = &Settler{
		logger:  tel.Logger.NewComponentLogger("settlement"),
		metrics: tel.Metrics,
		tracer:  tel.Tracer,
		now:     g.now,
	}
	return g
}

// WithStore returns a copy of the gateway bound to store. Binding a
// transaction-scoped store makes every gateway call join that transaction.
func (g *Gateway) WithStore(store stores.Store) *Gateway {
	bound := *g
	bound.store = store
	return &bound
}

// Transition applies req atomically. Rejections return a *workorder.Error
// and leave the store untouched.
func (g *Gateway) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	ctx, span := g.tracer.StartTransitionSpan(ctx, req.WorkOrderID, string(req.Event))
	defer span.End()

	result, err := g.transition(ctx, req)
	if err != nil {
		code := workorder.CodeOf(err)
		g.metrics.RecordRejection(code)
		telemetry.RecordError(span, err)
		span.SetAttributes(telemetry.AttrErrorCode.String(code))

		logger := g.logger.WithWorkOrderID(req.WorkOrderID).WithError(err).
			WithField("event", string(req.Event)).WithField("actor", req.Actor)
		if workorder.IsValidation(err) {
			logger.Info("transition rejected")
		} else {
			logger.Error("transition failed")
		}
		return nil, err
	}

	telemetry.RecordSuccess(span)
	g.metrics.RecordTransition(string(req.Event), string(result.NewStatus))
	g.logger.WithWorkOrderID(result.WorkOrderID).WithFields(map[string]interface{}{
		"event":   string(req.Event),
		"actor":   req.Actor,
		"from":    string(result.PreviousStatus),
		"to":      string(result.NewStatus),
		"effects": len(result.Effects),
	}).Info("transition applied")
	return result, nil
}

func (g *Gateway) transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	if err := g.validate.Struct(req); err != nil {
		return nil, workorder.NewValidationError("invalid transition request", err).
			WithWorkOrder(req.WorkOrderID)
	}
	if err := req.Event.Validate(); err != nil {
		return nil, workorder.NewValidationError("unknown event", err).
			WithWorkOrder(req.WorkOrderID).WithEvent(req.Event)
	}

	var result *TransitionResult
	err := g.store.WithTx(ctx, func(tx stores.Store) error {
		wo, err := tx.GetWorkOrder(ctx, req.WorkOrderID)
		if errors.Is(err, stores.ErrNotFound) {
			return workorder.NewNotFoundError(req.WorkOrderID)
		}
		if err != nil {
			return workorder.NewTransientError("failed to load work order", err).WithWorkOrder(req.WorkOrderID)
		}

		next, ok := workorder.Next(wo.Status, req.Event)
		if !ok {
			return workorder.NewInvalidTransitionError(wo.ID, wo.Status, req.Event)
		}

		if err := g.checkPayload(ctx, tx, wo, req); err != nil {
			return err
		}

		now := g.now()
		update := stores.StatusUpdate{
			ID:        wo.ID,
			From:      wo.Status,
			To:        next,
			UpdatedAt: now,
		}
		switch {
		case req.Event == workorder.EventStart:
			actor := req.Actor
			update.ClaimedBy = &actor
			update.StartedAt = &now
		case next == workorder.StatusInProgress:
			update.StartedAt = &now
		case next == workorder.StatusReady:
			update.ReleaseClaim = true
		}
		if next.IsTerminal() {
			update.CompletedAt = &now
		}
		if summary := payloadSummary(req.Payload); summary != "" {
			update.Summary = &summary
		}

		if err := tx.CompareAndSetStatus(ctx, update); err != nil {
			if errors.Is(err, stores.ErrStatusConflict) {
				return workorder.NewTransitionFailedError(wo.ID, wo.Status, err).WithEvent(req.Event)
			}
			return workorder.NewTransientError("failed to write status", err).WithWorkOrder(wo.ID)
		}

		details, err := auditDetails(map[string]any{
			"event":   req.Event,
			"payload": req.Payload,
		})
		if err != nil {
			return workorder.NewInternalError("failed to encode audit details", err)
		}
		from, to := wo.Status, next
		if err := tx.AppendAudit(ctx, &workorder.AuditEntry{
			WorkOrderID: &wo.ID,
			Action:      workorder.AuditActionTransition,
			Actor:       req.Actor,
			FromStatus:  &from,
			ToStatus:    &to,
			Details:     details,
			Timestamp:   now,
		}); err != nil {
			return workorder.NewTransientError("failed to write audit entry", err).WithWorkOrder(wo.ID)
		}

		result = &TransitionResult{
			WorkOrderID:    wo.ID,
			PreviousStatus: from,
			NewStatus:      to,
		}

		if next.IsTerminal() {
			settled, err := tx.GetWorkOrder(ctx, wo.ID)
			if err != nil {
				return workorder.NewTransientError("failed to reload work order", err).WithWorkOrder(wo.ID)
			}
			effects, err := g.settler.Settle(ctx, tx, settled, req.Actor)
			if err != nil {
				return err
			}
			result.Effects = effects
		}
		return nil
	})
	if err != nil {
		var wErr *workorder.Error
		if !errors.As(err, &wErr) {
			err = workorder.NewTransientError("transition transaction failed", err).WithWorkOrder(req.WorkOrderID)
		}
		return nil, err
	}
	return result, nil
}

// checkPayload enforces event-specific preconditions.
func (g *Gateway) checkPayload(ctx context.Context, tx stores.Store, wo *workorder.WorkOrder, req TransitionRequest) error {
	if req.Event.RequiresReason() && payloadString(req.Payload, "reason") == "" {
		return workorder.NewValidationError(fmt.Sprintf("event %q requires a reason", req.Event), nil).
			WithWorkOrder(wo.ID).WithEvent(req.Event)
	}

	switch req.Event {
	case workorder.EventComplete:
		if failing := wo.FailingCriteria(); len(failing) > 0 {
			descriptions := make([]string, 0, len(failing))
			for _, item := range failing {
				descriptions = append(descriptions, item.Description)
			}
			return workorder.NewValidationError("acceptance criteria are failing", nil).
				WithWorkOrder(wo.ID).WithEvent(req.Event).
				WithDetail("failing_criteria", descriptions)
		}
	case workorder.EventStart:
		unmet, err := UnmetDependencies(ctx, tx, wo.DependsOn)
		if err != nil {
			return workorder.NewTransientError("failed to check dependencies", err).WithWorkOrder(wo.ID)
		}
		if len(unmet) > 0 {
			return workorder.NewValidationError("dependencies are not done", nil).
				WithWorkOrder(wo.ID).WithEvent(req.Event).
				WithDetail("unmet_dependencies", unmet)
		}
	}
	return nil
}

// UnmetDependencies returns the ids in deps that do not refer to a done
// work order. Missing work orders count as unmet.
func UnmetDependencies(ctx context.Context, store stores.Store, deps []string) ([]string, error) {
	var unmet []string
	for _, id := range deps {
		dep, err := store.GetWorkOrder(ctx, id)
		if errors.Is(err, stores.ErrNotFound) {
			unmet = append(unmet, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !dep.Status.IsSuccess() {
			unmet = append(unmet, id)
		}
	}
	return unmet, nil
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	v, ok := payload[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

func payloadSummary(payload map[string]any) string {
	if s := payloadString(payload, "summary"); s != "" {
		return s
	}
	return payloadString(payload, "reason")
}

func auditDetails(v any) (*string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
