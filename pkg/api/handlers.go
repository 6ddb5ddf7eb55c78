package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/olivergale/metis-portal2-sub002/pkg/lifecycle"
	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/triage"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

const maxBodyBytes = 1 << 20

// TransitionBody is the body of POST /v1/work-orders/{id}/transitions.
type TransitionBody struct {
	Event   workorder.Event `json:"event" validate:"required"`
	Payload map[string]any  `json:"payload,omitempty"`
	Actor   string          `json:"actor" validate:"required"`
}

// ExecutionLogBody is one step reported by an agent.
type ExecutionLogBody struct {
	Phase     string   `json:"phase" validate:"required,max=64"`
	ToolName  string   `json:"tool_name,omitempty"`
	ToolNames []string `json:"tool_names,omitempty" validate:"dive,required"`
	Success   bool     `json:"success"`
	Detail    string   `json:"detail,omitempty"`
}

// QAFindingBody is an issue raised by the QA evaluator.
type QAFindingBody struct {
	Category    string `json:"category" validate:"required"`
	Description string `json:"description" validate:"required"`
}

// DiagnoseBody optionally delays a manual diagnostician trigger.
type DiagnoseBody struct {
	Reason string `json:"reason,omitempty"`
	Delay  string `json:"delay,omitempty"`
}

type errorBody struct {
	Error  *workorder.Error `json:"error"`
	Detail string           `json:"detail,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := s.store.HealthCheck(ctx); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
		s.logger.WithError(err).Warn("Health check failed")
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"uptime_seconds": int64(s.now().Sub(s.started).Seconds()),
	})
}

func (s *Server) handleCreateWorkOrder(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.DraftRequest
	if !s.decode(w, r, &req) {
		return
	}
	wo, err := s.gateway.CreateDraft(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wo)
}

func (s *Server) handleListWorkOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := stores.WorkOrderFilter{Tag: q.Get("tag")}
	for _, st := range splitList(q["status"]) {
		status := workorder.Status(st)
		if err := status.Validate(); err != nil {
			s.writeError(w, workorder.NewValidationError(err.Error(), nil))
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if parent := q.Get("parent_id"); parent != "" {
		filter.ParentID = &parent
	}
	limit, ok := s.limit(w, r, 100)
	if !ok {
		return
	}
	filter.Limit = limit

	list, err := s.store.ListWorkOrders(r.Context(), filter)
	if err != nil {
		s.writeError(w, workorder.NewTransientError("failed to list work orders", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"work_orders": list})
}

func (s *Server) handleGetWorkOrder(w http.ResponseWriter, r *http.Request) {
	wo, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, wo)
}

func (s *Server) handleListChildren(w http.ResponseWriter, r *http.Request) {
	wo, ok := s.lookup(w, r)
	if !ok {
		return
	}
	children, err := s.store.ListChildren(r.Context(), wo.ID)
	if err != nil {
		s.writeError(w, workorder.NewTransientError("failed to list children", err).WithWorkOrder(wo.ID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"children": children})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	wo, ok := s.lookup(w, r)
	if !ok {
		return
	}
	limit, ok := s.limit(w, r, 100)
	if !ok {
		return
	}
	entries, err := s.store.ListAudit(r.Context(), stores.AuditFilter{WorkOrderID: &wo.ID, Limit: limit})
	if err != nil {
		s.writeError(w, workorder.NewTransientError("failed to list audit entries", err).WithWorkOrder(wo.ID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": entries})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body TransitionBody
	if !s.decode(w, r, &body) {
		return
	}
	result, err := s.gateway.Transition(r.Context(), lifecycle.TransitionRequest{
		WorkOrderID: r.PathValue("id"),
		Event:       body.Event,
		Payload:     body.Payload,
		Actor:       body.Actor,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAppendExecutionLog(w http.ResponseWriter, r *http.Request) {
	var body ExecutionLogBody
	if !s.decode(w, r, &body) {
		return
	}
	wo, ok := s.lookup(w, r)
	if !ok {
		return
	}

	tools := body.ToolNames
	if body.ToolName != "" {
		tools = append([]string{body.ToolName}, tools...)
	}
	entry := &workorder.ExecutionLogEntry{
		WorkOrderID: wo.ID,
		Phase:       body.Phase,
		ToolNames:   tools,
		Success:     body.Success,
		Detail:      body.Detail,
		CreatedAt:   s.now(),
	}
	if err := s.store.AppendExecutionLog(r.Context(), entry); err != nil {
		s.writeError(w, workorder.NewTransientError("failed to append execution log", err).WithWorkOrder(wo.ID))
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleListExecutionLog(w http.ResponseWriter, r *http.Request) {
	wo, ok := s.lookup(w, r)
	if !ok {
		return
	}
	limit, ok := s.limit(w, r, 50)
	if !ok {
		return
	}
	entries, err := s.store.ListExecutionLog(r.Context(), wo.ID, limit)
	if err != nil {
		s.writeError(w, workorder.NewTransientError("failed to read execution log", err).WithWorkOrder(wo.ID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"execution_log": entries})
}

func (s *Server) handleRecordQAFinding(w http.ResponseWriter, r *http.Request) {
	var body QAFindingBody
	if !s.decode(w, r, &body) {
		return
	}
	wo, ok := s.lookup(w, r)
	if !ok {
		return
	}
	finding := &workorder.QAFinding{
		ID:          uuid.New().String(),
		WorkOrderID: wo.ID,
		Category:    body.Category,
		Description: body.Description,
		Open:        true,
		CreatedAt:   s.now(),
	}
	if err := s.store.RecordQAFinding(r.Context(), finding); err != nil {
		s.writeError(w, workorder.NewTransientError("failed to record QA finding", err).WithWorkOrder(wo.ID))
		return
	}
	writeJSON(w, http.StatusCreated, finding)
}

func (s *Server) handleListTriage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter stores.TriageFilter
	for _, st := range splitList(q["state"]) {
		filter.States = append(filter.States, triage.State(st))
	}
	if t := q.Get("type"); t != "" {
		typ := triage.Type(t)
		if err := typ.Validate(); err != nil {
			s.writeError(w, workorder.NewValidationError(err.Error(), nil))
			return
		}
		filter.Type = &typ
	}
	if id := q.Get("work_order_id"); id != "" {
		filter.WorkOrderID = &id
	}
	limit, ok := s.limit(w, r, 100)
	if !ok {
		return
	}
	filter.Limit = limit

	entries, err := s.store.ListTriageEntries(r.Context(), filter)
	if err != nil {
		s.writeError(w, workorder.NewTransientError("failed to list triage entries", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"triage": entries})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: workorder.NewInternalError("monitor not configured", nil)})
		return
	}
	report, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		s.writeError(w, workorder.NewTransientError("sweep failed", err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	if s.diagnose == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: workorder.NewInternalError("diagnostician not configured", nil)})
		return
	}
	var body DiagnoseBody
	if r.ContentLength != 0 && !s.decode(w, r, &body) {
		return
	}
	var delay time.Duration
	if body.Delay != "" {
		d, err := time.ParseDuration(body.Delay)
		if err != nil || d < 0 {
			s.writeError(w, workorder.NewValidationError(fmt.Sprintf("invalid delay %q", body.Delay), err))
			return
		}
		delay = d
	}
	reason := body.Reason
	if reason == "" {
		reason = "manual"
	}

	queued, err := s.diagnose.Request(r.Context(), reason, delay)
	if err != nil {
		s.writeError(w, workorder.NewTransientError("failed to queue diagnostician run", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
}

// lookup resolves the {id} path value as an id or a slug.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*workorder.WorkOrder, bool) {
	ref := r.PathValue("id")
	wo, err := s.store.GetWorkOrder(r.Context(), ref)
	if errors.Is(err, stores.ErrNotFound) && strings.HasPrefix(strings.ToUpper(ref), "WO-") {
		wo, err = s.store.GetWorkOrderBySlug(r.Context(), strings.ToUpper(ref))
	}
	if errors.Is(err, stores.ErrNotFound) {
		s.writeError(w, workorder.NewNotFoundError(ref))
		return nil, false
	}
	if err != nil {
		s.writeError(w, workorder.NewTransientError("failed to load work order", err).WithWorkOrder(ref))
		return nil, false
	}
	return wo, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, workorder.NewValidationError("malformed request body", err))
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.writeError(w, workorder.NewValidationError("invalid request", err))
		return false
	}
	return true
}

func (s *Server) limit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		s.writeError(w, workorder.NewValidationError(fmt.Sprintf("invalid limit %q", raw), nil))
		return 0, false
	}
	return n, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var werr *workorder.Error
	if !errors.As(err, &werr) {
		werr = workorder.NewInternalError("internal error", err)
	}
	code := statusFor(werr)
	if code >= 500 {
		s.logger.WithError(err).Error("Request failed")
	}
	body := errorBody{Error: werr}
	if werr.Err != nil {
		body.Detail = werr.Err.Error()
	}
	writeJSON(w, code, body)
}

func statusFor(err *workorder.Error) int {
	switch err.Code {
	case workorder.ErrCodeNotFound:
		return http.StatusNotFound
	case workorder.ErrCodeValidation:
		return http.StatusBadRequest
	case workorder.ErrCodeInvalidTransition, workorder.ErrCodeTransitionFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
