package workorder

import (
	"fmt"
	"strings"
	"time"
)

// Priority ranks work orders for claiming.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Validate checks if the priority is valid.
func (p Priority) Validate() error {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return nil
	default:
		return fmt.Errorf("invalid priority: %s", p)
	}
}

// WorkOrder is a unit of agent-executed work.
type WorkOrder struct {
	// ID is the unique identifier of the work order.
	ID string `json:"id"`

	// Slug is the human-readable identifier.
	Slug string `json:"slug"`

	// Name is a short title.
	Name string `json:"name"`

	// Objective describes what the work order must achieve.
	Objective string `json:"objective"`

	// Status is the current lifecycle state. Only the transition gateway writes it.
	Status Status `json:"status"`

	// Priority ranks the work order for claiming.
	Priority Priority `json:"priority"`

	// ParentID is the owning work order, if any.
	ParentID *string `json:"parent_id,omitempty"`

	// DependsOn lists work orders that must be done before this one is executable.
	DependsOn []string `json:"depends_on,omitempty"`

	// Tags are labels used for routing and classification.
	Tags []string `json:"tags,omitempty"`

	// AcceptanceCriteria is the structured pass/fail checklist.
	AcceptanceCriteria []ChecklistItem `json:"acceptance_criteria,omitempty"`

	// ClaimedBy is the agent that started the work order.
	ClaimedBy string `json:"claimed_by,omitempty"`

	// Summary is the latest outcome note (completion summary, failure reason).
	Summary string `json:"summary,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HasTag reports whether the work order carries the given tag.
func (w *WorkOrder) HasTag(tag string) bool {
	for _, t := range w.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// FailingCriteria returns the checklist items explicitly marked as failed.
func (w *WorkOrder) FailingCriteria() []ChecklistItem {
	var failing []ChecklistItem
	for _, item := range w.AcceptanceCriteria {
		if item.State == CheckFailed {
			failing = append(failing, item)
		}
	}
	return failing
}

// CheckState is the evaluation state of a checklist item.
type CheckState string

const (
	CheckPending CheckState = "pending"
	CheckPassed  CheckState = "passed"
	CheckFailed  CheckState = "failed"
)

// ChecklistItem is a single acceptance criterion.
type ChecklistItem struct {
	Description string     `json:"description"`
	State       CheckState `json:"state"`
}

// Criteria builds a pending checklist from plain descriptions.
func Criteria(descriptions ...string) []ChecklistItem {
	items := make([]ChecklistItem, 0, len(descriptions))
	for _, d := range descriptions {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		items = append(items, ChecklistItem{Description: d, State: CheckPending})
	}
	return items
}

// Audit actions written to the immutable audit trail.
const (
	AuditActionCreated                 = "work_order_created"
	AuditActionTransition              = "status_transition"
	AuditActionCancelledBySettlement   = "cancelled_by_parent_settlement"
	AuditActionFailedBySettlement      = "failed_by_child_settlement"
	AuditActionDependenciesCleared     = "dependencies_cleared"
	AuditActionTriageEscalated         = "triage_escalated"
	AuditActionTriageResolved          = "triage_resolved"
	AuditActionRemediationCreated      = "remediation_created"
	AuditActionSettlementGapRepaired   = "settlement_gap_repaired"
	AuditActionSettlementGapUnrepaired = "settlement_gap_unrepaired"
)

// AuditEntry is an immutable record of a state-changing action.
type AuditEntry struct {
	ID          int64     `json:"id"`
	WorkOrderID *string   `json:"work_order_id,omitempty"`
	Action      string    `json:"action"`
	Actor       string    `json:"actor"`
	FromStatus  *Status   `json:"from_status,omitempty"`
	ToStatus    *Status   `json:"to_status,omitempty"`
	Details     *string   `json:"details,omitempty"` // JSON blob
	Timestamp   time.Time `json:"timestamp"`
}

// Execution log phases that agents report.
const (
	PhasePlanning  = "planning"
	PhaseExecuting = "executing"
	PhaseToolCall  = "tool_call"
	PhaseVerifying = "verifying"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
	PhaseError     = "error"
)

// ExecutionLogEntry is one append-only step an agent recorded while working.
type ExecutionLogEntry struct {
	ID          int64     `json:"id"`
	WorkOrderID string    `json:"work_order_id"`
	Phase       string    `json:"phase"`
	ToolNames   []string  `json:"tool_names,omitempty"`
	Success     bool      `json:"success"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsTerminalPhase reports whether the phase claims the work is over.
func (e *ExecutionLogEntry) IsTerminalPhase() bool {
	switch strings.ToLower(e.Phase) {
	case PhaseCompleted, PhaseFailed, "complete", "done", "finished":
		return true
	}
	return false
}

// QAFinding is an issue the external QA evaluator raised against a work order.
type QAFinding struct {
	ID          string     `json:"id"`
	WorkOrderID string     `json:"work_order_id"`
	Category    string     `json:"category"`
	Description string     `json:"description"`
	Open        bool       `json:"open"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}
