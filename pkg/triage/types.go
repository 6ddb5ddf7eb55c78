// Package triage holds the records produced by the Tier-1 monitor and
// consumed by the Tier-2 diagnostician: triage entries, their typed
// diagnostic context, correlation groups, lessons and diagnoses.
package triage

import (
	"fmt"
	"time"
)

// Type is the detector that produced a triage entry.
type Type string

const (
	TypeStuck         Type = "stuck"
	TypeOrphan        Type = "orphan"
	TypeAutoUnblock   Type = "auto_unblock"
	TypeMismatch      Type = "mismatch"
	TypeSpiral        Type = "spiral"
	TypeSettlementGap Type = "settlement_gap"
)

// Validate checks if the triage type is valid.
func (t Type) Validate() error {
	switch t {
	case TypeStuck, TypeOrphan, TypeAutoUnblock, TypeMismatch, TypeSpiral, TypeSettlementGap:
		return nil
	default:
		return fmt.Errorf("invalid triage type: %s", t)
	}
}

// Severity ranks triage entries.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityInfo     Severity = "info"
)

// Rank orders severities from most (0) to least severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	default:
		return 3
	}
}

// Validate checks if the severity is valid.
func (s Severity) Validate() error {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityInfo:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}

// State is the explicit queue state of a triage entry.
type State string

const (
	// StateOpen is a recorded finding that has not been handed to Tier-2.
	StateOpen State = "open"

	// StateEscalated is queued for the diagnostician.
	StateEscalated State = "escalated"

	// StateResolved has been remediated or closed.
	StateResolved State = "resolved"
)

// Target is where a triage entry is escalated to.
type Target string

const (
	TargetNone          Target = ""
	TargetOps           Target = "ops"
	TargetDiagnostician Target = "diagnostician"
)

// Entry is a recorded anomaly finding about one work order.
type Entry struct {
	ID          string            `json:"id"`
	WorkOrderID string            `json:"work_order_id"`
	Type        Type              `json:"triage_type"`
	Severity    Severity          `json:"severity"`
	Context     DiagnosticContext `json:"diagnostic_context"`
	EscalateTo  Target            `json:"escalate_to,omitempty"`
	State       State             `json:"state"`

	// Correlation is the root cause of the correlation group that escalated
	// this entry, if any.
	Correlation string `json:"correlation,omitempty"`

	ClaimedBy  string     `json:"claimed_by,omitempty"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	Notes      []string   `json:"notes,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// IsOpen reports whether the entry still awaits resolution.
func (e *Entry) IsOpen() bool {
	return e.State != StateResolved
}

// Finding is what a detector reports before it is recorded as an Entry.
type Finding struct {
	WorkOrderID string
	Severity    Severity
	Context     DiagnosticContext
	EscalateTo  Target
}

// Type returns the triage type implied by the finding's context.
func (f Finding) Type() Type {
	if f.Context == nil {
		return ""
	}
	return f.Context.TriageType()
}

// CorrelationGroup is a set of entries from one sweep that share a causal
// signature. Groups are recomputed every sweep and not persisted.
type CorrelationGroup struct {
	Type         string   `json:"correlation_type"`
	Signature    string   `json:"signature"`
	WorkOrderIDs []string `json:"work_order_ids"`
	EntryIDs     []string `json:"entry_ids"`
	RootCause    string   `json:"root_cause"`
}

// Lesson is a previously promoted remediation hint.
type Lesson struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// FixTask is one concrete remediation step proposed by a diagnosis.
type FixTask struct {
	Name               string   `json:"name" validate:"required,max=200"`
	Objective          string   `json:"objective" validate:"required"`
	AcceptanceCriteria []string `json:"acceptance_criteria" validate:"dive,required"`
	Tags               []string `json:"tags"`
}

// Diagnosis is the root-cause analysis recorded for a triage entry.
type Diagnosis struct {
	ID                  string    `json:"id"`
	TriageEntryID       string    `json:"triage_entry_id"`
	WorkOrderID         string    `json:"work_order_id"`
	RootCause           string    `json:"root_cause" validate:"required"`
	ContributingFactors []string  `json:"contributing_factors"`
	RecommendedFix      string    `json:"recommended_fix" validate:"required"`
	Confidence          float64   `json:"confidence" validate:"gte=0,lte=1"`
	FixTasks            []FixTask `json:"fix_tasks" validate:"min=2,max=4,dive"`
	Fallback            bool      `json:"fallback"`
	Raw                 string    `json:"raw,omitempty"`
	RemediationSlug     string    `json:"remediation_slug,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}
