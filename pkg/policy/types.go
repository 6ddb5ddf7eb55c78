package policy

import (
	"time"

	"github.com/olivergale/metis-portal2-sub002/pkg/triage"
)

// Policy is a Rego module that contributes escalation decisions.
type Policy struct {
	// Name is the unique policy name, usually the file stem.
	Name string `json:"name"`

	// Description is taken from the leading comment block of the module.
	Description string `json:"description"`

	// Rego is the policy source.
	Rego string `json:"rego"`

	// Package is the Rego package path, e.g. "metis.escalation".
	Package string `json:"package"`

	// Enabled indicates whether the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks the policy shipped with the binary.
	Builtin bool `json:"builtin"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// EntryInput is the view of a triage entry handed to the policy.
type EntryInput struct {
	ID          string          `json:"id"`
	WorkOrderID string          `json:"work_order_id"`
	Type        triage.Type     `json:"triage_type"`
	Severity    triage.Severity `json:"severity"`
	EscalateTo  triage.Target   `json:"escalate_to"`
	State       triage.State    `json:"state"`
}

// NewEntryInput converts a stored triage entry into policy input.
func NewEntryInput(e *triage.Entry) EntryInput {
	return EntryInput{
		ID:          e.ID,
		WorkOrderID: e.WorkOrderID,
		Type:        e.Type,
		Severity:    e.Severity,
		EscalateTo:  e.EscalateTo,
		State:       e.State,
	}
}

// InputConfig carries tunables the policy may read.
type InputConfig struct {
	MinCorrelationSize int `json:"min_correlation_size"`
}

// Input is the document evaluated once per sweep.
type Input struct {
	SweepID      string                    `json:"sweep_id"`
	Entries      []EntryInput              `json:"entries"`
	Correlations []triage.CorrelationGroup `json:"correlations"`
	Config       InputConfig               `json:"config"`
	Timestamp    time.Time                 `json:"timestamp"`
}

// Decision escalates one triage entry.
type Decision struct {
	EntryID string        `json:"entry_id"`
	Target  triage.Target `json:"target"`
	Reason  string        `json:"reason"`

	// Correlation is the root cause of the group that triggered the
	// decision, empty for severity-based escalation.
	Correlation string `json:"correlation,omitempty"`

	// Policy is the name of the policy that produced the decision.
	Policy string `json:"policy"`
}
