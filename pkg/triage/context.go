package triage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

// DiagnosticContext is the typed payload attached to a triage entry. Each
// triage type has exactly one implementation.
type DiagnosticContext interface {
	TriageType() Type
	diagnosticContext()
}

// StuckContext describes an in-progress work order with no recent activity.
type StuckContext struct {
	StartedAt         time.Time  `json:"started_at"`
	InProgressMinutes float64    `json:"in_progress_minutes"`
	LastActivityAt    *time.Time `json:"last_activity_at,omitempty"`
	QuietMinutes      float64    `json:"quiet_minutes"`
}

// OrphanContext describes a ready work order nobody claimed.
type OrphanContext struct {
	ReadySince  time.Time `json:"ready_since"`
	IdleMinutes float64   `json:"idle_minutes"`
}

// AutoUnblockContext records dependencies that were cleared.
type AutoUnblockContext struct {
	ClearedDependencies []string         `json:"cleared_dependencies"`
	PreviousStatus      workorder.Status `json:"previous_status"`
	Unblocked           bool             `json:"unblocked"`
}

// MismatchContext describes a status that drifted from the execution log.
type MismatchContext struct {
	Status       workorder.Status `json:"status"`
	LastPhase    string           `json:"last_phase"`
	LastDetail   string           `json:"last_detail,omitempty"`
	LastLoggedAt time.Time        `json:"last_logged_at"`
}

// SpiralContext describes an agent exploring without making progress.
type SpiralContext struct {
	TotalSteps    int      `json:"total_steps"`
	ReadOnlySteps int      `json:"read_only_steps"`
	ReadOnlyRatio float64  `json:"read_only_ratio"`
	TopTools      []string `json:"top_tools,omitempty"`
}

// SettlementGapContext describes a settled parent that still has active
// children.
type SettlementGapContext struct {
	ParentStatus   workorder.Status `json:"parent_status"`
	ActiveChildren []string         `json:"active_children"`
	Repaired       bool             `json:"repaired"`
	RepairError    string           `json:"repair_error,omitempty"`
}

func (StuckContext) TriageType() Type         { return TypeStuck }
func (OrphanContext) TriageType() Type        { return TypeOrphan }
func (AutoUnblockContext) TriageType() Type   { return TypeAutoUnblock }
func (MismatchContext) TriageType() Type      { return TypeMismatch }
func (SpiralContext) TriageType() Type        { return TypeSpiral }
func (SettlementGapContext) TriageType() Type { return TypeSettlementGap }

func (StuckContext) diagnosticContext()         {}
func (OrphanContext) diagnosticContext()        {}
func (AutoUnblockContext) diagnosticContext()   {}
func (MismatchContext) diagnosticContext()      {}
func (SpiralContext) diagnosticContext()        {}
func (SettlementGapContext) diagnosticContext() {}

// EncodeContext serializes a diagnostic context for storage.
func EncodeContext(c DiagnosticContext) ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

// DecodeContext restores the diagnostic context stored for a triage type.
func DecodeContext(t Type, raw []byte) (DiagnosticContext, error) {
	var (
		c   DiagnosticContext
		err error
	)
	switch t {
	case TypeStuck:
		var v StuckContext
		err = json.Unmarshal(raw, &v)
		c = v
	case TypeOrphan:
		var v OrphanContext
		err = json.Unmarshal(raw, &v)
		c = v
	case TypeAutoUnblock:
		var v AutoUnblockContext
		err = json.Unmarshal(raw, &v)
		c = v
	case TypeMismatch:
		var v MismatchContext
		err = json.Unmarshal(raw, &v)
		c = v
	case TypeSpiral:
		var v SpiralContext
		err = json.Unmarshal(raw, &v)
		c = v
	case TypeSettlementGap:
		var v SettlementGapContext
		err = json.Unmarshal(raw, &v)
		c = v
	default:
		return nil, fmt.Errorf("invalid triage type: %s", t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s context: %w", t, err)
	}
	return c, nil
}

// Summary renders a one-line description of the context for logs and prompts.
func Summary(c DiagnosticContext) string {
	switch v := c.(type) {
	case StuckContext:
		return fmt.Sprintf("in progress for %.0fm with no activity for %.0fm", v.InProgressMinutes, v.QuietMinutes)
	case OrphanContext:
		return fmt.Sprintf("ready and unclaimed for %.0fm", v.IdleMinutes)
	case AutoUnblockContext:
		return fmt.Sprintf("cleared %d satisfied dependencies", len(v.ClearedDependencies))
	case MismatchContext:
		return fmt.Sprintf("status %s but last execution phase is %s", v.Status, v.LastPhase)
	case SpiralContext:
		return fmt.Sprintf("%d of %d steps were read-only (%.0f%%)", v.ReadOnlySteps, v.TotalSteps, v.ReadOnlyRatio*100)
	case SettlementGapContext:
		return fmt.Sprintf("%s parent still has %d active children (repaired=%t)", v.ParentStatus, len(v.ActiveChildren), v.Repaired)
	default:
		return ""
	}
}
