package triage

import (
	"testing"
	"time"

	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

func TestContextRoundTripPreservesVariant(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	contexts := []DiagnosticContext{
		StuckContext{StartedAt: now, InProgressMinutes: 45, QuietMinutes: 12},
		OrphanContext{ReadySince: now, IdleMinutes: 15},
		AutoUnblockContext{ClearedDependencies: []string{"a", "b"}, PreviousStatus: workorder.StatusReady},
		MismatchContext{Status: workorder.StatusInProgress, LastPhase: "completed", LastLoggedAt: now},
		SpiralContext{TotalSteps: 12, ReadOnlySteps: 9, ReadOnlyRatio: 0.75},
		SettlementGapContext{ParentStatus: workorder.StatusDone, ActiveChildren: []string{"c"}},
	}

	for _, c := range contexts {
		raw, err := EncodeContext(c)
		if err != nil {
			t.Fatalf("encode %s: %v", c.TriageType(), err)
		}
		decoded, err := DecodeContext(c.TriageType(), raw)
		if err != nil {
			t.Fatalf("decode %s: %v", c.TriageType(), err)
		}
		if decoded.TriageType() != c.TriageType() {
			t.Errorf("decoded type = %s, want %s", decoded.TriageType(), c.TriageType())
		}
		if Summary(decoded) == "" {
			t.Errorf("summary for %s should not be empty", c.TriageType())
		}
	}
}

func TestDecodeContextRejectsUnknownType(t *testing.T) {
	if _, err := DecodeContext(Type("zombie"), []byte("{}")); err == nil {
		t.Fatal("expected error for unknown triage type")
	}
}

func TestSeverityRank(t *testing.T) {
	if !(SeverityCritical.Rank() < SeverityHigh.Rank() &&
		SeverityHigh.Rank() < SeverityMedium.Rank() &&
		SeverityMedium.Rank() < SeverityInfo.Rank()) {
		t.Error("severity ranks out of order")
	}
}
