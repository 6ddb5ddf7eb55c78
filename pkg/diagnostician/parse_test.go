package diagnostician

import (
	"errors"
	"testing"

	"github.com/olivergale/metis-portal2-sub002/pkg/triage"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

func TestParseDiagnosis(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"fenced", goodRCA, false},
		{"bare", `{"root_cause":"a","recommended_fix":"b","confidence":0.5,"fix_tasks":[{"name":"x","objective":"y"},{"name":"z","objective":"w"}]}`, false},
		{"no object", "nothing to see", true},
		{"missing root cause", `{"recommended_fix":"b","fix_tasks":[{"name":"x","objective":"y"},{"name":"z","objective":"w"}]}`, true},
		{"five fix tasks", `{"root_cause":"a","recommended_fix":"b","fix_tasks":[
			{"name":"1","objective":"o"},{"name":"2","objective":"o"},{"name":"3","objective":"o"},
			{"name":"4","objective":"o"},{"name":"5","objective":"o"}]}`, true},
		{"fix task without objective", `{"root_cause":"a","recommended_fix":"b","fix_tasks":[{"name":"x"},{"name":"z","objective":"w"}]}`, true},
		{"wrong types", `{"root_cause":["a"],"recommended_fix":"b"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDiagnosis(tt.text)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDiagnosis() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if d.Raw != tt.text {
				t.Error("expected raw text to be kept")
			}
			if d.Fallback {
				t.Error("parsed diagnosis must not be a fallback")
			}
		})
	}
}

func TestParseDiagnosis_IgnoresIdentityFields(t *testing.T) {
	d, err := ParseDiagnosis(`{"id":"forged","remediation_slug":"WO-FORGED","fallback":true,
		"root_cause":"a","recommended_fix":"b","fix_tasks":[{"name":"x","objective":"y"},{"name":"z","objective":"w"}]}`)
	if err != nil {
		t.Fatalf("ParseDiagnosis failed: %v", err)
	}
	if d.ID != "" || d.RemediationSlug != "" || d.Fallback {
		t.Errorf("identity fields leaked from response: %+v", d)
	}
}

func TestFallback(t *testing.T) {
	entry := &triage.Entry{
		ID:          "tri-1",
		Type:        triage.TypeSpiral,
		Context:     triage.SpiralContext{TotalSteps: 12, ReadOnlySteps: 9, ReadOnlyRatio: 0.75},
		Correlation: "external dependency: registry unreachable",
	}
	wo := &workorder.WorkOrder{ID: "wo-1", Slug: "WO-12345678", Name: "index docs"}

	d := Fallback(entry, wo, "garbage", errors.New("no JSON object in response"), 0.3)
	if !d.Fallback || d.Confidence != 0.3 {
		t.Errorf("expected low-confidence fallback, got %+v", d)
	}
	if len(d.FixTasks) != 2 {
		t.Fatalf("expected 2 fix tasks, got %d", len(d.FixTasks))
	}
	if err := validate.Struct(d); err != nil {
		t.Errorf("fallback must satisfy the diagnosis schema: %v", err)
	}
	if d.Raw != "garbage" {
		t.Errorf("expected raw text to be kept, got %q", d.Raw)
	}
}
