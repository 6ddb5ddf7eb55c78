package reasoning

import (
	"context"
	"encoding/json"

	"github.com/olivergale/metis-portal2-sub002/pkg/triage"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

// Instructions tells the collaborator what shape of answer is expected.
const Instructions = `Diagnose the failing work order described in this request.
Respond with a single JSON object and nothing else:
{
  "root_cause": string,
  "contributing_factors": [string],
  "recommended_fix": string,
  "confidence": number between 0 and 1,
  "fix_tasks": [
    {"name": string, "objective": string, "acceptance_criteria": [string], "tags": [string]}
  ]
}
Propose between 2 and 4 fix_tasks. Each fix task must be independently executable.`

// Request carries everything the collaborator sees about one triage entry.
type Request struct {
	TriageID     string                         `json:"triage_id"`
	TriageType   triage.Type                    `json:"triage_type"`
	Severity     triage.Severity                `json:"severity"`
	Summary      string                         `json:"summary"`
	Context      json.RawMessage                `json:"diagnostic_context,omitempty"`
	Correlation  string                         `json:"correlation,omitempty"`
	WorkOrder    *workorder.WorkOrder           `json:"work_order"`
	ExecutionLog []*workorder.ExecutionLogEntry `json:"execution_log"`
	QAFindings   []*workorder.QAFinding         `json:"qa_findings"`
	Lessons      []*triage.Lesson               `json:"lessons"`
	Instructions string                         `json:"instructions"`
}

// NewRequest assembles a request for entry with its gathered context.
func NewRequest(
	entry *triage.Entry,
	wo *workorder.WorkOrder,
	log []*workorder.ExecutionLogEntry,
	findings []*workorder.QAFinding,
	lessons []*triage.Lesson,
) (*Request, error) {
	req := &Request{
		TriageID:     entry.ID,
		TriageType:   entry.Type,
		Severity:     entry.Severity,
		Summary:      triage.Summary(entry.Context),
		Correlation:  entry.Correlation,
		WorkOrder:    wo,
		ExecutionLog: log,
		QAFindings:   findings,
		Lessons:      lessons,
		Instructions: Instructions,
	}
	if entry.Context != nil {
		raw, err := triage.EncodeContext(entry.Context)
		if err != nil {
			return nil, err
		}
		req.Context = raw
	}
	return req, nil
}

// Reasoner produces a diagnosis for a request. The returned text is
// untrusted and expected, but not guaranteed, to be RCA JSON.
type Reasoner interface {
	Diagnose(ctx context.Context, req *Request) (string, error)
}

// Func adapts a function to the Reasoner interface.
type Func func(ctx context.Context, req *Request) (string, error)

// Diagnose calls f.
func (f Func) Diagnose(ctx context.Context, req *Request) (string, error) {
	return f(ctx, req)
}
