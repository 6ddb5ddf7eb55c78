package diagnostician

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/olivergale/metis-portal2-sub002/pkg/triage"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

var errNoJSON = errors.New("no JSON object in response")

var validate = validator.New()

// ParseDiagnosis extracts and validates an RCA object from untrusted text.
// Code fences and prose around the object are ignored.
func ParseDiagnosis(text string) (*triage.Diagnosis, error) {
	body, err := extractObject(text)
	if err != nil {
		return nil, err
	}

	var d triage.Diagnosis
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("malformed diagnosis: %w", err)
	}

	d.RootCause = strings.TrimSpace(d.RootCause)
	d.RecommendedFix = strings.TrimSpace(d.RecommendedFix)
	for i := range d.FixTasks {
		d.FixTasks[i].Name = strings.TrimSpace(d.FixTasks[i].Name)
		d.FixTasks[i].Objective = strings.TrimSpace(d.FixTasks[i].Objective)
	}
	// Fields the collaborator must not set.
	d.ID, d.TriageEntryID, d.WorkOrderID, d.RemediationSlug = "", "", "", ""
	d.Fallback = false

	if err := validate.Struct(&d); err != nil {
		return nil, fmt.Errorf("invalid diagnosis: %w", err)
	}
	d.Raw = text
	return &d, nil
}

// extractObject returns the outermost {...} span of text.
func extractObject(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", errNoJSON
	}
	return text[start : end+1], nil
}

// Fallback builds the low-confidence diagnosis used when the collaborator's
// answer cannot be used.
func Fallback(entry *triage.Entry, wo *workorder.WorkOrder, raw string, cause error, confidence float64) *triage.Diagnosis {
	summary := triage.Summary(entry.Context)
	root := fmt.Sprintf("Unable to determine root cause automatically for %s anomaly: %s", entry.Type, summary)
	if entry.Correlation != "" {
		root += "; correlated with " + entry.Correlation
	}

	factors := []string{"automated diagnosis unavailable"}
	if cause != nil {
		factors = append(factors, cause.Error())
	}

	return &triage.Diagnosis{
		RootCause:           root,
		ContributingFactors: factors,
		RecommendedFix:      fmt.Sprintf("Manually investigate %s and restore it to a healthy lifecycle state", wo.Slug),
		Confidence:          confidence,
		FixTasks: []triage.FixTask{
			{
				Name:      fmt.Sprintf("Investigate %s anomaly on %s", entry.Type, wo.Slug),
				Objective: fmt.Sprintf("Find why %s (%s) is %s and record the root cause", wo.Slug, wo.Name, summary),
				AcceptanceCriteria: []string{
					"Root cause identified and written to the work order summary",
					"Execution log reviewed for the affected period",
				},
				Tags: []string{"investigation", string(entry.Type)},
			},
			{
				Name:      fmt.Sprintf("Restore %s", wo.Slug),
				Objective: fmt.Sprintf("Bring %s back to a valid lifecycle state once the cause is known", wo.Slug),
				AcceptanceCriteria: []string{
					"Work order is progressing or reached a terminal state",
					"No open triage entry remains for the work order",
				},
				Tags: []string{"recovery", string(entry.Type)},
			},
		},
		Fallback: true,
		Raw:      raw,
	}
}
