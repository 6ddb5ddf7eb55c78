package monitor

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/olivergale/metis-portal2-sub002/pkg/stores"
	"github.com/olivergale/metis-portal2-sub002/pkg/telemetry"
	"github.com/olivergale/metis-portal2-sub002/pkg/triage"
	"github.com/olivergale/metis-portal2-sub002/pkg/workorder"
)

// Correlation types recognised by the built-in rules.
const (
	CorrelationExternalDependency = "external_dependency"
	CorrelationSchemaDrift        = "schema_drift"
)

type signatureRule struct {
	corrType string
	label    string
	pattern  *regexp.Regexp
}

var builtinRules = []signatureRule{
	{
		corrType: CorrelationSchemaDrift,
		label:    "schema drift",
		pattern: regexp.MustCompile(`(?i)(no such (?:column|table)|(?:column|relation|table) \S+ does not exist|unknown (?:column|field)|missing (?:column|field|property)|schema mismatch|type mismatch|violates (?:not-null|foreign key|check) constraint|unexpected field)`),
	},
	{
		corrType: CorrelationExternalDependency,
		label:    "external dependency failure",
		pattern: regexp.MustCompile(`(?i)(connection refused|connection reset|no such host|i/o timeout|deadline exceeded|timed out|service unavailable|bad gateway|gateway timeout|too many requests|rate limit(?:ed)?|econnrefused|econnreset|status(?: code)?:? ?(?:429|502|503|504))`),
	},
}

var (
	uuidPattern     = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	slugPattern     = regexp.MustCompile(`(?i)\bWO-[0-9A-F]{8}\b`)
	hexPattern      = regexp.MustCompile(`(?i)\b[0-9a-f]{12,}\b`)
	durationPattern = regexp.MustCompile(`\b\d+(?:\.\d+)?(?:ns|us|µs|ms|s|m|h)\b`)
	spacePattern    = regexp.MustCompile(`\s+`)
)

const maxSignatureLen = 160

// normalizeDetail strips per-occurrence noise (ids, durations) so the same
// failure reported by different work orders yields the same key.
func normalizeDetail(detail string) string {
	s := strings.ToLower(strings.TrimSpace(detail))
	s = uuidPattern.ReplaceAllString(s, "<id>")
	s = slugPattern.ReplaceAllString(s, "<slug>")
	s = hexPattern.ReplaceAllString(s, "<hex>")
	s = durationPattern.ReplaceAllString(s, "<dur>")
	s = spacePattern.ReplaceAllString(s, " ")
	if len(s) > maxSignatureLen {
		cut := maxSignatureLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

// Correlator groups triage entries whose work orders failed for the same
// reason, judged from recent failing execution-log rows.
type Correlator struct {
	store   stores.Store
	scripts []*SignatureScript
	logger  *telemetry.Logger
}

// NewCorrelator creates a correlator. Scripts are consulted before the
// built-in rules, in order.
func NewCorrelator(store stores.Store, logger *telemetry.Logger, scripts ...*SignatureScript) *Correlator {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Correlator{
		store:   store,
		scripts: scripts,
		logger:  logger,
	}
}

// Classify returns the signature of one failing step, or nil.
func (c *Correlator) Classify(ctx context.Context, step Step) *Signature {
	for _, script := range c.scripts {
		sig, err := script.Match(ctx, step)
		if err != nil {
			c.logger.WithError(err).WithField("script", script.Name()).Warn("Signature script failed")
			continue
		}
		if sig != nil {
			return sig
		}
	}

	for _, rule := range builtinRules {
		if rule.pattern.MatchString(step.Detail) {
			key := normalizeDetail(step.Detail)
			return &Signature{
				Type:      rule.corrType,
				Key:       key,
				RootCause: fmt.Sprintf("%s: %s", rule.label, key),
			}
		}
	}
	return nil
}

type groupAccumulator struct {
	group triage.CorrelationGroup
	wos   map[string]bool
	ents  map[string]bool
}

// Correlate builds the correlation groups for the given entries. Only
// groups spanning at least two distinct work orders are returned, sorted by
// type and signature.
func (c *Correlator) Correlate(ctx context.Context, entries []*triage.Entry, cfg Config, now time.Time) ([]triage.CorrelationGroup, error) {
	entriesByWO := make(map[string][]string)
	var order []string
	for _, e := range entries {
		if _, seen := entriesByWO[e.WorkOrderID]; !seen {
			order = append(order, e.WorkOrderID)
		}
		entriesByWO[e.WorkOrderID] = append(entriesByWO[e.WorkOrderID], e.ID)
	}

	cutoff := now.Add(-cfg.CorrelationWindow)
	groups := make(map[string]*groupAccumulator)

	for _, woID := range order {
		logs, err := c.store.ListExecutionLog(ctx, woID, cfg.LogTail)
		if err != nil {
			return nil, fmt.Errorf("failed to read execution log for %s: %w", woID, err)
		}

		seen := make(map[string]bool)
		for _, l := range logs {
			if l.CreatedAt.Before(cutoff) || !isFailureStep(l) || strings.TrimSpace(l.Detail) == "" {
				continue
			}

			sig := c.Classify(ctx, Step{
				WorkOrderID: woID,
				Phase:       l.Phase,
				ToolNames:   l.ToolNames,
				Detail:      l.Detail,
			})
			if sig == nil {
				continue
			}

			id := sig.Type + "|" + sig.Key
			if seen[id] {
				continue
			}
			seen[id] = true

			acc, ok := groups[id]
			if !ok {
				acc = &groupAccumulator{
					group: triage.CorrelationGroup{
						Type:      sig.Type,
						Signature: sig.Key,
						RootCause: sig.RootCause,
					},
					wos:  make(map[string]bool),
					ents: make(map[string]bool),
				}
				if acc.group.RootCause == "" {
					acc.group.RootCause = fmt.Sprintf("%s: %s", sig.Type, sig.Key)
				}
				groups[id] = acc
			}

			if !acc.wos[woID] {
				acc.wos[woID] = true
				acc.group.WorkOrderIDs = append(acc.group.WorkOrderIDs, woID)
			}
			for _, entryID := range entriesByWO[woID] {
				if !acc.ents[entryID] {
					acc.ents[entryID] = true
					acc.group.EntryIDs = append(acc.group.EntryIDs, entryID)
				}
			}
		}
	}

	result := make([]triage.CorrelationGroup, 0, len(groups))
	for _, acc := range groups {
		if len(acc.group.WorkOrderIDs) < 2 {
			continue
		}
		result = append(result, acc.group)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Type != result[j].Type {
			return result[i].Type < result[j].Type
		}
		return result[i].Signature < result[j].Signature
	})

	return result, nil
}

// isFailureStep reports whether an execution-log row records a failure.
func isFailureStep(l *workorder.ExecutionLogEntry) bool {
	if !l.Success {
		return true
	}
	switch strings.ToLower(l.Phase) {
	case workorder.PhaseFailed, workorder.PhaseError:
		return true
	}
	return false
}
