// Package policy decides which triage entries are escalated to the
// Tier-2 diagnostician, using Open Policy Agent.
//
// Escalation rules are written in Rego. Each policy module defines an
// "escalate" set whose elements are objects of the form
//
//	{"entry_id": "...", "target": "diagnostician", "reason": "...", "correlation": "..."}
//
// The built-in policy (package metis.escalation) escalates every critical
// entry, and every member of a correlation group that spans at least
// min_correlation_size distinct work orders (default 3).
//
// # Usage
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//
//	decisions, err := engine.Evaluate(ctx, policy.Input{
//	    SweepID:      sweepID,
//	    Entries:      entries,
//	    Correlations: groups,
//	    Config:       policy.InputConfig{MinCorrelationSize: 3},
//	})
//
// # Custom Policies
//
// Additional .rego files are loaded with LoadPolicies. A module declaring
// package metis.escalation replaces the built-in; modules in other packages
// add to it. Decisions from all enabled policies are merged per entry.
//
//	package metis.escalation_extra
//
//	import rego.v1
//
//	# Spirals are escalated as soon as they are seen.
//	escalate contains decision if {
//	    some entry in input.entries
//	    entry.triage_type == "spiral"
//	    decision := {"entry_id": entry.id, "target": "diagnostician", "reason": "spiral"}
//	}
//
// Watch reloads the files when they change. A file that fails to compile
// leaves the previously installed set in place.
package policy
