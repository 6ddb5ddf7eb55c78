// Package monitor implements the Tier-1 sweep: a repeatable pass over
// active work orders that records anomalies in the triage queue, groups
// related findings into correlations, and escalates what the policy engine
// selects to the Tier-2 diagnostician.
//
// Each sweep runs a fixed battery of detectors (settlement gap,
// auto-unblock, stuck, orphan, mismatch, spiral). A detector that errors or
// panics is recorded in the SweepReport and the rest still run. Findings are
// inserted idempotently: at most one unresolved entry exists per work order
// and triage type, so overlapping or repeated sweeps never duplicate work.
//
// Correlation reads the recent failing execution-log rows of every work
// order with a finding this sweep and groups them by signature. Built-in
// rules recognise external-dependency failures and schema drift; Starlark
// scripts (see SignatureScript) can add site-specific rules.
package monitor
