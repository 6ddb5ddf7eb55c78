// Package diagnostician implements the Tier-2 root-cause engine.
//
// Each invocation claims a bounded batch of the oldest triage entries
// escalated to the diagnostician, gathers context for each (work order,
// execution log tail, open QA findings, ranked lessons), asks the reasoning
// collaborator for a structured diagnosis and materializes it as a new
// remediation parent work order with one child per fix task. The entry is
// then resolved with the parent's slug.
//
// Items are isolated: a failure is noted on the entry, its claim released,
// and the batch continues. An answer that cannot be parsed or validated
// produces a low-confidence fallback diagnosis instead of a failure.
package diagnostician
