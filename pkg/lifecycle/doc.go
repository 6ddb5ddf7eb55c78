// Package lifecycle is the only sanctioned mutator of work order status.
//
// The Gateway validates a lifecycle event against the transition table,
// applies its side effects with a compare-and-set write, records an
// immutable audit entry and, when the work order becomes terminal, runs
// the Settler in the same transaction. Settlement cancels every active
// descendant of a done or cancelled work order and fails a parent whose
// children have all ended without success.
//
// Draft creation also lives here so new work enters the store through the
// same validation and audit path as transitions.
package lifecycle
