// Package workorder defines the core domain types of the remediation engine:
// work orders, their lifecycle states and events, checklists, the audit trail
// and the execution log that agents append to while they work.
//
// # Lifecycle
//
// A work order moves through a fixed state machine:
//
//	draft -> ready -> in_progress -> {blocked, review} -> done
//
// cancelled and failed are reachable from every non-terminal state, and a
// blocked work order returns to ready once its dependencies clear. The legal
// moves are encoded in a single transition table (see Next). Nothing outside
// pkg/lifecycle is allowed to change a work order's status; the table here is
// pure data so it can be evaluated without a store.
//
// # Hierarchy
//
// Work orders form a forest through ParentID. Depth is unbounded, so every
// traversal over the hierarchy must carry a visited set.
//
// # Errors
//
// Error is the classified error returned by lifecycle operations. Its Code is
// one of the ERR_* constants and is what external agents branch on.
package workorder
