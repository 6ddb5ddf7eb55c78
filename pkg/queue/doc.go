// Package queue provides the durable task queue that connects the Tier-1
// monitor to the Tier-2 diagnostician.
//
// Tasks live in the store's tasks table. Producers Push, a Worker leases the
// oldest available task, runs its Handler and either acks it or releases it
// with a retry delay. Leases expire, so a crashed worker's task is picked up
// again. Delivery is at-least-once; handlers must be idempotent.
//
// The Dispatcher adapts the queue to the monitor's dispatch hook and keeps at
// most one pending diagnose task.
package queue
