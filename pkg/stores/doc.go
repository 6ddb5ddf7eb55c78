// Package stores provides the persistence layer for the remediation engine.
// It includes a SQLite-based store with WAL mode, embedded migrations,
// transactional scoping for multi-row lifecycle operations, and tables for
// work orders, the audit trail, execution logs, QA findings, lessons, the
// triage queue, diagnoses and the durable task queue.
package stores
