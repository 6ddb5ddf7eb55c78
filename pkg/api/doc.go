// Package api serves the work order lifecycle and remediation engine over
// HTTP. Work orders can be created, inspected and transitioned; agents
// append execution log steps and QA findings; operators list triage
// entries, trigger sweeps and queue diagnostician runs.
//
// Errors are returned as a JSON envelope carrying the machine-readable
// error code and, for rejected transitions, the allowed events.
package api
