// Package config loads the metis service configuration.
//
// The configuration is a single YAML document:
//
//	database:
//	  path: metis.db
//	monitor:
//	  interval: 5m
//	  stuck_after: 30m
//	escalation:
//	  policy_paths: [policies/]
//	diagnostician:
//	  batch_size: 5
//	reasoner:
//	  endpoint: https://reasoner.internal/v1/diagnose
//	server:
//	  address: 127.0.0.1:8420
//
// Missing keys keep their defaults. The raw document is checked against a
// closed CUE schema before decoding, so unknown keys and out-of-range
// values are reported with their path; the decoded struct is then checked
// with validator tags and each subsystem's own rules.
//
// The reasoner API key may be supplied through METIS_REASONER_API_KEY
// instead of the file.
//
// Watcher re-reads the file when it changes so that monitor thresholds can
// be applied to a running service.
package config
