package policy

import (
	"time"
)

// BuiltinPackage is the Rego package of the shipped escalation policy. A
// loaded module declaring the same package replaces it.
const BuiltinPackage = "metis.escalation"

// DefaultMinCorrelationSize is the number of distinct work orders a
// correlation group needs before its members are escalated.
const DefaultMinCorrelationSize = 3

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		escalationPolicy(),
	}
}

// escalationPolicy escalates critical entries and large correlation groups
// to the diagnostician.
func escalationPolicy() Policy {
	return Policy{
		Name:        "escalation",
		Description: "Escalates critical triage entries and correlated failures to the diagnostician",
		Package:     BuiltinPackage,
		Enabled:     true,
		Builtin:     true,
		LoadedAt:    time.Now(),
		Rego: `package metis.escalation

import rego.v1

default min_group_size := 3

min_group_size := input.config.min_correlation_size if {
	input.config.min_correlation_size > 0
}

# Critical findings always go to the diagnostician.
escalate contains decision if {
	some entry in input.entries
	entry.severity == "critical"
	decision := {
		"entry_id": entry.id,
		"target": "diagnostician",
		"reason": sprintf("critical %s finding", [entry.triage_type]),
	}
}

# Every member of a large enough correlation group is escalated.
escalate contains decision if {
	some group in input.correlations
	affected := {id | some id in group.work_order_ids}
	count(affected) >= min_group_size
	some entry_id in group.entry_ids
	decision := {
		"entry_id": entry_id,
		"target": "diagnostician",
		"reason": sprintf("%s correlation across %d work orders", [group.correlation_type, count(affected)]),
		"correlation": group.root_cause,
	}
}
`,
	}
}
