// Package reasoning is the boundary to the external reasoning collaborator
// that produces root-cause analyses for the Tier-2 diagnostician.
//
// The collaborator is a black box. Its answer is untrusted text that is
// expected to be RCA JSON; parsing and validation happen in the
// diagnostician, never here.
package reasoning
