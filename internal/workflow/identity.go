// Package workflow holds what every orchestrator adapter shares: the
// identity comparison used to vet stop requests.
package workflow

import "strings"

var resourceTypes = map[string]bool{
	"stateMachine": true,
	"execution":    true,
	"express":      true,
}

// IdentityFragment reduces a states ARN to <partition>:<region>:<account>:<name>,
// which is equal for a state machine and every execution it started.
// Anything that is not a states ARN yields "".
//
//	arn:aws:states:us-east-1:123:stateMachine:ingest       -> aws:us-east-1:123:ingest
//	arn:aws:states:us-east-1:123:execution:ingest:run-42   -> aws:us-east-1:123:ingest
func IdentityFragment(ref string) string {
	parts := strings.Split(strings.TrimSpace(ref), ":")
	if len(parts) < 7 || parts[0] != "arn" || parts[2] != "states" {
		return ""
	}
	if !resourceTypes[parts[5]] || parts[6] == "" {
		return ""
	}
	return strings.Join([]string{parts[1], parts[3], parts[4], parts[6]}, ":")
}

// SameIdentity reports whether executionRef was started by the orchestrator
// identified by machineRef.
func SameIdentity(executionRef, machineRef string) bool {
	a := IdentityFragment(executionRef)
	return a != "" && a == IdentityFragment(machineRef)
}
