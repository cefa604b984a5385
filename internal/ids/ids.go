// Package ids defines the wire identifiers used throughout the match
// server: opaque UUID-based AgentId/MatchId/moveId and the constrained
// RunnerId token.
package ids

import (
	"regexp"

	"github.com/google/uuid"
)

// AgentId, MatchId, and MoveId are 128-bit opaque identifiers carried on the
// wire as UUID strings.
type AgentId = string
type MatchId = string
type MoveId = string

// New mints a fresh UUID for use as an AgentId, MatchId, or MoveId.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

var runnerIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{2,63}$`)

// ValidRunnerID reports whether s matches the constrained runner token
// grammar: ^[A-Za-z0-9][A-Za-z0-9._:-]{2,63}$
func ValidRunnerID(s string) bool {
	return runnerIDPattern.MatchString(s)
}
