// Package logging provides the thin prefixed-logger convention used across
// the server, matching the teacher's plain standard-library `log` usage
// (no structured logging library appears anywhere in the pack's complete
// teacher repos — see DESIGN.md).
package logging

import (
	"log"
	"os"
)

type Logger struct {
	*log.Logger
}

// New builds a logger prefixed with "[component] ".
func New(component string) *Logger {
	return &Logger{log.New(os.Stdout, "["+component+"] ", log.LstdFlags)}
}
