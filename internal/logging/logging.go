// Package logging wraps github.com/rs/zerolog with the request/event fields
// every component here logs with, matching the teacher's zerolog setup in
// cmd/ehr-server/main.go.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New builds the base logger. pretty selects the console writer (matching
// the teacher's ENV=development branch) over structured JSON.
func New(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// ForRequest returns a child logger carrying tenant/interaction/kind
// fields.
func ForRequest(base zerolog.Logger, tenant, interaction, kind string) zerolog.Logger {
	return base.With().
		Str("tenant", tenant).
		Str("interaction", interaction).
		Str("kind", kind).
		Logger()
}
