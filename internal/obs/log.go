// Package obs wires process-wide observability: a structured logger and
// the Prometheus metrics registered by every component.
package obs

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process-wide logger. In "dev" env it writes a
// human-readable console stream; otherwise plain JSON to stdout, matching
// the teacher's ServerConfig.Env-driven behavior.
func NewLogger(env string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w = os.Stdout
	if env == "dev" || env == "" {
		return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).
			With().Timestamp().Caller().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}
