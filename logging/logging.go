// Package logging configures the process-wide structured logger. Everything
// the service logs goes to stderr: for the gateway that is the system log,
// and for the sandbox supervisor it is also what the gateway reports to the
// client when a request dies with an internal error.
package logging

import (
	"log/slog"
	"os"
)

const defaultLogLevel = slog.LevelInfo

// Init installs the default slog handler, reading the level from the
// "LOG_LEVEL" environment variable (debug, info, warn, error).
func Init() {
	level := defaultLogLevel
	if levelText, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if err := level.UnmarshalText([]byte(levelText)); err != nil {
			level = slog.LevelDebug
		}
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}
