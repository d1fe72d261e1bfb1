// Package monitoring carries the observability plumbing shared by the
// frontend, bridge and worker binaries: structured logging and the
// Prometheus metric set.
package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log output formats.
const (
	LogFormatJSON   = "json"   // machine-ingestible, one object per line
	LogFormatPretty = "pretty" // human-readable for local development
)

type LoggerConfig struct {
	Level   string // debug|info|warn|error|fatal, default info
	Format  string // json|pretty, default json
	Service string // stamped on every line so one stream can mix processes
}

// NewLogger builds the process-wide structured logger. Components derive
// their own from it:
//
//	log := monitoring.NewLogger(cfg).With().Str("component", "bridge").Logger()
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if cfg.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", cfg.Service).
		Logger()
}

// RecoverPanic logs a recovered panic with its stack and lets the
// goroutine end without taking the process down. Use in the defer block
// of every long-lived goroutine:
//
//	go func() {
//	    defer monitoring.RecoverPanic(log, "responsePoller", map[string]any{"conn_id": id})
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
