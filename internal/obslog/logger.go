// Package obslog builds the structured zerolog logger shared by all three
// binaries: one JSON (or pretty-console) logger per process, tagged with
// a service name, plus panic-recovery and error-logging helpers for use
// in goroutine defers across the codebase.
package obslog

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the per-process logger.
type Options struct {
	Level   string // debug|info|warn|error
	Format  string // json|pretty
	Service string // service tag, e.g. "firehose", "aggregator", "filteredproxy"
}

// New builds a zerolog.Logger writing to stdout, timestamped and tagged
// with Options.Service, with caller info for debugging.
func New(opts Options) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if opts.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", opts.Service).
		Logger()
}

// LogError logs an error with context fields attached.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic belongs in every long-lived goroutine's deferred call. It
// logs a recovered panic with its stack trace and lets the process keep
// running rather than crashing the whole binary over one connection's
// failure.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", stack).
			Str("recovery_mode", "captured_panic_continuing_execution")
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
