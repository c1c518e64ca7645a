// Package logging builds the structured zerolog loggers used by every
// binary in the module, adapted from the teacher's
// internal/shared/monitoring/logger.go.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/imcore/internal/types"
)

// Config controls level/format and the service name attached to every line.
type Config struct {
	Level   types.LogLevel
	Format  types.LogFormat
	Service string
}

// New builds a zerolog.Logger with a timestamp, caller info, and a
// "service" field so multi-binary deployments can be told apart in
// aggregated logs.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level := zerolog.InfoLevel
	switch cfg.Level {
	case types.LogLevelDebug:
		level = zerolog.DebugLevel
	case types.LogLevelWarn:
		level = zerolog.WarnLevel
	case types.LogLevelError:
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == types.LogFormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	service := cfg.Service
	if service == "" {
		service = "imcore"
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// RecoverPanic, when deferred, recovers a panic in the deferring goroutine
// and logs it with a full stack trace instead of letting it propagate.
// Each cmd/* main defers it at the top of main.
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
