// Package logging sets up the structured logger shared by the manager
// and worker binaries: logiface's generic Logger wired to zerolog via
// izerolog, writing to stderr in either console or JSON form.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Event is the concrete event type this stack logs through.
type Event = izerolog.Event

// Logger is the generic logiface logger, specialized to Event.
type Logger = logiface.Logger[*Event]

// Builder is the fluent per-log-line builder returned by the level
// methods (Err(), Info(), Debug(), ...).
type Builder = logiface.Builder[*Event]

// Config controls how New builds a Logger.
type Config struct {
	// Level is the minimum level that will be logged. Defaults to Info.
	Level string
	// Pretty enables zerolog's human-readable console writer instead of
	// raw JSON lines. Intended for local development, not production.
	Pretty bool
	// Output overrides the destination; defaults to os.Stderr.
	Output io.Writer
}

// levelFromString maps the config string onto a logiface.Level,
// defaulting to Informational on an empty or unrecognized value.
func levelFromString(s string) logiface.Level {
	switch s {
	case "disabled", "off":
		return logiface.LevelDisabled
	case "emerg", "emergency":
		return logiface.LevelEmergency
	case "alert":
		return logiface.LevelAlert
	case "crit", "critical":
		return logiface.LevelCritical
	case "error", "err":
		return logiface.LevelError
	case "warn", "warning":
		return logiface.LevelWarning
	case "notice":
		return logiface.LevelNotice
	case "info", "":
		return logiface.LevelInformational
	case "debug":
		return logiface.LevelDebug
	case "trace":
		return logiface.LevelTrace
	default:
		return logiface.LevelInformational
	}
}

// New builds a Logger per cfg, writing to a zerolog.Logger underneath.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(out).With().Timestamp().Logger()

	return logiface.New[*Event](
		izerolog.WithZerolog(zl),
		logiface.WithLevel[*Event](levelFromString(cfg.Level)),
	)
}

// Discard returns a Logger that drops everything, for tests that don't
// care about log output.
func Discard() *Logger {
	return New(Config{Level: "disabled", Output: io.Discard})
}
