// Package telemetry is flowcore's structured logging layer. It mirrors the
// Logger/WithModule/Field shape the teacher pipeline's stages used against
// its own infra package, but is implemented directly against zerolog since
// that internal package isn't part of this module's dependency surface.
package telemetry

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Field is a single structured log attribute.
type Field struct {
	key   string
	value any
}

// String builds a string Field.
func String(key, value string) Field { return Field{key, value} }

// Int builds an integer Field.
func Int(key string, value int) Field { return Field{key, value} }

// Err builds an error Field under the conventional "error" key.
func Err(err error) Field { return Field{"error", err} }

// Logger is a module-scoped structured logger. The zero value is not
// usable directly — check IsZero and fall back to Nop(), since
// zerolog.Logger embeds slice fields that make Logger itself
// incomparable with ==.
type Logger struct {
	zl  zerolog.Logger
	set bool
}

// IsZero reports whether l is the unconfigured zero value.
func (l Logger) IsZero() bool { return !l.set }

// Config controls logger construction.
type Config struct {
	Level  string
	Writer io.Writer
}

// New builds a Logger from Config. An empty Level defaults to "info"; a
// nil Writer defaults to stderr.
func New(cfg Config) Logger {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	return Logger{zl: zerolog.New(w).Level(level).With().Timestamp().Logger(), set: true}
}

// WithModule returns a Logger tagged with a module name, matching the
// per-stage scoping the teacher's stages used.
func (l Logger) WithModule(name string) Logger {
	return Logger{zl: l.zl.With().Str("module", name).Logger(), set: true}
}

func apply(e *zerolog.Event, fields []Field) *zerolog.Event {
	for _, f := range fields {
		switch v := f.value.(type) {
		case string:
			e = e.Str(f.key, v)
		case error:
			e = e.AnErr(f.key, v)
		case int:
			e = e.Int(f.key, v)
		default:
			e = e.Interface(f.key, v)
		}
	}
	return e
}

// Debug logs at debug level.
func (l Logger) Debug(msg string, fields ...Field) { apply(l.zl.Debug(), fields).Msg(msg) }

// Info logs at info level.
func (l Logger) Info(msg string, fields ...Field) { apply(l.zl.Info(), fields).Msg(msg) }

// Warn logs at warn level.
func (l Logger) Warn(msg string, fields ...Field) { apply(l.zl.Warn(), fields).Msg(msg) }

// Error logs at error level.
func (l Logger) Error(msg string, fields ...Field) { apply(l.zl.Error(), fields).Msg(msg) }

// Nop returns a Logger that discards everything, used as a zero-value
// safe default when callers don't configure one.
func Nop() Logger {
	return Logger{zl: zerolog.Nop(), set: true}
}
