// Package wslog is a thin structured-logging facade over zerolog, used by
// wsproto and wshub to surface errors the core swallows by design (a panicking
// user hook, a broadcast target that failed to accept a frame) as log events
// instead of silently dropping them.
package wslog

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger. The zero value is disabled and discards
// every event, so the core stays usable without a caller ever constructing
// one explicitly.
type Logger struct {
	z       zerolog.Logger
	enabled bool
}

// New builds a Logger writing structured JSON to w.
func New(w *os.File) Logger {
	return Logger{z: zerolog.New(w).With().Timestamp().Logger(), enabled: true}
}

// NewConsole builds a Logger writing human-readable output to w, for local
// development (mirrors zerolog.ConsoleWriter's common pairing with stderr).
func NewConsole(w *os.File) Logger {
	return Logger{z: zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger(), enabled: true}
}

// Error logs a swallowed error with context fields.
func (l Logger) Error(msg string, err error, fields map[string]any) {
	if !l.enabled {
		return
	}
	ev := l.z.Error().Err(err)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Info logs a routine lifecycle event (connection registered, listener
// started, shutdown complete).
func (l Logger) Info(msg string, fields map[string]any) {
	if !l.enabled {
		return
	}
	ev := l.z.Info()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Debug logs fine-grained protocol tracing. It is cheap to call on a
// disabled Logger, which returns before building an event.
func (l Logger) Debug(msg string, fields map[string]any) {
	if !l.enabled {
		return
	}
	ev := l.z.Debug()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Disabled is the explicit zero-value Logger, for callers that want to name
// "no logging" without relying on a bare Logger{} literal.
var Disabled = Logger{}
