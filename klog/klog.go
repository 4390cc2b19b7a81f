// Package klog wires the kernel's structured diagnostics through
// zerolog. It is deliberately thin: the kernel has one log sink (the
// console, in the original C kernel's terms), so there is no need for
// the pluggable multi-backend logger the rest of the retrieval pack
// uses for user-facing services.
package klog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the kernel-wide diagnostic sink. The process-wide default
// returned by Global writes to os.Stderr at info level until SetGlobal
// replaces it.
type Logger struct {
	zl zerolog.Logger
}

var global = New(os.Stderr, zerolog.InfoLevel)

// New builds a Logger writing to w at the given minimum level.
func New(w io.Writer, level zerolog.Level) *Logger {
	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// SetGlobal replaces the process-wide default logger, analogous to the
// boot-time initialization of gMonotonicClock and friends (spec.md §9):
// callers establish it once, early, before any subsystem logs.
func SetGlobal(l *Logger) { global = l }

// Global returns the process-wide default logger.
func Global() *Logger { return global }

// Info logs a structured informational event.
func (l *Logger) Info(msg string, fields map[string]any) {
	l.event(l.zl.Info(), msg, fields)
}

// Warn logs a structured warning event.
func (l *Logger) Warn(msg string, fields map[string]any) {
	l.event(l.zl.Warn(), msg, fields)
}

// Error logs a structured error event.
func (l *Logger) Error(msg string, fields map[string]any) {
	l.event(l.zl.Error(), msg, fields)
}

// Fatal logs a structured fatal event. It does not itself terminate
// the process; kerrors.Fatal calls this then panics, keeping the
// "log, then stop" sequence in one place.
func (l *Logger) Fatal(msg string, fields map[string]any) {
	l.event(l.zl.Error().Bool("fatal", true), msg, fields)
}

func (l *Logger) event(ev *zerolog.Event, msg string, fields map[string]any) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Dur returns a duration-stamped field value, a small convenience
// used by callers that log scheduling/wait latencies.
func Dur(d time.Duration) any { return d }
