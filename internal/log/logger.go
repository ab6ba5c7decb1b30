// Package log provides the chaining logger surface used across the engine:
// WithComponent/WithField/WithError build up context, then a level method
// emits. The surface is deliberately small and familiar; the structured
// encoding and level filtering are delegated to zerolog.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger with the chaining API the rest of the
// engine is written against.
type Logger struct {
	zl zerolog.Logger
}

// New creates a Logger writing JSON lines to w at the given level. A human
// console writer is used instead when pretty is true (local development).
func New(w io.Writer, level zerolog.Level, pretty bool) *Logger {
	if w == nil {
		w = os.Stderr
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

var defaultLogger = New(os.Stderr, zerolog.InfoLevel, false)

// Default returns the process-wide default Logger.
func Default() *Logger { return defaultLogger }

// SetDefault replaces the process-wide default Logger.
func SetDefault(l *Logger) { defaultLogger = l }

// WithComponent scopes subsequent log lines to a named subsystem (e.g.
// "exchange", "runner:BTCUSDT-ema_cross").
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", name).Logger()}
}

// WithField attaches one structured field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

// WithFields attaches several structured fields at once.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zl.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zl: ctx.Logger()}
}

// WithError attaches an error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zl: l.zl.With().Err(err).Logger()}
}

// WithDuration attaches a duration field, typically for timing a call.
func (l *Logger) WithDuration(key string, d time.Duration) *Logger {
	return &Logger{zl: l.zl.With().Dur(key, d).Logger()}
}

func (l *Logger) Debug(format string, args ...interface{}) { logf(l.zl.Debug(), format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { logf(l.zl.Info(), format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { logf(l.zl.Warn(), format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { logf(l.zl.Error(), format, args...) }
func (l *Logger) Fatal(format string, args ...interface{}) { logf(l.zl.Fatal(), format, args...) }

func logf(e *zerolog.Event, format string, args ...interface{}) {
	if len(args) == 0 {
		e.Msg(format)
		return
	}
	e.Msgf(format, args...)
}

// Debug logs at debug level on the default Logger.
func Debug(format string, args ...interface{}) { defaultLogger.Debug(format, args...) }

// Info logs at info level on the default Logger.
func Info(format string, args ...interface{}) { defaultLogger.Info(format, args...) }

// Warn logs at warn level on the default Logger.
func Warn(format string, args ...interface{}) { defaultLogger.Warn(format, args...) }

// Error logs at error level on the default Logger.
func Error(format string, args ...interface{}) { defaultLogger.Error(format, args...) }

// Fatal logs at fatal level on the default Logger, then exits the process
// (zerolog's Fatal event does this on .Msg/.Msgf).
func Fatal(format string, args ...interface{}) { defaultLogger.Fatal(format, args...) }
