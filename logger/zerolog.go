package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ZeroLogger wraps zerolog.Logger to implement the Logger interface.
type ZeroLogger struct {
	zlog *zerolog.Logger
}

// Ensure ZeroLogger implements the interface.
var _ Logger = (*ZeroLogger)(nil)

// New creates a ZeroLogger writing JSON to stdout at the given level.
// Unknown levels fall back to info. If pretty is true, output is
// console-formatted for human readability.
func New(level string, pretty bool) *ZeroLogger {
	var out io.Writer = os.Stdout
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	l := zerolog.New(out).With().Timestamp().Logger()

	zLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		zLevel = zerolog.InfoLevel
	}
	l = l.Level(zLevel)

	return &ZeroLogger{zlog: &l}
}

// NewWithWriter creates a ZeroLogger writing to an arbitrary writer.
// Useful for capturing output in tests.
func NewWithWriter(level string, w io.Writer) *ZeroLogger {
	l := zerolog.New(w).With().Timestamp().Logger()

	zLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		zLevel = zerolog.InfoLevel
	}
	l = l.Level(zLevel)

	return &ZeroLogger{zlog: &l}
}

// Info starts an info-level event.
func (l *ZeroLogger) Info() LogEvent { return &zerologEvent{event: l.zlog.Info()} }

// Error starts an error-level event.
func (l *ZeroLogger) Error() LogEvent { return &zerologEvent{event: l.zlog.Error()} }

// Debug starts a debug-level event.
func (l *ZeroLogger) Debug() LogEvent { return &zerologEvent{event: l.zlog.Debug()} }

// Warn starts a warn-level event.
func (l *ZeroLogger) Warn() LogEvent { return &zerologEvent{event: l.zlog.Warn()} }

// WithFields returns a logger with additional fields attached to all
// subsequent events.
func (l *ZeroLogger) WithFields(fields map[string]any) Logger {
	log := l.zlog.With().Fields(fields).Logger()
	return &ZeroLogger{zlog: &log}
}

// zerologEvent adapts *zerolog.Event to the LogEvent interface.
type zerologEvent struct {
	event *zerolog.Event
}

func (e *zerologEvent) Msg(msg string)                  { e.event.Msg(msg) }
func (e *zerologEvent) Msgf(format string, args ...any) { e.event.Msgf(format, args...) }

func (e *zerologEvent) Err(err error) LogEvent {
	e.event = e.event.Err(err)
	return e
}

func (e *zerologEvent) Str(key, value string) LogEvent {
	e.event = e.event.Str(key, value)
	return e
}

func (e *zerologEvent) Int(key string, value int) LogEvent {
	e.event = e.event.Int(key, value)
	return e
}

func (e *zerologEvent) Int64(key string, value int64) LogEvent {
	e.event = e.event.Int64(key, value)
	return e
}

func (e *zerologEvent) Dur(key string, d time.Duration) LogEvent {
	e.event = e.event.Dur(key, d)
	return e
}

func (e *zerologEvent) Interface(key string, i any) LogEvent {
	e.event = e.event.Interface(key, i)
	return e
}
