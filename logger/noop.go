package logger

import "time"

// NoOp returns a logger that discards everything. Used as the default
// when no logger is injected.
func NoOp() Logger { return noopLogger{} }

type noopLogger struct{}

func (noopLogger) Info() LogEvent                    { return noopEvent{} }
func (noopLogger) Error() LogEvent                   { return noopEvent{} }
func (noopLogger) Debug() LogEvent                   { return noopEvent{} }
func (noopLogger) Warn() LogEvent                    { return noopEvent{} }
func (noopLogger) WithFields(map[string]any) Logger  { return noopLogger{} }

type noopEvent struct{}

func (noopEvent) Msg(string)                          {}
func (noopEvent) Msgf(string, ...any)                 {}
func (e noopEvent) Err(error) LogEvent                { return e }
func (e noopEvent) Str(string, string) LogEvent       { return e }
func (e noopEvent) Int(string, int) LogEvent          { return e }
func (e noopEvent) Int64(string, int64) LogEvent      { return e }
func (e noopEvent) Dur(string, time.Duration) LogEvent { return e }
func (e noopEvent) Interface(string, any) LogEvent    { return e }
