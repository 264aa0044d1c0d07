package coro

import (
	"time"

	"github.com/joeycumines/logiface"
)

// logifaceEvent is the minimal Event implementation logiface.Event
// requires: just enough to carry a LogEntry's fields through a
// logiface.Logger[E] pipeline. Every Event implementation must embed
// UnimplementedEvent and tolerate a panic-free zero value.
type logifaceEvent struct {
	logiface.UnimplementedEvent
	level   logiface.Level
	message string
	err     error
}

func (e *logifaceEvent) Level() logiface.Level { return e.level }

func (e *logifaceEvent) AddField(key string, val any) {
	// This adapter only ever forwards the fixed LogEntry shape (message,
	// error), never arbitrary structured fields, so extra fields are
	// dropped rather than given a home.
}

func (e *logifaceEvent) AddMessage(msg string) bool {
	e.message = msg
	return true
}

func (e *logifaceEvent) AddError(err error) bool {
	e.err = err
	return true
}

// logifaceEventFactory and logifaceEventReleaser let the underlying
// Logger[*logifaceEvent] pool events instead of allocating one per Log
// call, the intended use of logiface.EventReleaser.
type logifaceEventFactory struct{}

func (logifaceEventFactory) NewEvent(level logiface.Level) *logifaceEvent {
	return &logifaceEvent{level: level}
}

type logifaceEventReleaser struct{}

func (logifaceEventReleaser) ReleaseEvent(e *logifaceEvent) {
	e.message = ""
	e.err = nil
}

// logifaceWriter adapts a coro.Logger into a logiface.Writer, the final
// stage every logiface.Logger[E].Log call drains into.
type logifaceWriter struct {
	category string
	out      Logger
}

func (w logifaceWriter) Write(e *logifaceEvent) error {
	w.out.Log(LogEntry{
		Level:     fromLogifaceLevel(e.level),
		Category:  w.category,
		Message:   e.message,
		Err:       e.err,
		Timestamp: time.Now(),
	})
	return nil
}

func fromLogifaceLevel(l logiface.Level) LogLevel {
	switch {
	case l <= logiface.LevelError:
		return LevelError
	case l <= logiface.LevelWarning:
		return LevelWarn
	case l <= logiface.LevelInformational:
		return LevelInfo
	default:
		return LevelDebug
	}
}

func toLogifaceLevel(l LogLevel) logiface.Level {
	switch l {
	case LevelError:
		return logiface.LevelError
	case LevelWarn:
		return logiface.LevelWarning
	case LevelInfo:
		return logiface.LevelInformational
	default:
		return logiface.LevelDebug
	}
}

// LogifaceLogger adapts a github.com/joeycumines/logiface Logger[E] into
// this package's Logger interface, for callers who already standardized
// their service's logging pipeline on logiface (e.g. routing through its
// zerolog or stumpy writers) and want scheduler/hook/sync diagnostics to
// flow through the same sink instead of a second, parallel one.
type LogifaceLogger struct {
	logger *logiface.Logger[*logifaceEvent]
}

// NewLogifaceLogger builds a Logger backed by a fresh logiface pipeline
// writing through out, enabled from minLevel up.
func NewLogifaceLogger(out Logger, minLevel LogLevel) *LogifaceLogger {
	category := "coro"
	logger := logiface.New[*logifaceEvent](
		logiface.WithEventFactory[*logifaceEvent](logifaceEventFactory{}),
		logiface.WithEventReleaser[*logifaceEvent](logifaceEventReleaser{}),
		logiface.WithWriter[*logifaceEvent](logifaceWriter{category: category, out: out}),
		logiface.WithLevel[*logifaceEvent](toLogifaceLevel(minLevel)),
	)
	return &LogifaceLogger{logger: logger}
}

// NewLogifaceLoggerFrom wraps an already-configured logiface
// Logger[*logifaceEvent] (e.g. one built elsewhere with WithStumpy or a
// zerolog-backed writer), instead of constructing a new pipeline.
func NewLogifaceLoggerFrom(logger *logiface.Logger[*logifaceEvent]) *LogifaceLogger {
	return &LogifaceLogger{logger: logger}
}

func (l *LogifaceLogger) IsEnabled(level LogLevel) bool {
	lvl := toLogifaceLevel(level)
	return lvl.Enabled() && lvl <= l.logger.Level()
}

func (l *LogifaceLogger) Log(entry LogEntry) {
	l.logger.Log(toLogifaceLevel(entry.Level), logiface.ModifierFunc[*logifaceEvent](func(e *logifaceEvent) error {
		if entry.Message != "" {
			e.AddMessage(entry.Message)
		}
		if entry.Err != nil {
			e.AddError(entry.Err)
		}
		return nil
	}))
}
