package fiberloop

import (
	"github.com/joeycumines/logiface"
)

// logifaceEvent is a minimal logiface.Event implementation: level plus a
// flat field map, enough for any logiface backend to render.
type logifaceEvent struct {
	logiface.UnimplementedEvent
	level  logiface.Level
	fields map[string]any
}

func (e *logifaceEvent) Level() logiface.Level { return e.level }

func (e *logifaceEvent) AddField(key string, val any) {
	if e.fields == nil {
		e.fields = make(map[string]any, 4)
	}
	e.fields[key] = val
}

// logifaceEventFactory constructs logifaceEvent instances for the logiface
// Logger.
type logifaceEventFactory struct{}

func (logifaceEventFactory) NewEvent(level logiface.Level) *logifaceEvent {
	return &logifaceEvent{level: level}
}

// LogifaceWriter receives fully-populated events for emission to whatever
// backend the caller chooses (logiface/zerolog, logiface/stumpy, a test
// double, ...). It mirrors logiface.Writer[*logifaceEvent] exactly, named
// here only to avoid forcing callers to spell out the generic instantiation.
type LogifaceWriter interface {
	Write(event *logifaceEvent) error
}

type logifaceWriterFunc func(*logifaceEvent) error

func (f logifaceWriterFunc) Write(e *logifaceEvent) error { return f(e) }

// logifaceLogger adapts a github.com/joeycumines/logiface.Logger into this
// package's Logger interface, so that structured-logging backends built on
// logiface (zerolog, stumpy, logrus, slog adapters, ...) can back every
// component's log output without those components depending on logiface
// directly.
type logifaceLogger struct {
	inner    *logiface.Logger[*logifaceEvent]
	minLevel LogLevel
}

// NewLogifaceLogger builds a Logger backed by github.com/joeycumines/logiface,
// writing through w. minLevel gates IsEnabled independently of whatever
// level logiface itself is configured with.
func NewLogifaceLogger(w LogifaceWriter, minLevel LogLevel) Logger {
	inner := logiface.New[*logifaceEvent](
		logiface.WithEventFactory[*logifaceEvent](logifaceEventFactory{}),
		logiface.WithWriter[*logifaceEvent](logifaceWriterAdapter{w}),
	)
	return &logifaceLogger{inner: inner, minLevel: minLevel}
}

type logifaceWriterAdapter struct{ w LogifaceWriter }

func (a logifaceWriterAdapter) Write(e *logifaceEvent) error { return a.w.Write(e) }

func toLogifaceLevel(l LogLevel) logiface.Level {
	switch l {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelInfo:
		return logiface.LevelInformational
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

// IsEnabled reports whether entry.Level meets this logger's minimum level.
func (l *logifaceLogger) IsEnabled(level LogLevel) bool {
	return level >= l.minLevel
}

// Log translates a LogEntry into a logiface Builder call chain and logs it.
func (l *logifaceLogger) Log(entry LogEntry) {
	if !l.IsEnabled(entry.Level) {
		return
	}
	b := l.inner.Build(toLogifaceLevel(entry.Level))
	if b == nil {
		return
	}
	if entry.Category != "" {
		b = b.Str("category", entry.Category)
	}
	if entry.SchedulerID != 0 {
		b = b.Int("scheduler_id", int(entry.SchedulerID))
	}
	if entry.FiberID != 0 {
		b = b.Int("fiber_id", int(entry.FiberID))
	}
	if entry.TimerID != 0 {
		b = b.Int("timer_id", int(entry.TimerID))
	}
	if entry.FD != 0 {
		b = b.Int("fd", entry.FD)
	}
	for k, v := range entry.Context {
		if s, ok := v.(string); ok {
			b = b.Str(k, s)
			continue
		}
		if n, ok := v.(int); ok {
			b = b.Int(k, n)
			continue
		}
	}
	if entry.Err != nil {
		b = b.Err(entry.Err)
	}
	b.Log(entry.Message)
}
