package fiberloop

import "sync/atomic"

// Metrics is a small counter/gauge surface: pending events, active fibers,
// queue depth, tickles, and timer fires. Atomic counters only; values are
// surfaced through the Logger facade's Context map via Snapshot rather than
// a separate scrape endpoint.
type Metrics struct {
	pendingEvents atomic.Int64
	activeFibers  atomic.Int64
	queueDepth    atomic.Int64
	tickles       atomic.Int64
	timerFires    atomic.Int64
}

var globalMetrics Metrics

// GlobalMetrics returns the process-wide Metrics instance every component
// in this package reports through.
func GlobalMetrics() *Metrics { return &globalMetrics }

// IncPendingEvents adjusts the pending-event gauge by delta (may be negative).
func (m *Metrics) IncPendingEvents(delta int64) { m.pendingEvents.Add(delta) }

// PendingEvents returns the current pending-event gauge value.
func (m *Metrics) PendingEvents() int64 { return m.pendingEvents.Load() }

// IncActiveFibers adjusts the active-fiber gauge by delta.
func (m *Metrics) IncActiveFibers(delta int64) { m.activeFibers.Add(delta) }

// ActiveFibers returns the number of fibers currently EXEC across all
// schedulers in the process.
func (m *Metrics) ActiveFibers() int64 { return m.activeFibers.Load() }

// SetQueueDepth records the most recently observed task-queue length.
func (m *Metrics) SetQueueDepth(v int64) { m.queueDepth.Store(v) }

// QueueDepth returns the last recorded queue depth.
func (m *Metrics) QueueDepth() int64 { return m.queueDepth.Load() }

// IncTickles increments the tickle counter.
func (m *Metrics) IncTickles() { m.tickles.Add(1) }

// Tickles returns the cumulative number of tickle-pipe writes.
func (m *Metrics) Tickles() int64 { return m.tickles.Load() }

// IncTimerFires adjusts the cumulative timer-fire counter by delta.
func (m *Metrics) IncTimerFires(delta int64) { m.timerFires.Add(delta) }

// TimerFires returns the cumulative number of timer callbacks drained.
func (m *Metrics) TimerFires() int64 { return m.timerFires.Load() }

// Snapshot renders the current gauges/counters as a map suitable for
// LogEntry.Context.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"pending_events": m.PendingEvents(),
		"active_fibers":  m.ActiveFibers(),
		"queue_depth":    m.QueueDepth(),
		"tickles":        m.Tickles(),
		"timer_fires":    m.TimerFires(),
	}
}
