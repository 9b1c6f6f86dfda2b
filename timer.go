package fiberloop

import (
	"container/heap"
	"sync"
	"time"
	"weak"
)

// Timer is a single scheduled callback inside a TimerManager. index tracks
// the timer's current position in the owning heap (the standard
// container/heap pattern for supporting arbitrary removal/reinsertion); -1
// means "not in the heap".
type Timer struct {
	deadline   time.Time
	seq        uint64 // tie-break for the ordered set; see ordering note below
	index      int
	period     time.Duration
	cyclic     bool
	callback   func()
	aliveCheck func() bool // nil for an unconditional timer
	cancelled  bool
}

// TimerHandle is the caller-facing reference to a scheduled Timer,
// supporting Cancel, Reset, and Refresh.
type TimerHandle struct {
	mgr *TimerManager
	t   *Timer
}

// timerMinHeap is a min-heap ordered by (deadline, seq). The strictly
// monotonic insertion sequence as tie-break (rather than pointer identity)
// means two distinct timers can never compare equal.
type timerMinHeap []*Timer

func (h timerMinHeap) Len() int { return len(h) }

func (h timerMinHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerMinHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerMinHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerMinHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerManager is an ordered set of absolute-deadline timers supporting
// cancel/reset/refresh and weak-condition timers. Independently lockable:
// the reactor embeds one rather than inlining heap operations into its own
// dispatch loop.
type TimerManager struct {
	mu       sync.Mutex
	heap     timerMinHeap
	seqNext  uint64
	logger   Logger
	prevWall time.Time // wall-clock reading from the previous DrainExpired call; see the rollover note there

	// onFirstInserted, if set, is called (with the manager's lock held, so it
	// must not call back into the manager) whenever a timer is inserted and
	// it becomes the new earliest deadline —
	// this is how the reactor knows to interrupt an in-progress poll wait.
	onFirstInserted func()
}

// NewTimerManager constructs an empty TimerManager.
func NewTimerManager(logger Logger) *TimerManager {
	if logger == nil {
		logger = getGlobalLogger()
	}
	return &TimerManager{
		heap:   make(timerMinHeap, 0),
		logger: logger,
	}
}

// SetOnFirstInserted installs the earliest-deadline-changed callback.
func (m *TimerManager) SetOnFirstInserted(fn func()) {
	m.mu.Lock()
	m.onFirstInserted = fn
	m.mu.Unlock()
}

// insertLocked pushes t onto the heap and, if it became the new earliest
// deadline, invokes onFirstInserted after releasing nothing (caller already
// holds mu; the hook itself must not reacquire it).
func (m *TimerManager) insertLocked(t *Timer) {
	wasEarliest := len(m.heap) == 0 || t.deadline.Before(m.heap[0].deadline)
	heap.Push(&m.heap, t)
	if wasEarliest && m.onFirstInserted != nil {
		m.onFirstInserted()
	}
}

// AddTimer schedules callback to run after periodMS milliseconds, repeating
// every periodMS if cyclic is true.
func (m *TimerManager) AddTimer(periodMS int64, callback func(), cyclic bool) *TimerHandle {
	return m.addTimer(periodMS, callback, nil, cyclic)
}

// AddConditionTimer schedules callback to run after periodMS milliseconds,
// but only if condition is still reachable at fire time; otherwise the
// callback is silently skipped ("do not fire" — consistent with the
// condition being observed via a best-effort, lockless read at fire time,
// not a guaranteed-atomic check-then-act). A package-level generic function
// rather than a method, since Go methods cannot carry their own type
// parameters.
func AddConditionTimer[T any](m *TimerManager, periodMS int64, callback func(), condition *T, cyclic bool) *TimerHandle {
	wp := weak.Make(condition)
	aliveCheck := func() bool { return wp.Value() != nil }
	return m.addTimer(periodMS, callback, aliveCheck, cyclic)
}

func (m *TimerManager) addTimer(periodMS int64, callback func(), aliveCheck func() bool, cyclic bool) *TimerHandle {
	period := time.Duration(periodMS) * time.Millisecond
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqNext++
	t := &Timer{
		deadline:   time.Now().Add(period),
		seq:        m.seqNext,
		period:     period,
		cyclic:     cyclic,
		callback:   callback,
		aliveCheck: aliveCheck,
	}
	m.insertLocked(t)
	return &TimerHandle{mgr: m, t: t}
}

// NextTimeoutMS returns 0 if the earliest timer is already due, -1 if there
// are no timers (representing +infinity to callers that special-case an
// unbounded wait), else the remaining milliseconds until the earliest
// deadline.
func (m *TimerManager) NextTimeoutMS() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.heap) == 0 {
		return -1
	}
	remaining := time.Until(m.heap[0].deadline)
	if remaining <= 0 {
		return 0
	}
	ms := remaining.Milliseconds()
	if ms == 0 {
		// sub-millisecond remainder: round up so callers that treat 0 as
		// "due now" don't spin a tight busy-loop ahead of the real deadline.
		ms = 1
	}
	return ms
}

// HasTimer reports whether any timer is currently scheduled.
func (m *TimerManager) HasTimer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.heap) > 0
}

// DrainExpired moves the callbacks of every timer with deadline <= now into
// out (appended), reinserting cyclic timers with a new deadline computed
// from their period. Cancelled timers and condition timers whose weak
// condition no longer resolves are dropped without being appended.
//
// Clock-rollover defense: each call records the wall-clock reading (stripped
// of its monotonic component, since that is exactly what would mask a
// backward system-clock jump) and compares it against the previous call's.
// If the clock has jumped back by more than an hour, every timer currently
// in the heap is treated as expired and drained in this pass, regardless of
// its recorded deadline, rather than left to wait out a deadline computed
// against a clock that no longer makes sense.
func (m *TimerManager) DrainExpired(out []func()) []func() {
	now := time.Now()
	startLen := len(out)
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() { GlobalMetrics().IncTimerFires(int64(len(out) - startLen)) }()

	wallNow := now.Round(0)
	rollback := !m.prevWall.IsZero() && wallNow.Before(m.prevWall.Add(-time.Hour))
	m.prevWall = wallNow
	if rollback && m.logger.IsEnabled(LevelWarn) {
		m.logger.Log(LogEntry{Level: LevelWarn, Category: "timer", Message: "system clock jumped backward by more than an hour: expiring all pending timers"})
	}

	for len(m.heap) > 0 && (rollback || !m.heap[0].deadline.After(now)) {
		t := heap.Pop(&m.heap).(*Timer)
		if t.cancelled {
			continue
		}
		fire := true
		if t.aliveCheck != nil && !t.aliveCheck() {
			fire = false
			if m.logger.IsEnabled(LevelDebug) {
				m.logger.Log(LogEntry{Level: LevelDebug, Category: "timer", TimerID: int64(t.seq), Message: "condition timer skipped: condition no longer reachable"})
			}
		}
		if fire && t.callback != nil {
			out = append(out, t.callback)
		}
		if t.cyclic && !t.cancelled {
			t.deadline = now.Add(t.period)
			m.insertLocked(t)
		}
	}
	return out
}

// Cancel clears the handle's callback and, if the timer is still present in
// the heap, removes it in place via heap.Remove (O(log n), using the
// tracked index) rather than tombstoning — this keeps HasTimer/NextTimeoutMS
// accurate immediately instead of only after the next DrainExpired pass.
func (h *TimerHandle) Cancel() error {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	if h.t.cancelled {
		return ErrTimerCancelled
	}
	h.t.cancelled = true
	h.t.callback = nil
	if h.t.index >= 0 {
		heap.Remove(&h.mgr.heap, h.t.index)
	}
	return nil
}

// Reset updates the handle's period and reinserts it with a fresh deadline
// computed from now (fromNow=true) or from the timer's prior deadline.
func (h *TimerHandle) Reset(periodMS int64, fromNow bool) error {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	if h.t.cancelled {
		return ErrTimerCancelled
	}
	h.t.period = time.Duration(periodMS) * time.Millisecond
	base := h.t.deadline
	if fromNow {
		base = time.Now()
	}
	h.t.deadline = base.Add(h.t.period)
	return h.reinsertLocked()
}

// Refresh bumps the deadline to now+period and reinserts, leaving the
// period itself unchanged. Used by idle-timeout style consumers that want
// to push a deadline out without respecifying the period.
func (h *TimerHandle) Refresh() error {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	if h.t.cancelled {
		return ErrTimerCancelled
	}
	h.t.deadline = time.Now().Add(h.t.period)
	return h.reinsertLocked()
}

// reinsertLocked re-homes h.t at its (possibly changed) deadline: if it is
// still present in the heap, heap.Fix restores the ordering in place;
// otherwise (it already fired and was popped by DrainExpired, e.g. a
// caller racing Refresh against its own cyclic reinsertion) it is pushed
// fresh. Must be called with mgr.mu held.
func (h *TimerHandle) reinsertLocked() error {
	h.mgr.seqNext++
	h.t.seq = h.mgr.seqNext
	if h.t.index >= 0 {
		heap.Fix(&h.mgr.heap, h.t.index)
	} else {
		h.mgr.insertLocked(h.t)
	}
	return nil
}
