package fiberloop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
)

// ioDirection distinguishes the read and write interest sides of an fd,
// mirroring the READ/WRITE split threaded through AddEvent/RemoveEvent/
// CancelEvent.
type ioDirection int

const (
	dirRead ioDirection = iota
	dirWrite
)

// eventHandler is what fires when an fd becomes ready in a given direction:
// either a specific callback, or (the common case) the fiber that parked
// itself waiting on the event, to be resumed on its owning scheduler.
type eventHandler struct {
	scheduler *Scheduler
	fiber     *Fiber
	callback  func()
}

func (h *eventHandler) isZero() bool {
	return h == nil || (h.fiber == nil && h.callback == nil)
}

// fdContext holds the per-fd registration state the reactor tracks: which
// directions are currently of interest to epoll, and the handler armed for
// each.
type fdContext struct {
	mu       sync.Mutex
	interest IOEvents
	read     *eventHandler
	write    *eventHandler
	inUse    bool
}

// epollBackend is the narrow contract the Reactor needs from the OS poller,
// keeping the syscall surface confined to reactor_linux.go. Implemented by
// *linuxEpoll.
type epollBackend interface {
	add(fd int, events IOEvents) error
	modify(fd int, events IOEvents) error
	del(fd int) error
	wait(timeoutMS int, buf []polledEvent) (int, error)
	tickleFD() int
	writeTickle() error
	drainTickle()
	close() error
}

// polledEvent is a single (fd, ready-mask) pair returned by epollBackend.wait.
type polledEvent struct {
	fd     int
	events IOEvents
}

const reactorMaxWaitMS = 1000
const reactorEventBufSize = 64

// Reactor is the epoll-backed I/O manager. It embeds a Scheduler and a
// TimerManager and installs itself as the Scheduler's SchedulerHooks so
// that Idle, Tickle, and StopPredicate all become I/O-aware.
type Reactor struct {
	*Scheduler
	*TimerManager

	poller epollBackend

	fds   []*fdContext
	fdsMu sync.RWMutex

	pendingEvents atomic.Int64
	idleWorkers   atomic.Int32

	tickleLimiter  *catrate.Limiter
	pollErrLimiter *catrate.Limiter

	closed atomic.Bool
}

// NewReactor constructs a Reactor with workerCount dispatch workers. Use
// the resulting value's embedded Scheduler for Start/Stop/Schedule.
func NewReactor(workerCount int, useCaller bool, name string, store Store, logger Logger) (*Reactor, error) {
	if logger == nil {
		logger = getGlobalLogger()
	}
	poller, err := newLinuxEpoll()
	if err != nil {
		return nil, &ResourceError{Op: "Reactor.epoll_create1", Cause: err}
	}

	r := &Reactor{
		Scheduler:    NewScheduler(workerCount, useCaller, name, store, logger),
		TimerManager: NewTimerManager(logger),
		poller:       poller,
		fds:          make([]*fdContext, 256),

		// Tickle-storm guard: a misbehaving timer producer (e.g. a tight
		// Reset/Refresh loop) should not be able to spin every idle worker
		// into a hot write-to-pipe loop. 200/sec caps the pathological case
		// without starving legitimate wakeups.
		tickleLimiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 200,
		}),
		// Poll-error log entries (e.g. a transient EMFILE from epoll_wait)
		// are throttled the same way, so a flapping fd cannot flood the
		// logger. The idle loop itself retries the wait immediately.
		pollErrLimiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 50,
		}),
	}
	r.Scheduler.SetHooks(r)
	r.Scheduler.ioManager = r
	r.TimerManager.SetOnFirstInserted(r.onFirstInserted)
	return r, nil
}

func (r *Reactor) ctx(fd int) *fdContext {
	r.fdsMu.RLock()
	if fd < len(r.fds) && r.fds[fd] != nil {
		c := r.fds[fd]
		r.fdsMu.RUnlock()
		return c
	}
	r.fdsMu.RUnlock()

	r.fdsMu.Lock()
	defer r.fdsMu.Unlock()
	if fd >= len(r.fds) {
		grown := make([]*fdContext, max(fd+1, len(r.fds)*2))
		copy(grown, r.fds)
		r.fds = grown
	}
	if r.fds[fd] == nil {
		r.fds[fd] = &fdContext{}
	}
	return r.fds[fd]
}

// AddEvent registers interest in event (READ or WRITE) on fd. cb, if
// non-nil, is the callback to fire; otherwise the calling fiber itself is
// recorded as the handler and is expected to yield to HOLD immediately
// after this call returns. The park sequence holds only the fd-context
// mutex here; the yield itself happens outside any lock.
func (r *Reactor) AddEvent(fd int, direction ioDirection, event IOEvents, cb func()) error {
	c := r.ctx(fd)
	c.mu.Lock()

	slot := &c.read
	if direction == dirWrite {
		slot = &c.write
	}
	if !(*slot).isZero() {
		c.mu.Unlock()
		return &ContractViolation{Op: "AddEvent", Message: "event already registered for this fd/direction"}
	}

	handler := &eventHandler{scheduler: r.Scheduler}
	if cb != nil {
		handler.callback = cb
	} else {
		handler.fiber = Current()
	}
	*slot = handler

	wasEmpty := c.interest == 0
	c.interest |= event
	interest := c.interest
	c.mu.Unlock()

	r.pendingEvents.Add(1)
	GlobalMetrics().IncPendingEvents(1)

	var err error
	if wasEmpty {
		err = r.poller.add(fd, interest)
	} else {
		err = r.poller.modify(fd, interest)
	}
	return err
}

// RemoveEvent clears the handler for (fd, event) without firing it.
func (r *Reactor) RemoveEvent(fd int, direction ioDirection, event IOEvents) error {
	c := r.ctx(fd)
	c.mu.Lock()
	slot := &c.read
	if direction == dirWrite {
		slot = &c.write
	}
	hadHandler := !(*slot).isZero()
	*slot = nil
	c.interest &^= event
	interest := c.interest
	c.mu.Unlock()

	if hadHandler {
		r.pendingEvents.Add(-1)
		GlobalMetrics().IncPendingEvents(-1)
	}

	if interest == 0 {
		return r.poller.del(fd)
	}
	return r.poller.modify(fd, interest)
}

// CancelEvent behaves like RemoveEvent but fires the handler exactly once
// first, as if the event had become ready.
func (r *Reactor) CancelEvent(fd int, direction ioDirection, event IOEvents) error {
	c := r.ctx(fd)
	c.mu.Lock()
	slot := &c.read
	if direction == dirWrite {
		slot = &c.write
	}
	h := *slot
	*slot = nil
	c.interest &^= event
	interest := c.interest
	c.mu.Unlock()

	r.fire(h)

	if interest == 0 {
		return r.poller.del(fd)
	}
	return r.poller.modify(fd, interest)
}

// CancelAll removes fd from epoll entirely, firing both the READ and WRITE
// handlers if registered, then clears the fd's interest mask. Used by the
// close hook.
func (r *Reactor) CancelAll(fd int) error {
	c := r.ctx(fd)
	c.mu.Lock()
	read, write := c.read, c.write
	c.read, c.write = nil, nil
	hadInterest := c.interest != 0
	c.interest = 0
	c.mu.Unlock()

	r.fire(read)
	r.fire(write)

	if hadInterest {
		return r.poller.del(fd)
	}
	return nil
}

// fire resubmits the handler's coroutine or callable to its recorded
// scheduler and decrements the pending-event counter. The handler runs on
// some worker of that scheduler, not synchronously on the calling
// goroutine.
func (r *Reactor) fire(h *eventHandler) {
	if h.isZero() {
		return
	}
	r.pendingEvents.Add(-1)
	GlobalMetrics().IncPendingEvents(-1)
	if h.callback != nil {
		_ = h.scheduler.ScheduleFunc(h.callback)
		return
	}
	_, _ = h.scheduler.Schedule(Task{Fiber: h.fiber, Affinity: h.fiber.lastAffinity}, false)
}

// onFirstInserted is the TimerManager hook: tickle to shorten the next
// epoll wait, regardless of idle-worker count (unlike Tickle itself, which
// only writes when a worker might actually be asleep). Like Tickle, it is
// subject to tickleLimiter.
func (r *Reactor) onFirstInserted() {
	if _, ok := r.tickleLimiter.Allow("timer-insert"); !ok {
		return
	}
	_ = r.writeTickle()
}

// Tickle writes one byte to the tickle pipe, but only if at least one
// worker is plausibly idle; the idle loop itself drains the pipe.
func (r *Reactor) Tickle() {
	if r.idleWorkers.Load() <= 0 {
		return
	}
	if _, ok := r.tickleLimiter.Allow("tickle"); !ok {
		return
	}
	_ = r.writeTickle()
}

func (r *Reactor) writeTickle() error {
	err := r.poller.writeTickle()
	if err == nil {
		GlobalMetrics().IncTickles()
	}
	return err
}

// StopPredicate overrides the base Scheduler predicate: the reactor is
// stopped only when the base rule holds AND there are no pending events AND
// no pending timers.
func (r *Reactor) StopPredicate() bool {
	return r.Scheduler.StopPredicate() && r.pendingEvents.Load() == 0 && !r.TimerManager.HasTimer()
}

// Idle is the reactor's on_idle loop.
func (r *Reactor) Idle() {
	r.idleWorkers.Add(1)
	defer r.idleWorkers.Add(-1)

	var buf [reactorEventBufSize]polledEvent
	var timerCallbacks []func()

	for {
		if r.StopPredicate() {
			return
		}

		timeout := r.nextWaitMS()

		n, err := r.poller.wait(timeout, buf[:])
		if err != nil {
			if _, ok := r.pollErrLimiter.Allow("poll-error"); ok {
				if lg := r.loggerForPollError(); lg.IsEnabled(LevelWarn) {
					lg.Log(LogEntry{Level: LevelWarn, Category: "reactor", Message: "poll error", Err: err})
				}
			}
			continue
		}

		timerCallbacks = r.TimerManager.DrainExpired(timerCallbacks[:0])
		if len(timerCallbacks) > 0 {
			tasks := make([]Task, len(timerCallbacks))
			for i, cb := range timerCallbacks {
				tasks[i] = Task{Runnable: cb, Affinity: AnyWorker}
			}
			_ = r.Scheduler.ScheduleBulk(tasks)
		}

		for i := 0; i < n; i++ {
			r.handlePolledEvent(buf[i])
		}

		if err := YieldToReady(); err != nil {
			return
		}
	}
}

func (r *Reactor) nextWaitMS() int {
	ms := r.TimerManager.NextTimeoutMS()
	if ms < 0 {
		return reactorMaxWaitMS
	}
	if ms > reactorMaxWaitMS {
		return reactorMaxWaitMS
	}
	return int(ms)
}

func (r *Reactor) handlePolledEvent(ev polledEvent) {
	if ev.fd == r.poller.tickleFD() {
		r.poller.drainTickle()
		return
	}

	c := r.ctx(ev.fd)
	c.mu.Lock()

	real := ev.events
	if real&(EventHangup|EventError) != 0 {
		real |= EventRead | EventWrite
	}
	real &= c.interest
	if real == 0 {
		c.mu.Unlock()
		return
	}

	var read, write *eventHandler
	newInterest := c.interest &^ real
	if real&EventRead != 0 {
		read, c.read = c.read, nil
	}
	if real&EventWrite != 0 {
		write, c.write = c.write, nil
	}
	c.interest = newInterest
	c.mu.Unlock()

	if newInterest == 0 {
		_ = r.poller.del(ev.fd)
	} else {
		_ = r.poller.modify(ev.fd, newInterest)
	}

	if real&EventRead != 0 {
		r.fire(read)
	}
	if real&EventWrite != 0 {
		r.fire(write)
	}
}

func (r *Reactor) loggerForPollError() Logger {
	return getGlobalLogger()
}

// Close tears down the epoll instance and tickle pipe. Must be called after
// Stop.
func (r *Reactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrReactorClosed
	}
	return r.poller.close()
}
