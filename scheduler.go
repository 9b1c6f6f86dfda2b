package fiberloop

import (
	"sync"
	"sync/atomic"
)

var schedulerIDCounter atomic.Uint64

// SchedulerHooks are the overridable behaviors of a dispatch loop: tickle,
// stop predicate, idle. Modeled as an interface implemented by either a
// bare Scheduler or the Reactor (which embeds one and overrides all three
// plus the timer-insert hook), giving virtual dispatch between scheduler
// and I/O manager without mid-lifetime type changes — the hook set is
// fixed at construction.
type SchedulerHooks interface {
	// Tickle wakes a worker that might be blocked in Idle. Default: logs.
	Tickle()

	// StopPredicate reports whether the scheduler is fully stopped: the
	// base rule is auto-stop requested AND the queue empty AND the active
	// counter zero (termination predicate).
	StopPredicate() bool

	// Idle runs when a worker finds no runnable task. Default: yield to
	// HOLD in a loop until StopPredicate is true.
	Idle()
}

// Scheduler is the multi-goroutine work queue and per-worker dispatch loop.
//
// Thread-affinity is conventionally an OS thread id. Go goroutines are not
// pinned to OS threads (the runtime multiplexes them freely), so affinity
// here is expressed in terms of a stable logical worker id
// (0..workerCount-1) assigned at Start: it still gives a task "the same
// worker every time", which is the property that matters.
type Scheduler struct {
	id          uint64
	name        string
	workerCount int
	useCaller   bool

	state *schedStateBox
	queue *taskQueue
	hooks SchedulerHooks

	active   atomic.Int32
	autoStop atomic.Bool

	store  Store
	logger Logger

	// ioManager is the owning Reactor, if this Scheduler is embedded in one
	// (set by NewReactor). nil for a bare Scheduler. Lets a hooked goroutine
	// recover the I/O manager from CurrentScheduler() alone.
	ioManager *Reactor

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewScheduler constructs a Scheduler. workerCount must be >= 1. When
// useCaller is true, the constructing goroutine is enrolled as worker 0 and
// only workerCount-1 additional goroutines are spawned by Start; the
// constructing goroutine drives worker 0's dispatch loop when Stop is
// called
func NewScheduler(workerCount int, useCaller bool, name string, store Store, logger Logger) *Scheduler {
	if workerCount < 1 {
		workerCount = 1
	}
	if logger == nil {
		logger = getGlobalLogger()
	}
	s := &Scheduler{
		id:          schedulerIDCounter.Add(1),
		name:        name,
		workerCount: workerCount,
		useCaller:   useCaller,
		state:       newSchedStateBox(),
		queue:       newTaskQueue(),
		store:       store,
		logger:      logger,
	}
	s.hooks = s // default: scheduler is its own hook implementation
	return s
}

// ID returns the scheduler's identifier, used for log correlation.
func (s *Scheduler) ID() uint64 { return s.id }

// SetHooks overrides the default SchedulerHooks implementation. Must be
// called before Start. Used by Reactor to install its epoll-aware Tickle,
// Idle, and StopPredicate.
func (s *Scheduler) SetHooks(h SchedulerHooks) { s.hooks = h }

// IOManager returns the Reactor this Scheduler is embedded in, or nil for a
// bare Scheduler.
func (s *Scheduler) IOManager() *Reactor { return s.ioManager }

// State returns the scheduler's lifecycle state.
func (s *Scheduler) State() SchedulerState { return s.state.Load() }

// Start spawns worker goroutines running the dispatch loop. Idempotent:
// repeated calls are no-ops
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		if !s.state.CompareAndSwap(SchedAwake, SchedRunning) {
			return
		}
		first := 0
		if s.useCaller {
			first = 1
		}
		for i := first; i < s.workerCount; i++ {
			s.wg.Add(1)
			workerID := i
			go func() {
				defer s.wg.Done()
				s.dispatchLoop(workerID)
			}()
		}
	})
}

// Schedule enqueues a task or raw callable. affinity AnyWorker (-1) means
// any worker; otherwise the logical worker id that must run it. instant
// pushes to the front of the queue rather than the back. Returns whether
// the queue was empty beforehand (the caller's signal for whether to
// tickle) and any terminal error.
func (s *Scheduler) Schedule(task Task, instant bool) (wasEmpty bool, err error) {
	if s.state.Load() == SchedStopped {
		return false, ErrSchedulerTerminated
	}
	if instant {
		wasEmpty = s.queue.pushFront(task)
	} else {
		wasEmpty = s.queue.pushBack(task)
	}
	if wasEmpty {
		s.hooks.Tickle()
	}
	GlobalMetrics().SetQueueDepth(int64(s.queue.length()))
	return wasEmpty, nil
}

// ScheduleFunc is a convenience wrapper around Schedule for a raw callable
// with default (any-worker, non-instant) scheduling.
func (s *Scheduler) ScheduleFunc(fn func()) error {
	_, err := s.Schedule(Task{Runnable: fn, Affinity: AnyWorker}, false)
	return err
}

// ScheduleBulk enqueues a slice of tasks under a single lock acquisition,
// "bulk schedule accepts an iterator range".
func (s *Scheduler) ScheduleBulk(tasks []Task) error {
	if s.state.Load() == SchedStopped {
		return ErrSchedulerTerminated
	}
	s.queue.pushBackBulk(tasks)
	s.hooks.Tickle()
	GlobalMetrics().SetQueueDepth(int64(s.queue.length()))
	return nil
}

// Stop requests shutdown: sets the auto-stop flag, tickles every worker
// (so any worker blocked in Idle wakes and re-checks StopPredicate), joins
// all spawned worker goroutines, and — in use-caller mode — runs worker 0's
// dispatch loop synchronously on the calling goroutine first, since that
// worker was never spawned as a separate goroutine
// ("the constructing thread is permitted to drive the scheduler via
// stop()").
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.autoStop.Store(true)
		if s.state.Load() == SchedAwake {
			s.state.Store(SchedStopped)
			return
		}
		s.state.CompareAndSwap(SchedRunning, SchedStopping)
		for i := 0; i < s.workerCount; i++ {
			s.hooks.Tickle()
		}
		if s.useCaller {
			s.dispatchLoop(0)
		}
		s.wg.Wait()
		s.state.Store(SchedStopped)
	})
}

// stopRequested reports whether Stop has been called.
func (s *Scheduler) stopRequested() bool { return s.autoStop.Load() }

// StopPredicate is the default SchedulerHooks.StopPredicate: auto-stop
// requested, queue empty, and no task currently active.
func (s *Scheduler) StopPredicate() bool {
	return s.autoStop.Load() && s.queue.length() == 0 && s.active.Load() == 0
}

// Tickle is the default SchedulerHooks.Tickle: logs at debug level. The
// base scheduler has no blocking wait to interrupt (workers that find no
// task simply loop via Idle's YieldToHold/Schedule cycle), so the default
// implementation is observational only; Reactor overrides this to write to
// its tickle pipe.
func (s *Scheduler) Tickle() {
	if s.logger.IsEnabled(LevelDebug) {
		s.logger.Log(LogEntry{Level: LevelDebug, Category: "scheduler", SchedulerID: int64(s.id), Message: "tickle"})
	}
}

// Idle is the default SchedulerHooks.Idle: yields to HOLD in a loop until
// StopPredicate is true
func (s *Scheduler) Idle() {
	for !s.hooks.StopPredicate() {
		_ = YieldToHold()
	}
}

// dispatchLoop is the per-worker dispatch loop. workerID is this worker's
// stable logical affinity id (see the note on Scheduler above).
func (s *Scheduler) dispatchLoop(workerID int) {
	gid := goroutineID()
	setHooksEnabled(true)
	bootstrap := Current()

	a := anchorFor(gid)
	a.mu.Lock()
	a.scheduler = s
	a.dispatchFiber = bootstrap
	a.mu.Unlock()
	defer releaseAnchor(gid)

	idleFiber := Construct(func() { s.hooks.Idle() }, 0, s.store)
	idleFiber.SetScheduler(s)
	idleFiber.lastAffinity = workerID

	for {
		task, ok, skippedOther := s.queue.popForWorker(workerID)
		if skippedOther {
			s.hooks.Tickle()
		}
		if ok {
			s.active.Add(1)
			GlobalMetrics().IncActiveFibers(1)
			f := task.Fiber
			if f == nil {
				f = Construct(task.Runnable, 0, s.store)
				f.SetScheduler(s)
			}
			f.lastAffinity = task.Affinity
			if !f.State().IsTerminal() {
				_ = f.SwapIn(bootstrap)
			}
			s.active.Add(-1)
			GlobalMetrics().IncActiveFibers(-1)
			switch f.State() {
			case StateReady:
				_, _ = s.Schedule(Task{Fiber: f, Affinity: f.lastAffinity}, false)
			case StateTerm, StateException:
				_ = f.Destroy()
			default:
				f.state.Store(StateHold)
			}
		} else {
			_ = idleFiber.SwapIn(bootstrap)
			if idleFiber.State().IsTerminal() {
				return
			}
		}
	}
}
