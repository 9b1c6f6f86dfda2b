package fiberloop

import (
	"sync/atomic"
)

var (
	fiberIDCounter atomic.Uint64
	liveFiberCount atomic.Int64
)

// LiveFiberCount returns the number of constructed, not-yet-destroyed
// fibers, for diagnostics/metrics.
func LiveFiberCount() int64 { return liveFiberCount.Load() }

// Fiber is a stackful coroutine: a user-scheduled execution context.
//
// Go has no swapcontext/makecontext equivalent, so "swap" is implemented
// with goroutines instead of a literal stack swap: a non-bootstrap Fiber
// owns a dedicated goroutine, parked on a channel receive whenever it is
// not EXEC. SwapIn hands that goroutine a resume token and blocks until the
// fiber yields or terminates; SwapOut (called from inside the fiber's own
// goroutine) hands control back the same way. Exactly one of {caller,
// fiber} goroutine is ever doing work at a time, which preserves the
// invariant that an EXEC fiber is pinned to exactly one host.
type Fiber struct {
	id        uint64
	state     *fiberStateBox
	stackSize int
	entry     func()
	scheduler *Scheduler // non-owning back-reference

	isBootstrap  bool
	started      atomic.Bool
	lastAffinity int

	resumeCh chan struct{}
	yieldCh  chan struct{}

	panicVal any
}

// newBootstrapFiber creates the "bootstrap" coroutine for a goroutine: no
// owned stack/goroutine of its own, must be EXEC (invariant:
// "a coroutine with no stack is the thread's bootstrap coroutine and must
// be in EXEC").
func newBootstrapFiber() *Fiber {
	f := &Fiber{
		id:          fiberIDCounter.Add(1),
		state:       newFiberStateBox(StateExec),
		isBootstrap: true,
	}
	liveFiberCount.Add(1)
	return f
}

// Construct creates a new fiber with the given entry callable. stackSize of
// 0 means "use the configured default" (the fiber.stack_size key read from
// store, or DefaultFiberStackSize when store is nil or the key is unset).
//
// Construction itself never fails in this implementation (there is no
// flat-buffer stack allocation step to fail, since Go goroutines manage
// their own growable stacks), so Construct returns only *Fiber.
func Construct(entry func(), stackSize int, store Store) *Fiber {
	if stackSize == 0 {
		stackSize = configInt(store, ConfigFiberStackSize, DefaultFiberStackSize)
	}
	f := &Fiber{
		id:        fiberIDCounter.Add(1),
		state:     newFiberStateBox(StateInit),
		stackSize: stackSize,
		entry:     entry,
		resumeCh:  make(chan struct{}),
		yieldCh:   make(chan struct{}),
	}
	liveFiberCount.Add(1)
	return f
}

// ID returns the fiber's unique monotonic identifier.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current execution state.
func (f *Fiber) State() FiberState { return f.state.Load() }

// StackSize returns the configured stack size (informational: Go manages
// real goroutine stacks itself, but this value is preserved for logging
// and metrics parity with a conventional stackful-coroutine runtime).
func (f *Fiber) StackSize() int { return f.stackSize }

// SetScheduler installs the non-owning back-reference used to re-queue this
// fiber ("non-owning pointer to the owning scheduler").
func (f *Fiber) SetScheduler(s *Scheduler) { f.scheduler = s }

// Scheduler returns the owning scheduler, if any.
func (f *Fiber) Scheduler() *Scheduler { return f.scheduler }

// Destroy releases the fiber. Must happen after reaching a terminal state;
// it is a contract violation otherwise.
func (f *Fiber) Destroy() error {
	if f.isBootstrap {
		liveFiberCount.Add(-1)
		return nil
	}
	if !f.State().IsTerminal() {
		return &ContractViolation{Op: "Destroy", Message: "fiber must be TERM or EXCEPTION before destroy"}
	}
	liveFiberCount.Add(-1)
	return nil
}

// Reset rearms a terminal (or never-started) fiber with a new entry
// callable. Legal only from {INIT, TERM, EXCEPTION}
func (f *Fiber) Reset(entry func()) error {
	switch f.State() {
	case StateInit, StateTerm, StateException:
	default:
		return ErrFiberNotResettable
	}
	f.entry = entry
	f.started.Store(false)
	f.resumeCh = make(chan struct{})
	f.yieldCh = make(chan struct{})
	f.panicVal = nil
	f.state.Store(StateInit)
	return nil
}

// SwapIn transfers control to this fiber: requires state in {INIT, READY,
// HOLD}, sets state EXEC, and blocks the
// caller until the fiber yields or terminates. dispatchFiber is the
// caller-side anchor to restore as "current" once control returns (the
// scheduler's dispatch fiber for worker goroutines, or the bootstrap fiber
// in use-caller/Call mode).
func (f *Fiber) SwapIn(dispatchFiber *Fiber) error {
	switch f.State() {
	case StateInit, StateReady, StateHold:
	default:
		return ErrFiberBusy
	}
	f.state.Store(StateExec)

	a := currentAnchor()
	a.mu.Lock()
	a.current = f
	scheduler := a.scheduler
	hooksEnabled := a.hooksEnabled
	a.mu.Unlock()

	if !f.started.Swap(true) {
		// The fiber's own dedicated goroutine starts with a blank anchor;
		// it must inherit the caller's scheduler/hooksEnabled so that
		// HooksEnabled/CurrentScheduler/CurrentReactor resolve correctly
		// from inside entry, for the fiber's entire lifetime (it is never
		// respawned on a resume, only its first SwapIn goes through here).
		go f.run(scheduler, dispatchFiber, hooksEnabled)
	} else {
		f.resumeCh <- struct{}{}
	}

	<-f.yieldCh

	a.mu.Lock()
	a.current = dispatchFiber
	a.mu.Unlock()

	return nil
}

// run is the fiber's dedicated goroutine body: the entry trampoline. It
// sets this goroutine's own thread-local
// anchor (so that Current()/YieldToHold()/YieldToReady() called from
// inside entry resolve to this fiber), inheriting the scheduler/
// dispatchFiber/hooksEnabled that governed the caller which first swapped
// into it (so HooksEnabled/CurrentScheduler/CurrentReactor see the same
// answer inside the fiber body as in the dispatch loop that drives it),
// invokes entry with panic recovery, sets the terminal state, and signals
// completion.
func (f *Fiber) run(scheduler *Scheduler, dispatchFiber *Fiber, hooksEnabled bool) {
	gid := goroutineID()
	a := anchorFor(gid)
	a.mu.Lock()
	a.current = f
	a.scheduler = scheduler
	a.dispatchFiber = dispatchFiber
	a.hooksEnabled = hooksEnabled
	a.mu.Unlock()
	defer releaseAnchor(gid)

	func() {
		defer func() {
			if r := recover(); r != nil {
				f.panicVal = r
				f.state.Store(StateException)
				logFiberFailure(f, r)
			}
		}()
		f.entry()
		if f.state.Load() != StateException {
			f.state.Store(StateTerm)
		}
	}()

	f.entry = nil // release the callable
	f.yieldCh <- struct{}{}
}

func logFiberFailure(f *Fiber, r any) {
	lg := getGlobalLogger()
	if !lg.IsEnabled(LevelError) {
		return
	}
	var err error
	if e, ok := r.(error); ok {
		err = e
	} else {
		err = WrapError("fiber.entry", errAny{r})
	}
	lg.Log(LogEntry{
		Level:     LevelError,
		Category:  "fiber",
		FiberID:   int64(f.id),
		Message:   "entry callable failed",
		Err:       err,
		Timestamp: logTimestamp(),
	})
}

// errAny adapts an arbitrary recovered panic value to the error interface.
type errAny struct{ v any }

func (e errAny) Error() string {
	if s, ok := e.v.(string); ok {
		return s
	}
	return "panic: non-error value"
}

// SwapOut is called from inside the fiber's own goroutine to yield control
// back to whoever called SwapIn. Requires the fiber to own a stack (not be
// bootstrap) The caller is responsible for having
// already set the desired post-yield state (typically HOLD).
func (f *Fiber) SwapOut() error {
	if f.isBootstrap {
		return ErrBootstrapSwapOut
	}
	f.yieldCh <- struct{}{}
	<-f.resumeCh
	return nil
}

// Call enters this fiber from the calling goroutine's bootstrap fiber: the
// "use_caller" variant of SwapIn, used when the scheduler instance is
// hosted on the caller goroutine.
func (f *Fiber) Call() error {
	return f.SwapIn(Current())
}

// Back returns control to the calling goroutine's bootstrap fiber: the
// "use_caller" variant of SwapOut.
func (f *Fiber) Back() error {
	return f.SwapOut()
}

// YieldToHold parks the fiber executing on the calling goroutine: sets its
// state to HOLD and swaps out. Only an external event (timer, I/O,
// explicit schedule) will resume it
func YieldToHold() error {
	f := Current()
	if f.isBootstrap {
		return ErrBootstrapSwapOut
	}
	f.state.Store(StateHold)
	return f.SwapOut()
}

// YieldToReady parks the fiber executing on the calling goroutine in the
// READY state and swaps out. It does not itself re-enqueue the fiber: the
// dispatch loop that swapped into this fiber is responsible for noticing
// the READY state on return and re-scheduling it (preserving affinity),
// so that a fiber is never queued twice from two different places at once.
func YieldToReady() error {
	f := Current()
	if f.isBootstrap {
		return ErrBootstrapSwapOut
	}
	f.state.Store(StateReady)
	return f.SwapOut()
}
