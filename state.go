package fiberloop

import "sync/atomic"

// FiberState is the execution state of a Fiber.
type FiberState uint32

const (
	// StateInit is assigned at construction, before first swap-in.
	StateInit FiberState = iota
	// StateReady indicates the fiber is queued to run but not executing.
	StateReady
	// StateHold indicates the fiber yielded and is parked awaiting an
	// external event (timer, I/O readiness, explicit schedule).
	StateHold
	// StateExec indicates the fiber is currently running, pinned to
	// exactly one goroutine standing in for an OS thread.
	StateExec
	// StateTerm is a terminal state: the entry callable returned normally.
	StateTerm
	// StateException is a terminal state: the entry callable panicked or
	// failed; the failure was captured rather than propagated.
	StateException
)

// String returns a human-readable representation of the state.
func (s FiberState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateHold:
		return "HOLD"
	case StateExec:
		return "EXEC"
	case StateTerm:
		return "TERM"
	case StateException:
		return "EXCEPTION"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is TERM or EXCEPTION.
func (s FiberState) IsTerminal() bool {
	return s == StateTerm || s == StateException
}

// fiberStateBox is a lock-free state cell shared between the fiber's own
// goroutine and whichever goroutine is driving it (scheduler dispatch loop,
// or the hosting bootstrap in use-caller mode). Pure atomic CAS, no
// transition validation baked into the type itself; validation lives in
// Fiber's public methods.
type fiberStateBox struct {
	v atomic.Uint32
}

func newFiberStateBox(initial FiberState) *fiberStateBox {
	b := &fiberStateBox{}
	b.v.Store(uint32(initial))
	return b
}

func (b *fiberStateBox) Load() FiberState {
	return FiberState(b.v.Load())
}

func (b *fiberStateBox) Store(s FiberState) {
	b.v.Store(uint32(s))
}

func (b *fiberStateBox) CompareAndSwap(from, to FiberState) bool {
	return b.v.CompareAndSwap(uint32(from), uint32(to))
}

// SchedulerState is the scheduler's lifecycle state.
type SchedulerState uint32

const (
	// SchedAwake: constructed, not yet started.
	SchedAwake SchedulerState = iota
	// SchedRunning: Start has been called, workers are dispatching.
	SchedRunning
	// SchedStopping: Stop has been called, draining in-flight work.
	SchedStopping
	// SchedStopped: all workers joined.
	SchedStopped
)

func (s SchedulerState) String() string {
	switch s {
	case SchedAwake:
		return "Awake"
	case SchedRunning:
		return "Running"
	case SchedStopping:
		return "Stopping"
	case SchedStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

type schedStateBox struct {
	v atomic.Uint32
}

func newSchedStateBox() *schedStateBox {
	b := &schedStateBox{}
	b.v.Store(uint32(SchedAwake))
	return b
}

func (b *schedStateBox) Load() SchedulerState {
	return SchedulerState(b.v.Load())
}

func (b *schedStateBox) Store(s SchedulerState) {
	b.v.Store(uint32(s))
}

func (b *schedStateBox) CompareAndSwap(from, to SchedulerState) bool {
	return b.v.CompareAndSwap(uint32(from), uint32(to))
}
