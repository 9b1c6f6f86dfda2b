package fiberloop

import (
	"errors"
	"fmt"
)

// Standard errors returned by the runtime.
var (
	// ErrSchedulerTerminated is returned when Schedule is called on a
	// scheduler that has already stopped.
	ErrSchedulerTerminated = errors.New("fiberloop: scheduler is terminated")

	// ErrFiberNotResettable is returned by Fiber.Reset when the fiber is
	// not in a state that permits reset (must be INIT, TERM, or EXCEPTION).
	ErrFiberNotResettable = errors.New("fiberloop: fiber cannot be reset from its current state")

	// ErrFiberBusy is returned when SwapIn is attempted on a fiber that is
	// not in INIT, READY or HOLD: one already EXEC, or one in a terminal
	// state.
	ErrFiberBusy = errors.New("fiberloop: fiber is already executing")

	// ErrBootstrapSwapOut is returned when SwapOut is attempted on a
	// bootstrap fiber (one with no owned stack/goroutine of its own).
	ErrBootstrapSwapOut = errors.New("fiberloop: bootstrap fiber cannot swap out")

	// ErrFDClosed describes a descriptor whose entry has been marked closed.
	// The hooks report that case as unix.EBADF, not as this error.
	ErrFDClosed = errors.New("fiberloop: file descriptor is closed")

	// ErrFDAlreadyRegistered describes an attempt to add an interest that is
	// already registered for an fd. Reactor.AddEvent reports that case as a
	// *ContractViolation, not as this error.
	ErrFDAlreadyRegistered = errors.New("fiberloop: fd already has this event registered")

	// ErrFDOutOfRange is returned by the descriptor table for a negative fd.
	// The table grows on demand, so there is no upper bound.
	ErrFDOutOfRange = errors.New("fiberloop: fd out of supported range")

	// ErrReactorClosed is returned by Reactor.Close when the reactor has
	// already been closed.
	ErrReactorClosed = errors.New("fiberloop: reactor is closed")

	// ErrTimerCancelled is returned by handle operations on an
	// already-cancelled timer.
	ErrTimerCancelled = errors.New("fiberloop: timer already cancelled")
)

// ContractViolation marks an error as a programmer-contract violation:
// Reactor.AddEvent returns it for a double registration of the same
// fd/event, and Fiber.Destroy for a fiber that has not reached a terminal
// state. (A reset of a running fiber and a swap-in of an EXEC fiber are
// reported as ErrFiberNotResettable and ErrFiberBusy.) These are fatal to
// the calling goroutine by convention (callers should panic, not retry).
type ContractViolation struct {
	Op      string
	Message string
}

// Error implements the error interface.
func (e *ContractViolation) Error() string {
	return fmt.Sprintf("fiberloop: contract violation in %s: %s", e.Op, e.Message)
}

// ResourceError represents resource exhaustion (stack allocation, epoll
// create, pipe create, goroutine spawn failure) raised synchronously at the
// originating call
type ResourceError struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *ResourceError) Error() string {
	return fmt.Sprintf("fiberloop: resource exhaustion in %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for use with errors.Is and errors.As.
func (e *ResourceError) Unwrap() error {
	return e.Cause
}

// TimeoutError describes an operation that expired before it completed.
// The syscall hooks report their timeouts as unix.ETIMEDOUT, not as this
// type.
type TimeoutError struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Op == "" {
		return "fiberloop: operation timed out"
	}
	return fmt.Sprintf("fiberloop: %s timed out", e.Op)
}

// Unwrap returns the underlying cause for use with errors.Is and errors.As.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// WrapError wraps an error with an operation name, preserving the cause
// chain for errors.Is/errors.As.
func WrapError(op string, cause error) error {
	return fmt.Errorf("fiberloop: %s: %w", op, cause)
}
