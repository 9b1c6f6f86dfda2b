// Package fiberloop is a user-space M:N concurrency runtime: stackful
// fibers multiplexed over a fixed pool of goroutines, cooperatively
// scheduled and driven by a single-reactor I/O event loop with a timer
// facility.
//
// # Components
//
//   - Fiber (fiber.go, state.go): a stackful coroutine. Go has no
//     swapcontext/makecontext equivalent, so each non-bootstrap Fiber owns a
//     dedicated goroutine parked on a channel handoff; SwapIn/SwapOut (and
//     the use-caller variants Call/Back) preserve the swap-based external
//     contract without a real stack swap.
//   - Scheduler (scheduler.go, queue.go): a worker-goroutine pool and FIFO
//     task queue with affinity-aware dispatch.
//   - TimerManager (timer.go): an ordered set of absolute-deadline timers
//     with cancel/reset/refresh and weak-condition timers.
//   - Reactor (reactor.go, reactor_linux.go): an epoll-backed I/O manager
//     that embeds a Scheduler and a TimerManager, parking fibers on fd
//     readiness and waking them from the idle dispatch loop.
//   - Descriptor table and hooks (descriptor.go, hooks_linux.go): per-fd
//     metadata plus syscall-interception-style wrapper functions that
//     transparently convert blocking-looking I/O into cooperative
//     suspensions.
//
// Ambient concerns — structured logging (logging.go,
// logifaceadapter.go), error types (errors.go), configuration (config.go),
// and metrics (metrics.go) — are named throughout the core but never
// required to use it: a component that accepts a Logger or Store falls back
// to the package-level logger (a no-op by default) or to the built-in
// default values when none is supplied.
package fiberloop
