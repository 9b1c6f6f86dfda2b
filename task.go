package fiberloop

// AnyWorker is the thread-affinity sentinel meaning "any worker may run
// this task".
const AnyWorker = -1

// Task is a scheduling unit carrying either a Fiber reference or a raw
// callable (wrapped into a Fiber on first dispatch), plus a thread-affinity
// hint.
type Task struct {
	// Fiber, if non-nil, is the fiber to resume. Mutually exclusive with
	// Runnable.
	Fiber *Fiber

	// Runnable, if Fiber is nil, is the callable to wrap into a fresh
	// fiber on first dispatch.
	Runnable func()

	// Affinity is AnyWorker (-1) or the worker id that must run this task.
	Affinity int
}

func (t Task) isZero() bool {
	return t.Fiber == nil && t.Runnable == nil
}
