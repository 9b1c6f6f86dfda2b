package fiberloop

import (
	"runtime"
	"sync"
)

// goroutineID returns the calling goroutine's runtime id, parsed out of the
// stack trace header; there is no official runtime API for it. It stands in
// for an OS thread id, since fiberloop multiplexes fibers over goroutines
// rather than real OS threads.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// threadAnchor holds the per-goroutine state a "thread-local anchor"
// covers: the currently-executing fiber, the goroutine's lazily-created
// bootstrap fiber, the current scheduler, the scheduler's dispatch fiber
// for this goroutine, and whether hooks are enabled.
type threadAnchor struct {
	mu            sync.Mutex
	current       *Fiber
	bootstrap     *Fiber
	scheduler     *Scheduler
	dispatchFiber *Fiber
	hooksEnabled  bool
}

// anchors maps goroutine id -> *threadAnchor. A single process-wide
// registry, keyed by goroutine id, stands in for genuine thread-local
// storage.
var anchors sync.Map // map[uint64]*threadAnchor

func anchorFor(gid uint64) *threadAnchor {
	if v, ok := anchors.Load(gid); ok {
		return v.(*threadAnchor)
	}
	a := &threadAnchor{}
	actual, _ := anchors.LoadOrStore(gid, a)
	return actual.(*threadAnchor)
}

func currentAnchor() *threadAnchor {
	return anchorFor(goroutineID())
}

func releaseAnchor(gid uint64) {
	anchors.Delete(gid)
}

// Current returns the fiber currently executing on the calling goroutine,
// lazily creating a bootstrap fiber if none is registered yet.
func Current() *Fiber {
	a := currentAnchor()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		return a.current
	}
	if a.bootstrap == nil {
		a.bootstrap = newBootstrapFiber()
	}
	a.current = a.bootstrap
	return a.bootstrap
}

// HooksEnabled reports whether the calling goroutine has syscall
// interception enabled. Off by default in any goroutine; turned on by the
// scheduler's dispatch loop.
func HooksEnabled() bool {
	a := currentAnchor()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hooksEnabled
}

// setHooksEnabled is called by the scheduler dispatch loop on entry.
func setHooksEnabled(enabled bool) {
	a := currentAnchor()
	a.mu.Lock()
	a.hooksEnabled = enabled
	a.mu.Unlock()
}

// CurrentScheduler returns the scheduler driving the calling goroutine's
// dispatch loop, or nil if none.
func CurrentScheduler() *Scheduler {
	a := currentAnchor()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scheduler
}

// CurrentReactor returns the I/O manager driving the calling goroutine's
// dispatch loop, or nil if there is none (a bare Scheduler, or no scheduler
// at all). The syscall hooks use this to arm condition timers and register
// event listeners.
func CurrentReactor() *Reactor {
	s := CurrentScheduler()
	if s == nil {
		return nil
	}
	return s.IOManager()
}
