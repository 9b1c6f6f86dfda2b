package fiberloop

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func forceGC() {
	runtime.GC()
	runtime.GC()
}

func TestTimerManager_AddTimerFires(t *testing.T) {
	m := NewTimerManager(nil)
	fired := make(chan struct{}, 1)
	m.AddTimer(20, func() { fired <- struct{}{} }, false)

	require.Eventually(t, func() bool {
		return drainOnce(m) > 0
	}, time.Second, time.Millisecond)

	select {
	case <-fired:
	default:
		t.Fatal("callback was not queued by DrainExpired")
	}
}

// drainOnce calls DrainExpired once and synchronously invokes any
// callbacks it returns, reporting how many fired.
func drainOnce(m *TimerManager) int {
	cbs := m.DrainExpired(nil)
	for _, cb := range cbs {
		cb()
	}
	return len(cbs)
}

func TestTimerManager_CancelBeforeDeadlinePreventsFire(t *testing.T) {
	m := NewTimerManager(nil)
	var fired atomic.Bool
	h := m.AddTimer(50, func() { fired.Store(true) }, false)
	require.NoError(t, h.Cancel())

	time.Sleep(80 * time.Millisecond)
	drainOnce(m)
	require.False(t, fired.Load())
	require.False(t, m.HasTimer())
}

func TestTimerManager_CancelTwiceReturnsError(t *testing.T) {
	m := NewTimerManager(nil)
	h := m.AddTimer(1000, func() {}, false)
	require.NoError(t, h.Cancel())
	require.ErrorIs(t, h.Cancel(), ErrTimerCancelled)
}

func TestTimerManager_ResetFromNowMovesDeadline(t *testing.T) {
	m := NewTimerManager(nil)
	h := m.AddTimer(1000, func() {}, false)
	require.NoError(t, h.Reset(20, true))

	require.Eventually(t, func() bool {
		return m.NextTimeoutMS() == 0
	}, time.Second, time.Millisecond)
}

func TestTimerManager_CyclicTimerReinserts(t *testing.T) {
	m := NewTimerManager(nil)
	var count atomic.Int32
	h := m.AddTimer(10, func() { count.Add(1) }, true)

	require.Eventually(t, func() bool {
		drainOnce(m)
		return count.Load() >= 3
	}, time.Second, time.Millisecond)

	require.NoError(t, h.Cancel())
	n := count.Load()
	time.Sleep(50 * time.Millisecond)
	drainOnce(m)
	require.Equal(t, n, count.Load())
}

func TestTimerManager_ConditionTimerSkipsWhenConditionGone(t *testing.T) {
	m := NewTimerManager(nil)
	var fired atomic.Bool

	func() {
		// 64 bytes: large enough to bypass the runtime's tiny allocator,
		// whose shared blocks can keep a weak referent alive.
		condition := new([64]byte)
		AddConditionTimer(m, 10, func() { fired.Store(true) }, condition, false)
		// condition goes out of scope at the end of this closure; force a
		// GC so the weak reference actually clears before DrainExpired.
	}()

	time.Sleep(30 * time.Millisecond)
	for i := 0; i < 5 && !fired.Load(); i++ {
		forceGC()
		drainOnce(m)
	}
	require.False(t, fired.Load())
}

func TestTimerManager_NextTimeoutMSReflectsEarliestDeadline(t *testing.T) {
	m := NewTimerManager(nil)
	require.Equal(t, int64(-1), m.NextTimeoutMS())

	m.AddTimer(500, func() {}, false)
	ms := m.NextTimeoutMS()
	require.Greater(t, ms, int64(0))
	require.LessOrEqual(t, ms, int64(500))
}

func TestTimerManager_OnFirstInsertedFiresOnNewEarliest(t *testing.T) {
	m := NewTimerManager(nil)
	var calls atomic.Int32
	m.SetOnFirstInserted(func() { calls.Add(1) })

	m.AddTimer(1000, func() {}, false)
	require.Equal(t, int32(1), calls.Load())

	// A later-deadline timer does not become the new earliest.
	m.AddTimer(2000, func() {}, false)
	require.Equal(t, int32(1), calls.Load())

	// An earlier-deadline timer does.
	m.AddTimer(10, func() {}, false)
	require.Equal(t, int32(2), calls.Load())
}
