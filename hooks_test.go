//go:build linux

package fiberloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// TestHooks_SleepFairness: three fibers each call
// Sleep(1s) then record a timestamp; total wall time should be close to 1s
// (not 3s, which would indicate the sleeps were serialized), and the wake
// times should cluster tightly.
func TestHooks_SleepFairness(t *testing.T) {
	r := newTestReactor(t, 3)

	var mu sync.Mutex
	var wakes []time.Time
	var wg sync.WaitGroup
	wg.Add(3)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := r.Schedule(Task{Affinity: AnyWorker, Runnable: func() {
			defer wg.Done()
			require.NoError(t, Sleep(1*time.Second))
			mu.Lock()
			wakes = append(wakes, time.Now())
			mu.Unlock()
		}}, false)
		require.NoError(t, err)
	}

	waitGroupWithTimeout(t, &wg, 5*time.Second)
	elapsed := time.Since(start)
	require.Less(t, elapsed, 2*time.Second)

	require.Len(t, wakes, 3)
	min, max := wakes[0], wakes[0]
	for _, w := range wakes[1:] {
		if w.Before(min) {
			min = w
		}
		if w.After(max) {
			max = w
		}
	}
	require.Less(t, max.Sub(min), 200*time.Millisecond)
}

// TestHooks_ConnectTimeout: connecting to an
// unroutable address with a short timeout returns ETIMEDOUT at
// approximately the configured deadline, without blocking anything else.
func TestHooks_ConnectTimeout(t *testing.T) {
	r := newTestReactor(t, 2)

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fd)
	_, err = globalDescriptorTable.create(fd)
	require.NoError(t, err)

	// TEST-NET-3 (203.0.113.0/24, RFC 5737): reserved for documentation,
	// routers black-hole it rather than refuse, so the connect stays
	// EINPROGRESS until our own timer fires.
	sa := &unix.SockaddrInet4{Port: 81, Addr: [4]byte{203, 0, 113, 1}}

	var result error
	done := make(chan struct{})
	start := time.Now()
	_, err = r.Schedule(Task{Affinity: AnyWorker, Runnable: func() {
		result = Connect(fd, sa, 200)
		close(done)
	}}, false)
	require.NoError(t, err)

	var elapsed time.Duration
	select {
	case <-done:
		elapsed = time.Since(start)
	case <-time.After(3 * time.Second):
		t.Fatal("connect hook never returned")
	}

	require.ErrorIs(t, result, unix.ETIMEDOUT)
	require.InDelta(t, 200*time.Millisecond, elapsed, float64(300*time.Millisecond))
}

// TestHooks_ClosedDescriptorReturnsEBADF: a hook
// that still holds a closed entry's pointer (raced against Close marking it
// closed before dropping it from the table) fails fast with EBADF rather
// than attempting the real syscall.
func TestHooks_ClosedDescriptorReturnsEBADF(t *testing.T) {
	r := newTestReactor(t, 1)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	entry, err := globalDescriptorTable.create(fds[0])
	require.NoError(t, err)

	entry.mu.Lock()
	entry.closed = true
	entry.mu.Unlock()

	var result error
	done := make(chan struct{})
	_, err = r.Schedule(Task{Affinity: AnyWorker, Runnable: func() {
		buf := make([]byte, 8)
		_, result = Read(fds[0], buf)
		close(done)
	}}, false)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read never returned")
	}
	require.ErrorIs(t, result, unix.EBADF)
}

func TestHooks_FcntlRoundTripsUserNonBlockIntent(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	_, err = globalDescriptorTable.create(fds[0])
	require.NoError(t, err)

	_, err = Fcntl(fds[0], unix.F_SETFL, unix.O_NONBLOCK)
	require.NoError(t, err)

	flags, err := Fcntl(fds[0], unix.F_GETFL, 0)
	require.NoError(t, err)
	require.NotZero(t, flags&unix.O_NONBLOCK)

	kernelFlags, err := unix.FcntlInt(uintptr(fds[0]), unix.F_GETFL, 0)
	require.NoError(t, err)
	require.NotZero(t, kernelFlags&unix.O_NONBLOCK, "managed sockets always keep the kernel flag non-blocking")

	_, err = Fcntl(fds[0], unix.F_SETFL, 0)
	require.NoError(t, err)
	flags2, err := Fcntl(fds[0], unix.F_GETFL, 0)
	require.NoError(t, err)
	require.Zero(t, flags2&unix.O_NONBLOCK, "user cleared O_NONBLOCK, fcntl reports that even though the kernel keeps it set")
}

func TestHooks_SetsockoptTimevalUpdatesDescriptorEntry(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	entry, err := globalDescriptorTable.create(fds[0])
	require.NoError(t, err)

	tv := unix.NsecToTimeval((250 * time.Millisecond).Nanoseconds())
	require.NoError(t, SetsockoptTimeval(fds[0], unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv))
	require.Equal(t, int64(250), entry.timeoutMS(dirRead))
}

func TestHooks_CloseCancelsAllAndDropsEntry(t *testing.T) {
	r := newTestReactor(t, 1)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])
	_, err = globalDescriptorTable.create(fds[0])
	require.NoError(t, err)

	var fired atomic.Bool
	require.NoError(t, r.AddEvent(fds[0], dirRead, EventRead, func() { fired.Store(true) }))

	_, err = r.Schedule(Task{Affinity: AnyWorker, Runnable: func() {
		require.NoError(t, Close(fds[0]))
	}}, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fired.Load() }, time.Second, time.Millisecond)

	entry, err := globalDescriptorTable.get(fds[0], false)
	require.NoError(t, err)
	require.Nil(t, entry)
}
