//go:build linux

package fiberloop

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Syscall interception via dlsym/LD_PRELOAD-style symbol resolution has no
// portable Go equivalent: Go binaries call into the kernel directly through
// golang.org/x/sys/unix, not through a dynamically interposable libc. This
// layer keeps the same contract — every hooked call either returns
// immediately or parks the calling fiber and retries on resume — but
// exposes it as ordinary exported wrapper functions over
// golang.org/x/sys/unix. Callers that want transparent interception write
// their I/O against these functions instead of the os/net package
// equivalents.

// timerInfo is the sentinel a hook arms its timeout condition timer
// against: the timeout callback writes into it, and the parked fiber reads
// it back on resume. Held strongly by the parked fiber's own stack frame
// for the duration of the park, so the weak condition timer always observes
// it alive until the fiber itself moves on.
type timerInfo struct {
	cancelled atomic.Int32 // 0 = not cancelled; else the errno to surface
}

func directionEvent(d ioDirection) IOEvents {
	if d == dirWrite {
		return EventWrite
	}
	return EventRead
}

// retryWithPark is the common I/O hook retry loop: call try; retry on
// EINTR; on EAGAIN, arm an optional condition timer, register this fiber as
// the (fd, direction) handler, and yield to HOLD; on resume, cancel the
// timer and either surface ETIMEDOUT or retry.
func retryWithPark(fd int, direction ioDirection, timeoutMS int64, try func() (int, error)) (int, error) {
	for {
		n, err := try()
		if err == nil {
			return n, nil
		}
		errno, ok := err.(unix.Errno)
		if !ok {
			return n, err
		}
		if errno == unix.EINTR {
			continue
		}
		if errno != unix.EAGAIN && errno != unix.EWOULDBLOCK {
			return n, err
		}

		reactor := CurrentReactor()
		if reactor == nil {
			// No reactor on this goroutine: nothing to park against, so
			// surface EAGAIN to the caller as an ordinary non-blocking
			// result rather than spin-retrying forever.
			return n, err
		}

		info := &timerInfo{}
		var handle *TimerHandle
		if timeoutMS >= 0 {
			handle = AddConditionTimer(reactor.TimerManager, timeoutMS, func() {
				info.cancelled.Store(int32(unix.ETIMEDOUT))
				_ = reactor.CancelEvent(fd, direction, directionEvent(direction))
			}, info, false)
		}

		if aerr := reactor.AddEvent(fd, direction, directionEvent(direction), nil); aerr != nil {
			if handle != nil {
				_ = handle.Cancel()
			}
			return n, aerr
		}

		_ = YieldToHold()

		if handle != nil {
			_ = handle.Cancel()
		}
		if c := info.cancelled.Load(); c != 0 {
			return -1, unix.Errno(c)
		}
		// otherwise: real readiness (or a spurious wake) — loop and retry.
	}
}

// hookIO is the interception gate shared by every read/write-like hook:
// only intercept for managed, blocking-mode sockets; otherwise defer
// straight to try.
func hookIO(fd int, direction ioDirection, try func() (int, error)) (int, error) {
	if !HooksEnabled() {
		return try()
	}
	entry, err := globalDescriptorTable.get(fd, false)
	if err != nil || entry == nil {
		return try()
	}
	entry.mu.Lock()
	closed := entry.closed
	isSocket := entry.isSocket
	userNonBlock := entry.userNonBlock
	entry.mu.Unlock()
	if closed {
		return -1, unix.EBADF
	}
	if !isSocket || userNonBlock {
		return try()
	}
	return retryWithPark(fd, direction, entry.timeoutMS(direction), try)
}

// Read is the hooked read(2): reads into p, transparently parking the
// calling fiber on (fd, READ) if it would block.
func Read(fd int, p []byte) (int, error) {
	return hookIO(fd, dirRead, func() (int, error) { return unix.Read(fd, p) })
}

// Write is the hooked write(2).
func Write(fd int, p []byte) (int, error) {
	return hookIO(fd, dirWrite, func() (int, error) { return unix.Write(fd, p) })
}

// Readv is the hooked readv(2).
func Readv(fd int, iovs [][]byte) (int, error) {
	return hookIO(fd, dirRead, func() (int, error) { return unix.Readv(fd, iovs) })
}

// Writev is the hooked writev(2).
func Writev(fd int, iovs [][]byte) (int, error) {
	return hookIO(fd, dirWrite, func() (int, error) { return unix.Writev(fd, iovs) })
}

// Recv is the hooked recv(2) (via recvfrom with a nil peer).
func Recv(fd int, p []byte, flags int) (int, error) {
	return hookIO(fd, dirRead, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, p, flags)
		return n, err
	})
}

// Send is the hooked send(2) (via sendto with a nil peer).
func Send(fd int, p []byte, flags int) (int, error) {
	return hookIO(fd, dirWrite, func() (int, error) {
		err := unix.Sendto(fd, p, flags, nil)
		return len(p), err
	})
}

// RecvFrom is the hooked recvfrom(2).
func RecvFrom(fd int, p []byte, flags int) (n int, from unix.Sockaddr, err error) {
	n, err = hookIO(fd, dirRead, func() (int, error) {
		nn, s, e := unix.Recvfrom(fd, p, flags)
		from = s
		return nn, e
	})
	return
}

// SendTo is the hooked sendto(2).
func SendTo(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return hookIO(fd, dirWrite, func() (int, error) {
		err := unix.Sendto(fd, p, flags, to)
		return len(p), err
	})
}

// RecvMsg is the hooked recvmsg(2).
func RecvMsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	_, err = hookIO(fd, dirRead, func() (int, error) {
		var e error
		n, oobn, recvflags, from, e = unix.Recvmsg(fd, p, oob, flags)
		return n, e
	})
	return
}

// SendMsg is the hooked sendmsg(2).
func SendMsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return hookIO(fd, dirWrite, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}

// Connect is the hooked connect(2). timeoutMS is the connect-timeout
// (ordinarily configInt(store, ConfigTCPConnectTimeout, ...)); -1 means no
// timeout.
func Connect(fd int, sa unix.Sockaddr, timeoutMS int64) error {
	if !HooksEnabled() {
		return unix.Connect(fd, sa)
	}
	entry, eerr := globalDescriptorTable.get(fd, false)
	if eerr != nil || entry == nil {
		return unix.Connect(fd, sa)
	}
	entry.mu.Lock()
	isSocket := entry.isSocket
	userNonBlock := entry.userNonBlock
	entry.mu.Unlock()
	if !isSocket || userNonBlock {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	reactor := CurrentReactor()
	if reactor == nil {
		return err
	}

	info := &timerInfo{}
	var handle *TimerHandle
	if timeoutMS >= 0 {
		handle = AddConditionTimer(reactor.TimerManager, timeoutMS, func() {
			info.cancelled.Store(int32(unix.ETIMEDOUT))
			_ = reactor.CancelEvent(fd, dirWrite, EventWrite)
		}, info, false)
	}

	if aerr := reactor.AddEvent(fd, dirWrite, EventWrite, nil); aerr != nil {
		if handle != nil {
			_ = handle.Cancel()
		}
		return aerr
	}

	_ = YieldToHold()

	if handle != nil {
		_ = handle.Cancel()
	}
	if c := info.cancelled.Load(); c != 0 {
		return unix.Errno(c)
	}

	soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// ConnectWithStore reads the tcp.connect.timeout configuration value from
// store and delegates to Connect.
func ConnectWithStore(fd int, sa unix.Sockaddr, store Store) error {
	timeoutMS := int64(configInt(store, ConfigTCPConnectTimeout, DefaultTCPConnectTimeout))
	return Connect(fd, sa, timeoutMS)
}

// sleepHook parks the calling fiber for d by arming a one-shot timer that
// re-schedules it, rather than blocking the underlying goroutine (and
// therefore the OS thread it may be sharing with other fibers).
func sleepHook(d time.Duration) error {
	if !HooksEnabled() {
		time.Sleep(d)
		return nil
	}
	reactor := CurrentReactor()
	if reactor == nil {
		time.Sleep(d)
		return nil
	}
	f := Current()
	sched := f.Scheduler()
	if sched == nil {
		sched = CurrentScheduler()
	}
	ms := d.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	reactor.TimerManager.AddTimer(ms, func() {
		_, _ = sched.Schedule(Task{Fiber: f, Affinity: f.lastAffinity}, false)
	}, false)
	return YieldToHold()
}

// Sleep is the hooked sleep(3) family entry point, taking a time.Duration
// rather than the POSIX seconds/microseconds/timespec split (Usleep and
// Nanosleep are thin convenience wrappers over the same primitive).
func Sleep(d time.Duration) error { return sleepHook(d) }

// Usleep is the hooked usleep(3): sleeps for the given number of
// microseconds.
func Usleep(microseconds int64) error {
	return sleepHook(time.Duration(microseconds) * time.Microsecond)
}

// Nanosleep is the hooked nanosleep(2): sleeps for the given number of
// nanoseconds.
func Nanosleep(nanoseconds int64) error {
	return sleepHook(time.Duration(nanoseconds))
}

// Socket is the hooked socket(2): creates the fd and registers a
// descriptor-table entry for it (performing the one-time fstat/O_NONBLOCK
// setup for sockets).
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return fd, err
	}
	if _, cerr := globalDescriptorTable.create(fd); cerr != nil {
		return fd, cerr
	}
	return fd, nil
}

// RegisterFD adds a descriptor-table entry for an fd obtained outside the
// Socket/Accept hooks (unix.Socketpair, a listener inherited from outside
// the runtime, ...), so that subsequent Read/Write/Recv/Send/... calls on
// it park on the reactor instead of falling back to the real syscall.
func RegisterFD(fd int) error {
	_, err := globalDescriptorTable.create(fd)
	return err
}

// Accept is the hooked accept(2): runs the common algorithm in the READ
// direction, registering a descriptor-table entry for the newly accepted
// fd on success.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var peer unix.Sockaddr
	n, err := hookIO(fd, dirRead, func() (int, error) {
		nfd, sa, e := unix.Accept4(fd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
		peer = sa
		return nfd, e
	})
	if err != nil {
		return -1, nil, err
	}
	if _, cerr := globalDescriptorTable.create(n); cerr != nil {
		return n, peer, cerr
	}
	return n, peer, nil
}

// Close is the hooked close(2): cancels all pending events for fd on the
// current reactor (firing both handlers, if any), marks the
// descriptor-table entry closed (so a hook that already holds this entry's
// pointer from a concurrent hookIO/Connect call sees EBADF rather than
// racing the real close), drops the entry, then calls the real close.
func Close(fd int) error {
	if reactor := CurrentReactor(); reactor != nil {
		_ = reactor.CancelAll(fd)
	}
	if entry, _ := globalDescriptorTable.get(fd, false); entry != nil {
		entry.mu.Lock()
		entry.closed = true
		entry.mu.Unlock()
	}
	globalDescriptorTable.remove(fd)
	return unix.Close(fd)
}

// Fcntl is the hooked fcntl(2). For F_SETFL with O_NONBLOCK, it records
// the user's intent in the descriptor entry while always programming the
// kernel to keep O_NONBLOCK set for managed sockets. For F_GETFL, it
// overlays the user-declared bit onto the real kernel flags so callers see
// what they last asked for, not the kernel-forced value.
func Fcntl(fd int, cmd int, arg int) (int, error) {
	switch cmd {
	case unix.F_SETFL:
		entry, err := globalDescriptorTable.get(fd, false)
		if err == nil && entry != nil {
			entry.mu.Lock()
			isSocket := entry.isSocket
			if isSocket {
				entry.userNonBlock = arg&unix.O_NONBLOCK != 0
			}
			entry.mu.Unlock()
			if isSocket {
				return unix.FcntlInt(uintptr(fd), unix.F_SETFL, arg|unix.O_NONBLOCK)
			}
		}
		return unix.FcntlInt(uintptr(fd), unix.F_SETFL, arg)
	case unix.F_GETFL:
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err != nil {
			return flags, err
		}
		entry, gerr := globalDescriptorTable.get(fd, false)
		if gerr == nil && entry != nil {
			entry.mu.Lock()
			isSocket := entry.isSocket
			userNonBlock := entry.userNonBlock
			entry.mu.Unlock()
			if isSocket {
				if userNonBlock {
					flags |= unix.O_NONBLOCK
				} else {
					flags &^= unix.O_NONBLOCK
				}
			}
		}
		return flags, nil
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// Ioctl is the hooked ioctl(2). There is no readiness to park on for
// ioctl, so this is a direct passthrough.
func Ioctl(fd int, request uint, arg uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(request), arg)
	if errno != 0 {
		return int(r), errno
	}
	return int(r), nil
}

// SetsockoptTimeval is the hooked setsockopt(2) for SO_RCVTIMEO/SO_SNDTIMEO:
// in addition to calling the real setsockopt, it updates the descriptor
// entry's read/write timeout fields (converted to milliseconds) that the
// common I/O hook algorithm reads.
func SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	err := unix.SetsockoptTimeval(fd, level, opt, tv)
	if err != nil {
		return err
	}
	if level != unix.SOL_SOCKET || (opt != unix.SO_RCVTIMEO && opt != unix.SO_SNDTIMEO) {
		return nil
	}
	entry, eerr := globalDescriptorTable.get(fd, false)
	if eerr != nil || entry == nil {
		return nil
	}
	ms := int64(tv.Sec)*1000 + int64(tv.Usec)/1000
	if opt == unix.SO_RCVTIMEO {
		entry.SetReadTimeoutMS(ms)
	} else {
		entry.SetWriteTimeoutMS(ms)
	}
	return nil
}
