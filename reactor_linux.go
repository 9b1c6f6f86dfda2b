//go:build linux

package fiberloop

import (
	"golang.org/x/sys/unix"
)

// IOEvents is the readiness/interest mask used throughout the reactor and
// descriptor-table layers.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for, or of
	// interest for, reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for, or of
	// interest for, writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// linuxEpoll is the epollBackend implementation: an epoll instance plus a
// non-blocking pipe used as the tickle channel. A pipe rather than an
// eventfd: an eventfd only supports a counter, while the idle loop's
// drain-to-empty idiom reads naturally as repeated non-blocking reads.
type linuxEpoll struct {
	epfd    int
	tickleR int
	tickleW int
}

func newLinuxEpoll() (*linuxEpoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	p := &linuxEpoll{epfd: epfd, tickleR: fds[0], tickleW: fds[1]}

	if err := p.add(p.tickleR, EventRead); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		_ = unix.Close(epfd)
		return nil, err
	}

	return p, nil
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	// all registrations are edge-triggered; the reactor re-arms interest
	// explicitly after each fire.
	e |= unix.EPOLLET
	return e
}

func epollToEvents(mask uint32) IOEvents {
	var events IOEvents
	if mask&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if mask&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if mask&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if mask&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= EventHangup
	}
	return events
}

func (p *linuxEpoll) add(fd int, events IOEvents) error {
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *linuxEpoll) modify(fd int, events IOEvents) error {
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *linuxEpoll) del(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *linuxEpoll) wait(timeoutMS int, out []polledEvent) (int, error) {
	var raw [reactorEventBufSize]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, raw[:], timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n && i < len(out); i++ {
		out[i] = polledEvent{fd: int(raw[i].Fd), events: epollToEvents(raw[i].Events)}
	}
	return n, nil
}

func (p *linuxEpoll) tickleFD() int { return p.tickleR }

func (p *linuxEpoll) writeTickle() error {
	_, err := unix.Write(p.tickleW, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *linuxEpoll) drainTickle() {
	var buf [64]byte
	for {
		_, err := unix.Read(p.tickleR, buf[:])
		if err != nil {
			return
		}
	}
}

func (p *linuxEpoll) close() error {
	_ = unix.Close(p.tickleR)
	_ = unix.Close(p.tickleW)
	return unix.Close(p.epfd)
}
