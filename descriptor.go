package fiberloop

import (
	"sync"

	"golang.org/x/sys/unix"
)

// descriptorEntry is the per-fd metadata the syscall hooks consult:
// socketness (decided once, at creation, via fstat), the kernel-level
// non-blocking flag this table forces for sockets, and the user-visible
// flag the fcntl hook reports back, plus per-direction timeouts.
type descriptorEntry struct {
	mu sync.Mutex

	fd             int
	isSocket       bool
	systemNonBlock bool
	userNonBlock   bool
	closed         bool

	readTimeoutMS  int64
	writeTimeoutMS int64
}

// descriptorTable is the process-wide singleton mapping fd -> entry. The
// backing vector is direct-indexed by fd and growable rather than capped:
// an entry beyond the current capacity triggers a doubling grow, so there
// is no hard-coded fd ceiling.
type descriptorTable struct {
	mu      sync.RWMutex
	entries []*descriptorEntry
}

var globalDescriptorTable = &descriptorTable{
	entries: make([]*descriptorEntry, 256),
}

// get returns the existing entry for fd, or — if autoCreate is true and
// none exists — lazily creates one (performing the one-time fstat
// socketness check and forcing O_NONBLOCK for sockets).
func (t *descriptorTable) get(fd int, autoCreate bool) (*descriptorEntry, error) {
	if fd < 0 {
		return nil, ErrFDOutOfRange
	}

	t.mu.RLock()
	if fd < len(t.entries) && t.entries[fd] != nil {
		e := t.entries[fd]
		t.mu.RUnlock()
		return e, nil
	}
	t.mu.RUnlock()

	if !autoCreate {
		return nil, nil
	}

	return t.create(fd)
}

func (t *descriptorTable) create(fd int) (*descriptorEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd >= len(t.entries) {
		grown := make([]*descriptorEntry, max(fd+1, len(t.entries)*2))
		copy(grown, t.entries)
		t.entries = grown
	}
	if t.entries[fd] != nil {
		return t.entries[fd], nil
	}

	e := &descriptorEntry{fd: fd, readTimeoutMS: -1, writeTimeoutMS: -1}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err == nil && stat.Mode&unix.S_IFMT == unix.S_IFSOCK {
		e.isSocket = true
		if err := forceNonBlocking(fd); err == nil {
			e.systemNonBlock = true
		}
	}

	t.entries[fd] = e
	return e, nil
}

// remove drops the entry for fd, if any.
func (t *descriptorTable) remove(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= 0 && fd < len(t.entries) {
		t.entries[fd] = nil
	}
}

func forceNonBlocking(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	if flags&unix.O_NONBLOCK != 0 {
		return nil
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
	return err
}

// timeoutMS returns the direction-appropriate timeout the common I/O hook algorithm uses, defaulting to -1
// (no timeout / block indefinitely) when unset.
func (e *descriptorEntry) timeoutMS(direction ioDirection) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if direction == dirWrite {
		return e.writeTimeoutMS
	}
	return e.readTimeoutMS
}

// SetReadTimeoutMS configures the read-direction timeout (milliseconds,
// -1 for none) the Read/Recv/Accept hooks apply to this fd.
func (e *descriptorEntry) SetReadTimeoutMS(ms int64) {
	e.mu.Lock()
	e.readTimeoutMS = ms
	e.mu.Unlock()
}

// SetWriteTimeoutMS configures the write-direction timeout (milliseconds,
// -1 for none) the Write/Send hooks apply to this fd. The Connect hook uses
// its own timeout argument instead.
func (e *descriptorEntry) SetWriteTimeoutMS(ms int64) {
	e.mu.Lock()
	e.writeTimeoutMS = ms
	e.mu.Unlock()
}
