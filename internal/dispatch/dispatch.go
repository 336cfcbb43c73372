// Package dispatch implements the single-threaded readiness dispatcher that
// is the sole scheduler on the supervisor thread (spec.md §4.2, §5). It owns
// an epoll descriptor and a dense dispatch table mapping a token to a
// logical event class; it never itself interprets device semantics — Wait
// returns the ready events, resolved to their tags, to the owner.
package dispatch

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// TagKind is the logical event class attached to a dispatch-table slot.
type TagKind int

const (
	TagExit TagKind = iota
	TagStdin
	TagDeviceHandler
	TagVmmActionRequest
	TagWriteMetrics
)

// Tag is one entry of the dispatch table (spec.md §3 "DispatchTable").
type Tag struct {
	Kind       TagKind
	DeviceIdx  int
	SubEventID int
}

// Handle is returned by AddEvent and is what RemoveEvent consumes; it
// carries the fd and the table index so removal can null the right slot.
type Handle struct {
	fd    int
	index int
}

// Dispatcher owns the epoll fd and the dispatch table. It is not safe for
// concurrent use: all mutation happens on the supervisor goroutine, per the
// "dispatch table is supervisor-local and never escapes" rule (spec.md §5).
type Dispatcher struct {
	epollFD      int
	table        []*Tag
	stdinIndex   int
	stdinEnabled bool
}

const maxEpollEvents = 64

// New creates the epoll instance and reserves slot 0 for the stdin tag,
// mirroring EpollContext::new in original_source/vmm/src/lib.rs.
func New() (*Dispatcher, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	d := &Dispatcher{
		epollFD: fd,
		table:   make([]*Tag, 1, 16),
	}
	d.stdinIndex = 0
	d.table[0] = nil
	return d, nil
}

func (d *Dispatcher) Close() error {
	return unix.Close(d.epollFD)
}

// AddEvent registers fd for readability and appends tag to the dispatch
// table, returning a handle for later removal.
func (d *Dispatcher) AddEvent(fd int, tag Tag) (Handle, error) {
	idx := len(d.table)
	d.table = append(d.table, &tag)

	// epoll_data is opaque to the kernel: we stash our dispatch-table index
	// in it rather than the fd, so EpollWait hands the index straight back.
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(idx)}

	if err := unix.EpollCtl(d.epollFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		d.table[idx] = nil
		return Handle{}, fmt.Errorf("epoll_ctl add: %w", err)
	}
	return Handle{fd: fd, index: idx}, nil
}

// RemoveEvent deregisters h's fd and nulls its table slot. It tolerates
// "already closed" failures silently, matching spec.md §4.2's contract;
// those failures only matter if epoll_ctl itself can no longer be reached.
func (d *Dispatcher) RemoveEvent(h Handle) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(h.fd)}
	err := unix.EpollCtl(d.epollFD, unix.EPOLL_CTL_DEL, h.fd, &ev)
	if h.index >= 0 && h.index < len(d.table) {
		d.table[h.index] = nil
	}
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("epoll_ctl del: %w", err)
	}
	return nil
}

// EnableStdinEvent registers the stdin fd under TagStdin. It is idempotent
// under repeated calls, and treats EPERM (stdin redirected to /dev/null
// inside the jail) as success after logging, per spec.md §4.2.
func (d *Dispatcher) EnableStdinEvent(stdinFD int, logf func(format string, args ...any)) error {
	if d.stdinEnabled {
		return nil
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(d.stdinIndex)}
	d.table[d.stdinIndex] = &Tag{Kind: TagStdin}

	if err := unix.EpollCtl(d.epollFD, unix.EPOLL_CTL_ADD, stdinFD, &ev); err != nil {
		if err == unix.EPERM {
			if logf != nil {
				logf("could not add stdin event to epoll (EPERM, treating as success): %v", err)
			}
			d.stdinEnabled = true
			return nil
		}
		d.table[d.stdinIndex] = nil
		return fmt.Errorf("epoll_ctl add stdin: %w", err)
	}
	d.stdinEnabled = true
	return nil
}

// DisableStdinEvent is idempotent and tolerates the fd already being gone.
func (d *Dispatcher) DisableStdinEvent(stdinFD int) error {
	if !d.stdinEnabled {
		return nil
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(stdinFD)}
	_ = unix.EpollCtl(d.epollFD, unix.EPOLL_CTL_DEL, stdinFD, &ev)
	d.table[d.stdinIndex] = nil
	d.stdinEnabled = false
	return nil
}

// AllocateTokens reserves count contiguous table slots tagged
// TagDeviceHandler for a newly-attached device, returning the dispatch
// base index (spec.md §4.2, §4.5).
func (d *Dispatcher) AllocateTokens(deviceIdx, count int) (base int) {
	base = len(d.table)
	for i := 0; i < count; i++ {
		idx := i
		d.table = append(d.table, &Tag{Kind: TagDeviceHandler, DeviceIdx: deviceIdx, SubEventID: idx})
	}
	return base
}

// Ready is one readiness notification resolved back to its dispatch tag.
type Ready struct {
	Tag   Tag
	Index int
}

// Wait blocks until at least one fd is ready (or forever, per spec.md §5's
// "uninterruptible by design" suspension point), returning the resolved
// tags for each. Spurious tokens (null slot) are silently dropped.
func (d *Dispatcher) Wait() ([]Ready, error) {
	events := make([]unix.EpollEvent, maxEpollEvents)
	n, err := unix.EpollWait(d.epollFD, events, -1)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	ready := make([]Ready, 0, n)
	for i := 0; i < n; i++ {
		idx := int(events[i].Fd)
		if idx < 0 || idx >= len(d.table) || d.table[idx] == nil {
			continue
		}
		ready = append(ready, Ready{Tag: *d.table[idx], Index: idx})
	}
	return ready, nil
}
