//go:build linux

package epoll

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const maxEvents = 64

// eventBits pairs each condition with its epoll(7) bit.
var eventBits = [...]struct {
	events IOEvents
	epoll  uint32
}{
	{EventRead, unix.EPOLLIN},
	{EventError, unix.EPOLLERR},
	{EventHangup, unix.EPOLLHUP},
}

// Poller dispatches epoll(7) readiness to per-descriptor callbacks.
//
// Callbacks are looked up under the lock, then run outside it, so a callback
// may still run after UnregisterFD returns, if a PollIO was in flight.
type Poller struct {
	mu        sync.RWMutex
	callbacks map[int]IOCallback
	buf       [maxEvents]unix.EpollEvent
	pollMu    sync.Mutex
	epfd      int
	closed    atomic.Bool
}

// New creates an epoll instance.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{epfd: epfd, callbacks: make(map[int]IOCallback)}, nil
}

// Close closes the epoll instance. It is idempotent.
func (p *Poller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.epfd)
}

// RegisterFD starts monitoring fd for events, level-triggered.
func (p *Poller) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.callbacks[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.callbacks[fd] = cb
	return nil
}

// UnregisterFD stops monitoring fd. It must be called before fd is closed.
func (p *Poller) UnregisterFD(fd int) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.callbacks[fd]; !ok {
		return ErrFDNotRegistered
	}
	delete(p.callbacks, fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// PollIO waits up to timeoutMs (negative blocks indefinitely) then
// dispatches callbacks inline, returning the number of events. An
// interrupted wait returns zero events, without error.
func (p *Poller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	n, err := unix.EpollWait(p.epfd, p.buf[:], timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}

	for _, ev := range p.buf[:n] {
		fd := int(ev.Fd)
		p.mu.RLock()
		cb := p.callbacks[fd]
		p.mu.RUnlock()
		if cb != nil {
			cb(fd, fromEpoll(ev.Events))
		}
	}

	return n, nil
}

func toEpoll(events IOEvents) (bits uint32) {
	for _, v := range eventBits {
		if events&v.events != 0 {
			bits |= v.epoll
		}
	}
	return bits
}

func fromEpoll(bits uint32) (events IOEvents) {
	for _, v := range eventBits {
		if bits&v.epoll != 0 {
			events |= v.events
		}
	}
	return events
}
