package epoll

import (
	"errors"
)

// IOEvents is a set of readiness conditions reported for a descriptor.
type IOEvents uint32

const (
	// EventRead is the only condition that may be requested, and reports
	// that the descriptor is readable, e.g. a signaled eventfd.
	EventRead IOEvents = 1 << iota
	// EventError is always reported, if the descriptor is in an error state.
	EventError
	// EventHangup is always reported, if the descriptor was hung up.
	EventHangup
)

var (
	ErrFDOutOfRange        = errors.New("epoll: fd out of range")
	ErrFDAlreadyRegistered = errors.New("epoll: fd already registered")
	ErrFDNotRegistered     = errors.New("epoll: fd not registered")
	ErrPollerClosed        = errors.New("epoll: poller closed")
	ErrNotSupported        = errors.New("epoll: not supported on this platform")
)

// IOCallback receives the conditions reported for fd, by [Poller.PollIO].
type IOCallback func(fd int, events IOEvents)
