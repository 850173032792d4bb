package vpoll

import (
	"sync"
)

// FD exposes an instance to kernel multiplexers (select, poll, epoll), as an
// eventfd that is readable while the instance is ready.
//
// The eventfd is signaled by wakes, so it becomes readable as soon as any of
// the interest bits are added. Clearing bits never wakes, so the descriptor
// stays readable until [FD.Rearm] observes, under the instance lock, that the
// instance is no longer ready. Consumers should call Rearm each time the
// descriptor is reported readable, and use the events it returns.
//
// Only EPOLLIN (POLLIN) is meaningful on the descriptor itself.
type FD struct {
	inst     *Instance
	entry    WaitEntry
	interest Events

	// guarded by the instance lock
	signaled bool
	sigErr   error

	closeOnce sync.Once
	closeErr  error
	efd       int
}

// NewFD creates an eventfd bridge for inst. Only bits in interest, plus
// [EventErr] and [EventHup], make the descriptor readable. It returns
// [ErrNotSupported] on platforms without eventfd.
func NewFD(inst *Instance, interest Events) (*FD, error) {
	if inst == nil || inst.Released() {
		return nil, ErrInvalidHandle
	}
	efd, err := newEventFD()
	if err != nil {
		return nil, err
	}
	x := &FD{
		inst:     inst,
		interest: interest.Masked(),
		efd:      efd,
	}
	x.entry.Mask = readyMask(x.interest)
	x.entry.Func = x.wake
	inst.Poll(&PollTable{Entry: &x.entry})
	if _, err := x.Rearm(); err != nil {
		_ = x.Close()
		return nil, err
	}
	return x, nil
}

// Fd returns the descriptor, for registration with a kernel multiplexer.
func (x *FD) Fd() int { return x.efd }

// Instance returns the bridged instance.
func (x *FD) Instance() *Instance { return x.inst }

// Rearm synchronizes the descriptor with the instance: it is made readable if
// the instance is ready, and drained otherwise. It returns the ready events.
func (x *FD) Rearm() (ready Events, err error) {
	ok := x.inst.withLock(func(mask Events) {
		ready = mask & readyMask(x.interest)
		switch {
		case ready != 0 && !x.signaled:
			err = signalEventFD(x.efd)
			x.signaled = err == nil
		case ready == 0 && x.signaled:
			err = drainEventFD(x.efd)
			x.signaled = err != nil
		}
		if err == nil {
			err, x.sigErr = x.sigErr, nil
		}
	})
	if !ok {
		return 0, ErrInvalidHandle
	}
	return ready, err
}

// Close deregisters from the instance, and closes the descriptor.
func (x *FD) Close() error {
	x.closeOnce.Do(func() {
		x.inst.Unregister(&x.entry)
		x.closeErr = closeEventFD(x.efd)
	})
	return x.closeErr
}

// wake is called with the instance locked.
func (x *FD) wake(_ *WaitEntry, _ Events) {
	if x.signaled {
		return
	}
	if err := signalEventFD(x.efd); err != nil {
		// reported by the next Rearm
		x.sigErr = err
		return
	}
	x.signaled = true
}
