package vpoll

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// Handle identifies an [Instance] within a [Device]. The zero value is never
// issued.
type Handle uint64

// Instance is one synthetic readiness source: an event mask, plus the wait
// queue of parties observing it.
//
// Every mutation of the mask, every change to the wait queue, and every wake
// happen with mu held, so that a waiter registering concurrently with a
// mutation either observes the new mask, or receives the wake. The mask is
// also stored atomically, so [Instance.Events] and [Instance.Poll] may read
// it without the lock.
type Instance struct {
	mu       sync.Mutex
	wq       waitQueue
	mask     atomic.Uint32
	released atomic.Bool

	handle       Handle
	maskReserved bool
	logger       *logiface.Logger[logiface.Event]
	metrics      *Metrics
}

// Handle returns the handle issued by [Device.Open].
func (x *Instance) Handle() Handle { return x.handle }

// Events returns a snapshot of the current mask, without locking.
func (x *Instance) Events() Events { return Events(x.mask.Load()) }

// AddEvents sets bits in the mask, then wakes any queued waiters, with the
// resulting mask as the wake key. It returns the resulting mask.
func (x *Instance) AddEvents(bits Events) (Events, error) {
	return x.Control(IOAddEvents, uint64(bits))
}

// DelEvents clears bits in the mask, returning the resulting mask. Clearing
// bits cannot satisfy a waiter, so no wake is issued.
func (x *Instance) DelEvents(bits Events) (Events, error) {
	return x.Control(IODelEvents, uint64(bits))
}

// Control performs a control plane command, see [IOAddEvents] and
// [IODelEvents]. Unrecognized commands fail with [ErrInvalidArgument],
// without modifying the mask or waking anyone.
//
// Reserved bits in arg are rejected with [ErrReservedBits], unless the
// device was configured using [WithMaskReservedBits], in which case they are
// silently cleared.
func (x *Instance) Control(cmd Command, arg uint64) (Events, error) {
	if !cmd.Valid() {
		x.metrics.control(cmd, ErrInvalidArgument)
		return 0, &ControlError{Op: cmd.String(), Handle: x.handle, Err: ErrInvalidArgument}
	}

	bits, err := eventsArg(arg, x.maskReserved)
	if err != nil {
		x.metrics.control(cmd, err)
		return 0, &ControlError{Op: cmd.String(), Handle: x.handle, Err: err}
	}

	var woken int

	x.mu.Lock()
	if x.released.Load() {
		x.mu.Unlock()
		x.metrics.control(cmd, ErrInvalidHandle)
		return 0, &ControlError{Op: cmd.String(), Handle: x.handle, Err: ErrInvalidHandle}
	}
	mask := Events(x.mask.Load())
	switch cmd {
	case IOAddEvents:
		mask |= bits
	case IODelEvents:
		mask &^= bits
	}
	x.mask.Store(uint32(mask))
	if cmd == IOAddEvents && x.wq.active() {
		woken = x.wq.wake(mask)
	}
	x.mu.Unlock()

	x.metrics.control(cmd, nil)
	x.metrics.wake(woken)
	if b := x.logger.Trace(); b.Enabled() {
		b.Uint64(`handle`, uint64(x.handle)).
			Str(`op`, cmd.op()).
			Str(`bits`, bits.String()).
			Str(`mask`, mask.String()).
			Int(`woken`, woken).
			Log(`vpoll control`)
	}

	return mask, nil
}

// Poll is the readiness surface. If pt carries an entry that is not already
// queued, the entry is queued, so that it receives future wakes. The current
// mask is returned, read after the registration, which makes the snapshot and
// the wake mutually exhaustive: any mutation not reflected in the returned
// mask will deliver a wake to the entry.
//
// Registration on a released instance is ignored.
func (x *Instance) Poll(pt *PollTable) Events {
	if pt != nil && pt.Entry != nil {
		x.mu.Lock()
		if pt.Entry.q == nil && !x.released.Load() {
			x.wq.add(pt.Entry)
		}
		x.mu.Unlock()
	}
	return Events(x.mask.Load())
}

// Unregister removes an entry previously queued via [Instance.Poll]. Once it
// returns, the entry will receive no further wakes from this instance. It
// returns false if the entry was not queued on this instance.
func (x *Instance) Unregister(entry *WaitEntry) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if entry.q != &x.wq {
		return false
	}
	x.wq.remove(entry)
	return true
}

// Waiters returns the number of queued entries.
func (x *Instance) Waiters() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.wq.len
}

// Released returns true once the instance has been released by its device.
func (x *Instance) Released() bool { return x.released.Load() }

// withLock calls fn with the lock held, passing the current mask. It returns
// false, without calling fn, if the instance has been released.
func (x *Instance) withLock(fn func(mask Events)) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.released.Load() {
		return false
	}
	fn(Events(x.mask.Load()))
	return true
}

// release marks the instance as released, returning the number of entries
// that were still queued, which is a caller contract violation.
func (x *Instance) release() (waiters int, ok bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.released.Load() {
		return 0, false
	}
	x.released.Store(true)
	return x.wq.len, true
}
