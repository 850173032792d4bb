package vpoll

// WaitFunc is called to deliver a wake to a [WaitEntry]. It runs with the
// owning [Instance] locked, so it must not block, and must not call back into
// the instance. The key is the instance mask at the time of the wake.
//
// An entry may be removed from its queue by its own WaitFunc, via
// [WaitEntry.Detach].
type WaitFunc func(entry *WaitEntry, key Events)

// WaitEntry is a waiter's registration with an instance, queued via the
// readiness surface ([Instance.Poll]). Entries are owned by the multiplexer,
// must not be copied once queued, and may be queued on at most one instance
// at a time.
type WaitEntry struct {
	// Func receives wakes. It must be set before the entry is queued.
	Func WaitFunc

	q          *waitQueue
	prev, next *WaitEntry

	// Mask filters wakes by key. Zero selects all wakes. Error and hangup
	// keys are always delivered, if Mask is non-zero.
	Mask Events
}

// Queued returns true if the entry is currently queued. It must only be
// called from within a WaitFunc, or when the caller otherwise knows the
// entry cannot be concurrently queued or detached.
func (x *WaitEntry) Queued() bool { return x.q != nil }

// Detach removes the entry from its queue. It must only be called from
// within a WaitFunc (the instance lock being held).
func (x *WaitEntry) Detach() {
	if x.q != nil {
		x.q.remove(x)
	}
}

// waitQueue is an intrusive list of entries. All access is guarded by the
// lock of the owning instance. Neither add nor remove allocate.
type waitQueue struct {
	head, tail *WaitEntry
	len        int
}

// active reports whether any entries are queued (waitqueue_active).
func (x *waitQueue) active() bool { return x.head != nil }

func (x *waitQueue) add(e *WaitEntry) {
	e.q = x
	e.prev = x.tail
	e.next = nil
	if x.tail != nil {
		x.tail.next = e
	} else {
		x.head = e
	}
	x.tail = e
	x.len++
}

func (x *waitQueue) remove(e *WaitEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		x.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		x.tail = e.prev
	}
	e.q, e.prev, e.next = nil, nil, nil
	x.len--
}

// wake delivers key to every entry whose mask matches, returning the number
// of entries that were called.
func (x *waitQueue) wake(key Events) (n int) {
	for e := x.head; e != nil; {
		// the callback may detach e
		next := e.next
		if e.Mask == 0 || key&(e.Mask|alwaysPolled) != 0 {
			e.Func(e, key)
			n++
		}
		e = next
	}
	return n
}

// PollTable is the registration token passed to the readiness surface. A nil
// table, or one without an entry, requests a snapshot only.
type PollTable struct {
	Entry *WaitEntry
}
