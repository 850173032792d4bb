package vpoll

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = `github.com/joeycumines/go-vpoll`

// Event is a readiness report from [Poller.Wait].
type Event struct {
	Data   uint64
	Events Events
}

// Poller is an epoll(7) style multiplexer over instances. Instances are added
// to an interest set, and Wait reports those that are ready.
//
// Registrations are level-triggered by default: an instance is reported by
// every Wait while its mask intersects the interest. [PollEdgeTriggered] and
// [PollOneShot] may be included in the interest, with the same meaning as
// their epoll equivalents.
//
// Wakes are filtered by key, so a wake for bits outside an instance's interest
// does not make it ready.
type Poller struct {
	mu     sync.Mutex
	items  map[*Instance]*pollItem
	ready  readyList
	notify chan struct{}
	done   chan struct{}
	closed bool

	logger  *logiface.Logger[logiface.Event]
	metrics *Metrics
	tracer  trace.Tracer
}

// pollItem is a member of the interest set. Fields other than inst and entry
// are guarded by the poller's mutex.
type pollItem struct {
	p          *Poller
	inst       *Instance
	entry      WaitEntry
	prev, next *pollItem
	data       uint64
	interest   Events
	registered bool
	queued     bool
	disarmed   bool
}

// NewPoller creates an empty poller.
func NewPoller(opts ...PollerOption) (*Poller, error) {
	cfg, err := resolvePollerOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Poller{
		items:   make(map[*Instance]*pollItem),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  cfg.logger,
		metrics: cfg.metrics,
		tracer:  newTracer(cfg.tracerProvider),
	}, nil
}

func newTracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}

// Add registers inst with the given interest, and user data that will be
// reported with each event. If inst is already ready, the next Wait will
// report it.
func (x *Poller) Add(inst *Instance, interest Events, data uint64) error {
	if inst == nil {
		return ErrInvalidHandle
	}
	if err := checkInterest(interest); err != nil {
		return err
	}
	if inst.Released() {
		return ErrInvalidHandle
	}

	item := &pollItem{
		p:          x,
		inst:       inst,
		data:       data,
		interest:   interest,
		registered: true,
	}
	item.entry.Func = item.wake

	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return ErrPollerClosed
	}
	if _, ok := x.items[inst]; ok {
		x.mu.Unlock()
		return ErrAlreadyRegistered
	}
	x.items[inst] = item
	x.mu.Unlock()

	// must be registered (above) before the entry is queued, so any wake
	// that races with the snapshot still marks the item ready
	mask := inst.Poll(&PollTable{Entry: &item.entry})

	x.mu.Lock()
	registered := item.registered
	if registered && mask&readyMask(item.interest) != 0 {
		x.pushLocked(item)
	}
	x.mu.Unlock()

	if !registered {
		// lost a race with Remove or Close
		inst.Unregister(&item.entry)
		return nil
	}

	x.logger.Debug().
		Uint64(`handle`, uint64(inst.Handle())).
		Str(`interest`, interest.String()).
		Log(`vpoll poller add`)
	return nil
}

// Modify replaces the interest and user data of a registered instance. It
// re-arms [PollOneShot] registrations.
func (x *Poller) Modify(inst *Instance, interest Events, data uint64) error {
	if err := checkInterest(interest); err != nil {
		return err
	}

	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return ErrPollerClosed
	}
	item := x.items[inst]
	if item == nil {
		x.mu.Unlock()
		return ErrNotRegistered
	}
	item.interest = interest
	item.data = data
	item.disarmed = false
	x.mu.Unlock()

	// the snapshot is read after the interest is visible to wakes
	mask := inst.Events()

	x.mu.Lock()
	if item.registered && !item.disarmed && mask&readyMask(item.interest) != 0 {
		x.pushLocked(item)
	}
	x.mu.Unlock()
	return nil
}

// Remove deregisters inst. Once it returns, inst will not be reported.
func (x *Poller) Remove(inst *Instance) error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return ErrPollerClosed
	}
	item := x.items[inst]
	if item == nil {
		x.mu.Unlock()
		return ErrNotRegistered
	}
	delete(x.items, inst)
	item.registered = false
	if item.queued {
		x.ready.remove(item)
	}
	x.mu.Unlock()

	inst.Unregister(&item.entry)

	x.logger.Debug().
		Uint64(`handle`, uint64(inst.Handle())).
		Log(`vpoll poller remove`)
	return nil
}

// Len returns the number of registered instances.
func (x *Poller) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.items)
}

// Wait blocks until at least one registered instance is ready, then fills
// events, returning the number written. A negative timeout blocks
// indefinitely, and zero polls without blocking. Returning zero, without
// error, indicates the timeout elapsed; callers should treat that as a
// prompt to take a fresh snapshot, not as readiness.
//
// Wait may be called concurrently.
func (x *Poller) Wait(ctx context.Context, events []Event, timeout time.Duration) (n int, err error) {
	if len(events) == 0 {
		return 0, ErrInvalidArgument
	}

	ctx, span := x.tracer.Start(ctx, `vpoll.Poller.Wait`, trace.WithAttributes(
		attribute.Int(`vpoll.max_events`, len(events)),
		attribute.Int64(`vpoll.timeout_ms`, timeout.Milliseconds()),
	))
	start := time.Now()
	defer func() {
		x.metrics.wait(start, n)
		endSpan(span, n, err)
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		n, err = x.harvest(events)
		if n != 0 || err != nil || timeout == 0 {
			return n, err
		}
		select {
		case <-x.notify:
		case <-timer:
			return 0, nil
		case <-x.done:
			return 0, ErrPollerClosed
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close deregisters every instance. Subsequent operations fail with
// [ErrPollerClosed], as do blocked calls to Wait.
func (x *Poller) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	items := x.items
	x.items = nil
	for _, item := range items {
		item.registered = false
		if item.queued {
			x.ready.remove(item)
		}
	}
	close(x.done)
	x.mu.Unlock()

	for inst, item := range items {
		inst.Unregister(&item.entry)
	}
	return nil
}

// harvest reports up to len(events) ready items.
func (x *Poller) harvest(events []Event) (n int, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return 0, ErrPollerClosed
	}

	var again readyList
	for n < len(events) {
		item := x.ready.pop()
		if item == nil {
			break
		}
		revents := item.inst.Events() & readyMask(item.interest)
		if revents == 0 {
			// cleared since the wake, no longer ready
			continue
		}
		events[n] = Event{Data: item.data, Events: revents}
		n++
		switch {
		case item.interest&PollOneShot != 0:
			item.disarmed = true
		case item.interest&PollEdgeTriggered != 0:
		default:
			// level-triggered, re-check on the next wait
			again.push(item)
		}
	}
	x.ready.splice(&again)

	// pass the baton to any concurrent waiter
	if x.ready.head != nil {
		x.signal()
	}

	if n != 0 {
		x.logger.Trace().
			Int(`ready`, n).
			Log(`vpoll poller harvest`)
	}
	return n, nil
}

// wake is the WaitFunc of every item, called with the instance locked. Lock
// order is instance, then poller.
func (x *pollItem) wake(_ *WaitEntry, key Events) {
	p := x.p
	p.mu.Lock()
	if x.registered && !x.disarmed && key&readyMask(x.interest) != 0 {
		p.pushLocked(x)
	}
	p.mu.Unlock()
}

func (x *Poller) pushLocked(item *pollItem) {
	if !item.queued {
		x.ready.push(item)
	}
	x.signal()
}

func (x *Poller) signal() {
	select {
	case x.notify <- struct{}{}:
	default:
	}
}

func checkInterest(interest Events) error {
	if interest&PollWakeup != 0 {
		return ErrNotSupported
	}
	return nil
}

// readyMask returns the bits of an instance mask relevant to interest.
func readyMask(interest Events) Events {
	return (interest | alwaysPolled) & AllEvents
}

func endSpan(span trace.Span, n int, err error) {
	span.SetAttributes(attribute.Int(`vpoll.ready`, n))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// readyList is an intrusive FIFO of items, so that wakes never allocate.
type readyList struct {
	head, tail *pollItem
}

func (x *readyList) push(item *pollItem) {
	item.queued = true
	item.prev = x.tail
	item.next = nil
	if x.tail != nil {
		x.tail.next = item
	} else {
		x.head = item
	}
	x.tail = item
}

func (x *readyList) pop() *pollItem {
	item := x.head
	if item != nil {
		x.remove(item)
	}
	return item
}

func (x *readyList) remove(item *pollItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		x.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		x.tail = item.prev
	}
	item.prev, item.next = nil, nil
	item.queued = false
}

// splice moves all items from other to the end of x.
func (x *readyList) splice(other *readyList) {
	if other.head == nil {
		return
	}
	if x.tail != nil {
		x.tail.next = other.head
		other.head.prev = x.tail
	} else {
		x.head = other.head
	}
	x.tail = other.tail
	other.head, other.tail = nil, nil
}
