// Package vpoll provides synthetic readiness sources: objects that carry an
// event mask (IN, OUT, HUP, and so on), set and cleared programmatically,
// which readiness multiplexers observe like real I/O sources. It is intended
// for driving and testing readiness-based event loops, without a backing
// device.
//
// # Model
//
// A [Device] is the registry of open instances. Each [Instance] has a mask,
// and a wait queue of parties observing it:
//   - [Instance.AddEvents] sets bits, then wakes queued waiters, with the new
//     mask as the wake key
//   - [Instance.DelEvents] clears bits, and never wakes
//   - [Instance.Poll] queues a waiter (if given one), then returns a
//     lock-free snapshot of the mask
//
// Mutation and wake delivery happen under the instance's lock, and waiters
// register under the same lock, before reading the snapshot, so that no
// wakeup is lost.
//
// # Multiplexers
//
// Three multiplexers are provided:
//   - [Poller], an epoll(7) style interest set, supporting level-triggered,
//     edge-triggered ([PollEdgeTriggered]), and one-shot ([PollOneShot])
//     registrations
//   - [Select], a poll(2) style one-shot wait over a slice of [PollFD]
//   - [FD], an eventfd bridge, allowing kernel multiplexers to observe an
//     instance (Linux only)
//
// # Usage
//
//	dev, err := vpoll.NewDevice()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := dev.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Stop()
//
//	inst, _ := dev.Open()
//	p, _ := vpoll.NewPoller()
//	defer p.Close()
//	_ = p.Add(inst, vpoll.EventIn|vpoll.EventOut, 1)
//
//	go inst.AddEvents(vpoll.EventIn)
//
//	events := make([]vpoll.Event, 8)
//	n, err := p.Wait(ctx, events, time.Second)
//
// # Errors
//
// Failures are reported using the sentinel errors in this package, e.g.
// [ErrInvalidHandle], which should be tested for using [errors.Is]. Control
// plane failures are wrapped in a [*ControlError].
package vpoll
