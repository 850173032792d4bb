package vpoll

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PollFD is one element of the set given to [Select], in the manner of
// struct pollfd.
type PollFD struct {
	// Instance to poll. A nil instance is ignored, and reports nothing.
	Instance *Instance
	// Events is the interest.
	Events Events
	// REvents is set by Select to the ready events.
	REvents Events
}

// Select is a poll(2) style, one shot multiplexer. It registers with each
// instance, blocks until at least one is ready, the timeout elapses, or ctx
// is canceled, then deregisters. It returns the number of elements with
// non-zero REvents. A negative timeout blocks indefinitely, and zero never
// blocks.
//
// Only [PollerOption] values relevant to waiting (logging, metrics, tracing)
// are used.
func Select(ctx context.Context, fds []PollFD, timeout time.Duration, opts ...PollerOption) (n int, err error) {
	cfg, err := resolvePollerOptions(opts)
	if err != nil {
		return 0, err
	}
	for _, fd := range fds {
		if err := checkInterest(fd.Events); err != nil {
			return 0, err
		}
	}

	ctx, span := newTracer(cfg.tracerProvider).Start(ctx, `vpoll.Select`, trace.WithAttributes(
		attribute.Int(`vpoll.nfds`, len(fds)),
		attribute.Int64(`vpoll.timeout_ms`, timeout.Milliseconds()),
	))
	start := time.Now()
	defer func() {
		cfg.metrics.wait(start, n)
		endSpan(span, n, err)
	}()

	wakeCh := make(chan struct{}, 1)
	wake := func(*WaitEntry, Events) {
		select {
		case wakeCh <- struct{}{}:
		default:
		}
	}

	entries := make([]WaitEntry, len(fds))
	defer func() {
		for i := range fds {
			if fds[i].Instance != nil {
				fds[i].Instance.Unregister(&entries[i])
			}
		}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for pass := 0; ; pass++ {
		n = 0
		for i := range fds {
			fd := &fds[i]
			fd.REvents = 0
			if fd.Instance == nil {
				continue
			}
			var pt *PollTable
			if pass == 0 && timeout != 0 {
				entries[i] = WaitEntry{Func: wake, Mask: readyMask(fd.Events)}
				pt = &PollTable{Entry: &entries[i]}
			}
			fd.REvents = fd.Instance.Poll(pt) & readyMask(fd.Events)
			if fd.REvents != 0 {
				n++
			}
		}
		if n != 0 || timeout == 0 {
			return n, nil
		}
		select {
		case <-wakeCh:
		case <-timer:
			return 0, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
