package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-vpoll"
	"github.com/joeycumines/go-vpoll/client"
	"github.com/joeycumines/go-vpoll/internal/epoll"
)

// demoInterest is the interest of the consumer, matching every event the
// producer may add.
const demoInterest = vpoll.EventIn | vpoll.EventRdHup | vpoll.EventErr | vpoll.EventOut | vpoll.EventHup | vpoll.EventPri

// demoData is the user data of the consumer's registration.
const demoData = 123456789

const (
	backendPoller = "poller"
	backendSelect = "select"
	backendEpoll  = "epoll"
	backendRemote = "remote"
)

var backends = []string{backendPoller, backendSelect, backendEpoll, backendRemote}

// producer mutates the shared instance.
type producer interface {
	add(ctx context.Context, bits vpoll.Events) error
}

// consumer waits on the shared instance, and deletes what it receives. A
// zero result from wait, without error, means the timeout elapsed.
type consumer interface {
	wait(ctx context.Context, timeout time.Duration) (vpoll.Events, error)
	del(ctx context.Context, bits vpoll.Events) error
}

// target is a producer/consumer pair, sharing one instance, via a
// multiplexer backend.
type target struct {
	producer
	consumer
	close func() error
}

type targetOptions struct {
	backend string
	socket  string
	opts    []vpoll.Option
}

func newTarget(ctx context.Context, cfg targetOptions) (*target, error) {
	if cfg.backend == backendRemote {
		return newRemoteTarget(ctx, cfg.socket)
	}

	devOpts := make([]vpoll.DeviceOption, 0, len(cfg.opts))
	pollOpts := make([]vpoll.PollerOption, 0, len(cfg.opts))
	for _, o := range cfg.opts {
		devOpts = append(devOpts, o)
		pollOpts = append(pollOpts, o)
	}

	dev, err := vpoll.NewDevice(devOpts...)
	if err != nil {
		return nil, err
	}
	if err := dev.Start(); err != nil {
		return nil, err
	}
	inst, err := dev.Open()
	if err != nil {
		_ = dev.Stop()
		return nil, err
	}
	local := localInstance{inst}

	var (
		c       consumer
		closeFn func() error
	)
	switch cfg.backend {
	case backendPoller:
		p, err := vpoll.NewPoller(pollOpts...)
		if err == nil {
			err = p.Add(inst, demoInterest, demoData)
		}
		if err != nil {
			_ = dev.Stop()
			return nil, err
		}
		c = &pollerConsumer{localInstance: local, p: p, events: make([]vpoll.Event, 1)}
		closeFn = p.Close
	case backendSelect:
		c = &selectConsumer{localInstance: local, opts: pollOpts}
	case backendEpoll:
		ec, err := newEpollConsumer(local)
		if err != nil {
			_ = dev.Stop()
			return nil, err
		}
		c = ec
		closeFn = ec.close
	default:
		_ = dev.Stop()
		return nil, fmt.Errorf("unknown backend %q, expected one of %v", cfg.backend, backends)
	}

	return &target{
		producer: local,
		consumer: c,
		close: func() error {
			var err error
			if closeFn != nil {
				err = closeFn()
			}
			return errors.Join(err, dev.Release(inst.Handle()), dev.Stop())
		},
	}, nil
}

type localInstance struct {
	inst *vpoll.Instance
}

func (x localInstance) add(_ context.Context, bits vpoll.Events) error {
	_, err := x.inst.AddEvents(bits)
	return err
}

func (x localInstance) del(_ context.Context, bits vpoll.Events) error {
	_, err := x.inst.DelEvents(bits)
	return err
}

type pollerConsumer struct {
	localInstance
	p      *vpoll.Poller
	events []vpoll.Event
}

func (x *pollerConsumer) wait(ctx context.Context, timeout time.Duration) (vpoll.Events, error) {
	n, err := x.p.Wait(ctx, x.events, timeout)
	if err != nil || n == 0 {
		return 0, err
	}
	if x.events[0].Data != demoData {
		return 0, fmt.Errorf("unexpected event data %d", x.events[0].Data)
	}
	return x.events[0].Events, nil
}

type selectConsumer struct {
	localInstance
	opts []vpoll.PollerOption
}

func (x *selectConsumer) wait(ctx context.Context, timeout time.Duration) (vpoll.Events, error) {
	fds := []vpoll.PollFD{{Instance: x.inst, Events: demoInterest}}
	if _, err := vpoll.Select(ctx, fds, timeout, x.opts...); err != nil {
		return 0, err
	}
	return fds[0].REvents, nil
}

// epollConsumer observes the instance through the eventfd bridge, using
// kernel epoll.
type epollConsumer struct {
	localInstance
	fd    *vpoll.FD
	ep    *epoll.Poller
	ready vpoll.Events
	err   error
}

func newEpollConsumer(local localInstance) (*epollConsumer, error) {
	fd, err := vpoll.NewFD(local.inst, demoInterest)
	if err != nil {
		return nil, err
	}
	ep, err := epoll.New()
	if err != nil {
		_ = fd.Close()
		return nil, err
	}
	x := &epollConsumer{localInstance: local, fd: fd, ep: ep}
	if err := ep.RegisterFD(fd.Fd(), epoll.EventRead, x.onReadable); err != nil {
		_ = x.close()
		return nil, err
	}
	return x, nil
}

func (x *epollConsumer) onReadable(int, epoll.IOEvents) {
	x.ready, x.err = x.fd.Rearm()
}

func (x *epollConsumer) wait(ctx context.Context, timeout time.Duration) (vpoll.Events, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		ms := -1
		if timeout >= 0 {
			ms = int(time.Until(deadline).Milliseconds())
			if ms < 0 || timeout == 0 {
				ms = 0
			}
		}
		x.ready, x.err = 0, nil
		n, err := x.ep.PollIO(ms)
		if err != nil {
			return 0, err
		}
		if x.err != nil {
			return 0, x.err
		}
		if x.ready != 0 {
			return x.ready, nil
		}
		if n == 0 && ms == 0 {
			return 0, nil
		}
		// the eventfd was stale, and has been drained, or the wait was
		// interrupted
	}
}

func (x *epollConsumer) close() error {
	return errors.Join(
		x.ep.UnregisterFD(x.fd.Fd()),
		x.ep.Close(),
		x.fd.Close(),
	)
}

type remoteInstance struct {
	c *client.Client
	h vpoll.Handle
}

func (x remoteInstance) add(ctx context.Context, bits vpoll.Events) error {
	_, err := x.c.AddEvents(ctx, x.h, bits)
	return err
}

func (x remoteInstance) del(ctx context.Context, bits vpoll.Events) error {
	_, err := x.c.DelEvents(ctx, x.h, bits)
	return err
}

func (x remoteInstance) wait(ctx context.Context, timeout time.Duration) (vpoll.Events, error) {
	return x.c.Poll(ctx, x.h, demoInterest, timeout)
}

// newRemoteTarget uses two connections to the daemon, the producer
// attaching to the handle opened by the consumer, like a descriptor shared
// across fork.
func newRemoteTarget(ctx context.Context, socket string) (*target, error) {
	cc, err := client.Dial(ctx, socket)
	if err != nil {
		return nil, err
	}
	h, err := cc.Open(ctx)
	if err != nil {
		_ = cc.Disconnect()
		return nil, err
	}
	pc, err := client.Dial(ctx, socket)
	if err != nil {
		_ = cc.Disconnect()
		return nil, err
	}
	if err := pc.Attach(ctx, h); err != nil {
		_ = pc.Disconnect()
		_ = cc.Disconnect()
		return nil, err
	}
	return &target{
		producer: remoteInstance{c: pc, h: h},
		consumer: remoteInstance{c: cc, h: h},
		close: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return errors.Join(
				pc.Close(ctx, h),
				cc.Close(ctx, h),
				pc.Disconnect(),
				cc.Disconnect(),
			)
		},
	}, nil
}
