package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-vpoll"
	"github.com/joeycumines/go-vpoll/internal/wire"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

type conn struct {
	s       *Server
	nc      net.Conn
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter

	// guarded by s.mu
	refs map[vpoll.Handle]int

	outMu     sync.Mutex
	out       *queue.Queue
	outSignal chan struct{}

	polls sync.WaitGroup
}

func (x *Server) serveConn(ctx context.Context, nc net.Conn) {
	limiter, _ := newLimiter(x.openRateLimits)
	c := &conn{
		s:  x,
		nc: nc,
		logger: x.logger.Clone().
			Str(`remote`, nc.RemoteAddr().String()).
			Logger(),
		limiter:   limiter,
		refs:      make(map[vpoll.Handle]int),
		out:       queue.New(),
		outSignal: make(chan struct{}, 1),
	}

	defer func() {
		_ = nc.Close()
		c.polls.Wait()
		x.closeAll(c)
		c.logger.Debug().
			Log(`vpoll conn closed`)
	}()

	if err := c.handshake(); err != nil {
		c.logger.Warning().
			Err(err).
			Log(`vpoll conn handshake failed`)
		return
	}

	c.logger.Debug().
		Log(`vpoll conn accepted`)

	g, ctx := errgroup.WithContext(ctx)

	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	defer stop()

	g.Go(func() error { return c.writeLoop(ctx) })
	g.Go(func() error { return c.readLoop(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		c.logger.Warning().
			Err(err).
			Log(`vpoll conn failed`)
	}
}

func (x *conn) handshake() error {
	if err := x.nc.SetDeadline(time.Now().Add(x.s.handshakeTimeout)); err != nil {
		return err
	}
	var hello wire.Handshake
	if err := wire.ReadHandshake(x.nc, &hello); err != nil {
		return err
	}
	versionErr := wire.CheckVersion(x.s.versionConstraint, hello.Version)
	if err := wire.WriteHandshake(x.nc, &wire.Handshake{
		Status:  wire.StatusOf(versionErr),
		Version: wire.ProtocolVersion,
	}); err != nil {
		return err
	}
	if versionErr != nil {
		return versionErr
	}
	return x.nc.SetDeadline(time.Time{})
}

func (x *conn) readLoop(ctx context.Context) error {
	buf := make([]byte, wire.RequestSize)
	for {
		var req wire.Request
		if err := wire.ReadRequest(x.nc, buf, &req); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		x.dispatch(ctx, &req)
	}
}

func (x *conn) dispatch(ctx context.Context, req *wire.Request) {
	var (
		value uint64
		err   error
	)
	switch req.Op {
	case wire.OpOpen:
		if err = x.allow(req.Op); err == nil {
			var h vpoll.Handle
			h, err = x.s.open(x)
			value = uint64(h)
		}
	case wire.OpAttach:
		if err = x.allow(req.Op); err == nil {
			err = x.s.attach(x, req.Handle)
			value = uint64(req.Handle)
		}
	case wire.OpClose:
		err = x.s.close(x, req.Handle)
	case wire.OpIoctl:
		var ref *handleRef
		if ref, err = x.s.acquire(x, req.Handle, false); err == nil {
			var mask vpoll.Events
			mask, err = ref.inst.Control(req.Cmd, req.Arg)
			value = uint64(mask)
		}
	case wire.OpPoll:
		x.poll(ctx, req)
		return
	default:
		err = vpoll.ErrInvalidArgument
	}
	x.respond(req, value, err)
}

// poll serves a POLL request asynchronously, so that it may block without
// stalling the connection.
func (x *conn) poll(ctx context.Context, req *wire.Request) {
	if req.Arg&^uint64(vpoll.AllEvents) != 0 {
		x.respond(req, 0, vpoll.ErrReservedBits)
		return
	}
	ref, err := x.s.acquire(x, req.Handle, true)
	if err != nil {
		x.respond(req, 0, err)
		return
	}
	x.polls.Add(1)
	go func() {
		defer x.polls.Done()
		defer ref.polls.Done()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(ref.ctx, cancel)
		defer stop()

		fds := []vpoll.PollFD{{Instance: ref.inst, Events: vpoll.Events(req.Arg)}}
		_, err := vpoll.Select(ctx, fds, wire.Duration(req.Timeout), x.s.pollOptions...)
		if err != nil {
			if ref.ctx.Err() != nil {
				err = vpoll.ErrInvalidHandle
			} else if ctx.Err() != nil {
				// connection closing
				return
			}
		}
		x.respond(req, uint64(fds[0].REvents), err)
	}()
}

// openCategory is the single rate limit category, shared by OPEN and ATTACH.
type openCategory struct{}

func (x *conn) allow(op wire.Op) error {
	if next, ok := x.limiter.Allow(openCategory{}); !ok {
		x.logger.Warning().
			Str(`op`, op.String()).
			Time(`next`, next).
			Log(`vpoll conn rate limited`)
		return wire.ErrRateLimited
	}
	return nil
}

func (x *conn) respond(req *wire.Request, value uint64, err error) {
	status := wire.StatusOf(err)
	if status != wire.StatusOK {
		x.logger.Debug().
			Uint64(`seq`, req.Seq).
			Str(`op`, req.Op.String()).
			Uint64(`handle`, uint64(req.Handle)).
			Err(err).
			Log(`vpoll request failed`)
	}
	x.outMu.Lock()
	x.out.Add(&wire.Response{Seq: req.Seq, Status: status, Value: value})
	x.outMu.Unlock()
	select {
	case x.outSignal <- struct{}{}:
	default:
	}
}

// writeLoop drains the outbound queue, batching all pending responses into
// a single write.
func (x *conn) writeLoop(ctx context.Context) error {
	var buf []byte
	for {
		buf = buf[:0]
		x.outMu.Lock()
		for x.out.Length() != 0 {
			buf = wire.AppendResponse(buf, x.out.Remove().(*wire.Response))
		}
		x.outMu.Unlock()

		if len(buf) != 0 {
			if _, err := x.nc.Write(buf); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}

		select {
		case <-x.outSignal:
		case <-ctx.Done():
			return nil
		}
	}
}
