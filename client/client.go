// Package client connects to the vpoll daemon, see the serve command of
// cmd/vpoll. Concurrent calls are multiplexed over a single connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/joeycumines/go-vpoll"
	"github.com/joeycumines/go-vpoll/internal/wire"
	"github.com/joeycumines/logiface"
)

// ErrClosed is returned by calls on a client whose connection has been
// closed, locally or by the server.
var ErrClosed = errors.New(`client: connection closed`)

// Client is a connection to the daemon.
type Client struct {
	nc     net.Conn
	logger *logiface.Logger[logiface.Event]

	wmu sync.Mutex
	buf []byte

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan wire.Response
	err     error

	done chan struct{}
}

// Option configures Dial.
type Option interface {
	apply(*options)
}

type options struct {
	logger  *logiface.Logger[logiface.Event]
	version string
}

type optionImpl struct {
	applyFunc func(*options)
}

func (x *optionImpl) apply(opts *options) { x.applyFunc(opts) }

// WithLogger configures a logger, which is otherwise disabled.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) { opts.logger = logger }}
}

// WithProtocolVersion overrides the protocol version presented to the
// server, which is otherwise wire.ProtocolVersion.
func WithProtocolVersion(version string) Option {
	return &optionImpl{func(opts *options) { opts.version = version }}
}

// Dial connects to the daemon listening on the Unix socket at path, and
// performs the handshake, which is bound by ctx.
func Dial(ctx context.Context, path string, opts ...Option) (*Client, error) {
	cfg := options{version: wire.ProtocolVersion}
	for _, o := range opts {
		if o != nil {
			o.apply(&cfg)
		}
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, `unix`, path)
	if err != nil {
		return nil, err
	}

	if err := handshake(ctx, nc, cfg.version); err != nil {
		_ = nc.Close()
		return nil, err
	}

	x := &Client{
		nc:      nc,
		logger:  cfg.logger,
		pending: make(map[uint64]chan wire.Response),
		done:    make(chan struct{}),
	}
	go x.readLoop()

	x.logger.Debug().
		Str(`path`, path).
		Log(`vpoll client connected`)

	return x, nil
}

func handshake(ctx context.Context, nc net.Conn, version string) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := nc.SetDeadline(deadline); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = nc.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := wire.WriteHandshake(nc, &wire.Handshake{Version: version}); err != nil {
		return handshakeErr(ctx, err)
	}
	var resp wire.Handshake
	if err := wire.ReadHandshake(nc, &resp); err != nil {
		return handshakeErr(ctx, err)
	}
	if err := resp.Status.Err(); err != nil {
		return fmt.Errorf(`client: handshake rejected by server version %q: %w`, resp.Version, err)
	}
	if !stop() {
		return ctx.Err()
	}
	return nc.SetDeadline(time.Time{})
}

func handshakeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf(`client: handshake: %w`, err)
}

// Disconnect closes the connection. The server releases every handle for
// which this was the last reference. Blocked calls fail with [ErrClosed].
func (x *Client) Disconnect() error {
	err := x.nc.Close()
	<-x.done
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Done is closed once the connection has been closed.
func (x *Client) Done() <-chan struct{} { return x.done }

// Open creates a new instance, returning its handle, which this connection
// holds a reference to.
func (x *Client) Open(ctx context.Context) (vpoll.Handle, error) {
	v, err := x.call(ctx, wire.Request{Op: wire.OpOpen})
	return vpoll.Handle(v), err
}

// Attach adds a reference to a handle, which may have been opened by another
// connection, so that it may be used by this one.
func (x *Client) Attach(ctx context.Context, h vpoll.Handle) error {
	_, err := x.call(ctx, wire.Request{Op: wire.OpAttach, Handle: h})
	return err
}

// Close drops a reference to h. The instance is released once no references
// remain.
func (x *Client) Close(ctx context.Context, h vpoll.Handle) error {
	_, err := x.call(ctx, wire.Request{Op: wire.OpClose, Handle: h})
	return err
}

// Ioctl performs a control command, returning the resulting mask.
func (x *Client) Ioctl(ctx context.Context, h vpoll.Handle, cmd vpoll.Command, arg uint64) (vpoll.Events, error) {
	v, err := x.call(ctx, wire.Request{Op: wire.OpIoctl, Handle: h, Cmd: cmd, Arg: arg})
	return vpoll.Events(v), err
}

// AddEvents sets bits in the mask of h, see [vpoll.Instance.AddEvents].
func (x *Client) AddEvents(ctx context.Context, h vpoll.Handle, bits vpoll.Events) (vpoll.Events, error) {
	return x.Ioctl(ctx, h, vpoll.IOAddEvents, uint64(bits))
}

// DelEvents clears bits in the mask of h, see [vpoll.Instance.DelEvents].
func (x *Client) DelEvents(ctx context.Context, h vpoll.Handle, bits vpoll.Events) (vpoll.Events, error) {
	return x.Ioctl(ctx, h, vpoll.IODelEvents, uint64(bits))
}

// Poll waits until h is ready for any of interest (plus error and hangup),
// returning the ready events, or zero if the timeout elapsed. A negative
// timeout waits indefinitely. The wait happens server side, and is bounded
// by the timeout, not ctx: canceling ctx abandons the response.
func (x *Client) Poll(ctx context.Context, h vpoll.Handle, interest vpoll.Events, timeout time.Duration) (vpoll.Events, error) {
	v, err := x.call(ctx, wire.Request{Op: wire.OpPoll, Handle: h, Arg: uint64(interest), Timeout: wire.TimeoutMillis(timeout)})
	return vpoll.Events(v), err
}

func (x *Client) call(ctx context.Context, req wire.Request) (uint64, error) {
	ch := make(chan wire.Response, 1)

	x.mu.Lock()
	if x.err != nil {
		err := x.err
		x.mu.Unlock()
		return 0, err
	}
	x.seq++
	req.Seq = x.seq
	x.pending[req.Seq] = ch
	x.mu.Unlock()

	x.wmu.Lock()
	x.buf = wire.AppendRequest(x.buf[:0], &req)
	_, err := x.nc.Write(x.buf)
	x.wmu.Unlock()
	if err != nil {
		x.forget(req.Seq)
		return 0, fmt.Errorf(`client: write: %w`, err)
	}

	select {
	case resp := <-ch:
		return result(&req, &resp)
	case <-x.done:
		select {
		case resp := <-ch:
			return result(&req, &resp)
		default:
		}
		x.forget(req.Seq)
		return 0, x.closedErr()
	case <-ctx.Done():
		x.forget(req.Seq)
		return 0, ctx.Err()
	}
}

func result(req *wire.Request, resp *wire.Response) (uint64, error) {
	if err := resp.Status.Err(); err != nil {
		return resp.Value, &vpoll.ControlError{Op: req.Op.String(), Handle: req.Handle, Err: err}
	}
	return resp.Value, nil
}

func (x *Client) forget(seq uint64) {
	x.mu.Lock()
	delete(x.pending, seq)
	x.mu.Unlock()
}

func (x *Client) closedErr() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.err
}

func (x *Client) readLoop() {
	defer close(x.done)
	buf := make([]byte, wire.ResponseSize)
	for {
		var resp wire.Response
		if err := wire.ReadResponse(x.nc, buf, &resp); err != nil {
			x.mu.Lock()
			x.err = ErrClosed
			x.pending = nil
			x.mu.Unlock()
			if !errors.Is(err, net.ErrClosed) {
				x.logger.Debug().
					Err(err).
					Log(`vpoll client connection lost`)
			}
			return
		}
		x.mu.Lock()
		ch := x.pending[resp.Seq]
		delete(x.pending, resp.Seq)
		x.mu.Unlock()
		if ch != nil {
			// buffered, and used at most once
			ch <- resp
		}
	}
}
