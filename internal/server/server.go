// Package server implements the vpoll daemon: a Unix stream socket service
// that plays the role of a world-writable device node, allowing separate
// processes to share instances, via handles.
//
// Handles are reference counted across connections. An instance is released
// exactly once, when the last reference is closed, either explicitly, or by
// its connection closing.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-vpoll"
	"github.com/joeycumines/go-vpoll/internal/wire"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

// DefaultHandshakeTimeout bounds the time a new connection may take to
// complete the handshake.
const DefaultHandshakeTimeout = 5 * time.Second

// Config models the server's dependencies and settings.
type Config struct {
	// Device is required, and must be started.
	Device *vpoll.Device

	// Logger is optional.
	Logger *logiface.Logger[logiface.Event]

	// OpenRateLimits, if non-empty, limits OPEN and ATTACH requests, which
	// share one budget per connection, in the format accepted by
	// catrate.NewLimiter.
	OpenRateLimits map[time.Duration]int

	// VersionConstraint defaults to wire.VersionConstraint.
	VersionConstraint string

	// HandshakeTimeout defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// PollOptions are passed to each vpoll.Select, serving POLL requests.
	PollOptions []vpoll.PollerOption
}

// Server shares the instances of a device, between connections.
type Server struct {
	device            *vpoll.Device
	logger            *logiface.Logger[logiface.Event]
	openRateLimits    map[time.Duration]int
	versionConstraint string
	handshakeTimeout  time.Duration
	pollOptions       []vpoll.PollerOption

	mu      sync.Mutex
	handles map[vpoll.Handle]*handleRef
}

// handleRef is the server-wide state of a shared handle.
type handleRef struct {
	inst *vpoll.Instance
	refs int
	// canceled on release, to abort in-flight polls
	ctx    context.Context
	cancel context.CancelFunc
	// in-flight polls, waited on before the instance is released
	polls sync.WaitGroup
}

// New validates cfg, and returns a server.
func New(cfg Config) (*Server, error) {
	if cfg.Device == nil {
		return nil, errors.New(`server: nil device`)
	}
	if len(cfg.OpenRateLimits) != 0 {
		if _, err := newLimiter(cfg.OpenRateLimits); err != nil {
			return nil, err
		}
	}
	s := &Server{
		device:            cfg.Device,
		logger:            cfg.Logger,
		openRateLimits:    cfg.OpenRateLimits,
		versionConstraint: cfg.VersionConstraint,
		handshakeTimeout:  cfg.HandshakeTimeout,
		pollOptions:       cfg.PollOptions,
		handles:           make(map[vpoll.Handle]*handleRef),
	}
	if s.versionConstraint == `` {
		s.versionConstraint = wire.VersionConstraint
	}
	if err := wire.CheckVersion(s.versionConstraint, wire.ProtocolVersion); err != nil && !errors.Is(err, wire.ErrVersionMismatch) {
		return nil, err
	}
	if s.handshakeTimeout <= 0 {
		s.handshakeTimeout = DefaultHandshakeTimeout
	}
	return s, nil
}

// newLimiter converts the panic raised by catrate.NewLimiter, for invalid
// rates, into an error.
func newLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	if len(rates) == 0 {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			limiter = nil
			err = fmt.Errorf(`server: invalid open rate limits: %v`, r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// Listen creates a Unix socket listener at path, replacing any stale socket,
// with the given permissions.
func Listen(path string, mode os.FileMode) (net.Listener, error) {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf(`server: %s exists and is not a socket`, path)
		}
		if err := os.Remove(path); err != nil {
			return nil, err
		}
	}
	ln, err := net.Listen(`unix`, path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, mode.Perm()); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return ln, nil
}

// Serve accepts connections until ctx is canceled, or the listener fails,
// then waits for all connections to finish. The listener is closed on return.
// Cancellation results in a nil error.
func (x *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	x.logger.Info().
		Str(`addr`, ln.Addr().String()).
		Log(`vpoll server listening`)

	g.Go(func() error {
		defer func() { _ = ln.Close() }()
		for {
			nc, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				return fmt.Errorf(`server: accept: %w`, err)
			}
			g.Go(func() error {
				x.serveConn(ctx, nc)
				return nil
			})
		}
	})

	err := g.Wait()

	x.logger.Info().
		Log(`vpoll server stopped`)

	return err
}

// Len returns the number of shared handles.
func (x *Server) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.handles)
}

// open registers a new instance, with a single reference held by c.
func (x *Server) open(c *conn) (vpoll.Handle, error) {
	inst, err := x.device.Open()
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	ref := &handleRef{inst: inst, refs: 1, ctx: ctx, cancel: cancel}
	x.mu.Lock()
	x.handles[inst.Handle()] = ref
	c.refs[inst.Handle()]++
	x.mu.Unlock()
	return inst.Handle(), nil
}

func (x *Server) attach(c *conn, h vpoll.Handle) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	ref := x.handles[h]
	if ref == nil {
		return vpoll.ErrInvalidHandle
	}
	ref.refs++
	c.refs[h]++
	return nil
}

// close drops one of the references held by c, releasing the instance if it
// was the last.
func (x *Server) close(c *conn, h vpoll.Handle) error {
	x.mu.Lock()
	if c.refs[h] == 0 {
		x.mu.Unlock()
		return vpoll.ErrInvalidHandle
	}
	if c.refs[h]--; c.refs[h] == 0 {
		delete(c.refs, h)
	}
	ref := x.unrefLocked(h)
	x.mu.Unlock()
	if ref != nil {
		return x.release(h, ref)
	}
	return nil
}

// closeAll drops every reference held by c.
func (x *Server) closeAll(c *conn) {
	var released map[vpoll.Handle]*handleRef
	x.mu.Lock()
	for h, n := range c.refs {
		for ; n > 0; n-- {
			if ref := x.unrefLocked(h); ref != nil {
				if released == nil {
					released = make(map[vpoll.Handle]*handleRef)
				}
				released[h] = ref
			}
		}
		delete(c.refs, h)
	}
	x.mu.Unlock()
	for h, ref := range released {
		if err := x.release(h, ref); err != nil {
			x.logger.Warning().
				Uint64(`handle`, uint64(h)).
				Err(err).
				Log(`vpoll server release failed`)
		}
	}
}

// unrefLocked decrements the count of h, returning the ref if it reached
// zero, in which case it has been unregistered.
func (x *Server) unrefLocked(h vpoll.Handle) *handleRef {
	ref := x.handles[h]
	if ref == nil {
		return nil
	}
	if ref.refs--; ref.refs > 0 {
		return nil
	}
	delete(x.handles, h)
	return ref
}

func (x *Server) release(h vpoll.Handle, ref *handleRef) error {
	ref.cancel()
	ref.polls.Wait()
	return x.device.Release(h)
}

// acquire looks up a handle that c holds a reference to, and registers an
// in-flight poll, which must be completed by calling ref.polls.Done.
func (x *Server) acquire(c *conn, h vpoll.Handle, poll bool) (*handleRef, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ref := x.handles[h]
	if ref == nil || c.refs[h] == 0 {
		return nil, vpoll.ErrInvalidHandle
	}
	if poll {
		ref.polls.Add(1)
	}
	return ref, nil
}
