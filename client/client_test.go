package client

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeycumines/go-vpoll"
	"github.com/joeycumines/go-vpoll/internal/server"
	"github.com/joeycumines/go-vpoll/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cfg server.Config) (*vpoll.Device, *server.Server, string) {
	t.Helper()
	dev, err := vpoll.NewDevice()
	require.NoError(t, err)
	require.NoError(t, dev.Start())
	t.Cleanup(func() { _ = dev.Stop() })

	cfg.Device = dev
	srv, err := server.New(cfg)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), `vpoll.sock`)
	ln, err := server.Listen(path, vpoll.DefaultMode)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error(`server did not stop`)
		}
	})

	return dev, srv, path
}

func dial(t *testing.T, path string, opts ...Option) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_roundTrip(t *testing.T) {
	dev, _, path := startServer(t, server.Config{})
	c := dial(t, path)
	ctx := testContext(t)

	h, err := c.Open(ctx)
	require.NoError(t, err)
	assert.NotZero(t, h)
	assert.Equal(t, 1, dev.Len())

	mask, err := c.AddEvents(ctx, h, vpoll.EventIn|vpoll.EventPri)
	require.NoError(t, err)
	assert.Equal(t, vpoll.EventIn|vpoll.EventPri, mask)

	mask, err = c.DelEvents(ctx, h, vpoll.EventIn)
	require.NoError(t, err)
	assert.Equal(t, vpoll.EventPri, mask)

	mask, err = c.Ioctl(ctx, h, vpoll.IOAddEvents, uint64(vpoll.EventOut))
	require.NoError(t, err)
	assert.Equal(t, vpoll.EventPri|vpoll.EventOut, mask)

	ready, err := c.Poll(ctx, h, vpoll.EventOut, 0)
	require.NoError(t, err)
	assert.Equal(t, vpoll.EventOut, ready)

	ready, err = c.Poll(ctx, h, vpoll.EventIn, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, ready)

	require.NoError(t, c.Close(ctx, h))
	assert.Zero(t, dev.Len())
}

func TestClient_pollWakes(t *testing.T) {
	_, _, path := startServer(t, server.Config{})
	consumer := dial(t, path)
	producer := dial(t, path)
	ctx := testContext(t)

	h, err := consumer.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, producer.Attach(ctx, h))

	type result struct {
		ready vpoll.Events
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		ready, err := consumer.Poll(ctx, h, vpoll.EventIn|vpoll.EventRdHup, -1)
		ch <- result{ready, err}
	}()

	// unrelated bits don't complete the poll
	_, err = producer.AddEvents(ctx, h, vpoll.EventOut)
	require.NoError(t, err)
	select {
	case r := <-ch:
		t.Fatalf(`unexpected result: %+v`, r)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = producer.AddEvents(ctx, h, vpoll.EventIn)
	require.NoError(t, err)
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		assert.Equal(t, vpoll.EventIn, r.ready)
	case <-ctx.Done():
		t.Fatal(ctx.Err())
	}
}

func TestClient_errors(t *testing.T) {
	_, _, path := startServer(t, server.Config{})
	c := dial(t, path)
	ctx := testContext(t)

	_, err := c.AddEvents(ctx, 42, vpoll.EventIn)
	assert.ErrorIs(t, err, vpoll.ErrInvalidHandle)
	var ce *vpoll.ControlError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, wire.OpIoctl.String(), ce.Op)
	assert.Equal(t, vpoll.Handle(42), ce.Handle)

	h, err := c.Open(ctx)
	require.NoError(t, err)

	_, err = c.AddEvents(ctx, h, vpoll.PollEdgeTriggered)
	assert.ErrorIs(t, err, vpoll.ErrReservedBits)
	assert.ErrorIs(t, err, vpoll.ErrInvalidArgument)

	_, err = c.Ioctl(ctx, h, 0x1234, 0)
	assert.ErrorIs(t, err, vpoll.ErrInvalidArgument)

	_, err = c.Poll(ctx, h, vpoll.PollOneShot, 0)
	assert.ErrorIs(t, err, vpoll.ErrReservedBits)

	assert.ErrorIs(t, c.Attach(ctx, h+100), vpoll.ErrInvalidHandle)
	require.NoError(t, c.Close(ctx, h))
	assert.ErrorIs(t, c.Close(ctx, h), vpoll.ErrInvalidHandle)
}

func TestClient_sharedHandle(t *testing.T) {
	dev, srv, path := startServer(t, server.Config{})
	c1 := dial(t, path)
	c2 := dial(t, path)
	ctx := testContext(t)

	h, err := c1.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, c2.Attach(ctx, h))

	require.NoError(t, c1.Close(ctx, h))
	assert.Equal(t, 1, dev.Len())

	mask, err := c2.AddEvents(ctx, h, vpoll.EventHup)
	require.NoError(t, err)
	assert.Equal(t, vpoll.EventHup, mask)

	// c1 no longer holds a reference
	_, err = c1.AddEvents(ctx, h, vpoll.EventIn)
	assert.ErrorIs(t, err, vpoll.ErrInvalidHandle)

	require.NoError(t, c2.Disconnect())
	require.Eventually(t, func() bool { return dev.Len() == 0 && srv.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestClient_rateLimited(t *testing.T) {
	_, _, path := startServer(t, server.Config{OpenRateLimits: map[time.Duration]int{time.Hour: 1}})
	c := dial(t, path)
	ctx := testContext(t)

	h, err := c.Open(ctx)
	require.NoError(t, err)

	_, err = c.Open(ctx)
	assert.ErrorIs(t, err, vpoll.ErrResourceExhausted)
	assert.ErrorIs(t, err, wire.ErrRateLimited)

	err = c.Attach(ctx, h)
	assert.ErrorIs(t, err, wire.ErrRateLimited)
}

func TestDial_versionMismatch(t *testing.T) {
	_, _, path := startServer(t, server.Config{})
	ctx := testContext(t)
	_, err := Dial(ctx, path, WithProtocolVersion(`2.0.0`))
	assert.ErrorIs(t, err, wire.ErrVersionMismatch)
}

func TestDial_noServer(t *testing.T) {
	ctx := testContext(t)
	_, err := Dial(ctx, filepath.Join(t.TempDir(), `missing.sock`))
	assert.Error(t, err)
}

func TestClient_disconnect(t *testing.T) {
	dev, _, path := startServer(t, server.Config{})
	c := dial(t, path)
	ctx := testContext(t)

	h, err := c.Open(ctx)
	require.NoError(t, err)

	ch := make(chan error, 1)
	go func() {
		_, err := c.Poll(ctx, h, vpoll.EventIn, -1)
		ch <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Disconnect())

	select {
	case err := <-ch:
		assert.ErrorIs(t, err, ErrClosed)
	case <-ctx.Done():
		t.Fatal(ctx.Err())
	}
	<-c.Done()

	_, err = c.Open(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	require.Eventually(t, func() bool { return dev.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestClient_contextCanceled(t *testing.T) {
	_, _, path := startServer(t, server.Config{})
	c := dial(t, path)
	ctx := testContext(t)

	h, err := c.Open(ctx)
	require.NoError(t, err)

	pollCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = c.Poll(pollCtx, h, vpoll.EventIn, -1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the late response, if any, is discarded
	mask, err := c.AddEvents(ctx, h, vpoll.EventIn)
	require.NoError(t, err)
	assert.Equal(t, vpoll.EventIn, mask)
}
