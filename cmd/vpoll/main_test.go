package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-vpoll"
	"github.com/joeycumines/go-vpoll/client"
	"github.com/joeycumines/go-vpoll/internal/config"
	"github.com/joeycumines/go-vpoll/internal/server"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// syncBuffer is written by the command, and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func execute(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	var o, e syncBuffer
	cmd := newRootCommand(&o, &e)
	cmd.SetArgs(args)
	err = cmd.ExecuteContext(ctx)
	return o.String(), e.String(), err
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startServer(t *testing.T) string {
	t.Helper()
	dev, err := vpoll.NewDevice()
	require.NoError(t, err)
	require.NoError(t, dev.Start())
	t.Cleanup(func() { _ = dev.Stop() })
	srv, err := server.New(server.Config{Device: dev})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), `vpoll.sock`)
	ln, err := server.Listen(path, vpoll.DefaultMode)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return path
}

func writeConfig(t *testing.T, path string, cfg config.Config) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, config.Encode(&buf, &cfg))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func testBackends(t *testing.T) map[string][]string {
	backends := map[string][]string{
		backendPoller: nil,
		backendSelect: nil,
		backendRemote: {`--socket`, startServer(t)},
	}
	if runtime.GOOS == `linux` {
		backends[backendEpoll] = nil
	}
	return backends
}

func TestDemo(t *testing.T) {
	for backend, extra := range testBackends(t) {
		t.Run(backend, func(t *testing.T) {
			args := append([]string{`demo`, `--backend`, backend, `--delay`, `20ms`, `--timeout`, `10s`}, extra...)
			stdout, _, err := execute(testContext(t), args...)
			require.NoError(t, err)

			lines := strings.Split(strings.TrimSpace(stdout), "\n")
			require.NotEmpty(t, lines)
			var seen, last vpoll.Events
			for _, line := range lines {
				v, ok := strings.CutPrefix(line, `GOT event `)
				require.True(t, ok, line)
				n, err := strconv.ParseUint(v, 16, 32)
				require.NoError(t, err, line)
				last = vpoll.Events(n)
				seen |= last
			}
			assert.Equal(t, vpoll.EventIn|vpoll.EventPri|vpoll.EventOut|vpoll.EventHup, seen)
			assert.True(t, last.Has(vpoll.EventHup), stdout)
		})
	}
}

func TestDemo_timeouts(t *testing.T) {
	stdout, _, err := execute(testContext(t), `demo`, `--delay`, `60ms`, `--timeout`, `5ms`)
	require.NoError(t, err)
	assert.Contains(t, stdout, "timeout...\n")
	assert.Contains(t, stdout, "GOT event 10\n")
}

func TestDemo_unknownBackend(t *testing.T) {
	_, _, err := execute(testContext(t), `demo`, `--backend`, `kqueue`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown backend`)
}

func TestBench(t *testing.T) {
	for backend, extra := range testBackends(t) {
		t.Run(backend, func(t *testing.T) {
			args := append([]string{`bench`, `--backend`, backend, `--iters`, `200`, `--timeout`, `10s`}, extra...)
			stdout, _, err := execute(testContext(t), args...)
			require.NoError(t, err)
			assert.Contains(t, stdout, `backend `+backend+` iters 200`)
			assert.Contains(t, stdout, `received `)
			if backend == backendPoller || backend == backendSelect {
				assert.Contains(t, stdout, `wait latency: count `)
			}
		})
	}
}

func TestBench_negativeIters(t *testing.T) {
	_, _, err := execute(testContext(t), `bench`, `--iters`, `-1`)
	assert.Error(t, err)
}

func TestParseRateLimit(t *testing.T) {
	v, err := parseRateLimit(`10/1s`)
	require.NoError(t, err)
	assert.Equal(t, config.RateLimit{Window: time.Second, Count: 10}, v)

	v, err = parseRateLimit(`100/1m30s`)
	require.NoError(t, err)
	assert.Equal(t, config.RateLimit{Window: 90 * time.Second, Count: 100}, v)

	for _, s := range []string{``, `10`, `10/`, `x/1s`, `10/forever`} {
		_, err := parseRateLimit(s)
		assert.Error(t, err, s)
	}
}

func TestResolveConfig(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, `vpoll.yaml`)
	writeConfig(t, file, config.Config{
		Socket:       filepath.Join(dir, `from-file.sock`),
		Mode:         0o600,
		MaxInstances: 4,
		OpenRateLimits: []config.RateLimit{
			{Window: time.Minute, Count: 60},
		},
		LogLevel: config.Level(logiface.LevelDebug),
	})

	opts := &serveOptions{
		root: &rootOptions{logLevel: config.Level(logiface.LevelWarning)},
		conf: config.Default(),
	}
	opts.flags = pflag.NewFlagSet(`serve`, pflag.ContinueOnError)
	opts.installFlags(opts.flags)
	require.NoError(t, opts.flags.Parse([]string{
		`--config-file`, file,
		`--max-instances`, `9`,
		`--open-rate-limit`, `1/1s`,
		`--open-rate-limit`, `10/1m`,
	}))

	cfg, err := resolveConfig(opts)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, `from-file.sock`), cfg.Socket)
	assert.Equal(t, config.Mode(0o600), cfg.Mode)
	assert.Equal(t, 9, cfg.MaxInstances)
	assert.Equal(t, []config.RateLimit{{Window: time.Second, Count: 1}, {Window: time.Minute, Count: 10}}, cfg.OpenRateLimits)
	assert.Equal(t, config.Level(logiface.LevelDebug), cfg.LogLevel)

	require.NoError(t, opts.flags.Parse([]string{`--open-rate-limit`, `nope`}))
	_, err = resolveConfig(opts)
	assert.Error(t, err)

	_, err = resolveConfig(&serveOptions{root: opts.root, configFile: filepath.Join(dir, `missing.yaml`)})
	assert.Error(t, err)
}

func TestLogLevel_sameDefaultForAllCommands(t *testing.T) {
	root := newRootCommand(&bytes.Buffer{}, &bytes.Buffer{})
	flag := root.PersistentFlags().Lookup(`log-level`)
	require.NotNil(t, flag)
	assert.Equal(t, config.Default().LogLevel.String(), flag.DefValue)

	// serve falls back to the config default when the flag is not set
	opts := &serveOptions{
		root: &rootOptions{logLevel: config.Default().LogLevel},
		conf: config.Default(),
	}
	opts.flags = pflag.NewFlagSet(`serve`, pflag.ContinueOnError)
	opts.installFlags(opts.flags)
	require.NoError(t, opts.flags.Parse(nil))
	cfg, err := resolveConfig(opts)
	require.NoError(t, err)
	assert.Equal(t, opts.root.logLevel, cfg.LogLevel)
}

func TestServe(t *testing.T) {
	dir := t.TempDir()
	socket := filepath.Join(dir, `vpoll.sock`)
	file := filepath.Join(dir, `vpoll.yaml`)
	writeConfig(t, file, config.Config{
		Socket:       socket,
		Mode:         0o600,
		MaxInstances: 1,
		LogLevel:     config.Level(logiface.LevelCritical),
	})

	ctx, cancel := context.WithCancel(testContext(t))
	done := make(chan error, 1)
	go func() {
		_, _, err := execute(ctx, `serve`, `--config-file`, file)
		done <- err
	}()

	var c *client.Client
	require.Eventually(t, func() bool {
		dialCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		var err error
		c, err = client.Dial(dialCtx, socket)
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)
	defer c.Disconnect()

	h, err := c.Open(ctx)
	require.NoError(t, err)
	_, err = c.Open(ctx)
	assert.ErrorIs(t, err, vpoll.ErrResourceExhausted)

	mask, err := c.AddEvents(ctx, h, vpoll.EventIn)
	require.NoError(t, err)
	assert.Equal(t, vpoll.EventIn, mask)

	// max_instances is applied on reload
	writeConfig(t, file, config.Config{
		Socket:       socket,
		Mode:         0o600,
		MaxInstances: 2,
		LogLevel:     config.Level(logiface.LevelCritical),
	})
	require.Eventually(t, func() bool {
		h2, err := c.Open(ctx)
		return err == nil && c.Close(ctx, h2) == nil
	}, 10*time.Second, 20*time.Millisecond)

	fi, err := os.Stat(socket)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal(`serve did not stop`)
	}
}
