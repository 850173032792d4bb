package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/joeycumines/go-vpoll"
	"github.com/joeycumines/go-vpoll/internal/config"
	"github.com/joeycumines/logiface"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// demoSequence is added by the producer, one step per delay.
var demoSequence = []vpoll.Events{
	vpoll.EventIn,
	vpoll.EventIn,
	vpoll.EventIn | vpoll.EventPri,
	vpoll.EventPri,
	vpoll.EventOut,
	vpoll.EventHup,
}

type demoOptions struct {
	root    *rootOptions
	backend string
	socket  string
	delay   time.Duration
	timeout time.Duration
}

func newDemoCommand(root *rootOptions) *cobra.Command {
	opts := &demoOptions{root: root}

	cmd := &cobra.Command{
		Use:   "demo [OPTIONS]",
		Short: "Producer adds IN, IN, IN|PRI, PRI, OUT, HUP, while the consumer waits, and deletes what it gets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.backend, "backend", backendPoller, fmt.Sprintf("Multiplexer backend, one of %v", backends))
	flags.StringVar(&opts.socket, "socket", config.DefaultSocket, "Path of the daemon's socket, for the remote backend")
	flags.DurationVar(&opts.delay, "delay", time.Second, "Delay before each step of the producer")
	flags.DurationVar(&opts.timeout, "timeout", time.Second, "Timeout of each wait of the consumer")

	return cmd
}

func runDemo(ctx context.Context, opts *demoOptions) error {
	logger := newLogger(opts.root.stderr, logiface.Level(opts.root.logLevel))

	t, err := newTarget(ctx, targetOptions{
		backend: opts.backend,
		socket:  opts.socket,
		opts:    []vpoll.Option{vpoll.WithLogger(logger)},
	})
	if err != nil {
		return err
	}
	defer t.close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for _, bits := range demoSequence {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(opts.delay):
			}
			if err := t.add(ctx, bits); err != nil {
				return fmt.Errorf("producer: %w", err)
			}
		}
		return nil
	})

	g.Go(func() error {
		return consume(ctx, opts.root.stdout, t, opts.timeout)
	})

	return g.Wait()
}

// consume waits until a hangup is received, printing each result.
func consume(ctx context.Context, w io.Writer, c consumer, timeout time.Duration) error {
	for {
		events, err := c.wait(ctx, timeout)
		if err != nil {
			return fmt.Errorf("consumer: %w", err)
		}
		if events == 0 {
			fmt.Fprintln(w, "timeout...")
			continue
		}
		fmt.Fprintf(w, "GOT event %x\n", uint32(events))
		if err := c.del(ctx, events); err != nil {
			return fmt.Errorf("consumer: %w", err)
		}
		if events.Has(vpoll.EventHup) {
			return nil
		}
	}
}
