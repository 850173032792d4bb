package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/joeycumines/go-vpoll"
	"github.com/joeycumines/go-vpoll/internal/config"
	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type benchOptions struct {
	root    *rootOptions
	backend string
	socket  string
	iters   int
	timeout time.Duration
}

func newBenchCommand(root *rootOptions) *cobra.Command {
	opts := &benchOptions{root: root}

	cmd := &cobra.Command{
		Use:   "bench [OPTIONS]",
		Short: "Producer alternates OUT and IN adds, then HUP, while the consumer waits, and deletes what it gets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.backend, "backend", backendPoller, fmt.Sprintf("Multiplexer backend, one of %v", backends))
	flags.StringVar(&opts.socket, "socket", config.DefaultSocket, "Path of the daemon's socket, for the remote backend")
	flags.IntVar(&opts.iters, "iters", 100000, "Number of producer iterations")
	flags.DurationVar(&opts.timeout, "timeout", time.Second, "Timeout of each wait of the consumer")

	return cmd
}

type benchResult struct {
	elapsed  time.Duration
	received int
	timeouts int
}

func runBench(ctx context.Context, opts *benchOptions) error {
	if opts.iters < 0 {
		return fmt.Errorf("iters must be non-negative: %d", opts.iters)
	}

	logger := newLogger(opts.root.stderr, logiface.Level(opts.root.logLevel))

	reg := prometheus.NewRegistry()
	metrics, err := vpoll.NewMetrics(reg)
	if err != nil {
		return err
	}

	t, err := newTarget(ctx, targetOptions{
		backend: opts.backend,
		socket:  opts.socket,
		opts:    []vpoll.Option{vpoll.WithLogger(logger), vpoll.WithMetrics(metrics)},
	})
	if err != nil {
		return err
	}
	defer t.close()

	var res benchResult
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for i := 0; i < opts.iters; i++ {
			bits := vpoll.EventOut
			if i%2 != 0 {
				bits = vpoll.EventIn
			}
			if err := t.add(ctx, bits); err != nil {
				return fmt.Errorf("producer: %w", err)
			}
		}
		if err := t.add(ctx, vpoll.EventHup); err != nil {
			return fmt.Errorf("producer: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		for {
			events, err := t.wait(ctx, opts.timeout)
			if err != nil {
				return fmt.Errorf("consumer: %w", err)
			}
			if events == 0 {
				res.timeouts++
				continue
			}
			res.received++
			if err := t.del(ctx, events); err != nil {
				return fmt.Errorf("consumer: %w", err)
			}
			if events.Has(vpoll.EventHup) {
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	res.elapsed = time.Since(start)

	families, err := reg.Gather()
	if err != nil {
		return err
	}

	writeBenchReport(opts.root.stdout, opts, &res, families)
	return nil
}

func writeBenchReport(w io.Writer, opts *benchOptions, res *benchResult, families []*dto.MetricFamily) {
	fmt.Fprintf(w, "backend %s iters %d\n", opts.backend, opts.iters)
	fmt.Fprintf(w, "elapsed %s (%.0f ns/iter)\n", res.elapsed, float64(res.elapsed.Nanoseconds())/math.Max(1, float64(opts.iters)))
	fmt.Fprintf(w, "received %d timeouts %d\n", res.received, res.timeouts)
	for _, mf := range families {
		switch mf.GetName() {
		case "vpoll_wakes_total":
			for _, m := range mf.GetMetric() {
				fmt.Fprintf(w, "wakes %.0f\n", m.GetCounter().GetValue())
			}
		case "vpoll_poller_wait_seconds":
			for _, m := range mf.GetMetric() {
				writeHistogram(w, m.GetHistogram())
			}
		}
	}
}

// writeHistogram prints the non-cumulative count of each bucket.
func writeHistogram(w io.Writer, h *dto.Histogram) {
	fmt.Fprintf(w, "wait latency: count %d mean %s\n", h.GetSampleCount(), meanDuration(h))
	var prev uint64
	for _, b := range h.GetBucket() {
		n := b.GetCumulativeCount() - prev
		prev = b.GetCumulativeCount()
		if n == 0 {
			continue
		}
		fmt.Fprintf(w, "  <= %-12s %d\n", time.Duration(b.GetUpperBound()*float64(time.Second)), n)
	}
	if n := h.GetSampleCount() - prev; n != 0 {
		fmt.Fprintf(w, "  >  %-12s %d\n", "max bucket", n)
	}
}

func meanDuration(h *dto.Histogram) time.Duration {
	if h.GetSampleCount() == 0 {
		return 0
	}
	return time.Duration(h.GetSampleSum() / float64(h.GetSampleCount()) * float64(time.Second))
}
