package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/joeycumines/go-vpoll"
	"github.com/joeycumines/go-vpoll/internal/config"
	"github.com/joeycumines/go-vpoll/internal/server"
	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const flagConfigFile = "config-file"

type serveOptions struct {
	root       *rootOptions
	configFile string
	watch      bool
	conf       config.Config
	rateLimits []string
	flags      *pflag.FlagSet
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{
		root: root,
		conf: config.Default(),
	}

	cmd := &cobra.Command{
		Use:   "serve [OPTIONS]",
		Short: "Run the daemon, sharing instances between processes over a Unix socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.flags = cmd.Flags()
			return runServe(cmd.Context(), opts)
		},
	}

	opts.installFlags(cmd.Flags())

	return cmd
}

func (x *serveOptions) installFlags(flags *pflag.FlagSet) {
	flags.StringVar(&x.configFile, flagConfigFile, "", "YAML configuration file, overridden by flags")
	flags.BoolVar(&x.watch, "watch", true, "Reload max_instances when the configuration file changes")
	installServeFlags(&x.conf, flags)
	flags.StringArrayVar(&x.rateLimits, "open-rate-limit", nil, "Per connection open/attach limit, as COUNT/WINDOW, e.g. 10/1s (repeatable)")
}

func installServeFlags(conf *config.Config, flags *pflag.FlagSet) {
	flags.StringVar(&conf.Socket, "socket", conf.Socket, "Path of the Unix socket")
	flags.Var(&conf.Mode, "mode", "Permission of the Unix socket, in octal")
	flags.IntVar(&conf.MaxInstances, "max-instances", conf.MaxInstances, "Maximum open instances, 0 for unbounded")
	flags.BoolVar(&conf.MaskReservedBits, "mask-reserved-bits", conf.MaskReservedBits, "Silently clear reserved event bits, instead of rejecting them")
	flags.StringVar(&conf.MetricsAddr, "metrics-addr", conf.MetricsAddr, "Listen address for Prometheus metrics, disabled if empty")
}

// resolveConfig loads the config file, if any, then applies any flags that
// were explicitly set.
func resolveConfig(opts *serveOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.configFile != "" {
		var err error
		if cfg, err = config.Load(opts.configFile); err != nil {
			return cfg, err
		}
	}

	visit := func(name string, fn func()) {
		if opts.flags != nil && opts.flags.Changed(name) {
			fn()
		}
	}
	visit("socket", func() { cfg.Socket = opts.conf.Socket })
	visit("mode", func() { cfg.Mode = opts.conf.Mode })
	visit("max-instances", func() { cfg.MaxInstances = opts.conf.MaxInstances })
	visit("mask-reserved-bits", func() { cfg.MaskReservedBits = opts.conf.MaskReservedBits })
	visit("metrics-addr", func() { cfg.MetricsAddr = opts.conf.MetricsAddr })
	visit("log-level", func() { cfg.LogLevel = opts.root.logLevel })
	if len(opts.rateLimits) != 0 {
		cfg.OpenRateLimits = cfg.OpenRateLimits[:0]
		for _, s := range opts.rateLimits {
			v, err := parseRateLimit(s)
			if err != nil {
				return cfg, err
			}
			cfg.OpenRateLimits = append(cfg.OpenRateLimits, v)
		}
	}

	return cfg, cfg.Validate()
}

func parseRateLimit(s string) (config.RateLimit, error) {
	var (
		count  int
		window string
	)
	if n, err := fmt.Sscanf(s, "%d/%s", &count, &window); err != nil || n != 2 {
		return config.RateLimit{}, fmt.Errorf("invalid open rate limit %q, expected COUNT/WINDOW", s)
	}
	d, err := time.ParseDuration(window)
	if err != nil {
		return config.RateLimit{}, fmt.Errorf("invalid open rate limit %q: %w", s, err)
	}
	return config.RateLimit{Window: d, Count: count}, nil
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}

	logger := newLogger(opts.root.stderr, logiface.Level(cfg.LogLevel))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := vpoll.NewMetrics(reg)
	if err != nil {
		return err
	}

	dev, err := vpoll.NewDevice(
		vpoll.WithLogger(logger),
		vpoll.WithMetrics(metrics),
		vpoll.WithMode(os.FileMode(cfg.Mode)),
		vpoll.WithMaxInstances(cfg.MaxInstances),
		vpoll.WithMaskReservedBits(cfg.MaskReservedBits),
	)
	if err != nil {
		return err
	}
	if err := dev.Start(); err != nil {
		return err
	}
	defer dev.Stop()

	srv, err := server.New(server.Config{
		Device:         dev,
		Logger:         logger,
		OpenRateLimits: cfg.RateLimits(),
		PollOptions:    []vpoll.PollerOption{vpoll.WithLogger(logger), vpoll.WithMetrics(metrics)},
	})
	if err != nil {
		return err
	}

	var watcher *config.Watcher
	if opts.configFile != "" && opts.watch {
		if watcher, err = config.NewWatcher(opts.configFile, cfg, logger); err != nil {
			return err
		}
		defer watcher.Close()
		maxInstancesFlag := opts.flags != nil && opts.flags.Changed("max-instances")
		watcher.OnReload(func(old, cfg config.Config) {
			if maxInstancesFlag {
				return
			}
			dev.SetMaxInstances(cfg.MaxInstances)
		})
	}

	ln, err := server.Listen(cfg.Socket, dev.Mode())
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Serve(ctx, ln) })

	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, reg, logger) })
	}

	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}

	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *logiface.Logger[logiface.Event]) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	logger.Info().
		Str("addr", addr).
		Log("vpoll metrics listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
