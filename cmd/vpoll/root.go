package main

import (
	"io"

	"github.com/joeycumines/go-vpoll/internal/config"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type rootOptions struct {
	logLevel config.Level
	stdout   io.Writer
	stderr   io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{
		logLevel: config.Default().LogLevel,
		stdout:   stdout,
		stderr:   stderr,
	}

	cmd := &cobra.Command{
		Use:           "vpoll",
		Short:         "Synthetic readiness sources, for driving readiness-based event loops",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	installRootFlags(opts, cmd.PersistentFlags())

	cmd.AddCommand(
		newServeCommand(opts),
		newDemoCommand(opts),
		newBenchCommand(opts),
	)

	return cmd
}

func installRootFlags(opts *rootOptions, flags *pflag.FlagSet) {
	flags.Var(&opts.logLevel, "log-level", "Minimum level logged to stderr (trace, debug, info, notice, warning, err, disabled)")
}

// newLogger builds a JSON logger writing to w, or nil if level is disabled.
func newLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	if !level.Enabled() {
		return nil
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}
