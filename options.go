// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package vpoll

import (
	"fmt"
	"os"

	"github.com/joeycumines/logiface"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMode is the permission of the rendezvous point, e.g. the daemon's
// socket. Any user may open instances.
const DefaultMode os.FileMode = 0o666

// deviceOptions holds configuration options for Device creation.
type deviceOptions struct {
	logger       *logiface.Logger[logiface.Event]
	metrics      *Metrics
	maxInstances int
	mode         os.FileMode
	maskReserved bool
}

// pollerOptions holds configuration options for Poller creation, and Select.
type pollerOptions struct {
	logger         *logiface.Logger[logiface.Event]
	metrics        *Metrics
	tracerProvider trace.TracerProvider
}

// --- Device Options ---

// DeviceOption configures a Device instance.
type DeviceOption interface {
	applyDevice(*deviceOptions) error
}

// PollerOption configures a Poller instance, or a call to Select.
type PollerOption interface {
	applyPoller(*pollerOptions) error
}

// Option is accepted by both NewDevice and NewPoller.
type Option interface {
	DeviceOption
	PollerOption
}

// deviceOptionImpl implements DeviceOption.
type deviceOptionImpl struct {
	applyDeviceFunc func(*deviceOptions) error
}

func (x *deviceOptionImpl) applyDevice(opts *deviceOptions) error {
	return x.applyDeviceFunc(opts)
}

// pollerOptionImpl implements PollerOption.
type pollerOptionImpl struct {
	applyPollerFunc func(*pollerOptions) error
}

func (x *pollerOptionImpl) applyPoller(opts *pollerOptions) error {
	return x.applyPollerFunc(opts)
}

// optionImpl implements Option.
type optionImpl struct {
	deviceOptionImpl
	pollerOptionImpl
}

// WithLogger attaches a structured logger. A nil logger disables logging,
// which is the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{
		deviceOptionImpl{func(opts *deviceOptions) error {
			opts.logger = logger
			return nil
		}},
		pollerOptionImpl{func(opts *pollerOptions) error {
			opts.logger = logger
			return nil
		}},
	}
}

// WithMetrics attaches Prometheus collectors, see NewMetrics.
func WithMetrics(metrics *Metrics) Option {
	return &optionImpl{
		deviceOptionImpl{func(opts *deviceOptions) error {
			opts.metrics = metrics
			return nil
		}},
		pollerOptionImpl{func(opts *pollerOptions) error {
			opts.metrics = metrics
			return nil
		}},
	}
}

// WithMaxInstances bounds the number of simultaneously open instances.
// Zero (the default) means unbounded.
func WithMaxInstances(n int) DeviceOption {
	return &deviceOptionImpl{func(opts *deviceOptions) error {
		if n < 0 {
			return fmt.Errorf("%w: max instances %d", ErrInvalidArgument, n)
		}
		opts.maxInstances = n
		return nil
	}}
}

// WithMaskReservedBits selects the policy for events arguments that set any
// of [ReservedEvents]. When enabled, the bits are silently cleared. When
// disabled (the default), the operation fails with [ErrReservedBits].
func WithMaskReservedBits(enabled bool) DeviceOption {
	return &deviceOptionImpl{func(opts *deviceOptions) error {
		opts.maskReserved = enabled
		return nil
	}}
}

// WithMode sets the permission bits reported by Device.Mode, defaulting to
// DefaultMode.
func WithMode(mode os.FileMode) DeviceOption {
	return &deviceOptionImpl{func(opts *deviceOptions) error {
		if mode&^os.ModePerm != 0 {
			return fmt.Errorf("%w: mode %v", ErrInvalidArgument, mode)
		}
		opts.mode = mode
		return nil
	}}
}

// WithTracerProvider enables tracing of waits. By default, the global
// provider is used, see go.opentelemetry.io/otel.GetTracerProvider.
func WithTracerProvider(tp trace.TracerProvider) PollerOption {
	return &pollerOptionImpl{func(opts *pollerOptions) error {
		opts.tracerProvider = tp
		return nil
	}}
}

// resolveDeviceOptions applies DeviceOption instances to deviceOptions.
func resolveDeviceOptions(opts []DeviceOption) (*deviceOptions, error) {
	cfg := &deviceOptions{
		mode: DefaultMode,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyDevice(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// resolvePollerOptions applies PollerOption instances to pollerOptions.
func resolvePollerOptions(opts []PollerOption) (*pollerOptions, error) {
	cfg := &pollerOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPoller(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
