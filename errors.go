package vpoll

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrInvalidHandle is returned for operations addressed to an instance
	// that was never opened, or has been released.
	ErrInvalidHandle = errors.New("vpoll: invalid handle")

	// ErrInvalidArgument is returned for unrecognized control commands, and
	// other malformed arguments. The mask is never modified.
	ErrInvalidArgument = errors.New("vpoll: invalid argument")

	// ErrReservedBits is returned when an events argument sets any of
	// [ReservedEvents], and the device is not configured to mask them.
	// It matches [ErrInvalidArgument] via [errors.Is].
	ErrReservedBits error = &reservedBitsError{}

	// ErrResourceExhausted is returned by [Device.Open] when no further
	// instances may be created.
	ErrResourceExhausted = errors.New("vpoll: resource exhausted")

	// ErrDeviceClosed is returned by [Device.Open] before [Device.Start], or
	// after [Device.Stop].
	ErrDeviceClosed = errors.New("vpoll: device closed")

	// ErrPollerClosed is returned by operations on a closed [Poller].
	ErrPollerClosed = errors.New("vpoll: poller closed")

	// ErrAlreadyRegistered is returned by [Poller.Add] for an instance that
	// is already part of the interest set.
	ErrAlreadyRegistered = errors.New("vpoll: already registered")

	// ErrNotRegistered is returned by [Poller.Modify] and [Poller.Remove] for
	// an instance that is not part of the interest set.
	ErrNotRegistered = errors.New("vpoll: not registered")

	// ErrNotSupported is returned for features unavailable on the platform,
	// or multiplexer flags with no implementation.
	ErrNotSupported = errors.New("vpoll: not supported")
)

type reservedBitsError struct{}

func (*reservedBitsError) Error() string { return "vpoll: reserved event bits set" }

func (*reservedBitsError) Is(target error) bool { return target == ErrInvalidArgument }

// ControlError describes a failed control plane operation.
type ControlError struct {
	Err    error
	Op     string
	Handle Handle
}

// Error implements the error interface.
func (e *ControlError) Error() string {
	if e.Handle == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s handle %d: %v", e.Op, e.Handle, e.Err)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *ControlError) Unwrap() error {
	return e.Err
}
