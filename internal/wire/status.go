package wire

import (
	"errors"
	"fmt"

	"github.com/joeycumines/go-vpoll"
)

// Status is the result code of a [Response], mapping one-to-one onto the
// vpoll error sentinels.
type Status uint8

const (
	StatusOK Status = iota
	StatusInvalidHandle
	StatusInvalidArgument
	StatusReservedBits
	StatusResourceExhausted
	StatusDeviceClosed
	StatusNotSupported
	StatusRateLimited
	StatusVersionMismatch
	StatusInternal
)

// ErrRateLimited indicates a request was rejected by a per-connection rate
// limit. It matches [vpoll.ErrResourceExhausted].
var ErrRateLimited error = &rateLimitedError{}

// ErrVersionMismatch indicates the peer's protocol version was not accepted.
var ErrVersionMismatch = errors.New(`wire: protocol version mismatch`)

type rateLimitedError struct{}

func (*rateLimitedError) Error() string { return `wire: rate limited` }

func (*rateLimitedError) Is(target error) bool { return target == vpoll.ErrResourceExhausted }

// StatusError is a non-OK status received from the peer, for which there is
// no sentinel.
type StatusError struct {
	Status Status
}

func (x *StatusError) Error() string {
	return fmt.Sprintf(`wire: status %d`, uint8(x.Status))
}

// statusErrors is ordered from most to least specific, so that the most
// specific status wins for errors matching several sentinels.
var statusErrors = [...]struct {
	status Status
	err    error
}{
	{StatusRateLimited, ErrRateLimited},
	{StatusVersionMismatch, ErrVersionMismatch},
	{StatusReservedBits, vpoll.ErrReservedBits},
	{StatusInvalidHandle, vpoll.ErrInvalidHandle},
	{StatusInvalidArgument, vpoll.ErrInvalidArgument},
	{StatusResourceExhausted, vpoll.ErrResourceExhausted},
	{StatusDeviceClosed, vpoll.ErrDeviceClosed},
	{StatusNotSupported, vpoll.ErrNotSupported},
}

// StatusOf maps err to a status. A nil error is [StatusOK], and errors
// matching no sentinel are [StatusInternal].
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	for _, v := range statusErrors {
		if errors.Is(err, v.err) {
			return v.status
		}
	}
	return StatusInternal
}

// Err maps x to an error, the inverse of [StatusOf].
func (x Status) Err() error {
	if x == StatusOK {
		return nil
	}
	for _, v := range statusErrors {
		if v.status == x {
			return v.err
		}
	}
	return &StatusError{Status: x}
}
