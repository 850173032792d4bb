//go:build linux

package vpoll

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

func newEventFD() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}

func signalEventFD(fd int) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(fd, buf[:])
		switch {
		case err == nil, errors.Is(err, unix.EAGAIN):
			// EAGAIN means the counter is saturated, i.e. already readable
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return err
		}
	}
}

func drainEventFD(fd int) error {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		switch {
		case err == nil, errors.Is(err, unix.EAGAIN):
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return err
		}
	}
}

func closeEventFD(fd int) error {
	return unix.Close(fd)
}
