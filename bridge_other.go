//go:build !linux

package vpoll

func newEventFD() (int, error) { return -1, ErrNotSupported }

func signalEventFD(int) error { return ErrNotSupported }

func drainEventFD(int) error { return ErrNotSupported }

func closeEventFD(int) error { return nil }
