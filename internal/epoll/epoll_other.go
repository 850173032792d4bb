//go:build !linux

package epoll

// Poller is unavailable on this platform.
type Poller struct{}

// New always fails with [ErrNotSupported].
func New() (*Poller, error) { return nil, ErrNotSupported }

func (p *Poller) Close() error { return nil }

func (p *Poller) RegisterFD(int, IOEvents, IOCallback) error { return ErrNotSupported }

func (p *Poller) UnregisterFD(int) error { return ErrNotSupported }

func (p *Poller) PollIO(int) (int, error) { return 0, ErrNotSupported }
