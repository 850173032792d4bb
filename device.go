package vpoll

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

type deviceState int32

const (
	deviceCreated deviceState = iota
	deviceRunning
	deviceStopped
)

// Device is the registry of open instances. Every [Device.Open] yields a new,
// independent [Instance], which is destroyed exactly once, by
// [Device.Release] or [Device.Stop].
//
// A Device must be started before use. It is safe for concurrent use.
type Device struct {
	mu        sync.RWMutex
	instances map[Handle]*Instance
	state     deviceState

	nextHandle   atomic.Uint64
	maxInstances atomic.Int64

	logger       *logiface.Logger[logiface.Event]
	metrics      *Metrics
	mode         os.FileMode
	maskReserved bool
}

// NewDevice creates a device, which must be started with [Device.Start].
func NewDevice(opts ...DeviceOption) (*Device, error) {
	cfg, err := resolveDeviceOptions(opts)
	if err != nil {
		return nil, err
	}
	d := &Device{
		instances:    make(map[Handle]*Instance),
		logger:       cfg.logger,
		metrics:      cfg.metrics,
		mode:         cfg.mode,
		maskReserved: cfg.maskReserved,
	}
	d.maxInstances.Store(int64(cfg.maxInstances))
	return d, nil
}

// Start makes the device available for [Device.Open]. It fails with
// [ErrDeviceClosed] if the device has been stopped, and is a no-op if it is
// already running.
func (x *Device) Start() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	switch x.state {
	case deviceStopped:
		return ErrDeviceClosed
	case deviceRunning:
		return nil
	}
	x.state = deviceRunning
	x.logger.Info().
		Str(`mode`, x.mode.String()).
		Int64(`max_instances`, x.maxInstances.Load()).
		Log(`vpoll device started`)
	return nil
}

// Stop releases all remaining instances, and prevents further opens. Any
// instance still open is logged as leaked. Stop is idempotent.
func (x *Device) Stop() error {
	x.mu.Lock()
	if x.state == deviceStopped {
		x.mu.Unlock()
		return nil
	}
	x.state = deviceStopped
	instances := x.instances
	x.instances = make(map[Handle]*Instance)
	x.mu.Unlock()

	for h, inst := range instances {
		x.logger.Warning().
			Uint64(`handle`, uint64(h)).
			Log(`vpoll instance leaked at device stop`)
		x.destroy(inst)
	}

	x.logger.Info().
		Int(`released`, len(instances)).
		Log(`vpoll device stopped`)
	return nil
}

// Open creates a new instance, with an empty mask, and no waiters. It fails
// with [ErrDeviceClosed] if the device is not running, or
// [ErrResourceExhausted] if the instance limit has been reached.
func (x *Device) Open() (*Instance, error) {
	x.mu.Lock()
	if x.state != deviceRunning {
		x.mu.Unlock()
		return nil, ErrDeviceClosed
	}
	if limit := x.maxInstances.Load(); limit > 0 && int64(len(x.instances)) >= limit {
		x.mu.Unlock()
		x.logger.Warning().
			Int64(`max_instances`, limit).
			Log(`vpoll open rejected`)
		return nil, ErrResourceExhausted
	}
	inst := &Instance{
		handle:       Handle(x.nextHandle.Add(1)),
		maskReserved: x.maskReserved,
		logger:       x.logger,
		metrics:      x.metrics,
	}
	x.instances[inst.handle] = inst
	x.mu.Unlock()

	x.metrics.open()
	x.logger.Debug().
		Uint64(`handle`, uint64(inst.handle)).
		Log(`vpoll instance opened`)
	return inst, nil
}

// Lookup returns the open instance identified by h.
func (x *Device) Lookup(h Handle) (*Instance, error) {
	x.mu.RLock()
	inst := x.instances[h]
	x.mu.RUnlock()
	if inst == nil {
		return nil, ErrInvalidHandle
	}
	return inst, nil
}

// Release destroys the instance identified by h. The caller must ensure no
// other calls against the instance are in flight, and that any waiters have
// been detached (e.g. removed from any [Poller]). Releasing an unknown or
// already released handle fails with [ErrInvalidHandle].
func (x *Device) Release(h Handle) error {
	x.mu.Lock()
	inst := x.instances[h]
	if inst == nil {
		x.mu.Unlock()
		return &ControlError{Op: `release`, Handle: h, Err: ErrInvalidHandle}
	}
	delete(x.instances, h)
	x.mu.Unlock()

	x.destroy(inst)
	return nil
}

// Control performs [Instance.Control] on the instance identified by h.
func (x *Device) Control(h Handle, cmd Command, arg uint64) (Events, error) {
	inst, err := x.Lookup(h)
	if err != nil {
		x.metrics.control(cmd, err)
		return 0, &ControlError{Op: cmd.String(), Handle: h, Err: err}
	}
	return inst.Control(cmd, arg)
}

// Poll performs [Instance.Poll] on the instance identified by h.
func (x *Device) Poll(h Handle, pt *PollTable) (Events, error) {
	inst, err := x.Lookup(h)
	if err != nil {
		return 0, err
	}
	return inst.Poll(pt), nil
}

// Len returns the number of open instances.
func (x *Device) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.instances)
}

// Mode returns the permission bits of the rendezvous point.
func (x *Device) Mode() os.FileMode { return x.mode }

// MaxInstances returns the current instance limit, zero being unbounded.
func (x *Device) MaxInstances() int { return int(x.maxInstances.Load()) }

// SetMaxInstances changes the instance limit. Lowering it below the number of
// open instances only affects subsequent opens.
func (x *Device) SetMaxInstances(n int) {
	if n < 0 {
		n = 0
	}
	if old := x.maxInstances.Swap(int64(n)); old != int64(n) {
		x.logger.Info().
			Int64(`old`, old).
			Int(`new`, n).
			Log(`vpoll max instances changed`)
	}
}

func (x *Device) destroy(inst *Instance) {
	waiters, ok := inst.release()
	if !ok {
		return
	}
	x.metrics.release()
	if waiters != 0 {
		x.logger.Warning().
			Uint64(`handle`, uint64(inst.handle)).
			Int(`waiters`, waiters).
			Log(`vpoll instance released with waiters still queued`)
	} else {
		x.logger.Debug().
			Uint64(`handle`, uint64(inst.handle)).
			Log(`vpoll instance released`)
	}
}
