package vpoll

import (
	"strconv"
)

// Command is a control plane command code. The values are ioctl(2) request
// numbers, as encoded by the Linux _IO macro, with type '^'.
type Command uint32

// ioctl type character for control commands.
const iocMagic = '^'

const (
	// IOAddEvents sets bits in the mask, waking any waiters.
	IOAddEvents = Command(iocMagic<<8 | 1)
	// IODelEvents clears bits in the mask. It never wakes.
	IODelEvents = Command(iocMagic<<8 | 2)
)

// String returns the conventional macro name, or the number for unknown codes.
func (x Command) String() string {
	switch x {
	case IOAddEvents:
		return `VPOLL_IO_ADDEVENTS`
	case IODelEvents:
		return `VPOLL_IO_DELEVENTS`
	default:
		return `0x` + strconv.FormatUint(uint64(x), 16)
	}
}

// Valid returns true for recognized command codes.
func (x Command) Valid() bool {
	return x == IOAddEvents || x == IODelEvents
}

func (x Command) op() string {
	switch x {
	case IOAddEvents:
		return `add`
	case IODelEvents:
		return `del`
	default:
		return `unknown`
	}
}

// eventsArg applies the reserved bits policy to a raw control argument.
func eventsArg(arg uint64, maskReserved bool) (Events, error) {
	if arg&^uint64(AllEvents) != 0 {
		if !maskReserved {
			return 0, ErrReservedBits
		}
		arg &= uint64(AllEvents)
	}
	return Events(arg), nil
}
