package vpoll

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_values(t *testing.T) {
	// _IO('^', n) == '^'<<8 | n
	assert.Equal(t, Command(0x5e01), IOAddEvents)
	assert.Equal(t, Command(0x5e02), IODelEvents)
	assert.Equal(t, `VPOLL_IO_ADDEVENTS`, IOAddEvents.String())
	assert.Equal(t, `VPOLL_IO_DELEVENTS`, IODelEvents.String())
	assert.Equal(t, `0x5e03`, Command(0x5e03).String())
	assert.True(t, IOAddEvents.Valid())
	assert.False(t, Command(0).Valid())
}

func TestEventsArg(t *testing.T) {
	ev, err := eventsArg(uint64(EventIn|EventOut), false)
	require.NoError(t, err)
	assert.Equal(t, EventIn|EventOut, ev)

	_, err = eventsArg(uint64(EventIn|PollOneShot), false)
	assert.ErrorIs(t, err, ErrReservedBits)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// bits beyond 32 are reserved too, as the argument is an unsigned long
	_, err = eventsArg(1<<40|uint64(EventIn), false)
	assert.ErrorIs(t, err, ErrReservedBits)

	ev, err = eventsArg(1<<40|uint64(EventIn|PollEdgeTriggered), true)
	require.NoError(t, err)
	assert.Equal(t, EventIn, ev)
}

func TestControlError(t *testing.T) {
	err := error(&ControlError{Op: IOAddEvents.String(), Handle: 3, Err: ErrInvalidHandle})
	assert.Equal(t, `VPOLL_IO_ADDEVENTS handle 3: vpoll: invalid handle`, err.Error())
	assert.True(t, errors.Is(err, ErrInvalidHandle))
	var ce *ControlError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, Handle(3), ce.Handle)

	err = &ControlError{Op: `release`, Err: ErrInvalidHandle}
	assert.Equal(t, `release: vpoll: invalid handle`, err.Error())
}
