package vpoll

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Events is a readiness mask. The bit layout mirrors the epoll event set, so
// values may be passed to and from golang.org/x/sys/unix without conversion.
type Events uint32

const (
	// EventIn indicates the handle is readable.
	EventIn Events = 0x1
	// EventPri indicates an exceptional (priority) condition.
	EventPri Events = 0x2
	// EventOut indicates the handle is writable.
	EventOut Events = 0x4
	// EventErr indicates an error condition.
	EventErr Events = 0x8
	// EventHup indicates a hangup.
	EventHup Events = 0x10
	// EventRdNorm indicates normal data is readable.
	EventRdNorm Events = 0x40
	// EventRdBand indicates priority band data is readable.
	EventRdBand Events = 0x80
	// EventWrNorm indicates normal data is writable.
	EventWrNorm Events = 0x100
	// EventWrBand indicates priority band data is writable.
	EventWrBand Events = 0x200
	// EventMsg is unused by Linux, but part of the conventional set.
	EventMsg Events = 0x400
	// EventRdHup indicates the peer closed its writing half.
	EventRdHup Events = 0x2000

	// AllEvents is the usable range of an instance mask (28 bits).
	AllEvents Events = 0x0fffffff

	// ReservedEvents are the top 4 bits, which belong to the multiplexer.
	ReservedEvents = ^AllEvents
)

// Multiplexer flags, valid only as part of an interest mask given to
// [Poller.Add] or [Poller.Modify]. They occupy [ReservedEvents], and are
// never stored by an [Instance].
const (
	// PollExclusive is accepted for parity with EPOLLEXCLUSIVE, but has no
	// effect, as wake ordering is unspecified.
	PollExclusive Events = 1 << 28
	// PollWakeup is EPOLLWAKEUP. It is not supported.
	PollWakeup Events = 1 << 29
	// PollOneShot disarms the registration after one report, until it is
	// re-armed by [Poller.Modify].
	PollOneShot Events = 1 << 30
	// PollEdgeTriggered reports readiness only once per wake.
	PollEdgeTriggered Events = 1 << 31
)

// alwaysPolled are reported regardless of interest, like EPOLLERR/EPOLLHUP.
const alwaysPolled = EventErr | EventHup

var eventNames = [...]struct {
	name string
	ev   Events
}{
	{`IN`, EventIn},
	{`PRI`, EventPri},
	{`OUT`, EventOut},
	{`ERR`, EventErr},
	{`HUP`, EventHup},
	{`RDNORM`, EventRdNorm},
	{`RDBAND`, EventRdBand},
	{`WRNORM`, EventWrNorm},
	{`WRBAND`, EventWrBand},
	{`MSG`, EventMsg},
	{`RDHUP`, EventRdHup},
	{`EXCLUSIVE`, PollExclusive},
	{`WAKEUP`, PollWakeup},
	{`ONESHOT`, PollOneShot},
	{`ET`, PollEdgeTriggered},
}

// Valid returns true if no reserved bits are set.
func (x Events) Valid() bool { return x&ReservedEvents == 0 }

// Masked returns x with the reserved bits cleared.
func (x Events) Masked() Events { return x & AllEvents }

// Has returns true if all of the given bits are set.
func (x Events) Has(bits Events) bool { return x&bits == bits }

// Any returns true if any of the given bits are set.
func (x Events) Any(bits Events) bool { return x&bits != 0 }

// Count returns the number of set bits.
func (x Events) Count() int { return bits.OnesCount32(uint32(x)) }

// String renders the mask as names joined by "|", with any unnamed bits as a
// trailing hex literal, e.g. "IN|PRI|0x4000".
func (x Events) String() string {
	if x == 0 {
		return `0`
	}
	var b strings.Builder
	rest := x
	for _, v := range eventNames {
		if rest&v.ev == 0 {
			continue
		}
		if b.Len() != 0 {
			b.WriteByte('|')
		}
		b.WriteString(v.name)
		rest &^= v.ev
	}
	if rest != 0 {
		if b.Len() != 0 {
			b.WriteByte('|')
		}
		b.WriteString(`0x`)
		b.WriteString(strconv.FormatUint(uint64(rest), 16))
	}
	return b.String()
}

// ParseEvents parses the format produced by [Events.String]. Names are case
// insensitive, may carry an "EPOLL" or "POLL" prefix, and numeric literals
// (decimal, 0x hex, 0o octal, 0b binary) are accepted as terms. Whitespace
// around terms is ignored, and "," may be used in place of "|".
func ParseEvents(s string) (Events, error) {
	s = strings.TrimSpace(s)
	if s == `` {
		return 0, fmt.Errorf(`%w: empty events`, ErrInvalidArgument)
	}
	var result Events
	for _, term := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		term = strings.TrimSpace(term)
		if term == `` {
			continue
		}
		if c := term[0]; c >= '0' && c <= '9' {
			v, err := strconv.ParseUint(term, 0, 32)
			if err != nil {
				return 0, fmt.Errorf(`%w: events term %q: %w`, ErrInvalidArgument, term, err)
			}
			result |= Events(v)
			continue
		}
		name := strings.ToUpper(term)
		name = strings.TrimPrefix(name, `EPOLL`)
		name = strings.TrimPrefix(name, `POLL`)
		ev, ok := lookupEventName(name)
		if !ok {
			return 0, fmt.Errorf(`%w: unknown event %q`, ErrInvalidArgument, term)
		}
		result |= ev
	}
	return result, nil
}

func lookupEventName(name string) (Events, bool) {
	for _, v := range eventNames {
		if v.name == name {
			return v.ev, true
		}
	}
	return 0, false
}
