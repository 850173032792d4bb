// Package wire is the framing of the vpoll daemon protocol: a handshake,
// carrying the client's protocol version, then fixed-size big-endian
// request and response frames, matched by sequence number.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/joeycumines/go-vpoll"
)

// Op is a request operation.
type Op uint8

const (
	OpOpen Op = iota + 1
	OpAttach
	OpClose
	OpIoctl
	OpPoll
)

var opNames = [...]string{
	OpOpen:   `OPEN`,
	OpAttach: `ATTACH`,
	OpClose:  `CLOSE`,
	OpIoctl:  `IOCTL`,
	OpPoll:   `POLL`,
}

func (x Op) String() string {
	if x.Valid() {
		return opNames[x]
	}
	return fmt.Sprintf(`Op(%d)`, uint8(x))
}

// Valid returns true if x is a known operation.
func (x Op) Valid() bool { return x >= OpOpen && x <= OpPoll }

const (
	// RequestSize is the encoded size of a [Request].
	RequestSize = 40
	// ResponseSize is the encoded size of a [Response].
	ResponseSize = 24
)

// Request is a client to server frame.
//
// Layout: seq u64, op u8, 3 bytes padding, cmd u32, handle u64, arg u64,
// timeout (milliseconds, negative being infinite) i64.
type Request struct {
	Seq     uint64
	Op      Op
	Cmd     vpoll.Command
	Handle  vpoll.Handle
	Arg     uint64
	Timeout int64
}

// Response is a server to client frame.
//
// Layout: seq u64, status u8, 7 bytes padding, value u64.
type Response struct {
	Seq    uint64
	Status Status
	Value  uint64
}

// ErrMalformed indicates a frame that could not be decoded.
var ErrMalformed = errors.New(`wire: malformed frame`)

// TimeoutMillis converts a wait timeout, rounding positive sub-millisecond
// durations up, so they remain non-blocking only when zero.
func TimeoutMillis(d time.Duration) int64 {
	switch {
	case d < 0:
		return -1
	case d == 0:
		return 0
	}
	ms := int64(d / time.Millisecond)
	if d%time.Millisecond != 0 {
		ms++
	}
	return ms
}

// maxTimeoutMillis is the largest timeout representable as a time.Duration.
const maxTimeoutMillis = math.MaxInt64 / int64(time.Millisecond)

// Duration converts a timeout in milliseconds, the inverse of
// [TimeoutMillis]. Timeouts too large for a time.Duration are clamped.
func Duration(ms int64) time.Duration {
	if ms < 0 {
		return -1
	}
	if ms > maxTimeoutMillis {
		ms = maxTimeoutMillis
	}
	return time.Duration(ms) * time.Millisecond
}

// AppendRequest appends the encoding of x to b.
func AppendRequest(b []byte, x *Request) []byte {
	b = binary.BigEndian.AppendUint64(b, x.Seq)
	b = append(b, byte(x.Op), 0, 0, 0)
	b = binary.BigEndian.AppendUint32(b, uint32(x.Cmd))
	b = binary.BigEndian.AppendUint64(b, uint64(x.Handle))
	b = binary.BigEndian.AppendUint64(b, x.Arg)
	b = binary.BigEndian.AppendUint64(b, uint64(x.Timeout))
	return b
}

// DecodeRequest decodes a request from exactly [RequestSize] bytes.
func DecodeRequest(b []byte, x *Request) error {
	if len(b) != RequestSize || b[9] != 0 || b[10] != 0 || b[11] != 0 {
		return ErrMalformed
	}
	*x = Request{
		Seq:     binary.BigEndian.Uint64(b[0:]),
		Op:      Op(b[8]),
		Cmd:     vpoll.Command(binary.BigEndian.Uint32(b[12:])),
		Handle:  vpoll.Handle(binary.BigEndian.Uint64(b[16:])),
		Arg:     binary.BigEndian.Uint64(b[24:]),
		Timeout: int64(binary.BigEndian.Uint64(b[32:])),
	}
	return nil
}

// AppendResponse appends the encoding of x to b.
func AppendResponse(b []byte, x *Response) []byte {
	b = binary.BigEndian.AppendUint64(b, x.Seq)
	b = append(b, byte(x.Status), 0, 0, 0, 0, 0, 0, 0)
	b = binary.BigEndian.AppendUint64(b, x.Value)
	return b
}

// DecodeResponse decodes a response from exactly [ResponseSize] bytes.
func DecodeResponse(b []byte, x *Response) error {
	if len(b) != ResponseSize {
		return ErrMalformed
	}
	for _, v := range b[9:16] {
		if v != 0 {
			return ErrMalformed
		}
	}
	*x = Response{
		Seq:    binary.BigEndian.Uint64(b[0:]),
		Status: Status(b[8]),
		Value:  binary.BigEndian.Uint64(b[16:]),
	}
	return nil
}

// ReadRequest reads one request from r, using buf (which must have a length
// of at least [RequestSize]) as scratch space.
func ReadRequest(r io.Reader, buf []byte, x *Request) error {
	buf = buf[:RequestSize]
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return DecodeRequest(buf, x)
}

// ReadResponse reads one response from r, using buf (which must have a
// length of at least [ResponseSize]) as scratch space.
func ReadResponse(r io.Reader, buf []byte, x *Response) error {
	buf = buf[:ResponseSize]
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return DecodeResponse(buf, x)
}
