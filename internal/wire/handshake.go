package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Masterminds/semver/v3"
)

const (
	// ProtocolVersion is the version spoken by this implementation.
	ProtocolVersion = `1.0.0`

	// VersionConstraint is the range of peer versions accepted by servers.
	VersionConstraint = `^1.0`

	magic = 0x56504f4c // VPOL

	maxVersionLen = 64
)

// Handshake is the first frame sent in each direction: the client sends its
// version, and the server replies with its own, plus a status, which is
// [StatusVersionMismatch] if the client's version was not accepted.
//
// Layout: magic u32, status u8, version length u8, version bytes.
type Handshake struct {
	Status  Status
	Version string
}

// WriteHandshake writes x to w.
func WriteHandshake(w io.Writer, x *Handshake) error {
	if len(x.Version) > maxVersionLen {
		return fmt.Errorf(`wire: version too long: %d bytes`, len(x.Version))
	}
	b := make([]byte, 0, 6+len(x.Version))
	b = binary.BigEndian.AppendUint32(b, magic)
	b = append(b, byte(x.Status), byte(len(x.Version)))
	b = append(b, x.Version...)
	_, err := w.Write(b)
	return err
}

// ReadHandshake reads a handshake frame from r.
func ReadHandshake(r io.Reader, x *Handshake) error {
	var hdr [6]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	if binary.BigEndian.Uint32(hdr[:]) != magic || hdr[5] > maxVersionLen {
		return ErrMalformed
	}
	version := make([]byte, hdr[5])
	if _, err := io.ReadFull(r, version); err != nil {
		return err
	}
	*x = Handshake{Status: Status(hdr[4]), Version: string(version)}
	return nil
}

// CheckVersion returns nil if version satisfies constraint, or an error
// matching [ErrVersionMismatch] otherwise.
func CheckVersion(constraint, version string) error {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf(`wire: invalid version constraint %q: %w`, constraint, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf(`%w: invalid version %q: %v`, ErrVersionMismatch, version, err)
	}
	if ok, errs := c.Validate(v); !ok {
		var reason error
		if len(errs) != 0 {
			reason = errs[0]
		}
		return fmt.Errorf(`%w: %q does not satisfy %q: %v`, ErrVersionMismatch, version, constraint, reason)
	}
	return nil
}
