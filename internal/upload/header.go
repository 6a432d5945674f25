// Package upload streams capture artifacts to the collector over TCP.
//
// Each artifact uses its own connection, framed as
//
//	[u64 BE payload length][u16 BE name length][name bytes][payload]
//
// There is no acknowledgement; the sender closes the connection after the
// payload.
package upload

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxNameLen is the longest name the u16 length prefix can carry.
const MaxNameLen = math.MaxUint16

const fixedHeaderLen = 8 + 2

var ErrNameTooLong = errors.New("artifact name too long")

// Header precedes the payload on the wire.
type Header struct {
	Size uint64
	Name string
}

// EncodeHeader appends the wire form of h to dst.
func EncodeHeader(dst []byte, h Header) ([]byte, error) {
	if len(h.Name) > MaxNameLen {
		return dst, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(h.Name))
	}
	dst = binary.BigEndian.AppendUint64(dst, h.Size)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(h.Name)))
	return append(dst, h.Name...), nil
}

// WriteHeader writes h to w in a single call.
func WriteHeader(w io.Writer, h Header) error {
	buf, err := EncodeHeader(make([]byte, 0, fixedHeaderLen+len(h.Name)), h)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadHeader reads one header from r. A short read yields
// io.ErrUnexpectedEOF, except a clean EOF before the first byte.
func ReadHeader(r io.Reader) (Header, error) {
	var fixed [fixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return Header{}, err
	}
	h := Header{Size: binary.BigEndian.Uint64(fixed[:8])}
	nameLen := binary.BigEndian.Uint16(fixed[8:])
	if nameLen == 0 {
		return h, nil
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Header{}, err
	}
	h.Name = string(name)
	return h, nil
}
