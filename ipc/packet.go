package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/romshark/nicring/physmem"
)

// HeaderLen is the size of the length prefix.
const HeaderLen = 4

// MaxPacketLen is the largest payload a page can carry.
const MaxPacketLen = physmem.PageSize - HeaderLen

var ErrBadLength = errors.New("packet length out of range")

// Packet is a page laid out as a little-endian int32 payload length
// followed by the payload.
type Packet []byte

// Len returns the length field as stored. It may be out of range.
func (p Packet) Len() int { return int(int32(binary.LittleEndian.Uint32(p))) }

// SetLen stores n in the length field.
func (p Packet) SetLen(n int) {
	binary.LittleEndian.PutUint32(p, uint32(int32(n)))
}

// Payload returns the whole payload area regardless of the length field.
func (p Packet) Payload() []byte { return p[HeaderLen:] }

// Bytes returns the payload the length field describes.
func (p Packet) Bytes() ([]byte, error) {
	n := p.Len()
	if n < 0 || n > len(p)-HeaderLen {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, n)
	}
	return p[HeaderLen : HeaderLen+n], nil
}
