package e1000

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/romshark/nicring/physmem"
)

// Descriptor field offsets. Transmit and receive legacy descriptors share
// the address, length and status positions.
const (
	descAddrOffset   = 0
	descLengthOffset = 8
	descCmdOffset    = 11 // TX only
	descStatusOffset = 12
)

// Descriptor is the hardware view of one legacy descriptor, laid out as the
// controller reads and writes it (little-endian, 16 bytes).
//
// Bytes 12..16 hold the status byte and are only ever accessed atomically as
// a 32-bit word; that word is the synchronization point between the driver
// and the device. All other fields must be written before, and read after,
// the status word changes hands.
type Descriptor []byte

// DescriptorAt returns the i-th descriptor of a table.
func DescriptorAt(table []byte, i int) Descriptor {
	off := i * DescriptorSize
	return Descriptor(table[off : off+DescriptorSize : off+DescriptorSize])
}

func (d Descriptor) Addr() physmem.Addr {
	return physmem.Addr(binary.LittleEndian.Uint64(d[descAddrOffset:]))
}

func (d Descriptor) SetAddr(pa physmem.Addr) {
	binary.LittleEndian.PutUint64(d[descAddrOffset:], uint64(pa))
}

func (d Descriptor) Length() int {
	return int(binary.LittleEndian.Uint16(d[descLengthOffset:]))
}

func (d Descriptor) SetLength(n int) {
	binary.LittleEndian.PutUint16(d[descLengthOffset:], uint16(n))
}

func (d Descriptor) Cmd() uint8       { return d[descCmdOffset] }
func (d Descriptor) SetCmd(cmd uint8) { d[descCmdOffset] = cmd }

func (d Descriptor) statusWord() *uint32 {
	p := unsafe.Pointer(&d[descStatusOffset])
	if uintptr(p)%4 != 0 {
		panic(fmt.Sprintf("e1000: descriptor status word at %p is misaligned", p))
	}
	return (*uint32)(p)
}

func (d Descriptor) loadStatusWord() [4]byte {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], atomic.LoadUint32(d.statusWord()))
	return b
}

// Status atomically loads the status byte.
func (d Descriptor) Status() uint8 { return d.loadStatusWord()[0] }

// Errors atomically loads the RX errors byte, which shares the status word.
func (d Descriptor) Errors() uint8 { return d.loadStatusWord()[1] }

// SetStatus atomically replaces the status byte, preserving the rest of the
// word.
func (d Descriptor) SetStatus(status uint8) {
	w := d.statusWord()
	for {
		old := atomic.LoadUint32(w)
		var b [4]byte
		binary.NativeEndian.PutUint32(b[:], old)
		b[0] = status
		if atomic.CompareAndSwapUint32(w, old, binary.NativeEndian.Uint32(b[:])) {
			return
		}
	}
}

// Done reports whether the DD bit is set.
func (d Descriptor) Done() bool { return d.Status()&StatusDD != 0 }
