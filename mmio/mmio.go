// Package mmio provides typed access to a device's memory-mapped register
// window.
//
// Registers are addressed by their byte offset from the start of the window.
// All accesses are atomic so that a device (or a software model of one)
// observing the same memory sees every write in program order.
package mmio

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Registers is a device register file.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
	Read64(off uint32) uint64
	Write64(off uint32, v uint64)
}

// Window is a register file backed by a byte slice, usually an mmap'd
// PCI BAR (see MapResource). Misaligned or out-of-range offsets panic:
// they are programming errors, never runtime conditions.
type Window struct {
	mem []byte
}

var _ Registers = (*Window)(nil)

// NewWindow returns a window over mem.
// mem must be 8-byte aligned: an mmap'd region or memory from Alloc. A plain
// []byte carries no alignment guarantee.
func NewWindow(mem []byte) *Window {
	if len(mem) > 0 && uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		panic("mmio: window memory is not 8-byte aligned")
	}
	return &Window{mem: mem}
}

// Alloc returns n zeroed bytes aligned to 8, suitable for NewWindow and
// for descriptor tables outside a physmem allocator.
func Alloc(n int) []byte {
	if n <= 0 {
		return nil
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

// Size returns the size of the window in bytes.
func (w *Window) Size() int { return len(w.mem) }

func (w *Window) word32(off uint32) *uint32 {
	if off%4 != 0 || int(off)+4 > len(w.mem) {
		panic(fmt.Sprintf("mmio: bad 32-bit register offset %#x (window %#x)", off, len(w.mem)))
	}
	return (*uint32)(unsafe.Pointer(&w.mem[off]))
}

func (w *Window) word64(off uint32) *uint64 {
	if off%8 != 0 || int(off)+8 > len(w.mem) {
		panic(fmt.Sprintf("mmio: bad 64-bit register offset %#x (window %#x)", off, len(w.mem)))
	}
	return (*uint64)(unsafe.Pointer(&w.mem[off]))
}

func (w *Window) Read32(off uint32) uint32     { return atomic.LoadUint32(w.word32(off)) }
func (w *Window) Write32(off uint32, v uint32) { atomic.StoreUint32(w.word32(off), v) }
func (w *Window) Read64(off uint32) uint64     { return atomic.LoadUint64(w.word64(off)) }
func (w *Window) Write64(off uint32, v uint64) { atomic.StoreUint64(w.word64(off), v) }

// Zero writes 0 to every 32-bit register in [off, off+n).
func Zero(r Registers, off, n uint32) {
	for i := uint32(0); i < n; i += 4 {
		r.Write32(off+i, 0)
	}
}
