package mmio_test

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"

	"github.com/romshark/nicring/mmio"
)

func TestWindow_ReadWrite(t *testing.T) {
	mem := mmio.Alloc(64)
	w := mmio.NewWindow(mem)

	w.Write32(0x04, 0xdeadbeef)
	w.Write64(0x10, 0x0123456789abcdef)

	assert.Equal(t, uint32(0xdeadbeef), w.Read32(0x04))
	assert.Equal(t, uint64(0x0123456789abcdef), w.Read64(0x10))
	assert.Equal(t, uint32(0x89abcdef), binary.NativeEndian.Uint32(mem[0x10:]))
	assert.Equal(t, 64, w.Size())
}

func TestWindow_BadOffsetPanics(t *testing.T) {
	w := mmio.NewWindow(mmio.Alloc(16))

	assert.Panics(t, func() { w.Read32(0x02) })
	assert.Panics(t, func() { w.Write32(0x10, 1) })
	assert.Panics(t, func() { w.Read64(0x04) })
	assert.Panics(t, func() { w.Write64(0x10, 1) })
}

func TestAlloc(t *testing.T) {
	for _, n := range []int{1, 7, 8, 13, 32, 4096} {
		mem := mmio.Alloc(n)
		assert.Len(t, mem, n)
		assert.Zero(t, uintptr(unsafe.Pointer(&mem[0]))%8, "Alloc(%d) misaligned", n)
		assert.NotPanics(t, func() { mmio.NewWindow(mem) })
	}
	assert.Nil(t, mmio.Alloc(0))

	// Misaligned memory is refused.
	assert.Panics(t, func() { mmio.NewWindow(mmio.Alloc(16)[1:]) })
}

func TestZero(t *testing.T) {
	w := mmio.NewWindow(mmio.Alloc(32))
	for off := uint32(0); off < 32; off += 4 {
		w.Write32(off, ^uint32(0))
	}

	mmio.Zero(w, 8, 16)

	assert.Equal(t, ^uint32(0), w.Read32(4))
	for off := uint32(8); off < 24; off += 4 {
		assert.Zero(t, w.Read32(off), "offset %#x", off)
	}
	assert.Equal(t, ^uint32(0), w.Read32(24))
}
