package e1000

import (
	"fmt"

	"github.com/romshark/nicring/physmem"
)

// buffersPerPage is how many descriptor buffers share one page.
const buffersPerPage = physmem.PageSize / bufferStride

// ring is a descriptor table together with the buffer pool its descriptors
// point to. Each buffer belongs to exactly one descriptor for the lifetime
// of the ring.
//
// Slots move between two owners: the device (DD clear) and software (DD
// set). Software only reaches a slot's buffer through claim, and gives it
// back through slot.release, so the DD bit is never manipulated directly.
type ring struct {
	phys    physmem.Addr
	descs   []Descriptor
	bufs    [][]byte
	bufSize int
}

// newRing allocates a descriptor table and n buffers of bufSize bytes.
// The virtual view of each buffer is resolved from the physical address
// stored in its descriptor.
func newRing(mem physmem.Memory, n, bufSize int) (*ring, error) {
	tablePage, err := mem.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("allocating descriptor table: %w", err)
	}
	table, tablePhys := tablePage.Slice(0, n*DescriptorSize)

	r := &ring{
		phys:    tablePhys,
		descs:   make([]Descriptor, n),
		bufs:    make([][]byte, n),
		bufSize: bufSize,
	}
	for i := range r.descs {
		r.descs[i] = DescriptorAt(table, i)
	}

	for i := 0; i < n; i += buffersPerPage {
		page, err := mem.AllocPage()
		if err != nil {
			return nil, fmt.Errorf("allocating buffers %d-%d: %w", i, i+buffersPerPage-1, err)
		}
		for j := range buffersPerPage {
			_, pa := page.Slice(j*bufferStride, bufSize)
			r.descs[i+j].SetAddr(pa)
		}
	}

	for i, d := range r.descs {
		buf, err := mem.Bytes(d.Addr(), bufSize)
		if err != nil {
			return nil, fmt.Errorf("resolving buffer %d: %w", i, err)
		}
		r.bufs[i] = buf
	}
	return r, nil
}

func (r *ring) len() uint32 { return uint32(len(r.descs)) }

// byteLen is the value programmed into TDLEN/RDLEN.
func (r *ring) byteLen() uint32 { return r.len() * DescriptorSize }

func (r *ring) next(i uint32) uint32 { return (i + 1) % r.len() }

// slot is a descriptor software currently owns.
type slot struct {
	index uint32
	desc  Descriptor
	buf   []byte
}

// claim returns slot i if its DD bit is set.
func (r *ring) claim(i uint32) (slot, bool) {
	d := r.descs[i]
	if !d.Done() {
		return slot{}, false
	}
	return slot{index: i, desc: d, buf: r.bufs[i]}, true
}

// fill copies p into the slot's buffer and records its length.
func (s slot) fill(p []byte) int {
	n := copy(s.buf, p)
	s.desc.SetLength(n)
	return n
}

// received returns the bytes the device wrote into the slot.
func (s slot) received() []byte {
	return s.buf[:min(s.desc.Length(), len(s.buf))]
}

// release hands the slot back to the device by clearing DD.
// The slot must not be touched afterwards.
func (s slot) release() {
	s.desc.SetStatus(s.desc.Status() &^ StatusDD)
}
