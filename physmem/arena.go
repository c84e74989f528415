package physmem

import (
	"fmt"
	"sync"
	"unsafe"
)

// DefaultArenaBase is the pseudo-physical address of an arena's first page.
const DefaultArenaBase Addr = 0x0010_0000

// Arena is a fixed pool of page-aligned heap memory that pretends to live
// at a contiguous physical range starting at Base. It is what a software
// device model uses as "RAM": the driver and the model both resolve
// addresses through the same arena.
//
// Arena is safe for concurrent use.
type Arena struct {
	base  Addr
	mem   []byte
	pages int

	mu   sync.Mutex
	next int
}

var _ Memory = (*Arena)(nil)

// NewArena returns an arena of the given number of pages.
// base must be page aligned; zero selects DefaultArenaBase.
func NewArena(pages int, base Addr) *Arena {
	if pages <= 0 {
		panic("physmem: arena needs at least one page")
	}
	if base == 0 {
		base = DefaultArenaBase
	}
	if base%PageSize != 0 {
		panic(fmt.Sprintf("physmem: arena base %v is not page aligned", base))
	}

	// Over-allocate to align the first page.
	raw := make([]byte, (pages+1)*PageSize)
	skip := 0
	if rem := uintptr(unsafe.Pointer(&raw[0])) % PageSize; rem != 0 {
		skip = PageSize - int(rem)
	}
	return &Arena{
		base:  base,
		mem:   raw[skip : skip+pages*PageSize],
		pages: pages,
	}
}

// Base returns the physical address of the first page.
func (a *Arena) Base() Addr { return a.base }

// Free returns the number of pages not yet handed out.
func (a *Arena) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages - a.next
}

// AllocPage hands out the next unused page, zeroed.
// Pages are never returned to the arena.
func (a *Arena) AllocPage() (Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next >= a.pages {
		return Page{}, fmt.Errorf("%w: arena of %d pages exhausted", ErrNoMemory, a.pages)
	}
	off := a.next * PageSize
	a.next++

	data := a.mem[off : off+PageSize : off+PageSize]
	clear(data)
	return Page{Phys: a.base + Addr(off), Data: data}, nil
}

// Bytes returns the arena memory backing [pa, pa+n).
func (a *Arena) Bytes(pa Addr, n int) ([]byte, error) {
	if n < 0 || pa < a.base {
		return nil, fmt.Errorf("%w: %v+%d", ErrBadAddress, pa, n)
	}
	off := uint64(pa - a.base)
	if off+uint64(n) > uint64(len(a.mem)) {
		return nil, fmt.Errorf("%w: %v+%d", ErrBadAddress, pa, n)
	}
	return a.mem[off : off+uint64(n) : off+uint64(n)], nil
}
