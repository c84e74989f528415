// Package physmem supplies page-granular memory that a DMA-capable device
// can address.
//
// Software dereferences memory through byte slices (virtual addresses),
// devices only understand physical addresses. An Allocator hands out pages
// carrying both views; a Translator resolves a physical range back into
// the byte slice software may touch.
package physmem

import (
	"errors"
	"fmt"
)

// PageSize is the allocation granularity.
const PageSize = 4096

var (
	// ErrNoMemory is returned when no backing page can be supplied.
	ErrNoMemory = errors.New("out of physical memory")
	// ErrBadAddress is returned when a physical range is not backed by
	// memory known to the translator.
	ErrBadAddress = errors.New("physical address not mapped")
)

// Addr is a physical (bus) address.
type Addr uint64

// Lo returns the low 32 bits of a.
func (a Addr) Lo() uint32 { return uint32(a) }

// Hi returns the high 32 bits of a.
func (a Addr) Hi() uint32 { return uint32(a >> 32) }

func (a Addr) String() string { return fmt.Sprintf("%#x", uint64(a)) }

// Page is one page of memory.
type Page struct {
	// Phys is the physical address of the first byte of Data.
	Phys Addr
	// Data is the virtual view of the page, exactly PageSize bytes long.
	Data []byte
}

// Slice returns the virtual and physical views of n bytes at offset off.
func (p Page) Slice(off, n int) ([]byte, Addr) {
	return p.Data[off : off+n : off+n], p.Phys + Addr(off)
}

// Allocator supplies physical pages.
type Allocator interface {
	AllocPage() (Page, error)
}

// Translator maps a physical range to its virtual view.
type Translator interface {
	Bytes(pa Addr, n int) ([]byte, error)
}

// Memory is both an Allocator and a Translator.
type Memory interface {
	Allocator
	Translator
}
