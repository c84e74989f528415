//go:build linux

package physmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

// Pinned is locked, populated anonymous memory whose physical frames are
// resolved through /proc/self/pagemap. It is suitable for handing buffers to
// real hardware from user space; reading frame numbers requires
// CAP_SYS_ADMIN.
//
// Physical frames of consecutive pages are not contiguous, so Bytes only
// resolves ranges that do not cross a page boundary.
type Pinned struct {
	mem []byte

	mu     sync.Mutex
	next   int
	phys   []Addr       // page index -> physical page
	frames map[Addr]int // physical page -> offset into mem
}

var _ Memory = (*Pinned)(nil)

// NewPinned maps and locks the given number of pages.
func NewPinned(pages int) (*Pinned, error) {
	if ps := unix.Getpagesize(); ps != PageSize {
		return nil, fmt.Errorf("host page size %d is not %d", ps, PageSize)
	}
	mem, err := unix.Mmap(-1, 0, pages*PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE|unix.MAP_LOCKED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d pages: %v", ErrNoMemory, pages, err)
	}

	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("opening pagemap: %w", err)
	}
	defer f.Close()

	p := &Pinned{mem: mem, frames: make(map[Addr]int, pages)}
	var entry [8]byte
	for off := 0; off < len(mem); off += PageSize {
		va := uintptr(unsafe.Pointer(&mem[off]))
		if _, err := f.ReadAt(entry[:], int64(va/PageSize)*8); err != nil {
			_ = unix.Munmap(mem)
			return nil, fmt.Errorf("reading pagemap entry for %#x: %w", va, err)
		}
		pa, err := decodePagemapEntry(binary.LittleEndian.Uint64(entry[:]))
		if err != nil {
			_ = unix.Munmap(mem)
			return nil, fmt.Errorf("resolving %#x: %w", va, err)
		}
		p.frames[pa] = off
		p.phys = append(p.phys, pa)
	}
	return p, nil
}

func decodePagemapEntry(e uint64) (Addr, error) {
	if e&pagemapPresent == 0 {
		return 0, errors.New("page not present")
	}
	pfn := e & pagemapPFNMask
	if pfn == 0 {
		return 0, errors.New("frame number hidden (missing CAP_SYS_ADMIN?)")
	}
	return Addr(pfn * PageSize), nil
}

// AllocPage hands out the next unused pinned page, zeroed.
func (p *Pinned) AllocPage() (Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= len(p.mem) {
		return Page{}, fmt.Errorf("%w: pinned region exhausted", ErrNoMemory)
	}
	off := p.next
	p.next += PageSize

	data := p.mem[off : off+PageSize : off+PageSize]
	clear(data)
	return Page{Phys: p.phys[off/PageSize], Data: data}, nil
}

// Bytes resolves a range within a single pinned page.
func (p *Pinned) Bytes(pa Addr, n int) ([]byte, error) {
	frame := pa &^ (PageSize - 1)
	in := int(pa - frame)
	if n < 0 || in+n > PageSize {
		return nil, fmt.Errorf("%w: %v+%d crosses a page boundary", ErrBadAddress, pa, n)
	}
	off, ok := p.frames[frame]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrBadAddress, pa)
	}
	return p.mem[off+in : off+in+n : off+in+n], nil
}

// Close unlocks and unmaps the region.
func (p *Pinned) Close() error {
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}
