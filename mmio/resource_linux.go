//go:build linux

package mmio

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Resource is a register window mapped from a PCI sysfs resource file,
// e.g. /sys/bus/pci/devices/0000:00:03.0/resource0.
type Resource struct {
	*Window
	mapped []byte
}

// MapResource maps size bytes of the BAR exposed at path into the address
// space of the calling process. size of zero maps the whole file.
func MapResource(path string, size int) (*Resource, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening resource: %w", err)
	}
	defer f.Close()

	if size == 0 {
		st, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat resource: %w", err)
		}
		size = int(st.Size())
	}
	if size <= 0 || size%unix.Getpagesize() != 0 {
		return nil, fmt.Errorf("invalid resource size %d", size)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap resource: %w", err)
	}
	return &Resource{Window: NewWindow(mem), mapped: mem}, nil
}

// Close unmaps the register window.
func (r *Resource) Close() error {
	if r.mapped == nil {
		return nil
	}
	err := unix.Munmap(r.mapped)
	r.mapped = nil
	r.Window = nil
	if err != nil {
		return errors.Join(errors.New("unmapping resource"), err)
	}
	return nil
}
