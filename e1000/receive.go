package e1000

import "fmt"

// Receive copies the next completed frame into buf and recycles its slot.
//
// The slot inspected is the one after RDT, since RDT names the slot most
// recently recycled. It returns ErrNoData if that slot is still owned by
// the device, and ErrInvalidArgument if buf is longer than RxBufferSize.
// A frame longer than buf is silently truncated to len(buf).
func (d *Driver) Receive(buf []byte) (int, error) {
	if !d.ready.Load() {
		return 0, ErrNotAttached
	}
	if len(buf) > RxBufferSize {
		return 0, fmt.Errorf("%w: receive buffer of %d bytes exceeds %d",
			ErrInvalidArgument, len(buf), RxBufferSize)
	}

	i := d.rx.next(d.regs.Read32(RegRDT))
	s, ok := d.rx.claim(i)
	if !ok {
		return 0, ErrNoData
	}
	n := copy(buf, s.received())
	s.release()
	d.regs.Write32(RegRDT, i)
	return n, nil
}
