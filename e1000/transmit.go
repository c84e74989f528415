package e1000

import "fmt"

// Transmit queues frame in the next transmit slot and advances TDT.
//
// It fails with ErrInvalidArgument if frame is empty or longer than
// TxBufferSize, and with ErrRingFull if the device still owns the slot at
// the tail. Transmit never blocks.
func (d *Driver) Transmit(frame []byte) error {
	if !d.ready.Load() {
		return ErrNotAttached
	}
	if len(frame) == 0 || len(frame) > TxBufferSize {
		return fmt.Errorf("%w: frame of %d bytes (max %d)",
			ErrInvalidArgument, len(frame), TxBufferSize)
	}

	tail := d.regs.Read32(RegTDT)
	s, ok := d.tx.claim(tail)
	if !ok {
		return ErrRingFull
	}
	s.fill(frame)
	s.release()
	d.regs.Write32(RegTDT, d.tx.next(tail))
	return nil
}
