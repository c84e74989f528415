// Package e1000 is a polling driver for the Intel 8254x family of gigabit
// Ethernet controllers, using one legacy transmit ring and one legacy
// receive ring.
//
// The driver never blocks and never takes interrupts: Transmit reports a
// saturated ring with ErrRingFull and Receive reports an empty one with
// ErrNoData, and callers are expected to yield and retry.
//
// Ownership of every descriptor slot is arbitrated solely by its DD bit:
//
//   - TX: DD set means the frame left the wire and the slot may be refilled.
//   - RX: DD set means the device wrote a frame the driver may copy out.
//
// The driver only ever writes the tail registers (TDT, RDT) and never the
// head registers after Attach.
package e1000

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/romshark/nicring/mmio"
	"github.com/romshark/nicring/physmem"
)

var (
	// ErrInvalidArgument is returned for frames the driver cannot queue
	// in a single descriptor. Callers must fragment.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrRingFull is returned by Transmit when the device has not yet
	// drained the next slot.
	ErrRingFull = errors.New("transmit ring full")
	// ErrNoData is returned by Receive when no completed frame is pending.
	ErrNoData = errors.New("no frame received")

	ErrAlreadyAttached = errors.New("driver already attached")
	ErrNotAttached     = errors.New("driver not attached")
)

// Driver drives one controller.
//
// Transmit and Receive may be called concurrently with each other, but
// neither is safe for concurrent use with itself: each ring has exactly
// one software user.
type Driver struct {
	conf Config
	mem  physmem.Memory
	l    *logrus.Logger

	attaching atomic.Bool
	ready     atomic.Bool

	regs mmio.Registers
	tx   *ring
	rx   *ring
}

// New validates conf and returns a driver that allocates its rings from mem
// once attached.
func New(conf Config, mem physmem.Memory, l *logrus.Logger) (*Driver, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Driver{conf: conf, mem: mem, l: l}, nil
}

// MAC returns the station address.
func (d *Driver) MAC() net.HardwareAddr { return d.conf.MAC }

// Config returns the resolved configuration.
func (d *Driver) Config() Config { return d.conf }

// Attach allocates both rings and their buffers and programs the controller
// behind regs. It may be called once per Driver: there is no teardown or
// re-initialization path, and a failed Attach leaves the driver unusable.
func (d *Driver) Attach(regs mmio.Registers) error {
	if !d.attaching.CompareAndSwap(false, true) {
		return ErrAlreadyAttached
	}
	d.regs = regs

	tx, err := newRing(d.mem, d.conf.TxRingLen, TxBufferSize)
	if err != nil {
		return fmt.Errorf("initializing transmit ring: %w", err)
	}
	d.tx = tx
	d.initTx()

	rx, err := newRing(d.mem, d.conf.RxRingLen, RxBufferSize)
	if err != nil {
		return fmt.Errorf("initializing receive ring: %w", err)
	}
	d.rx = rx
	d.initRx()

	d.ready.Store(true)

	d.l.WithFields(logrus.Fields{
		"mac":    d.conf.MAC.String(),
		"txRing": d.tx.len(),
		"txBase": d.tx.phys.String(),
		"rxRing": d.rx.len(),
		"rxBase": d.rx.phys.String(),
	}).Info("e1000 attached")
	return nil
}

func (d *Driver) initTx() {
	// A descriptor without EOP makes the controller wait for a
	// continuation forever, so every descriptor carries EOP|RS for good.
	// DD starts set so the first len(ring) transmits find free slots.
	for _, desc := range d.tx.descs {
		desc.SetCmd(CmdEOP | CmdRS)
		desc.SetStatus(StatusDD)
	}

	d.regs.Write32(RegTDBAL, d.tx.phys.Lo())
	d.regs.Write32(RegTDBAH, d.tx.phys.Hi())
	d.regs.Write32(RegTDLEN, d.tx.byteLen())
	d.regs.Write32(RegTDH, 0)
	d.regs.Write32(RegTDT, 0)
	d.regs.Write32(RegTCTL, TCTLEN|TCTLPSP|TCTLCTEth|TCTLColdFull)
	d.regs.Write32(RegTIPG, TIPGIPGT|TIPGIPGR1|TIPGIPGR2)
}

func (d *Driver) initRx() {
	lo, hi := receiveAddress(d.conf.MAC)
	d.regs.Write32(RegRAL0, lo)
	d.regs.Write32(RegRAH0, hi)
	mmio.Zero(d.regs, RegMTA, MTALen)

	d.regs.Write32(RegRDBAL, d.rx.phys.Lo())
	d.regs.Write32(RegRDBAH, d.rx.phys.Hi())
	d.regs.Write32(RegRDLEN, d.rx.byteLen())

	// The device stops receiving when RDH == RDT. Keeping the tail one
	// slot behind the head hands it every slot but one; RDT always names
	// the slot most recently recycled.
	d.regs.Write32(RegRDH, 1)
	d.regs.Write32(RegRDT, 0)

	d.regs.Write32(RegRCTL, RCTLEN|RCTLSECRC|RCTLBSize2048)
}
