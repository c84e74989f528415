// Package e1000sim is a software model of the device side of an e1000
// controller: it owns the register window, fetches transmit descriptors
// and writes receive descriptors through the same physical memory the
// driver allocated its rings from.
//
// The model only implements what the driver programs: legacy descriptors,
// one queue, station-address filtering and FCS stripping.
package e1000sim

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"net"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/romshark/nicring/e1000"
	"github.com/romshark/nicring/mmio"
	"github.com/romshark/nicring/physmem"
)

var (
	ErrTxDisabled   = errors.New("transmitter disabled")
	ErrRxDisabled   = errors.New("receiver disabled")
	ErrRxOverrun    = errors.New("receive ring has no free descriptor")
	ErrFiltered     = errors.New("frame rejected by address filter")
	ErrFrameTooLong = errors.New("frame exceeds receive buffer")
)

var broadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Controller models one e1000. It implements mmio.Registers so it can be
// handed to Driver.Attach in place of a mapped BAR.
//
// Controller is safe for concurrent use.
type Controller struct {
	regs *mmio.Window
	mem  physmem.Translator
	l    *logrus.Logger

	mu sync.Mutex
	// txQueued counts descriptors between TDH and TDT the device has not
	// fetched yet. It is latched on TDT writes, which is how the hardware
	// tells a completely filled ring (TDH == TDT) apart from an empty one.
	txQueued uint32
	// txPartial accumulates the buffers of a frame until EOP.
	txPartial []byte

	stats Stats
}

// Stats are cumulative device counters.
type Stats struct {
	TxFrames   uint64
	TxBytes    uint64
	RxFrames   uint64
	RxBytes    uint64
	RxOverruns uint64
	RxFiltered uint64
}

var _ mmio.Registers = (*Controller)(nil)

// New returns a powered-on controller with all registers zero.
func New(mem physmem.Translator, l *logrus.Logger) *Controller {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Controller{
		regs: mmio.NewWindow(mmio.Alloc(e1000.RegisterWindowSize)),
		mem:  mem,
		l:    l,
	}
}

func (c *Controller) Read32(off uint32) uint32 { return c.regs.Read32(off) }
func (c *Controller) Read64(off uint32) uint64 { return c.regs.Read64(off) }

func (c *Controller) Write32(off uint32, v uint32) {
	if off != e1000.RegTDT {
		c.regs.Write32(off, v)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.txLen()
	if n != 0 {
		old := c.regs.Read32(e1000.RegTDT)
		c.txQueued = min(c.txQueued+(v+n-old)%n, n)
	}
	c.regs.Write32(off, v)
}

func (c *Controller) Write64(off uint32, v uint64) {
	c.Write32(off, uint32(v))
	c.Write32(off+4, uint32(v>>32))
}

// Stats returns a copy of the device counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Controller) txLen() uint32 {
	return c.regs.Read32(e1000.RegTDLEN) / e1000.DescriptorSize
}

func (c *Controller) rxLen() uint32 {
	return c.regs.Read32(e1000.RegRDLEN) / e1000.DescriptorSize
}

func (c *Controller) table(lo, hi, length uint32) ([]byte, error) {
	base := physmem.Addr(hi)<<32 | physmem.Addr(lo)
	return c.mem.Bytes(base, int(length))
}

// ProcessTx fetches every queued transmit descriptor, as the device would
// while the link is up, and returns the frames that completed (EOP seen).
// Descriptors with RS get DD written back.
func (c *Controller) ProcessTx() ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.regs.Read32(e1000.RegTCTL)&e1000.TCTLEN == 0 {
		return nil, ErrTxDisabled
	}
	if c.txQueued == 0 {
		return nil, nil
	}

	n := c.txLen()
	table, err := c.table(
		c.regs.Read32(e1000.RegTDBAL),
		c.regs.Read32(e1000.RegTDBAH),
		c.regs.Read32(e1000.RegTDLEN),
	)
	if err != nil {
		return nil, fmt.Errorf("fetching TX descriptor table: %w", err)
	}

	var frames [][]byte
	head := c.regs.Read32(e1000.RegTDH)
	for ; c.txQueued > 0; c.txQueued-- {
		d := e1000.DescriptorAt(table, int(head))
		if d.Cmd()&e1000.CmdDEXT != 0 {
			return frames, fmt.Errorf("descriptor %d: extended descriptors not supported", head)
		}
		buf, err := c.mem.Bytes(d.Addr(), d.Length())
		if err != nil {
			return frames, fmt.Errorf("descriptor %d: fetching buffer: %w", head, err)
		}
		c.txPartial = append(c.txPartial, buf...)

		if d.Cmd()&e1000.CmdEOP != 0 {
			frame := c.txPartial
			c.txPartial = nil
			frames = append(frames, frame)
			c.stats.TxFrames++
			c.stats.TxBytes += uint64(len(frame))
		}
		if d.Cmd()&e1000.CmdRS != 0 {
			d.SetStatus(d.Status() | e1000.StatusDD)
		}

		head = (head + 1) % n
		c.regs.Write32(e1000.RegTDH, head)
	}

	if c.l.Level >= logrus.DebugLevel && len(frames) > 0 {
		c.l.WithField("frames", len(frames)).Debug("e1000sim transmitted")
	}
	return frames, nil
}

// DeliverRx places frame into the next receive descriptor the driver made
// available, as if it had arrived on the wire.
func (c *Controller) DeliverRx(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rctl := c.regs.Read32(e1000.RegRCTL)
	if rctl&e1000.RCTLEN == 0 {
		return ErrRxDisabled
	}
	if !c.accept(frame, rctl) {
		c.stats.RxFiltered++
		return ErrFiltered
	}

	wire := frame
	if rctl&e1000.RCTLSECRC == 0 {
		wire = binary.LittleEndian.AppendUint32(bytes.Clone(frame), crc32.ChecksumIEEE(frame))
	}
	if len(wire) > e1000.RxBufferSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLong, len(wire))
	}

	n := c.rxLen()
	if n == 0 {
		return ErrRxOverrun
	}
	head := c.regs.Read32(e1000.RegRDH)
	if head == c.regs.Read32(e1000.RegRDT) {
		c.stats.RxOverruns++
		return ErrRxOverrun
	}

	table, err := c.table(
		c.regs.Read32(e1000.RegRDBAL),
		c.regs.Read32(e1000.RegRDBAH),
		c.regs.Read32(e1000.RegRDLEN),
	)
	if err != nil {
		return fmt.Errorf("fetching RX descriptor table: %w", err)
	}
	d := e1000.DescriptorAt(table, int(head))
	buf, err := c.mem.Bytes(d.Addr(), len(wire))
	if err != nil {
		return fmt.Errorf("descriptor %d: fetching buffer: %w", head, err)
	}
	copy(buf, wire)
	d.SetLength(len(wire))
	d.SetStatus(e1000.StatusDD | e1000.StatusEOP)

	c.regs.Write32(e1000.RegRDH, (head+1)%n)
	c.stats.RxFrames++
	c.stats.RxBytes += uint64(len(wire))
	return nil
}

// accept applies the destination address filter: RAL0/RAH0 when valid, and
// broadcast when RCTL.BAM is set. The multicast table is never consulted
// because the driver zeroes it.
func (c *Controller) accept(frame []byte, rctl uint32) bool {
	if len(frame) < 6 {
		return false
	}
	dst := net.HardwareAddr(frame[:6])
	if bytes.Equal(dst, broadcast) {
		return rctl&e1000.RCTLBAM != 0
	}
	station, ok := e1000.DecodeReceiveAddress(
		c.regs.Read32(e1000.RegRAL0), c.regs.Read32(e1000.RegRAH0),
	)
	return ok && bytes.Equal(dst, station)
}

// RunLoopback wires the transmitter to the receiver until ctx is canceled:
// every transmitted frame is delivered back to the receive ring. Frames the
// receiver cannot take (overrun, filtered) are dropped, as on a real link.
// yield is called whenever there is nothing to transmit; nil selects
// runtime.Gosched.
func (c *Controller) RunLoopback(ctx context.Context, yield func()) error {
	if yield == nil {
		yield = runtime.Gosched
	}
	for ctx.Err() == nil {
		frames, err := c.ProcessTx()
		if err != nil && !errors.Is(err, ErrTxDisabled) {
			return err
		}
		if len(frames) == 0 {
			yield()
			continue
		}
		for _, f := range frames {
			err := c.DeliverRx(f)
			switch {
			case err == nil:
			case errors.Is(err, ErrRxOverrun), errors.Is(err, ErrFiltered),
				errors.Is(err, ErrRxDisabled), errors.Is(err, ErrFrameTooLong):
				if c.l.Level >= logrus.DebugLevel {
					c.l.WithError(err).WithField("len", len(f)).Debug("e1000sim dropped frame")
				}
			default:
				return err
			}
		}
	}
	return context.Canceled
}
