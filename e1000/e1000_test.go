package e1000_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/nicring/e1000"
	"github.com/romshark/nicring/e1000/e1000sim"
	"github.com/romshark/nicring/physmem"
	"github.com/romshark/nicring/test"
)

// arenaPages covers both default rings: one table page each plus one
// buffer page per two descriptors.
const arenaPages = 2 + (e1000.DefaultTxRingLen+e1000.DefaultRxRingLen)/2

type rig struct {
	drv *e1000.Driver
	dev *e1000sim.Controller
	mem *physmem.Arena
}

func newRig(t *testing.T) rig {
	t.Helper()
	l := test.NewLogger()
	mem := physmem.NewArena(arenaPages, 0)
	drv, err := e1000.New(e1000.Config{}, mem, l)
	require.NoError(t, err)
	dev := e1000sim.New(mem, l)
	require.NoError(t, drv.Attach(dev))
	return rig{drv: drv, dev: dev, mem: mem}
}

func (r rig) txDescriptor(t *testing.T, i int) e1000.Descriptor {
	t.Helper()
	return r.descriptor(t, e1000.RegTDBAL, e1000.RegTDBAH, e1000.RegTDLEN, i)
}

func (r rig) rxDescriptor(t *testing.T, i int) e1000.Descriptor {
	t.Helper()
	return r.descriptor(t, e1000.RegRDBAL, e1000.RegRDBAH, e1000.RegRDLEN, i)
}

func (r rig) descriptor(t *testing.T, lo, hi, length uint32, i int) e1000.Descriptor {
	t.Helper()
	base := physmem.Addr(r.dev.Read32(hi))<<32 | physmem.Addr(r.dev.Read32(lo))
	table, err := r.mem.Bytes(base, int(r.dev.Read32(length)))
	require.NoError(t, err)
	return e1000.DescriptorAt(table, i)
}

// frameTo returns an Ethernet frame of n bytes addressed to dst whose
// payload starts with seq.
func frameTo(dst []byte, seq, n int) []byte {
	f := make([]byte, n)
	copy(f, dst)
	copy(f[6:], []byte{0x02, 0, 0, 0, 0, 1})
	f[12], f[13] = 0x88, 0xb5
	copy(f[14:], fmt.Sprintf("%08d", seq))
	for i := 22; i < n; i++ {
		f[i] = byte(i + seq)
	}
	return f
}

func TestAttach_ProgramsRegisters(t *testing.T) {
	r := newRig(t)
	d := r.dev

	assert.Equal(t, uint32(e1000.DefaultTxRingLen*e1000.DescriptorSize), d.Read32(e1000.RegTDLEN))
	assert.Zero(t, d.Read32(e1000.RegTDH))
	assert.Zero(t, d.Read32(e1000.RegTDT))
	assert.Equal(t, uint32(0x0004_010a), d.Read32(e1000.RegTCTL))
	assert.Equal(t, uint32(10|8<<10|6<<20), d.Read32(e1000.RegTIPG))

	assert.Equal(t, uint32(0x12005452), d.Read32(e1000.RegRAL0))
	assert.Equal(t, uint32(0x80005634), d.Read32(e1000.RegRAH0))
	for off := uint32(0); off < e1000.MTALen; off += 4 {
		assert.Zero(t, d.Read32(e1000.RegMTA+off), "MTA[%d]", off/4)
	}

	assert.Equal(t, uint32(e1000.DefaultRxRingLen*e1000.DescriptorSize), d.Read32(e1000.RegRDLEN))
	assert.Equal(t, uint32(1), d.Read32(e1000.RegRDH))
	assert.Zero(t, d.Read32(e1000.RegRDT))
	rctl := d.Read32(e1000.RegRCTL)
	assert.Equal(t, uint32(e1000.RCTLEN|e1000.RCTLSECRC), rctl)
	assert.Zero(t, rctl&e1000.RCTLLPE, "long packet mode must stay off")

	for _, reg := range []uint32{e1000.RegTDBAL, e1000.RegRDBAL} {
		assert.Zero(t, d.Read32(reg)%e1000.RingAlign, "ring base %#x not aligned", reg)
	}
	assert.Zero(t, d.Read32(e1000.RegTDBAH))
	assert.Zero(t, d.Read32(e1000.RegRDBAH))
}

func TestAttach_DescriptorInitialState(t *testing.T) {
	r := newRig(t)

	seen := map[physmem.Addr]bool{}
	for i := range e1000.DefaultTxRingLen {
		desc := r.txDescriptor(t, i)
		assert.True(t, desc.Done(), "tx %d must start software owned", i)
		assert.Equal(t, uint8(e1000.CmdEOP|e1000.CmdRS), desc.Cmd())
		assert.False(t, seen[desc.Addr()], "tx %d shares a buffer", i)
		seen[desc.Addr()] = true
	}
	for i := range e1000.DefaultRxRingLen {
		desc := r.rxDescriptor(t, i)
		assert.False(t, desc.Done(), "rx %d must start device owned", i)
		assert.False(t, seen[desc.Addr()], "rx %d shares a buffer", i)
		seen[desc.Addr()] = true
	}
}

func TestAttach_Twice(t *testing.T) {
	r := newRig(t)
	assert.ErrorIs(t, r.drv.Attach(r.dev), e1000.ErrAlreadyAttached)
}

func TestAttach_OutOfMemory(t *testing.T) {
	l := test.NewLogger()
	mem := physmem.NewArena(4, 0)
	drv, err := e1000.New(e1000.Config{}, mem, l)
	require.NoError(t, err)

	err = drv.Attach(e1000sim.New(mem, l))
	assert.ErrorIs(t, err, physmem.ErrNoMemory)

	assert.ErrorIs(t, drv.Transmit([]byte{1}), e1000.ErrNotAttached)
}

func TestNotAttached(t *testing.T) {
	drv, err := e1000.New(e1000.Config{}, physmem.NewArena(1, 0), test.NewLogger())
	require.NoError(t, err)

	assert.ErrorIs(t, drv.Transmit([]byte{1}), e1000.ErrNotAttached)
	_, err = drv.Receive(make([]byte, 64))
	assert.ErrorIs(t, err, e1000.ErrNotAttached)
}

func TestTransmit_SetsLength(t *testing.T) {
	r := newRig(t)
	frame := frameTo(e1000.DefaultMAC, 1, 60)

	require.NoError(t, r.drv.Transmit(frame))

	desc := r.txDescriptor(t, 0)
	assert.Equal(t, len(frame), desc.Length())
	assert.False(t, desc.Done(), "slot must be handed to the device")
	assert.Equal(t, uint32(1), r.dev.Read32(e1000.RegTDT))

	buf, err := r.mem.Bytes(desc.Addr(), desc.Length())
	require.NoError(t, err)
	assert.Equal(t, frame, buf)
}

func TestTransmit_InvalidLength(t *testing.T) {
	r := newRig(t)

	assert.ErrorIs(t, r.drv.Transmit(nil), e1000.ErrInvalidArgument)
	assert.ErrorIs(t, r.drv.Transmit(make([]byte, e1000.TxBufferSize+1)), e1000.ErrInvalidArgument)
	assert.Zero(t, r.dev.Read32(e1000.RegTDT), "rejected frames must not move the tail")

	assert.NoError(t, r.drv.Transmit(make([]byte, e1000.TxBufferSize)))
}

func TestTransmit_Saturation(t *testing.T) {
	r := newRig(t)

	for i := range e1000.DefaultTxRingLen {
		require.NoError(t, r.drv.Transmit(frameTo(e1000.DefaultMAC, i, 64)), "transmit %d", i)
	}
	assert.ErrorIs(t, r.drv.Transmit(frameTo(e1000.DefaultMAC, 99, 64)), e1000.ErrRingFull)
	assert.Zero(t, r.dev.Read32(e1000.RegTDT), "tail wrapped to the head")

	frames, err := r.dev.ProcessTx()
	require.NoError(t, err)
	require.Len(t, frames, e1000.DefaultTxRingLen)
	for i, f := range frames {
		assert.Equal(t, frameTo(e1000.DefaultMAC, i, 64), f, "frame %d", i)
	}

	assert.NoError(t, r.drv.Transmit(frameTo(e1000.DefaultMAC, 8, 64)))
}

func TestReceive_Empty(t *testing.T) {
	r := newRig(t)
	buf := bytes.Repeat([]byte{0xa5}, e1000.RxBufferSize)

	n, err := r.drv.Receive(buf)
	assert.ErrorIs(t, err, e1000.ErrNoData)
	assert.Zero(t, n)
	assert.Zero(t, r.dev.Read32(e1000.RegRDT))
	assert.Equal(t, bytes.Repeat([]byte{0xa5}, e1000.RxBufferSize), buf, "buf written on an empty ring")
}

func TestReceive_InvalidLength(t *testing.T) {
	r := newRig(t)
	frame := frameTo(e1000.DefaultMAC, 1, 64)
	require.NoError(t, r.dev.DeliverRx(frame))

	buf := make([]byte, e1000.RxBufferSize+1)
	n, err := r.drv.Receive(buf)
	assert.ErrorIs(t, err, e1000.ErrInvalidArgument)
	assert.Zero(t, n)
	assert.Zero(t, r.dev.Read32(e1000.RegRDT), "rejected receives must not move the tail")

	// The frame is still there for a correctly sized buffer.
	n, err = r.drv.Receive(buf[:e1000.RxBufferSize])
	require.NoError(t, err)
	assert.Equal(t, frame, buf[:n])
}

func TestReceive_RoundTrip(t *testing.T) {
	r := newRig(t)
	frame := frameTo(e1000.DefaultMAC, 7, 1514)

	require.NoError(t, r.drv.Transmit(frame))
	frames, err := r.dev.ProcessTx()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.NoError(t, r.dev.DeliverRx(frames[0]))

	buf := make([]byte, e1000.RxBufferSize)
	n, err := r.drv.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, frame, buf[:n])

	assert.False(t, r.rxDescriptor(t, 1).Done(), "slot must be recycled")
	assert.Equal(t, uint32(1), r.dev.Read32(e1000.RegRDT))

	_, err = r.drv.Receive(buf)
	assert.ErrorIs(t, err, e1000.ErrNoData)
}

func TestReceive_Truncates(t *testing.T) {
	r := newRig(t)
	frame := frameTo(e1000.DefaultMAC, 1, 200)
	require.NoError(t, r.dev.DeliverRx(frame))

	buf := make([]byte, 100)
	n, err := r.drv.Receive(buf)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, frame[:100], buf)
}

func TestReceive_OverrunAndWrap(t *testing.T) {
	r := newRig(t)
	buf := make([]byte, e1000.RxBufferSize)

	// All descriptors but one are available to the device.
	seq := 0
	for ; seq < e1000.DefaultRxRingLen-1; seq++ {
		require.NoError(t, r.dev.DeliverRx(frameTo(e1000.DefaultMAC, seq, 64)), "deliver %d", seq)
	}
	assert.ErrorIs(t, r.dev.DeliverRx(frameTo(e1000.DefaultMAC, seq, 64)), e1000sim.ErrRxOverrun)

	// Drain and refill across the wrap, frames must come out in order.
	next := 0
	for round := 0; round < 3; round++ {
		for range 50 {
			n, err := r.drv.Receive(buf)
			require.NoError(t, err)
			require.Equal(t, frameTo(e1000.DefaultMAC, next, 64), buf[:n], "frame %d", next)
			next++
		}
		for range 50 {
			require.NoError(t, r.dev.DeliverRx(frameTo(e1000.DefaultMAC, seq, 64)))
			seq++
		}
	}
	for next < seq {
		n, err := r.drv.Receive(buf)
		require.NoError(t, err)
		require.Equal(t, frameTo(e1000.DefaultMAC, next, 64), buf[:n], "frame %d", next)
		next++
	}
	_, err := r.drv.Receive(buf)
	assert.ErrorIs(t, err, e1000.ErrNoData)
}

func TestLoopback_ManyFrames(t *testing.T) {
	r := newRig(t)
	buf := make([]byte, e1000.RxBufferSize)

	for i := range 100 {
		sizes := []int{60, 512, e1000.TxBufferSize}
		f := frameTo(e1000.DefaultMAC, i, sizes[i%len(sizes)])
		require.NoError(t, r.drv.Transmit(f))

		frames, err := r.dev.ProcessTx()
		require.NoError(t, err)
		require.Len(t, frames, 1)
		require.NoError(t, r.dev.DeliverRx(frames[0]))

		n, err := r.drv.Receive(buf)
		require.NoError(t, err)
		require.True(t, bytes.Equal(f, buf[:n]), "frame %d mangled", i)
	}

	st := r.dev.Stats()
	assert.Equal(t, uint64(100), st.TxFrames)
	assert.Equal(t, uint64(100), st.RxFrames)
}
