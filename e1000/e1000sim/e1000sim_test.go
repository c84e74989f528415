package e1000sim_test

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/nicring/e1000"
	"github.com/romshark/nicring/e1000/e1000sim"
	"github.com/romshark/nicring/physmem"
	"github.com/romshark/nicring/test"
)

func attach(t *testing.T) (*e1000.Driver, *e1000sim.Controller) {
	t.Helper()
	l := test.NewLogger()
	mem := physmem.NewArena(72, 0)
	drv, err := e1000.New(e1000.Config{}, mem, l)
	require.NoError(t, err)
	dev := e1000sim.New(mem, l)
	require.NoError(t, drv.Attach(dev))
	return drv, dev
}

func frame(dst []byte, n int) []byte {
	f := make([]byte, n)
	copy(f, dst)
	for i := 6; i < n; i++ {
		f[i] = byte(i)
	}
	return f
}

func TestController_DisabledUntilProgrammed(t *testing.T) {
	dev := e1000sim.New(physmem.NewArena(1, 0), test.NewLogger())

	_, err := dev.ProcessTx()
	assert.ErrorIs(t, err, e1000sim.ErrTxDisabled)
	assert.ErrorIs(t, dev.DeliverRx(frame(e1000.DefaultMAC, 64)), e1000sim.ErrRxDisabled)
}

func TestController_ProcessTxIdle(t *testing.T) {
	_, dev := attach(t)

	frames, err := dev.ProcessTx()
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestController_AddressFilter(t *testing.T) {
	drv, dev := attach(t)

	assert.ErrorIs(t, dev.DeliverRx(frame([]byte{0x02, 1, 2, 3, 4, 5}, 64)), e1000sim.ErrFiltered)
	assert.ErrorIs(t, dev.DeliverRx(frame([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, 64)), e1000sim.ErrFiltered,
		"broadcast needs RCTL.BAM")
	assert.ErrorIs(t, dev.DeliverRx([]byte{1, 2}), e1000sim.ErrFiltered)
	assert.Equal(t, uint64(3), dev.Stats().RxFiltered)

	dev.Write32(e1000.RegRCTL, dev.Read32(e1000.RegRCTL)|e1000.RCTLBAM)
	assert.NoError(t, dev.DeliverRx(frame([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, 64)))
	assert.NoError(t, dev.DeliverRx(frame(drv.MAC(), 64)))

	// Invalidating the station address stops unicast delivery.
	dev.Write32(e1000.RegRAH0, dev.Read32(e1000.RegRAH0)&^e1000.RAHAV)
	assert.ErrorIs(t, dev.DeliverRx(frame(drv.MAC(), 64)), e1000sim.ErrFiltered)
}

func TestController_AppendsFCSWithoutSECRC(t *testing.T) {
	drv, dev := attach(t)
	dev.Write32(e1000.RegRCTL, dev.Read32(e1000.RegRCTL)&^e1000.RCTLSECRC)

	f := frame(drv.MAC(), 60)
	require.NoError(t, dev.DeliverRx(f))

	buf := make([]byte, e1000.RxBufferSize)
	n, err := drv.Receive(buf)
	require.NoError(t, err)
	require.Equal(t, len(f)+4, n)
	assert.Equal(t, f, buf[:len(f)])
	assert.Equal(t, crc32.ChecksumIEEE(f), binary.LittleEndian.Uint32(buf[len(f):n]))
}

func TestController_FrameTooLong(t *testing.T) {
	drv, dev := attach(t)
	assert.ErrorIs(t, dev.DeliverRx(frame(drv.MAC(), e1000.RxBufferSize+1)), e1000sim.ErrFrameTooLong)
	assert.NoError(t, dev.DeliverRx(frame(drv.MAC(), e1000.RxBufferSize)))
}

func TestController_CompletesWithRS(t *testing.T) {
	drv, dev := attach(t)
	require.NoError(t, drv.Transmit(frame(drv.MAC(), 64)))
	require.NoError(t, drv.Transmit(frame(drv.MAC(), 128)))

	frames, err := dev.ProcessTx()
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Len(t, frames[0], 64)
	assert.Len(t, frames[1], 128)
	assert.Equal(t, uint32(2), dev.Read32(e1000.RegTDH))

	st := dev.Stats()
	assert.Equal(t, uint64(2), st.TxFrames)
	assert.Equal(t, uint64(192), st.TxBytes)
}

func TestController_RunLoopback(t *testing.T) {
	drv, dev := attach(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dev.RunLoopback(ctx, nil) }()

	const frames = 32
	buf := make([]byte, e1000.RxBufferSize)
	sent, received := 0, 0
	deadline := time.Now().Add(5 * time.Second)
	for received < frames && time.Now().Before(deadline) {
		if sent < frames {
			err := drv.Transmit(frame(drv.MAC(), 60+sent))
			if err == nil {
				sent++
			} else {
				require.ErrorIs(t, err, e1000.ErrRingFull)
			}
		}
		n, err := drv.Receive(buf)
		if err != nil {
			require.ErrorIs(t, err, e1000.ErrNoData)
			continue
		}
		assert.Equal(t, 60+received, n)
		received++
	}
	assert.Equal(t, frames, received)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
