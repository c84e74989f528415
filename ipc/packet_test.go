package ipc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/nicring/ipc"
	"github.com/romshark/nicring/physmem"
)

func TestPacket_Length(t *testing.T) {
	pkt := ipc.Packet(make([]byte, physmem.PageSize))
	assert.Len(t, pkt.Payload(), ipc.MaxPacketLen)

	pkt.SetLen(ipc.MaxPacketLen)
	assert.Equal(t, []byte{0xfc, 0x0f, 0, 0}, []byte(pkt[:ipc.HeaderLen]))
	b, err := pkt.Bytes()
	require.NoError(t, err)
	assert.Len(t, b, ipc.MaxPacketLen)

	for _, n := range []int{-1, ipc.MaxPacketLen + 1} {
		pkt.SetLen(n)
		assert.Equal(t, n, pkt.Len())
		_, err := pkt.Bytes()
		assert.ErrorIs(t, err, ipc.ErrBadLength, "length %d", n)
	}
}
