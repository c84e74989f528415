package e1000_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/nicring/e1000"
)

func TestConfig_Defaults(t *testing.T) {
	var c e1000.Config
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, e1000.DefaultMAC, c.MAC)
	assert.Equal(t, e1000.DefaultTxRingLen, c.TxRingLen)
	assert.Equal(t, e1000.DefaultRxRingLen, c.RxRingLen)
}

func TestConfig_Validate(t *testing.T) {
	for _, tt := range []struct {
		name string
		conf e1000.Config
		ok   bool
	}{
		{"tx 16", e1000.Config{TxRingLen: 16}, true},
		{"rx 256", e1000.Config{RxRingLen: 256}, true},
		{"tx negative", e1000.Config{TxRingLen: -8}, false},
		{"tx unaligned", e1000.Config{TxRingLen: 12}, false},
		{"rx beyond a page", e1000.Config{RxRingLen: 264}, false},
		{"short mac", e1000.Config{MAC: net.HardwareAddr{1, 2, 3}}, false},
		{"multicast mac", e1000.Config{MAC: net.HardwareAddr{0x01, 0, 0x5e, 0, 0, 1}}, false},
		{"local mac", e1000.Config{MAC: net.HardwareAddr{0x02, 0, 0, 0, 0, 1}}, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.conf.ValidateAndSetDefaults()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, e1000.ErrInvalidConfig)
			}
		})
	}
}

func TestDecodeReceiveAddress(t *testing.T) {
	mac, ok := e1000.DecodeReceiveAddress(0x12005452, 0x80005634)
	assert.True(t, ok)
	assert.Equal(t, e1000.DefaultMAC, mac)

	_, ok = e1000.DecodeReceiveAddress(0x12005452, 0x5634)
	assert.False(t, ok)
}
