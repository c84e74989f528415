package e1000

import (
	"errors"
	"fmt"
	"net"

	"github.com/romshark/nicring/physmem"
)

// DefaultMAC is the station address QEMU assigns to its emulated e1000.
var DefaultMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

var ErrInvalidConfig = errors.New("invalid driver config")

// Config controls ring geometry and the station address.
type Config struct {
	// MAC is the station address programmed into RAL0/RAH0.
	MAC net.HardwareAddr
	// TxRingLen is the number of transmit descriptors.
	TxRingLen int
	// RxRingLen is the number of receive descriptors.
	RxRingLen int
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.MAC == nil {
		c.MAC = DefaultMAC
	}
	if c.TxRingLen == 0 {
		c.TxRingLen = DefaultTxRingLen
	}
	if c.RxRingLen == 0 {
		c.RxRingLen = DefaultRxRingLen
	}

	if len(c.MAC) != 6 {
		return fmt.Errorf("%w: MAC %v is not an EUI-48 address", ErrInvalidConfig, c.MAC)
	}
	if c.MAC[0]&1 != 0 {
		return fmt.Errorf("%w: MAC %v is a multicast address", ErrInvalidConfig, c.MAC)
	}
	if err := checkRingLen("tx", c.TxRingLen); err != nil {
		return err
	}
	return checkRingLen("rx", c.RxRingLen)
}

func checkRingLen(name string, n int) error {
	switch {
	case n <= 0:
		return fmt.Errorf("%w: %s ring length %d is too small", ErrInvalidConfig, name, n)
	case n*DescriptorSize%RingAlign != 0:
		return fmt.Errorf("%w: %s ring of %d descriptors is not a multiple of %d bytes",
			ErrInvalidConfig, name, n, RingAlign)
	case n*DescriptorSize > physmem.PageSize:
		// The descriptor table must be physically contiguous.
		return fmt.Errorf("%w: %s ring of %d descriptors does not fit in one page",
			ErrInvalidConfig, name, n)
	case n%buffersPerPage != 0:
		return fmt.Errorf("%w: %s ring length %d is not a multiple of %d",
			ErrInvalidConfig, name, n, buffersPerPage)
	}
	return nil
}

// receiveAddress encodes mac into the RAL/RAH register pair, marking the
// entry valid.
func receiveAddress(mac net.HardwareAddr) (lo, hi uint32) {
	lo = uint32(mac[0]) | uint32(mac[1])<<8 | uint32(mac[2])<<16 | uint32(mac[3])<<24
	hi = uint32(mac[4]) | uint32(mac[5])<<8 | RAHAV
	return lo, hi
}

// DecodeReceiveAddress is the inverse of the RAL/RAH encoding. ok is false
// when the entry is not marked valid.
func DecodeReceiveAddress(lo, hi uint32) (mac net.HardwareAddr, ok bool) {
	mac = net.HardwareAddr{
		byte(lo), byte(lo >> 8), byte(lo >> 16), byte(lo >> 24),
		byte(hi), byte(hi >> 8),
	}
	return mac, hi&RAHAV != 0
}
