package e1000

// PCI identity of the 82540EM controller.
const (
	VendorID = 0x8086
	DeviceID = 0x100e
)

// Register offsets into BAR0.
// See the PCI/PCI-X Family of Gigabit Ethernet Controllers Software
// Developer's Manual, section 13.
const (
	RegRCTL  = 0x00100 // receive control
	RegTCTL  = 0x00400 // transmit control
	RegTIPG  = 0x00410 // transmit inter-packet gap
	RegRDBAL = 0x02800 // RX descriptor base, low word
	RegRDBAH = 0x02804 // RX descriptor base, high word
	RegRDLEN = 0x02808 // RX descriptor ring length in bytes
	RegRDH   = 0x02810 // RX descriptor head (device owned)
	RegRDT   = 0x02818 // RX descriptor tail (driver owned)
	RegTDBAL = 0x03800 // TX descriptor base, low word
	RegTDBAH = 0x03804 // TX descriptor base, high word
	RegTDLEN = 0x03808 // TX descriptor ring length in bytes
	RegTDH   = 0x03810 // TX descriptor head (device owned)
	RegTDT   = 0x03818 // TX descriptor tail (driver owned)
	RegMTA   = 0x05200 // multicast table array, 128 registers
	RegRAL0  = 0x05400 // receive address low, entry 0
	RegRAH0  = 0x05404 // receive address high, entry 0

	MTALen = 0x200

	// RegisterWindowSize is the size of BAR0.
	RegisterWindowSize = 0x20000
)

// TCTL bits.
const (
	TCTLEN       = 1 << 1     // transmitter enable
	TCTLPSP      = 1 << 3     // pad short packets
	TCTLCTEth    = 0x10 << 4  // collision threshold, IEEE 802.3
	TCTLColdFull = 0x40 << 12 // collision distance, full duplex
)

// TIPG fields, IEEE 802.3 values for the copper PHY.
const (
	TIPGIPGT  = 10 << 0
	TIPGIPGR1 = 8 << 10
	TIPGIPGR2 = 6 << 20
)

// RCTL bits.
const (
	RCTLEN        = 1 << 1  // receiver enable
	RCTLLPE       = 1 << 5  // long packet enable; never set by this driver
	RCTLBAM       = 1 << 15 // broadcast accept mode
	RCTLBSize2048 = 0 << 16 // receive buffer size 2048, with BSEX clear
	RCTLSECRC     = 1 << 26 // strip ethernet CRC
)

// RAHAV marks a receive address entry valid.
const RAHAV = 1 << 31

// Descriptor command bits (TX).
const (
	CmdEOP  = 1 << 0 // end of packet
	CmdRS   = 1 << 3 // report status
	CmdDEXT = 1 << 5 // extension; clear selects legacy descriptors
)

// Descriptor status bits.
const (
	StatusDD  = 1 << 0 // descriptor done
	StatusEOP = 1 << 1 // end of packet (RX)
)

// Ring geometry.
const (
	DescriptorSize = 16
	// RingAlign is the granularity TDLEN/RDLEN must be a multiple of.
	RingAlign = 128

	DefaultTxRingLen = 8
	DefaultRxRingLen = 128

	// TxBufferSize is the largest frame a single TX descriptor carries.
	TxBufferSize = 1518
	// RxBufferSize matches RCTLBSize2048.
	RxBufferSize = 2048

	// bufferStride is the space reserved per buffer; two buffers share a
	// page and never straddle one.
	bufferStride = 2048
)

// The default ring sizes must satisfy the controller's length granularity.
var (
	_ [0]struct{} = [(DefaultTxRingLen * DescriptorSize) % RingAlign]struct{}{}
	_ [0]struct{} = [(DefaultRxRingLen * DescriptorSize) % RingAlign]struct{}{}
)
