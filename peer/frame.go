package peer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	headersLen = 14 + 20 + 8
	seqLen     = 4
	// MinFrameSize is the Ethernet minimum without FCS. Shorter frames are
	// padded to it on serialization.
	MinFrameSize = 60
)

var ErrNotUDP = errors.New("not an IPv4/UDP frame")

// Flow is the addressing of generated frames.
type Flow struct {
	SrcMAC, DstMAC   net.HardwareAddr
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
}

// Frame is a decoded frame.
type Frame struct {
	Flow
	Seq uint32
	Len int
}

// BuildUDPFrame returns an Ethernet/IPv4/UDP frame of size bytes whose
// payload starts with seq (big-endian). size is raised to MinFrameSize.
// Padding beyond the UDP payload is not counted in the IPv4 length.
func BuildUDPFrame(f Flow, seq uint32, size int) ([]byte, error) {
	size = max(size, MinFrameSize)

	eth := layers.Ethernet{
		SrcMAC:       f.SrcMAC,
		DstMAC:       f.DstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    f.SrcIP.To4(),
		DstIP:    f.DstIP.To4(),
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(f.SrcPort),
		DstPort: layers.UDPPort(f.DstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return nil, err
	}

	payload := make([]byte, size-headersLen)
	binary.BigEndian.PutUint32(payload, seq)
	for i := seqLen; i < len(payload); i++ {
		payload[i] = byte(i)
	}

	buf := gopacket.NewSerializeBuffer()
	opt := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opt, &eth, &ip, &udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serializing frame %d: %w", seq, err)
	}
	return buf.Bytes(), nil
}

// DecodeUDPFrame parses a frame built by BuildUDPFrame.
func DecodeUDPFrame(b []byte) (Frame, error) {
	packet := gopacket.NewPacket(b, layers.LayerTypeEthernet, gopacket.Lazy)
	eth, _ := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	v4, _ := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	udp, _ := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if eth == nil || v4 == nil || udp == nil {
		return Frame{}, ErrNotUDP
	}
	if len(udp.Payload) < seqLen {
		return Frame{}, fmt.Errorf("%w: payload of %d bytes", ErrNotUDP, len(udp.Payload))
	}
	return Frame{
		Flow: Flow{
			SrcMAC:  eth.SrcMAC,
			DstMAC:  eth.DstMAC,
			SrcIP:   v4.SrcIP,
			DstIP:   v4.DstIP,
			SrcPort: uint16(udp.SrcPort),
			DstPort: uint16(udp.DstPort),
		},
		Seq: binary.BigEndian.Uint32(udp.Payload),
		Len: len(b),
	}, nil
}
