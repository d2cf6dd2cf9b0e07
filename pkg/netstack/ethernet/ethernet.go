// Package ethernet provides Ethernet frame parsing and generation, the ARP
// packet codec and the address resolver that latches the gateway link address.
package ethernet

import (
	"encoding/binary"
	"fmt"
	"net"

	"retroos/pkg/netstack"
)

// Ethernet header length in bytes.
const HeaderLength = 14

// MinFrameLength is the shortest frame put on the wire, FCS excluded.
const MinFrameLength = 60

// Frame represents an Ethernet frame.
type Frame struct {
	DstMAC    net.HardwareAddr   // Destination MAC address (6 bytes)
	SrcMAC    net.HardwareAddr   // Source MAC address (6 bytes)
	EtherType netstack.EtherType // EtherType field
	Payload   []byte             // Frame payload (IP packet, ARP, etc.)
}

// ParseFrame parses an Ethernet frame from raw bytes. The frame owns copies of
// the addresses and payload, so data may be reused by the caller.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderLength {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	frame := &Frame{
		DstMAC:    net.HardwareAddr{data[0], data[1], data[2], data[3], data[4], data[5]},
		SrcMAC:    net.HardwareAddr{data[6], data[7], data[8], data[9], data[10], data[11]},
		EtherType: netstack.EtherType(binary.BigEndian.Uint16(data[12:14])),
	}
	frame.Payload = append([]byte(nil), data[HeaderLength:]...)

	return frame, nil
}

// Serialize serializes the Ethernet frame to bytes, padding it to the
// minimum frame length.
func (f *Frame) Serialize() []byte {
	n := HeaderLength + len(f.Payload)
	if n < MinFrameLength {
		n = MinFrameLength
	}
	buf := make([]byte, n)
	copy(buf[0:6], f.DstMAC)
	copy(buf[6:12], f.SrcMAC)
	binary.BigEndian.PutUint16(buf[12:14], uint16(f.EtherType))
	copy(buf[14:], f.Payload)
	return buf
}

// IsBroadcast checks if the destination MAC is broadcast.
func (f *Frame) IsBroadcast() bool {
	for _, b := range f.DstMAC {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// IsMulticast checks if the destination MAC is multicast.
func (f *Frame) IsMulticast() bool {
	return f.DstMAC[0]&0x01 == 0x01
}

// IsUnicast checks if the frame is unicast.
func (f *Frame) IsUnicast() bool {
	return !f.IsBroadcast() && !f.IsMulticast()
}

// AcceptedBy reports whether a NIC with address mac should take the frame.
func (f *Frame) AcceptedBy(mac net.HardwareAddr) bool {
	return f.IsBroadcast() || f.IsMulticast() || equalMAC(f.DstMAC, mac)
}

// NewFrame creates a new Ethernet frame.
func NewFrame(dstMAC, srcMAC net.HardwareAddr, etherType netstack.EtherType, payload []byte) *Frame {
	return &Frame{
		DstMAC:    dstMAC,
		SrcMAC:    srcMAC,
		EtherType: etherType,
		Payload:   payload,
	}
}

// BroadcastMAC returns the Ethernet broadcast MAC address.
func BroadcastMAC() net.HardwareAddr {
	return net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
}

func equalMAC(a, b net.HardwareAddr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
