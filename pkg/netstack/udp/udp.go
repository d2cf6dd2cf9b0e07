// Package udp implements UDP datagrams: the header codec with pseudo-header
// checksum, a fixed-capacity port table and the layer that sends datagrams and
// dispatches inbound ones to port handlers.
package udp

import (
	"encoding/binary"
	"fmt"
	network "net"

	"retroos/pkg/netstack"
)

// HeaderLength is the size of the UDP header.
const HeaderLength = 8

// MaxPayload is the largest payload that fits one Ethernet frame without
// fragmentation.
const MaxPayload = 1472

// Header represents a UDP header.
type Header struct {
	SrcPort  uint16 // Source port
	DstPort  uint16 // Destination port
	Length   uint16 // Length of the datagram
	Checksum uint16 // Checksum
}

// ParseHeader parses a UDP header from raw bytes.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderLength {
		return nil, fmt.Errorf("UDP header too short: %d bytes", len(data))
	}

	return &Header{
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Length:   binary.BigEndian.Uint16(data[4:6]),
		Checksum: binary.BigEndian.Uint16(data[6:8]),
	}, nil
}

// Serialize serializes the UDP header to bytes.
func (h *Header) Serialize() []byte {
	buf := make([]byte, HeaderLength)

	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	binary.BigEndian.PutUint16(buf[6:8], h.Checksum)

	return buf
}

// CalcChecksum calculates the UDP checksum using the pseudo-header. The
// checksum field itself is treated as zero. A computed value of zero is
// returned as 0xFFFF, since zero on the wire means "no checksum".
func (h *Header) CalcChecksum(srcIP, dstIP network.IP, payload []byte) uint16 {
	hdr := h.Serialize()
	hdr[6], hdr[7] = 0, 0

	sum := netstack.PseudoHeaderSum(srcIP, dstIP, netstack.ProtocolUDP, HeaderLength+len(payload))
	sum = netstack.Sum(hdr, sum)
	sum = netstack.Sum(payload, sum)

	cs := ^netstack.Fold(sum)
	if cs == 0 {
		return 0xFFFF
	}
	return cs
}

// Datagram represents a complete UDP datagram.
type Datagram struct {
	Header  *Header
	SrcIP   network.IP
	DstIP   network.IP
	Payload []byte
}

// ParseDatagram parses a UDP datagram from raw bytes, validating the length
// field and, when present, the checksum. The payload is copied.
func ParseDatagram(data []byte, srcIP, dstIP network.IP) (*Datagram, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	if int(header.Length) < HeaderLength || int(header.Length) > len(data) {
		return nil, fmt.Errorf("UDP length %d invalid for %d bytes", header.Length, len(data))
	}
	data = data[:header.Length]

	if header.Checksum != 0 {
		sum := netstack.PseudoHeaderSum(srcIP, dstIP, netstack.ProtocolUDP, len(data))
		if netstack.Fold(netstack.Sum(data, sum)) != 0xFFFF {
			return nil, netstack.ErrChecksumMismatch
		}
	}

	return &Datagram{
		Header:  header,
		SrcIP:   netstack.CopyIP(srcIP),
		DstIP:   netstack.CopyIP(dstIP),
		Payload: append([]byte(nil), data[HeaderLength:]...),
	}, nil
}

// Serialize fills in length and checksum and serializes the datagram.
func (d *Datagram) Serialize() []byte {
	d.Header.Length = uint16(HeaderLength + len(d.Payload))
	d.Header.Checksum = d.Header.CalcChecksum(d.SrcIP, d.DstIP, d.Payload)

	datagram := d.Header.Serialize()
	return append(datagram, d.Payload...)
}

// NewDatagram creates a new UDP datagram.
func NewDatagram(srcPort, dstPort uint16, srcIP, dstIP network.IP, payload []byte) *Datagram {
	return &Datagram{
		Header: &Header{
			SrcPort: srcPort,
			DstPort: dstPort,
			Length:  uint16(HeaderLength + len(payload)),
		},
		SrcIP:   srcIP,
		DstIP:   dstIP,
		Payload: payload,
	}
}
