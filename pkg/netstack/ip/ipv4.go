// Package ipv4 implements the IPv4 layer of the stack: header codec, output
// with next-hop resolution, validated input with protocol dispatch, and the
// ICMP echo responder.
package ipv4

import (
	"encoding/binary"
	"fmt"
	network "net"

	"retroos/pkg/netstack"
)

// IPv4 header length in bytes (without options).
const HeaderLength = 20

// DefaultTTL is the time to live of every outbound packet.
const DefaultTTL = 64

// Protocol numbers.
const (
	ProtocolICMP = uint8(netstack.ProtocolICMP)
	ProtocolTCP  = uint8(netstack.ProtocolTCP)
	ProtocolUDP  = uint8(netstack.ProtocolUDP)
)

// Fragment flag bits, as stored in Header.Flags.
const (
	FlagMoreFragments uint8 = 0x1
	FlagDontFragment  uint8 = 0x2
)

// Header represents an IPv4 header.
type Header struct {
	Version    uint8  // IP version (4)
	IHL        uint8  // Internet Header Length (number of 32-bit words)
	TOS        uint8  // Type of Service
	Length     uint16 // Total length of the datagram
	ID         uint16 // Identification
	Flags      uint8  // Fragment flags
	FragOffset uint16 // Fragment offset
	TTL        uint8  // Time to Live
	Protocol   uint8  // Upper layer protocol
	Checksum   uint16 // Header checksum
	SrcIP      network.IP
	DstIP      network.IP
	Options    []byte // IP options (if IHL > 5)
}

// ParseHeader parses an IPv4 header from raw bytes.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderLength {
		return nil, fmt.Errorf("IPv4 header too short: %d bytes", len(data))
	}

	h := &Header{
		Version:    data[0] >> 4,
		IHL:        data[0] & 0x0F,
		TOS:        data[1],
		Length:     binary.BigEndian.Uint16(data[2:4]),
		ID:         binary.BigEndian.Uint16(data[4:6]),
		Flags:      data[6] >> 5,
		FragOffset: binary.BigEndian.Uint16(data[6:8]) & 0x1FFF,
		TTL:        data[8],
		Protocol:   data[9],
		Checksum:   binary.BigEndian.Uint16(data[10:12]),
		SrcIP:      network.IP{data[12], data[13], data[14], data[15]},
		DstIP:      network.IP{data[16], data[17], data[18], data[19]},
	}

	if h.IHL > 5 {
		optLen := int(h.IHL-5) * 4
		if len(data) < HeaderLength+optLen {
			return nil, fmt.Errorf("IPv4 options too short")
		}
		h.Options = append([]byte(nil), data[HeaderLength:HeaderLength+optLen]...)
	}

	return h, nil
}

// HeaderLen returns the header length in bytes.
func (h *Header) HeaderLen() int {
	return int(h.IHL) * 4
}

// Serialize serializes the IPv4 header (without payload) to bytes.
func (h *Header) Serialize() []byte {
	buf := make([]byte, HeaderLength+len(h.Options))

	buf[0] = (h.Version << 4) | (h.IHL & 0x0F)
	buf[1] = h.TOS
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	frag := (uint16(h.Flags) << 13) | (h.FragOffset & 0x1FFF)
	binary.BigEndian.PutUint16(buf[6:8], frag)
	buf[8] = h.TTL
	buf[9] = h.Protocol
	binary.BigEndian.PutUint16(buf[10:12], h.Checksum)
	copy(buf[12:16], h.SrcIP.To4())
	copy(buf[16:20], h.DstIP.To4())
	copy(buf[20:], h.Options)

	return buf
}

// CalcChecksum calculates the IPv4 header checksum.
func (h *Header) CalcChecksum() uint16 {
	buf := h.Serialize()
	buf[10] = 0
	buf[11] = 0
	return netstack.Checksum(buf)
}

// IsFragment returns true if the packet is a fragment.
func (h *Header) IsFragment() bool {
	return h.Flags&FlagMoreFragments != 0 || h.FragOffset != 0
}

// Datagram represents a complete IPv4 datagram.
type Datagram struct {
	Header  *Header
	Payload []byte
}

// ParseDatagram parses and validates an IPv4 datagram: version, header
// length, total length and header checksum. Link padding after the total
// length is discarded and the payload is copied.
func ParseDatagram(data []byte) (*Datagram, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	if h.Version != 4 {
		return nil, fmt.Errorf("IPv4 version %d not supported", h.Version)
	}
	hlen := h.HeaderLen()
	if hlen < HeaderLength {
		return nil, fmt.Errorf("IPv4 header length %d too small", hlen)
	}
	if int(h.Length) < hlen || int(h.Length) > len(data) {
		return nil, fmt.Errorf("IPv4 total length %d invalid for %d bytes", h.Length, len(data))
	}
	if netstack.Checksum(data[:hlen]) != 0 {
		return nil, netstack.ErrChecksumMismatch
	}

	return &Datagram{
		Header:  h,
		Payload: append([]byte(nil), data[hlen:h.Length]...),
	}, nil
}

// Serialize fills in the length and checksum and serializes the datagram.
func (d *Datagram) Serialize() []byte {
	d.Header.IHL = uint8((HeaderLength + len(d.Header.Options)) / 4)
	d.Header.Length = uint16(d.Header.HeaderLen() + len(d.Payload))
	d.Header.Checksum = d.Header.CalcChecksum()

	packet := d.Header.Serialize()
	return append(packet, d.Payload...)
}

// NewDatagram creates a new IPv4 datagram.
func NewDatagram(srcIP, dstIP network.IP, protocol uint8, payload []byte) *Datagram {
	h := &Header{
		Version:  4,
		IHL:      5,
		Length:   uint16(HeaderLength + len(payload)),
		TTL:      DefaultTTL,
		Protocol: protocol,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}

	return &Datagram{
		Header:  h,
		Payload: payload,
	}
}
