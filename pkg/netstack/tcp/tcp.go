// Package tcp implements the client side of TCP: the segment codec, the
// per-connection state machine and a fixed pool of connection blocks.
//
// Only active open is supported. LISTEN and SYN_RECEIVED exist as state
// values but no path reaches them. The only retransmitted segment is the
// initial SYN; lost data or FIN segments stall the connection.
package tcp

import (
	"encoding/binary"
	"fmt"
	network "net"

	"retroos/pkg/netstack"
)

// TCP header length in bytes (without options).
const HeaderLength = 20

// TCP flags.
const (
	FlagFIN uint8 = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

// TCP connection states.
const (
	StateClosed uint8 = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynReceived: "SYN_RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN_WAIT_1",
	StateFinWait2:    "FIN_WAIT_2",
	StateClosing:     "CLOSING",
	StateTimeWait:    "TIME_WAIT",
	StateCloseWait:   "CLOSE_WAIT",
	StateLastAck:     "LAST_ACK",
}

// StateString returns the RFC 793 name of a state.
func StateString(s uint8) string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", s)
}

// Default values.
const (
	DefaultMSS        = 1460
	DefaultWindowSize = 65535
)

// Header represents a TCP header.
type Header struct {
	SrcPort    uint16 // Source port
	DstPort    uint16 // Destination port
	SeqNum     uint32 // Sequence number
	AckNum     uint32 // Acknowledgment number
	DataOffset uint8  // Data offset (number of 32-bit words)
	Flags      uint8  // Control flags
	Window     uint16 // Window size
	Checksum   uint16 // Checksum
	Urgent     uint16 // Urgent pointer
	Options    []byte // TCP options, carried but never interpreted
}

// HasFlag reports whether all bits of f are set.
func (h *Header) HasFlag(f uint8) bool {
	return h.Flags&f == f
}

// ParseHeader parses a TCP header from raw bytes.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderLength {
		return nil, fmt.Errorf("TCP header too short: %d bytes", len(data))
	}

	h := &Header{
		SrcPort:    binary.BigEndian.Uint16(data[0:2]),
		DstPort:    binary.BigEndian.Uint16(data[2:4]),
		SeqNum:     binary.BigEndian.Uint32(data[4:8]),
		AckNum:     binary.BigEndian.Uint32(data[8:12]),
		DataOffset: data[12] >> 4,
		Flags:      data[13],
		Window:     binary.BigEndian.Uint16(data[14:16]),
		Checksum:   binary.BigEndian.Uint16(data[16:18]),
		Urgent:     binary.BigEndian.Uint16(data[18:20]),
	}

	if h.DataOffset < 5 {
		return nil, fmt.Errorf("TCP data offset %d too small", h.DataOffset)
	}
	optLen := int(h.DataOffset)*4 - HeaderLength
	if optLen > 0 {
		if len(data) < HeaderLength+optLen {
			return nil, fmt.Errorf("TCP options too short")
		}
		h.Options = append([]byte(nil), data[HeaderLength:HeaderLength+optLen]...)
	}

	return h, nil
}

// Serialize serializes the TCP header to bytes.
func (h *Header) Serialize() []byte {
	offset := int(h.DataOffset) * 4
	if offset < HeaderLength {
		offset = HeaderLength
	}
	buf := make([]byte, offset)

	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], h.SeqNum)
	binary.BigEndian.PutUint32(buf[8:12], h.AckNum)
	buf[12] = uint8(offset/4) << 4
	buf[13] = h.Flags
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	binary.BigEndian.PutUint16(buf[16:18], h.Checksum)
	binary.BigEndian.PutUint16(buf[18:20], h.Urgent)
	copy(buf[20:], h.Options)

	return buf
}

// CalcChecksum calculates the TCP checksum using the pseudo-header. The
// checksum field itself is treated as zero.
func (h *Header) CalcChecksum(srcIP, dstIP network.IP, payload []byte) uint16 {
	hdr := h.Serialize()
	hdr[16], hdr[17] = 0, 0

	sum := netstack.PseudoHeaderSum(srcIP, dstIP, netstack.ProtocolTCP, len(hdr)+len(payload))
	sum = netstack.Sum(hdr, sum)
	sum = netstack.Sum(payload, sum)
	return ^netstack.Fold(sum)
}

// Segment represents a complete TCP segment.
type Segment struct {
	Header  *Header
	SrcIP   network.IP
	DstIP   network.IP
	Payload []byte
}

// Len returns the sequence space the segment consumes: its payload plus one
// for each of SYN and FIN.
func (s *Segment) Len() uint32 {
	n := uint32(len(s.Payload))
	if s.Header.Flags&FlagSYN != 0 {
		n++
	}
	if s.Header.Flags&FlagFIN != 0 {
		n++
	}
	return n
}

// ParseSegment parses a TCP segment, verifying its checksum. The payload is
// copied out of data.
func ParseSegment(data []byte, srcIP, dstIP network.IP) (*Segment, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	offset := int(header.DataOffset) * 4
	if offset > len(data) {
		return nil, fmt.Errorf("TCP data offset %d beyond %d bytes", offset, len(data))
	}

	sum := netstack.PseudoHeaderSum(srcIP, dstIP, netstack.ProtocolTCP, len(data))
	if netstack.Fold(netstack.Sum(data, sum)) != 0xFFFF {
		return nil, netstack.ErrChecksumMismatch
	}

	return &Segment{
		Header:  header,
		SrcIP:   netstack.CopyIP(srcIP),
		DstIP:   netstack.CopyIP(dstIP),
		Payload: append([]byte(nil), data[offset:]...),
	}, nil
}

// Serialize computes the checksum and serializes the segment.
func (s *Segment) Serialize() []byte {
	s.Header.Checksum = s.Header.CalcChecksum(s.SrcIP, s.DstIP, s.Payload)

	segment := s.Header.Serialize()
	return append(segment, s.Payload...)
}

// NewSegment creates a new TCP segment without options.
func NewSegment(srcPort, dstPort uint16, srcIP, dstIP network.IP, flags uint8, seq, ack uint32, payload []byte) *Segment {
	h := &Header{
		SrcPort:    srcPort,
		DstPort:    dstPort,
		SeqNum:     seq,
		AckNum:     ack,
		DataOffset: 5, // 20 bytes = 5 * 4
		Flags:      flags,
		Window:     DefaultWindowSize,
	}

	return &Segment{
		Header:  h,
		SrcIP:   srcIP,
		DstIP:   dstIP,
		Payload: payload,
	}
}

// seqLess returns true if a < b (modulo 2^32).
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// seqLessOrEqual returns true if a <= b (modulo 2^32).
func seqLessOrEqual(a, b uint32) bool {
	return int32(a-b) <= 0
}
