package ipv4

import (
	"encoding/binary"
	"fmt"
	network "net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"retroos/pkg/netstack"
)

// ICMP type constants.
const (
	ICMPTypeEchoReply   uint8 = 0
	ICMPTypeDestUnreach uint8 = 3
	ICMPTypeEcho        uint8 = 8
)

// ICMPHeaderLength is the size of the echo header.
const ICMPHeaderLength = 8

// ICMPHeader represents an ICMP header.
type ICMPHeader struct {
	Type     uint8  // ICMP type
	Code     uint8  // ICMP code
	Checksum uint16 // Checksum
	ID       uint16 // Identifier (for echo requests/replies)
	Seq      uint16 // Sequence number (for echo requests/replies)
}

// ParseICMPHeader parses an ICMP header from raw bytes.
func ParseICMPHeader(data []byte) (*ICMPHeader, error) {
	if len(data) < ICMPHeaderLength {
		return nil, fmt.Errorf("ICMP header too short: %d bytes", len(data))
	}

	return &ICMPHeader{
		Type:     data[0],
		Code:     data[1],
		Checksum: binary.BigEndian.Uint16(data[2:4]),
		ID:       binary.BigEndian.Uint16(data[4:6]),
		Seq:      binary.BigEndian.Uint16(data[6:8]),
	}, nil
}

// Serialize serializes the ICMP header to bytes.
func (h *ICMPHeader) Serialize() []byte {
	buf := make([]byte, ICMPHeaderLength)

	buf[0] = h.Type
	buf[1] = h.Code
	binary.BigEndian.PutUint16(buf[2:4], h.Checksum)
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	binary.BigEndian.PutUint16(buf[6:8], h.Seq)

	return buf
}

// CalcChecksum calculates the ICMP checksum over header and data.
func (h *ICMPHeader) CalcChecksum(data []byte) uint16 {
	hdr := h.Serialize()
	hdr[2], hdr[3] = 0, 0
	return ^netstack.Fold(netstack.Sum(data, netstack.Sum(hdr, 0)))
}

// Message represents an ICMP message.
type Message struct {
	Header  *ICMPHeader
	Payload []byte
}

// ParseMessage parses an ICMP message and verifies its checksum.
func ParseMessage(data []byte) (*Message, error) {
	header, err := ParseICMPHeader(data)
	if err != nil {
		return nil, err
	}
	if netstack.Checksum(data) != 0 {
		return nil, netstack.ErrChecksumMismatch
	}

	return &Message{
		Header:  header,
		Payload: append([]byte(nil), data[ICMPHeaderLength:]...),
	}, nil
}

// Serialize computes the checksum and serializes the ICMP message.
func (m *Message) Serialize() []byte {
	m.Header.Checksum = m.Header.CalcChecksum(m.Payload)

	msg := m.Header.Serialize()
	return append(msg, m.Payload...)
}

// NewEchoRequest creates a new ICMP echo request (ping).
func NewEchoRequest(id, seq uint16, data []byte) *Message {
	return &Message{
		Header: &ICMPHeader{
			Type: ICMPTypeEcho,
			ID:   id,
			Seq:  seq,
		},
		Payload: data,
	}
}

// NewEchoReply creates a new ICMP echo reply.
func NewEchoReply(id, seq uint16, data []byte) *Message {
	return &Message{
		Header: &ICMPHeader{
			Type: ICMPTypeEchoReply,
			ID:   id,
			Seq:  seq,
		},
		Payload: data,
	}
}

// IsEchoRequest returns true if the message is an echo request.
func (m *Message) IsEchoRequest() bool {
	return m.Header.Type == ICMPTypeEcho
}

// IsEchoReply returns true if the message is an echo reply.
func (m *Message) IsEchoReply() bool {
	return m.Header.Type == ICMPTypeEchoReply
}

// Echo responder defaults.
const (
	DefaultEchoRate  = 100
	DefaultEchoBurst = 20
)

// Sender transmits IP payloads.
type Sender interface {
	Send(dst network.IP, proto uint8, payload []byte) error
}

// EchoReply describes an echo reply addressed to the stack.
type EchoReply struct {
	From network.IP
	ID   uint16
	Seq  uint16
	At   time.Time
}

// EchoResponder answers echo requests and records replies to our own
// requests. Replies are rate limited on the stack clock.
type EchoResponder struct {
	ip      Sender
	clock   netstack.Clock
	limiter *rate.Limiter
	log     *logrus.Entry

	id      uint16
	seq     uint16
	replies map[uint16]*EchoReply // nil while outstanding
}

// NewEchoResponder creates a responder that answers at most r requests per
// second with the given burst.
func NewEchoResponder(ip Sender, clock netstack.Clock, r float64, burst int, log *logrus.Entry) *EchoResponder {
	if log == nil {
		log = logrus.WithField("component", "icmp")
	}
	return &EchoResponder{
		ip:      ip,
		clock:   clock,
		limiter: rate.NewLimiter(rate.Limit(r), burst),
		log:     log,
		id:      0x5254,
		replies: make(map[uint16]*EchoReply),
	}
}

// HandlePacket implements ProtocolHandler.
func (e *EchoResponder) HandlePacket(h *Header, payload []byte) {
	m, err := ParseMessage(payload)
	if err != nil {
		e.log.WithError(err).Debug("dropping malformed ICMP message")
		return
	}
	switch {
	case m.IsEchoRequest():
		if !e.limiter.AllowN(e.clock.Now(), 1) {
			e.log.Debug("echo reply rate limited")
			return
		}
		reply := NewEchoReply(m.Header.ID, m.Header.Seq, m.Payload)
		if err := e.ip.Send(h.SrcIP, ProtocolICMP, reply.Serialize()); err != nil {
			e.log.WithError(err).Debug("sending echo reply")
		}
	case m.IsEchoReply():
		if m.Header.ID != e.id {
			return
		}
		if r, ok := e.replies[m.Header.Seq]; !ok || r != nil {
			return
		}
		e.replies[m.Header.Seq] = &EchoReply{From: h.SrcIP, ID: m.Header.ID, Seq: m.Header.Seq, At: e.clock.Now()}
	}
}

// SendEcho sends an echo request to dst and returns its sequence number.
func (e *EchoResponder) SendEcho(dst network.IP, data []byte) (uint16, error) {
	e.seq++
	seq := e.seq
	e.replies[seq] = nil
	if err := e.ip.Send(dst, ProtocolICMP, NewEchoRequest(e.id, seq, data).Serialize()); err != nil {
		delete(e.replies, seq)
		return seq, err
	}
	return seq, nil
}

// Outstanding returns the number of echo requests still tracked.
func (e *EchoResponder) Outstanding() int {
	return len(e.replies)
}

// Reply returns the reply recorded for seq, if any.
func (e *EchoResponder) Reply(seq uint16) (EchoReply, bool) {
	r := e.replies[seq]
	if r == nil {
		return EchoReply{}, false
	}
	return *r, true
}

// Forget drops the reply recorded for seq.
func (e *EchoResponder) Forget(seq uint16) {
	delete(e.replies, seq)
}
