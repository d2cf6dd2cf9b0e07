// Package dhcp implements a DHCP client that configures a stack's interface
// from a lease: DISCOVER, OFFER, REQUEST and ACK, renewal at half the lease
// and release.
package dhcp

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

// Ports and framing constants.
const (
	ServerPort = 67
	ClientPort = 68

	MagicCookie uint32 = 0x63825363

	// FixedLength is the size of the BOOTP header before the cookie.
	FixedLength = 236
	// MinMessageLength is the size messages are padded to.
	MinMessageLength = 300

	OpRequest uint8 = 1
	OpReply   uint8 = 2

	// FlagBroadcast asks the server to broadcast its replies.
	FlagBroadcast uint16 = 0x8000
)

// MessageType is the value of option 53.
type MessageType uint8

const (
	Discover MessageType = 1
	Offer    MessageType = 2
	Request  MessageType = 3
	Decline  MessageType = 4
	Ack      MessageType = 5
	Nak      MessageType = 6
	Release  MessageType = 7
	Inform   MessageType = 8
)

var messageTypeNames = map[MessageType]string{
	Discover: "DISCOVER",
	Offer:    "OFFER",
	Request:  "REQUEST",
	Decline:  "DECLINE",
	Ack:      "ACK",
	Nak:      "NAK",
	Release:  "RELEASE",
	Inform:   "INFORM",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// OptionCode identifies a DHCP option.
type OptionCode uint8

const (
	OptPad          OptionCode = 0
	OptSubnetMask   OptionCode = 1
	OptRouter       OptionCode = 3
	OptDNS          OptionCode = 6
	OptHostname     OptionCode = 12
	OptDomain       OptionCode = 15
	OptBroadcast    OptionCode = 28
	OptRequestedIP  OptionCode = 50
	OptLeaseTime    OptionCode = 51
	OptMessageType  OptionCode = 53
	OptServerID     OptionCode = 54
	OptParamRequest OptionCode = 55
	OptEnd          OptionCode = 255
)

var (
	ErrShortMessage = errors.New("DHCP message too short")
	ErrBadCookie    = errors.New("DHCP magic cookie mismatch")
	ErrBadOption    = errors.New("DHCP option truncated")
)

// Option is one TLV option.
type Option struct {
	Code OptionCode
	Data []byte
}

// Message is a BOOTP message with DHCP options.
type Message struct {
	Op      uint8
	HType   uint8
	HLen    uint8
	Hops    uint8
	XID     uint32
	Secs    uint16
	Flags   uint16
	CIAddr  net.IP
	YIAddr  net.IP
	SIAddr  net.IP
	GIAddr  net.IP
	CHAddr  net.HardwareAddr
	Options []Option
}

// NewMessage creates a client request of type t from mac.
func NewMessage(t MessageType, xid uint32, mac net.HardwareAddr) *Message {
	m := &Message{
		Op:     OpRequest,
		HType:  1,
		HLen:   6,
		XID:    xid,
		CHAddr: append(net.HardwareAddr(nil), mac...),
	}
	m.SetOption(OptMessageType, []byte{byte(t)})
	return m
}

func ipAt(b []byte) net.IP {
	return net.IP{b[0], b[1], b[2], b[3]}
}

func putIP(b []byte, ip net.IP) {
	if v4 := ip.To4(); v4 != nil {
		copy(b, v4)
	}
}

// ParseMessage parses a DHCP message. Options after End are ignored.
func ParseMessage(data []byte) (*Message, error) {
	if len(data) < FixedLength+4 {
		return nil, errors.Wrapf(ErrShortMessage, "%d bytes", len(data))
	}
	if binary.BigEndian.Uint32(data[FixedLength:FixedLength+4]) != MagicCookie {
		return nil, ErrBadCookie
	}
	m := &Message{
		Op:     data[0],
		HType:  data[1],
		HLen:   data[2],
		Hops:   data[3],
		XID:    binary.BigEndian.Uint32(data[4:8]),
		Secs:   binary.BigEndian.Uint16(data[8:10]),
		Flags:  binary.BigEndian.Uint16(data[10:12]),
		CIAddr: ipAt(data[12:16]),
		YIAddr: ipAt(data[16:20]),
		SIAddr: ipAt(data[20:24]),
		GIAddr: ipAt(data[24:28]),
	}
	hlen := int(m.HLen)
	if hlen > 16 {
		hlen = 16
	}
	m.CHAddr = append(net.HardwareAddr(nil), data[28:28+hlen]...)

	opts := data[FixedLength+4:]
	for i := 0; i < len(opts); {
		code := OptionCode(opts[i])
		if code == OptPad {
			i++
			continue
		}
		if code == OptEnd {
			break
		}
		if i+1 >= len(opts) || i+2+int(opts[i+1]) > len(opts) {
			return nil, errors.Wrapf(ErrBadOption, "option %d", code)
		}
		n := int(opts[i+1])
		m.Options = append(m.Options, Option{Code: code, Data: append([]byte(nil), opts[i+2:i+2+n]...)})
		i += 2 + n
	}
	return m, nil
}

// Serialize encodes the message, padded to MinMessageLength.
func (m *Message) Serialize() []byte {
	buf := make([]byte, FixedLength+4, MinMessageLength)
	buf[0] = m.Op
	buf[1] = m.HType
	buf[2] = m.HLen
	buf[3] = m.Hops
	binary.BigEndian.PutUint32(buf[4:8], m.XID)
	binary.BigEndian.PutUint16(buf[8:10], m.Secs)
	binary.BigEndian.PutUint16(buf[10:12], m.Flags)
	putIP(buf[12:16], m.CIAddr)
	putIP(buf[16:20], m.YIAddr)
	putIP(buf[20:24], m.SIAddr)
	putIP(buf[24:28], m.GIAddr)
	copy(buf[28:44], m.CHAddr)
	binary.BigEndian.PutUint32(buf[FixedLength:], MagicCookie)

	for _, o := range m.Options {
		buf = append(buf, byte(o.Code), byte(len(o.Data)))
		buf = append(buf, o.Data...)
	}
	buf = append(buf, byte(OptEnd))
	for len(buf) < MinMessageLength {
		buf = append(buf, byte(OptPad))
	}
	return buf
}

// SetOption adds or replaces an option.
func (m *Message) SetOption(code OptionCode, data []byte) {
	for i := range m.Options {
		if m.Options[i].Code == code {
			m.Options[i].Data = data
			return
		}
	}
	m.Options = append(m.Options, Option{Code: code, Data: data})
}

// Option returns the data of the first option with code.
func (m *Message) Option(code OptionCode) ([]byte, bool) {
	for _, o := range m.Options {
		if o.Code == code {
			return o.Data, true
		}
	}
	return nil, false
}

// Type returns the DHCP message type, or 0 if the option is missing.
func (m *Message) Type() MessageType {
	if b, ok := m.Option(OptMessageType); ok && len(b) == 1 {
		return MessageType(b[0])
	}
	return 0
}

// IPOption returns the first address carried by an address option.
func (m *Message) IPOption(code OptionCode) net.IP {
	if b, ok := m.Option(code); ok && len(b) >= 4 {
		return ipAt(b)
	}
	return nil
}

// Uint32Option returns a 32-bit option value.
func (m *Message) Uint32Option(code OptionCode) (uint32, bool) {
	if b, ok := m.Option(code); ok && len(b) == 4 {
		return binary.BigEndian.Uint32(b), true
	}
	return 0, false
}
