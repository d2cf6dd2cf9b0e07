package dhcp_test

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"retroos/pkg/net/dhcp"
)

var clientMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

func TestSerializeLayout(t *testing.T) {
	m := dhcp.NewMessage(dhcp.Discover, 0xCAFEBABE, clientMAC)
	m.Flags = dhcp.FlagBroadcast
	m.SetOption(dhcp.OptParamRequest, dhcp.DefaultParams)
	b := m.Serialize()

	if len(b) != dhcp.MinMessageLength {
		t.Fatalf("len = %d, want %d", len(b), dhcp.MinMessageLength)
	}
	// op, htype, hlen, hops
	if diff := cmp.Diff([]byte{1, 1, 6, 0}, b[0:4]); diff != "" {
		t.Errorf("fixed fields mismatch (-want +got):\n%s", diff)
	}
	if got := binary.BigEndian.Uint32(b[4:8]); got != 0xCAFEBABE {
		t.Errorf("xid = %#x, want 0xcafebabe", got)
	}
	if got := binary.BigEndian.Uint16(b[10:12]); got != 0x8000 {
		t.Errorf("flags = %#x, want 0x8000", got)
	}
	if diff := cmp.Diff([]byte(clientMAC), b[28:34]); diff != "" {
		t.Errorf("chaddr mismatch (-want +got):\n%s", diff)
	}
	if got := binary.BigEndian.Uint32(b[236:240]); got != dhcp.MagicCookie {
		t.Errorf("cookie = %#x, want %#x", got, dhcp.MagicCookie)
	}
	// message type DISCOVER, parameter list 1,3,6, end
	want := []byte{53, 1, 1, 55, 3, 1, 3, 6, 255}
	if diff := cmp.Diff(want, b[240:249]); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}
	for i, v := range b[249:] {
		if v != 0 {
			t.Fatalf("pad byte %d = %d, want 0", 249+i, v)
		}
	}
}

func TestParseMessage(t *testing.T) {
	m := &dhcp.Message{
		Op:     dhcp.OpReply,
		HType:  1,
		HLen:   6,
		XID:    42,
		YIAddr: net.IPv4(10, 0, 2, 16).To4(),
		SIAddr: net.IPv4(10, 0, 2, 2).To4(),
		CHAddr: clientMAC,
	}
	m.SetOption(dhcp.OptMessageType, []byte{byte(dhcp.Ack)})
	m.SetOption(dhcp.OptSubnetMask, []byte{255, 255, 255, 0})
	m.SetOption(dhcp.OptRouter, []byte{10, 0, 2, 2, 10, 0, 2, 1})
	m.SetOption(dhcp.OptLeaseTime, dhcp.LeaseTimeOption(24 * time.Hour))

	got, err := dhcp.ParseMessage(m.Serialize())
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if got.Type() != dhcp.Ack {
		t.Errorf("Type = %v, want ACK", got.Type())
	}
	if got.XID != 42 || !got.YIAddr.Equal(m.YIAddr) || !got.SIAddr.Equal(m.SIAddr) {
		t.Errorf("fixed fields = %d %v %v", got.XID, got.YIAddr, got.SIAddr)
	}
	if r := got.IPOption(dhcp.OptRouter); !r.Equal(net.IPv4(10, 0, 2, 2)) {
		t.Errorf("router = %v, want first listed 10.0.2.2", r)
	}
	if v, ok := got.Uint32Option(dhcp.OptLeaseTime); !ok || v != 86400 {
		t.Errorf("lease time = %d, %v, want 86400", v, ok)
	}
	if _, ok := got.Option(dhcp.OptDNS); ok {
		t.Errorf("DNS option present, want absent")
	}
}

func TestParseMessageSkipsPadding(t *testing.T) {
	b := dhcp.NewMessage(dhcp.Offer, 7, clientMAC).Serialize()
	// pad, pad, message type OFFER, end, then garbage
	copy(b[240:], []byte{0, 0, 53, 1, 2, 255, 99, 99})

	m, err := dhcp.ParseMessage(b)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if m.Type() != dhcp.Offer || len(m.Options) != 1 {
		t.Errorf("Type = %v with %d options, want OFFER with 1", m.Type(), len(m.Options))
	}
}

func TestParseMessageRejects(t *testing.T) {
	good := dhcp.NewMessage(dhcp.Offer, 7, clientMAC).Serialize()

	badCookie := append([]byte(nil), good...)
	badCookie[236] = 0

	truncated := append([]byte(nil), good[:240]...)
	truncated = append(truncated, 53, 4, 2)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short", good[:200], dhcp.ErrShortMessage},
		{"cookie", badCookie, dhcp.ErrBadCookie},
		{"option", truncated, dhcp.ErrBadOption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dhcp.ParseMessage(tt.data)
			if errors.Cause(err) != tt.want {
				t.Errorf("ParseMessage error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMessageTypeString(t *testing.T) {
	tests := []struct {
		t    dhcp.MessageType
		want string
	}{
		{dhcp.Discover, "DISCOVER"},
		{dhcp.Nak, "NAK"},
		{dhcp.Inform, "INFORM"},
		{dhcp.MessageType(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("MessageType(%d).String() = %q, want %q", tt.t, got, tt.want)
		}
	}
}
