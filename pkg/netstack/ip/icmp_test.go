package ipv4_test

import (
	"bytes"
	network "net"
	"testing"

	"github.com/pkg/errors"

	"retroos/pkg/netstack"
	ipv4 "retroos/pkg/netstack/ip"
	"retroos/pkg/netstack/stacktest"
)

func TestParseICMPHeader(t *testing.T) {
	data := []byte{
		0x08,       // Type (Echo Request)
		0x00,       // Code
		0x00, 0x00, // Checksum
		0x12, 0x34, // ID
		0x00, 0x01, // Seq
		0x48, 0x65, 0x6c, // Payload start
	}

	h, err := ipv4.ParseICMPHeader(data)
	if err != nil {
		t.Fatalf("ParseICMPHeader failed: %v", err)
	}
	if h.Type != ipv4.ICMPTypeEcho {
		t.Errorf("Type = %d, want %d (Echo)", h.Type, ipv4.ICMPTypeEcho)
	}
	if h.ID != 0x1234 {
		t.Errorf("ID = 0x%04x, want 0x1234", h.ID)
	}
	if h.Seq != 1 {
		t.Errorf("Seq = %d, want 1", h.Seq)
	}
}

func TestMessageChecksum(t *testing.T) {
	raw := ipv4.NewEchoRequest(0x1234, 1, []byte("odd")).Serialize()

	if netstack.Checksum(raw) != 0 {
		t.Errorf("serialized message does not verify: 0x%04x", netstack.Checksum(raw))
	}
	m, err := ipv4.ParseMessage(raw)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if !m.IsEchoRequest() || !bytes.Equal(m.Payload, []byte("odd")) {
		t.Errorf("parsed %+v %q", m.Header, m.Payload)
	}

	raw[8] ^= 1
	if _, err := ipv4.ParseMessage(raw); err == nil {
		t.Error("ParseMessage should reject a corrupted message")
	}
}

type recordingSender struct {
	dst      []network.IP
	payloads [][]byte
	err      error
}

func (s *recordingSender) Send(dst network.IP, proto uint8, payload []byte) error {
	if s.err != nil {
		return s.err
	}
	s.dst = append(s.dst, dst)
	s.payloads = append(s.payloads, payload)
	return nil
}

func TestEchoResponderMirrors(t *testing.T) {
	s := &recordingSender{}
	e := ipv4.NewEchoResponder(s, stacktest.NewClock(), 100, 5, nil)

	peer := network.IP{10, 0, 2, 2}
	req := ipv4.NewEchoRequest(0xbeef, 7, []byte("ping payload"))
	e.HandlePacket(&ipv4.Header{SrcIP: peer}, req.Serialize())

	if len(s.payloads) != 1 {
		t.Fatalf("sent %d replies, want 1", len(s.payloads))
	}
	if !s.dst[0].Equal(peer) {
		t.Errorf("reply sent to %v, want %v", s.dst[0], peer)
	}
	m, err := ipv4.ParseMessage(s.payloads[0])
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if !m.IsEchoReply() || m.Header.ID != 0xbeef || m.Header.Seq != 7 {
		t.Errorf("reply header = %+v", m.Header)
	}
	if !bytes.Equal(m.Payload, []byte("ping payload")) {
		t.Errorf("reply payload = %q", m.Payload)
	}
}

func TestEchoResponderRateLimit(t *testing.T) {
	s := &recordingSender{}
	e := ipv4.NewEchoResponder(s, stacktest.NewClock(), 1, 3, nil)

	req := ipv4.NewEchoRequest(1, 1, nil).Serialize()
	for i := 0; i < 10; i++ {
		e.HandlePacket(&ipv4.Header{SrcIP: network.IP{10, 0, 2, 2}}, req)
	}
	if len(s.payloads) != 3 {
		t.Errorf("sent %d replies, want burst of 3", len(s.payloads))
	}
}

func TestEchoResponderRecordsReplies(t *testing.T) {
	s := &recordingSender{}
	e := ipv4.NewEchoResponder(s, stacktest.NewClock(), 100, 5, nil)

	seq, err := e.SendEcho(network.IP{10, 0, 2, 2}, []byte("hi"))
	if err != nil {
		t.Fatalf("SendEcho failed: %v", err)
	}
	sent, _ := ipv4.ParseMessage(s.payloads[0])

	// A reply to a sequence we never sent is ignored.
	e.HandlePacket(&ipv4.Header{SrcIP: network.IP{10, 0, 2, 2}}, ipv4.NewEchoReply(sent.Header.ID, seq+1, nil).Serialize())
	if _, ok := e.Reply(seq + 1); ok {
		t.Error("unsolicited reply recorded")
	}

	e.HandlePacket(&ipv4.Header{SrcIP: network.IP{10, 0, 2, 2}}, ipv4.NewEchoReply(sent.Header.ID, seq, []byte("hi")).Serialize())
	r, ok := e.Reply(seq)
	if !ok {
		t.Fatal("reply not recorded")
	}
	if !r.From.Equal(network.IP{10, 0, 2, 2}) {
		t.Errorf("From = %v, want 10.0.2.2", r.From)
	}
	e.Forget(seq)
	if n := e.Outstanding(); n != 0 {
		t.Errorf("Outstanding after Forget = %d, want 0", n)
	}
}

func TestSendEchoFailureNotTracked(t *testing.T) {
	errDown := errors.New("link down")
	s := &recordingSender{err: errDown}
	e := ipv4.NewEchoResponder(s, stacktest.NewClock(), 100, 5, nil)

	for i := 0; i < 3; i++ {
		if _, err := e.SendEcho(network.IP{10, 0, 2, 2}, nil); errors.Cause(err) != errDown {
			t.Fatalf("SendEcho err = %v, want %v", err, errDown)
		}
	}
	if n := e.Outstanding(); n != 0 {
		t.Errorf("Outstanding = %d, want 0 after failed sends", n)
	}

	s.err = nil
	seq, err := e.SendEcho(network.IP{10, 0, 2, 2}, nil)
	if err != nil {
		t.Fatalf("SendEcho failed: %v", err)
	}
	if n := e.Outstanding(); n != 1 {
		t.Errorf("Outstanding = %d, want 1", n)
	}
	if _, ok := e.Reply(seq); ok {
		t.Error("Reply reported before any answer arrived")
	}
}
