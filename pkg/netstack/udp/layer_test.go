package udp_test

import (
	"bytes"
	network "net"
	"testing"

	"github.com/pkg/errors"

	ipv4 "retroos/pkg/netstack/ip"
	"retroos/pkg/netstack/udp"
)

type capture struct {
	local network.IP
	sent  []*ipv4.Datagram
}

func (c *capture) LocalIP() network.IP { return c.local }

func (c *capture) SendFrom(src, dst network.IP, proto uint8, payload []byte) error {
	c.sent = append(c.sent, ipv4.NewDatagram(src, dst, proto, payload))
	return nil
}

var (
	localIP = network.IP{10, 0, 2, 15}
	peerIP  = network.IP{10, 0, 2, 3}
)

func TestPortTableBind(t *testing.T) {
	pt := udp.NewPortTable(1024)
	h := udp.HandlerFunc(func(*udp.Datagram) {})

	if err := pt.Bind(53053%1024, h); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := pt.Bind(53053%1024, h); errors.Cause(err) != udp.ErrPortInUse {
		t.Errorf("second Bind err = %v, want ErrPortInUse", err)
	}
	if err := pt.Bind(1024, h); errors.Cause(err) != udp.ErrPortOutOfRange {
		t.Errorf("Bind(1024) err = %v, want ErrPortOutOfRange", err)
	}
	if err := pt.Bind(0, h); err != udp.ErrInvalidPort {
		t.Errorf("Bind(0) err = %v, want ErrInvalidPort", err)
	}
	if pt.Bound() != 1 {
		t.Errorf("Bound = %d, want 1", pt.Bound())
	}

	pt.Unbind(53053 % 1024)
	if err := pt.Bind(53053%1024, h); err != nil {
		t.Errorf("Bind after Unbind failed: %v", err)
	}
}

func TestPortTableDefaultCapacity(t *testing.T) {
	pt := udp.NewPortTable(0)
	if pt.Capacity() != udp.DefaultPortTableSize {
		t.Errorf("Capacity = %d, want %d", pt.Capacity(), udp.DefaultPortTableSize)
	}
	if err := pt.Bind(65535, udp.HandlerFunc(func(*udp.Datagram) {})); err != nil {
		t.Errorf("Bind(65535) failed: %v", err)
	}
}

func TestLayerSend(t *testing.T) {
	c := &capture{local: localIP}
	l := udp.NewLayer(c, 0, nil)

	if err := l.Send(53053, peerIP, 53, []byte("query")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(c.sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(c.sent))
	}
	d := c.sent[0]
	if d.Header.Protocol != ipv4.ProtocolUDP {
		t.Errorf("Protocol = %d, want 17", d.Header.Protocol)
	}
	parsed, err := udp.ParseDatagram(d.Payload, localIP, peerIP)
	if err != nil {
		t.Fatalf("ParseDatagram failed: %v", err)
	}
	if parsed.Header.SrcPort != 53053 || parsed.Header.DstPort != 53 {
		t.Errorf("ports = %d -> %d, want 53053 -> 53", parsed.Header.SrcPort, parsed.Header.DstPort)
	}
	if !bytes.Equal(parsed.Payload, []byte("query")) {
		t.Errorf("Payload = %q, want %q", parsed.Payload, "query")
	}

	if err := l.Send(1, peerIP, 2, make([]byte, udp.MaxPayload+1)); errors.Cause(err) != udp.ErrPayloadTooLarge {
		t.Errorf("oversized Send err = %v, want ErrPayloadTooLarge", err)
	}
	if err := l.Send(1, peerIP, 2, make([]byte, udp.MaxPayload)); err != nil {
		t.Errorf("Send of MaxPayload failed: %v", err)
	}
}

func TestLayerDispatch(t *testing.T) {
	l := udp.NewLayer(&capture{local: localIP}, 0, nil)

	var got []*udp.Datagram
	if err := l.Bind(53053, udp.HandlerFunc(func(d *udp.Datagram) { got = append(got, d) })); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	hdr := &ipv4.Header{SrcIP: peerIP, DstIP: localIP}
	l.HandlePacket(hdr, udp.NewDatagram(53, 53053, peerIP, localIP, []byte("answer")).Serialize())
	l.HandlePacket(hdr, udp.NewDatagram(53, 9999, peerIP, localIP, []byte("nobody")).Serialize())

	if len(got) != 1 {
		t.Fatalf("delivered %d datagrams, want 1", len(got))
	}
	if !got[0].SrcIP.Equal(peerIP) || got[0].Header.SrcPort != 53 {
		t.Errorf("source = %v:%d, want %v:53", got[0].SrcIP, got[0].Header.SrcPort, peerIP)
	}
	if !bytes.Equal(got[0].Payload, []byte("answer")) {
		t.Errorf("Payload = %q, want %q", got[0].Payload, "answer")
	}
	if l.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", l.Dropped())
	}
}
