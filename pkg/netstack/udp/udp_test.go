package udp_test

import (
	"bytes"
	"encoding/binary"
	network "net"
	"testing"

	"retroos/pkg/netstack"
	"retroos/pkg/netstack/udp"
)

func TestParseHeader(t *testing.T) {
	data := []byte{
		0x1a, 0x2b, // Src port 6699 (0x1a2b)
		0x00, 0x35, // Dst port 53
		0x00, 0x10, // Length 16
		0x00, 0x00, // Checksum
	}

	h, err := udp.ParseHeader(data)
	if err != nil {
		t.Fatalf("ParseHeader failed: %v", err)
	}

	if h.SrcPort != 6699 {
		t.Errorf("SrcPort = %d, want 6699", h.SrcPort)
	}
	if h.DstPort != 53 {
		t.Errorf("DstPort = %d, want 53", h.DstPort)
	}
	if h.Length != 16 {
		t.Errorf("Length = %d, want 16", h.Length)
	}
}

func TestSerializeHeader(t *testing.T) {
	h := &udp.Header{SrcPort: 12345, DstPort: 53, Length: 20}

	serialized := h.Serialize()
	if len(serialized) != 8 {
		t.Errorf("Serialized length = %d, want 8", len(serialized))
	}
	if port := binary.BigEndian.Uint16(serialized[0:2]); port != 12345 {
		t.Errorf("SrcPort = %d, want 12345", port)
	}
	if length := binary.BigEndian.Uint16(serialized[4:6]); length != 20 {
		t.Errorf("Length = %d, want 20", length)
	}
}

func TestParseDatagram(t *testing.T) {
	header := []byte{
		0x1a, 0x2b, // Src port 6699
		0x00, 0x35, // Dst port 53
		0x00, 0x0d, // Length 13 (8 header + 5 data)
		0x00, 0x00, // Checksum (none)
	}
	payload := []byte("hello")

	dg, err := udp.ParseDatagram(append(header, payload...), network.IP{192, 168, 1, 100}, network.IP{192, 168, 1, 1})
	if err != nil {
		t.Fatalf("ParseDatagram failed: %v", err)
	}
	if dg.Header.SrcPort != 6699 {
		t.Errorf("SrcPort = %d, want 6699", dg.Header.SrcPort)
	}
	if !bytes.Equal(dg.Payload, payload) {
		t.Errorf("Payload = %q, want %q", dg.Payload, payload)
	}
}

func TestParseDatagramRejectsBadLength(t *testing.T) {
	data := []byte{
		0x1a, 0x2b,
		0x00, 0x35,
		0x00, 0x40, // Length 64, only 10 bytes present
		0x00, 0x00,
		'h', 'i',
	}
	if _, err := udp.ParseDatagram(data, network.IP{10, 0, 2, 2}, network.IP{10, 0, 2, 15}); err == nil {
		t.Error("ParseDatagram should reject a length beyond the data")
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	src := network.IP{10, 0, 2, 15}
	dst := network.IP{10, 0, 2, 3}

	for _, payload := range [][]byte{nil, []byte("a"), []byte("example payload")} {
		raw := udp.NewDatagram(53053, 53, src, dst, payload).Serialize()

		if cs := binary.BigEndian.Uint16(raw[6:8]); cs == 0 {
			t.Errorf("checksum for %q is zero", payload)
		}
		// Pseudo-header plus datagram sums to all ones.
		sum := netstack.PseudoHeaderSum(src, dst, netstack.ProtocolUDP, len(raw))
		if got := netstack.Fold(netstack.Sum(raw, sum)); got != 0xFFFF {
			t.Errorf("sum for %q = 0x%04x, want 0xffff", payload, got)
		}
		if _, err := udp.ParseDatagram(raw, src, dst); err != nil {
			t.Errorf("ParseDatagram(%q) failed: %v", payload, err)
		}

		raw[len(raw)-1] ^= 0x55
		if len(payload) > 0 {
			if _, err := udp.ParseDatagram(raw, src, dst); err == nil {
				t.Errorf("ParseDatagram(%q) accepted a corrupted datagram", payload)
			}
		}
	}
}
