package netstack_test

import (
	network "net"
	"testing"

	"retroos/pkg/netstack"
)

func TestChecksum(t *testing.T) {
	// RFC 1071 example words.
	data := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}

	got := netstack.Checksum(data)
	if got != 0x220d {
		t.Errorf("Checksum = 0x%04x, want 0x220d", got)
	}

	// Appending the checksum makes the sum fold to 0xFFFF.
	full := append(data, byte(got>>8), byte(got))
	if sum := netstack.Fold(netstack.Sum(full, 0)); sum != 0xFFFF {
		t.Errorf("Fold(Sum) = 0x%04x, want 0xffff", sum)
	}
}

func TestChecksumOddLength(t *testing.T) {
	if got, want := netstack.Checksum([]byte{0x01}), ^uint16(0x0100); got != want {
		t.Errorf("Checksum = 0x%04x, want 0x%04x", got, want)
	}
}

func TestInterfaceOnLink(t *testing.T) {
	iface := netstack.DefaultInterface()

	if !iface.OnLink(network.IPv4(10, 0, 2, 3)) {
		t.Error("10.0.2.3 should be on-link")
	}
	if iface.OnLink(network.IPv4(93, 184, 216, 34)) {
		t.Error("93.184.216.34 should not be on-link")
	}
	if got := iface.SubnetBroadcast(); !got.Equal(network.IPv4(10, 0, 2, 255)) {
		t.Errorf("SubnetBroadcast = %v, want 10.0.2.255", got)
	}
}

func TestInterfaceClone(t *testing.T) {
	iface := netstack.DefaultInterface()
	c := iface.Clone()
	c.IP[3] = 99
	c.MAC[0] = 0xFF

	if iface.IP[3] != 15 {
		t.Errorf("original IP mutated: %v", iface.IP)
	}
	if iface.MAC[0] != 0x52 {
		t.Errorf("original MAC mutated: %v", iface.MAC)
	}
}

func TestIPToUint32(t *testing.T) {
	ip := network.IPv4(10, 0, 2, 15)
	v := netstack.IPToUint32(ip)
	if v != 0x0a00020f {
		t.Errorf("IPToUint32 = 0x%08x, want 0x0a00020f", v)
	}
	if back := netstack.Uint32ToIP(v); !back.Equal(ip) {
		t.Errorf("Uint32ToIP = %v, want %v", back, ip)
	}
}
