package ethernet_test

import (
	"net"
	"testing"
	"time"

	"retroos/pkg/netstack"
	"retroos/pkg/netstack/ethernet"
	"retroos/pkg/netstack/link"
	"retroos/pkg/netstack/stacktest"
)

var gatewayMAC = net.HardwareAddr{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02}

func newResolver(t *testing.T, opts ...ethernet.ResolverOption) (*ethernet.Resolver, *netstack.Interface, *link.Channel, *stacktest.Clock) {
	t.Helper()
	iface := netstack.DefaultInterface()
	ch := link.NewChannel(0)
	clock := stacktest.NewClock()
	return ethernet.NewResolver(iface, ch, clock, opts...), iface, ch, clock
}

func arpFrames(t *testing.T, frames [][]byte) []*ethernet.ARPPacket {
	t.Helper()
	var out []*ethernet.ARPPacket
	for _, raw := range frames {
		f, err := ethernet.ParseFrame(raw)
		if err != nil {
			t.Fatalf("ParseFrame failed: %v", err)
		}
		if f.EtherType != netstack.EtherTypeARP {
			continue
		}
		p, err := ethernet.ParseARPPacket(f.Payload)
		if err != nil {
			t.Fatalf("ParseARPPacket failed: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func gatewayReply(iface *netstack.Interface) []byte {
	return ethernet.NewARPReply(gatewayMAC, iface.Gateway, iface.MAC, iface.IP).Serialize()
}

func TestResolverStartRequestsGateway(t *testing.T) {
	r, iface, ch, _ := newResolver(t)
	r.Start()

	pkts := arpFrames(t, ch.Drain())
	if len(pkts) != 1 {
		t.Fatalf("sent %d ARP packets, want 1", len(pkts))
	}
	if pkts[0].Operation != ethernet.ARPOperationRequest {
		t.Errorf("Operation = %d, want request", pkts[0].Operation)
	}
	if !pkts[0].TargetIP.Equal(iface.Gateway) {
		t.Errorf("TargetIP = %v, want %v", pkts[0].TargetIP, iface.Gateway)
	}
}

func TestResolverLatchesGateway(t *testing.T) {
	r, iface, _, _ := newResolver(t)

	if got := r.Lookup(iface.Gateway); got.String() != ethernet.BroadcastMAC().String() {
		t.Errorf("unresolved Lookup = %v, want broadcast", got)
	}

	r.Handle(gatewayReply(iface))

	if !iface.GatewayResolved {
		t.Fatal("gateway should be resolved after reply")
	}
	if got := r.Lookup(iface.Gateway); got.String() != gatewayMAC.String() {
		t.Errorf("Lookup = %v, want %v", got, gatewayMAC)
	}
}

func TestResolverAnswersRequests(t *testing.T) {
	r, iface, ch, _ := newResolver(t)

	peerMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x09}
	req := ethernet.NewARPRequest(peerMAC, net.IPv4(10, 0, 2, 9), iface.IP)
	r.Handle(req.Serialize())

	// Requests for someone else are ignored.
	other := ethernet.NewARPRequest(peerMAC, net.IPv4(10, 0, 2, 9), net.IPv4(10, 0, 2, 77))
	r.Handle(other.Serialize())

	frames := ch.Drain()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	f, _ := ethernet.ParseFrame(frames[0])
	if f.DstMAC.String() != peerMAC.String() {
		t.Errorf("reply DstMAC = %v, want %v", f.DstMAC, peerMAC)
	}
	p, _ := ethernet.ParseARPPacket(f.Payload)
	if p.Operation != ethernet.ARPOperationReply {
		t.Errorf("Operation = %d, want reply", p.Operation)
	}
	if p.SenderMAC.String() != iface.MAC.String() || !p.SenderIP.Equal(iface.IP) {
		t.Errorf("reply sender = %v/%v, want %v/%v", p.SenderMAC, p.SenderIP, iface.MAC, iface.IP)
	}
}

func TestResolverRetriesWithBackoff(t *testing.T) {
	r, _, ch, clock := newResolver(t, ethernet.WithRetry(time.Second, 4*time.Second))
	r.Start()
	ch.Drain()

	// First retry after one second, next after 1.5 s.
	clock.Advance(999 * time.Millisecond)
	r.Tick()
	if n := len(ch.Drain()); n != 0 {
		t.Fatalf("sent %d frames before the retry interval, want 0", n)
	}
	clock.Advance(time.Millisecond)
	r.Tick()
	if n := len(ch.Drain()); n != 1 {
		t.Fatalf("sent %d frames at the retry interval, want 1", n)
	}
	clock.Advance(time.Second)
	r.Tick()
	if n := len(ch.Drain()); n != 0 {
		t.Fatalf("sent %d frames before the backed-off interval, want 0", n)
	}
	clock.Advance(500 * time.Millisecond)
	r.Tick()
	if n := len(ch.Drain()); n != 1 {
		t.Fatalf("sent %d frames at the backed-off interval, want 1", n)
	}
}

func TestResolverRefreshesStaleGateway(t *testing.T) {
	r, iface, ch, clock := newResolver(t, ethernet.WithStaleAfter(time.Minute))
	r.Handle(gatewayReply(iface))

	r.Tick()
	if n := len(ch.Drain()); n != 0 {
		t.Fatalf("sent %d frames for a fresh entry, want 0", n)
	}

	clock.Advance(time.Minute)
	if !r.Stale() {
		t.Fatal("entry should be stale")
	}
	r.Tick()
	pkts := arpFrames(t, ch.Drain())
	if len(pkts) != 1 || !pkts[0].TargetIP.Equal(iface.Gateway) {
		t.Fatalf("stale refresh sent %v, want one gateway request", pkts)
	}

	// The stale address stays in use until a reply replaces it.
	if got := r.Lookup(iface.Gateway); got.String() != gatewayMAC.String() {
		t.Errorf("Lookup while stale = %v, want %v", got, gatewayMAC)
	}
	r.Handle(gatewayReply(iface))
	if r.Stale() {
		t.Error("entry should be fresh after a new reply")
	}
}

func TestResolverNeighbors(t *testing.T) {
	r, iface, ch, _ := newResolver(t)
	peer := net.IPv4(10, 0, 2, 3).To4()
	peerMAC := net.HardwareAddr{0x52, 0x55, 0x0a, 0, 2, 3}

	if got := r.Lookup(peer); got.String() != ethernet.BroadcastMAC().String() {
		t.Errorf("unknown neighbor Lookup = %v, want broadcast", got)
	}
	if n := len(arpFrames(t, ch.Drain())); n != 1 {
		t.Errorf("sent %d requests for the unknown neighbor, want 1", n)
	}

	// A second lookup within the request interval does not flood.
	r.Lookup(peer)
	if n := len(ch.Drain()); n != 0 {
		t.Errorf("sent %d extra requests, want 0", n)
	}

	r.Handle(ethernet.NewARPReply(peerMAC, peer, iface.MAC, iface.IP).Serialize())
	if got := r.Lookup(peer); got.String() != peerMAC.String() {
		t.Errorf("Lookup = %v, want %v", got, peerMAC)
	}
}
