package ipv4

import (
	network "net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"retroos/pkg/netstack"
	"retroos/pkg/netstack/ethernet"
	"retroos/pkg/netstack/route"
)

// Errors returned by the IP layer.
var (
	ErrPacketTooLarge = errors.New("packet exceeds MTU")
	ErrNoRoute        = route.ErrNoRoute
)

// ProtocolHandler consumes the payload of an inbound datagram.
type ProtocolHandler interface {
	HandlePacket(h *Header, payload []byte)
}

// HandlerFunc adapts a function to ProtocolHandler.
type HandlerFunc func(h *Header, payload []byte)

// HandlePacket calls f(h, payload).
func (f HandlerFunc) HandlePacket(h *Header, payload []byte) {
	f(h, payload)
}

// LinkResolver maps a next hop to a link address.
type LinkResolver interface {
	Lookup(nextHop network.IP) network.HardwareAddr
}

// Layer is the IPv4 layer bound to one interface.
type Layer struct {
	iface    *netstack.Interface
	link     netstack.FrameIO
	resolver LinkResolver
	routes   *route.Table
	log      *logrus.Entry

	nextID   uint16
	handlers map[uint8]ProtocolHandler

	stats Stats
}

// Stats counts packets seen by the layer.
type Stats struct {
	Sent       int
	Received   int
	Malformed  int
	NotForUs   int
	NoProtocol int
}

// NewLayer creates the IP layer. routes is consulted for every send and must
// be reset by the owner when the interface addresses change.
func NewLayer(iface *netstack.Interface, link netstack.FrameIO, resolver LinkResolver, routes *route.Table, log *logrus.Entry) *Layer {
	if log == nil {
		log = logrus.WithField("component", "ip")
	}
	return &Layer{
		iface:    iface,
		link:     link,
		resolver: resolver,
		routes:   routes,
		log:      log,
		nextID:   1,
		handlers: make(map[uint8]ProtocolHandler),
	}
}

// Register installs the handler for an IP protocol number.
func (l *Layer) Register(proto uint8, h ProtocolHandler) {
	l.handlers[proto] = h
}

// LocalIP returns the current interface address.
func (l *Layer) LocalIP() network.IP {
	return l.iface.IP
}

// Stats returns the packet counters.
func (l *Layer) Stats() Stats {
	return l.stats
}

// Send transmits payload to dst from the interface address.
func (l *Layer) Send(dst network.IP, proto uint8, payload []byte) error {
	src := l.iface.IP.To4()
	if src == nil {
		src = network.IPv4zero.To4()
	}
	return l.SendFrom(src, dst, proto, payload)
}

// SendFrom transmits payload to dst with an explicit source address. The
// limited broadcast address goes out as a link broadcast without routing.
func (l *Layer) SendFrom(src, dst network.IP, proto uint8, payload []byte) error {
	mtu := l.iface.MTU
	if mtu <= 0 {
		mtu = netstack.DefaultMTU
	}
	if HeaderLength+len(payload) > mtu {
		return errors.Wrapf(ErrPacketTooLarge, "%d bytes", HeaderLength+len(payload))
	}

	var mac network.HardwareAddr
	if dst.Equal(network.IPv4bcast) {
		mac = ethernet.BroadcastMAC()
	} else {
		hop, err := l.routes.NextHop(dst)
		if err != nil {
			return err
		}
		mac = l.resolver.Lookup(hop)
	}

	d := NewDatagram(src, dst, proto, payload)
	d.Header.ID = l.nextID
	l.nextID++

	frame := ethernet.NewFrame(mac, l.iface.MAC, netstack.EtherTypeIPv4, d.Serialize())
	if !l.link.SendFrame(frame.Serialize()) {
		return netstack.ErrLinkDown
	}
	l.stats.Sent++
	return nil
}

// Receive validates an inbound datagram and hands its payload to the
// registered protocol handler. Invalid packets are dropped.
func (l *Layer) Receive(data []byte) {
	d, err := ParseDatagram(data)
	if err != nil {
		l.stats.Malformed++
		l.log.WithError(err).Debug("dropping malformed IPv4 packet")
		return
	}
	if d.Header.IsFragment() {
		l.stats.Malformed++
		l.log.Debug("dropping IPv4 fragment")
		return
	}
	if !l.acceptsDestination(d.Header.DstIP) {
		l.stats.NotForUs++
		return
	}
	l.stats.Received++

	h, ok := l.handlers[d.Header.Protocol]
	if !ok {
		l.stats.NoProtocol++
		l.log.WithField("protocol", d.Header.Protocol).Debug("no handler for protocol")
		return
	}
	h.HandlePacket(d.Header, d.Payload)
}

func (l *Layer) acceptsDestination(dst network.IP) bool {
	if !l.iface.Configured() {
		return true
	}
	return dst.Equal(l.iface.IP) ||
		dst.Equal(network.IPv4bcast) ||
		dst.Equal(l.iface.SubnetBroadcast())
}
