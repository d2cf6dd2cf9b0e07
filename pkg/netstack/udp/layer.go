package udp

import (
	network "net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	ipv4 "retroos/pkg/netstack/ip"
)

// ErrPayloadTooLarge is returned for payloads above MaxPayload.
var ErrPayloadTooLarge = errors.New("UDP payload too large")

// IPSender is the part of the IP layer UDP transmits through.
type IPSender interface {
	LocalIP() network.IP
	SendFrom(src, dst network.IP, proto uint8, payload []byte) error
}

// Layer sends datagrams and dispatches inbound ones through its port table.
type Layer struct {
	ip    IPSender
	ports *PortTable
	log   *logrus.Entry

	dropped int
}

// NewLayer creates the UDP layer with a port table of the given capacity.
func NewLayer(ip IPSender, capacity int, log *logrus.Entry) *Layer {
	if log == nil {
		log = logrus.WithField("component", "udp")
	}
	return &Layer{ip: ip, ports: NewPortTable(capacity), log: log}
}

// Bind installs h on port.
func (l *Layer) Bind(port uint16, h Handler) error {
	return l.ports.Bind(port, h)
}

// Unbind releases port.
func (l *Layer) Unbind(port uint16) {
	l.ports.Unbind(port)
}

// Ports returns the port table.
func (l *Layer) Ports() *PortTable {
	return l.ports
}

// Dropped returns the number of inbound datagrams discarded.
func (l *Layer) Dropped() int {
	return l.dropped
}

// Send transmits payload from srcPort on the interface address.
func (l *Layer) Send(srcPort uint16, dst network.IP, dstPort uint16, payload []byte) error {
	return l.SendFrom(l.ip.LocalIP(), srcPort, dst, dstPort, payload)
}

// SendFrom transmits payload with an explicit source address.
func (l *Layer) SendFrom(src network.IP, srcPort uint16, dst network.IP, dstPort uint16, payload []byte) error {
	if len(payload) > MaxPayload {
		return errors.Wrapf(ErrPayloadTooLarge, "%d bytes", len(payload))
	}
	d := NewDatagram(srcPort, dstPort, src, dst, payload)
	return l.ip.SendFrom(src, dst, ipv4.ProtocolUDP, d.Serialize())
}

// HandlePacket implements ipv4.ProtocolHandler.
func (l *Layer) HandlePacket(h *ipv4.Header, payload []byte) {
	d, err := ParseDatagram(payload, h.SrcIP, h.DstIP)
	if err != nil {
		l.dropped++
		l.log.WithError(err).Debug("dropping malformed UDP datagram")
		return
	}
	handler, ok := l.ports.Lookup(d.Header.DstPort)
	if !ok {
		l.dropped++
		l.log.WithField("port", d.Header.DstPort).Debug("no handler bound")
		return
	}
	handler.HandleDatagram(d)
}
