package stacktest

import (
	"bytes"
	"net"
	"sync"

	"retroos/pkg/netstack"
	"retroos/pkg/netstack/ethernet"
	ipv4 "retroos/pkg/netstack/ip"
	"retroos/pkg/netstack/link"
	"retroos/pkg/netstack/tcp"
	"retroos/pkg/netstack/udp"
)

// GatewayMAC is the link address the scripted gateway answers with.
var GatewayMAC = net.HardwareAddr{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02}

// PeerISS is the initial sequence number of every connection the gateway
// accepts.
const PeerISS = 5000

// UDPService answers one datagram. A nil reply sends nothing.
type UDPService func(from net.IP, fromPort uint16, payload []byte) []byte

// TCPService inspects everything a client has sent so far. Once it returns
// ok the gateway sends the response and closes its side.
type TCPService func(request []byte) (response []byte, ok bool)

// RequestResponse returns a TCPService that waits for a request containing
// terminator and then answers with response.
func RequestResponse(terminator, response string) TCPService {
	return func(request []byte) ([]byte, bool) {
		if !bytes.Contains(request, []byte(terminator)) {
			return nil, false
		}
		return []byte(response), true
	}
}

// Gateway simulates the router of a QEMU user network on the far side of a
// link.Channel. It answers ARP and pings for its addresses and runs
// the UDP and TCP services registered on it.
type Gateway struct {
	MAC  net.HardwareAddr
	IP   net.IP
	Mask net.IPMask
	// Hosts are the addresses the gateway answers ARP requests for.
	Hosts []net.IP
	// Silent stops all ARP replies.
	Silent bool

	mu    sync.Mutex
	link  *link.Channel
	udp   map[uint16]UDPService
	tcp   map[uint16]TCPService
	conns map[connKey]*peerConn
	seen  []*ipv4.Datagram
}

type connKey struct {
	client     string
	clientPort uint16
	port       uint16
}

type peerConn struct {
	service     TCPService
	clientMAC   net.HardwareAddr
	clientIP    net.IP
	clientPort  uint16
	localIP     net.IP
	port        uint16
	sndNxt      uint32
	rcvNxt      uint32
	request     []byte
	responded   bool
	finSent     bool
	finReceived bool
}

// NewGateway installs a gateway as the peer of ch. It answers for the
// default gateway and DNS addresses.
func NewGateway(ch *link.Channel) *Gateway {
	def := netstack.DefaultInterface()
	g := &Gateway{
		MAC:   GatewayMAC,
		IP:    def.Gateway,
		Mask:  def.Mask,
		Hosts: []net.IP{def.Gateway, def.DNS},
		link:  ch,
		udp:   make(map[uint16]UDPService),
		tcp:   make(map[uint16]TCPService),
		conns: make(map[connKey]*peerConn),
	}
	ch.SetPeer(g.receive)
	return g
}

// HandleUDP registers a UDP service on port.
func (g *Gateway) HandleUDP(port uint16, s UDPService) {
	g.mu.Lock()
	g.udp[port] = s
	g.mu.Unlock()
}

// HandleTCP registers a TCP service on port.
func (g *Gateway) HandleTCP(port uint16, s TCPService) {
	g.mu.Lock()
	g.tcp[port] = s
	g.mu.Unlock()
}

// Seen returns the IP datagrams the gateway has received.
func (g *Gateway) Seen() []*ipv4.Datagram {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*ipv4.Datagram(nil), g.seen...)
}

// Connections returns the number of open TCP connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Inject queues a raw IP datagram for the stack, addressed to mac.
func (g *Gateway) Inject(mac net.HardwareAddr, d *ipv4.Datagram) {
	g.link.Inject(ethernet.NewFrame(mac, g.MAC, netstack.EtherTypeIPv4, d.Serialize()).Serialize())
}

func (g *Gateway) receive(raw []byte) {
	f, err := ethernet.ParseFrame(raw)
	if err != nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	switch f.EtherType {
	case netstack.EtherTypeARP:
		g.handleARP(f.Payload)
	case netstack.EtherTypeIPv4:
		d, err := ipv4.ParseDatagram(f.Payload)
		if err != nil {
			return
		}
		g.seen = append(g.seen, d)
		if !g.reaches(d.Header.DstIP) {
			return
		}
		switch d.Header.Protocol {
		case ipv4.ProtocolICMP:
			g.handleICMP(f.SrcMAC, d)
		case ipv4.ProtocolUDP:
			g.handleUDP(f.SrcMAC, d)
		case ipv4.ProtocolTCP:
			g.handleTCP(f.SrcMAC, d)
		}
	}
}

func (g *Gateway) answers(ip net.IP) bool {
	for _, h := range g.Hosts {
		if h.Equal(ip) {
			return true
		}
	}
	return false
}

// reaches reports whether traffic to dst ends up at the gateway: its own
// addresses, broadcasts and anything routed off the local subnet.
func (g *Gateway) reaches(dst net.IP) bool {
	if g.answers(dst) || dst.Equal(net.IPv4bcast) {
		return true
	}
	return !dst.Mask(g.Mask).Equal(g.IP.Mask(g.Mask))
}

func (g *Gateway) handleARP(payload []byte) {
	p, err := ethernet.ParseARPPacket(payload)
	if err != nil || p.Operation != ethernet.ARPOperationRequest || g.Silent {
		return
	}
	if !g.answers(p.TargetIP) {
		return
	}
	reply := ethernet.NewARPReply(g.MAC, p.TargetIP, p.SenderMAC, p.SenderIP)
	g.link.Inject(ethernet.NewFrame(p.SenderMAC, g.MAC, netstack.EtherTypeARP, reply.Serialize()).Serialize())
}

// reply sends an IP datagram back to the client. Clients without an address
// are reached by broadcast.
func (g *Gateway) reply(mac net.HardwareAddr, src, dst net.IP, proto uint8, payload []byte) {
	if dst.Equal(net.IPv4zero) {
		dst = net.IPv4bcast
		mac = ethernet.BroadcastMAC()
	}
	if src.Equal(net.IPv4bcast) {
		src = g.IP
	}
	d := ipv4.NewDatagram(src, dst, proto, payload)
	g.link.Inject(ethernet.NewFrame(mac, g.MAC, netstack.EtherTypeIPv4, d.Serialize()).Serialize())
}

func (g *Gateway) handleICMP(mac net.HardwareAddr, d *ipv4.Datagram) {
	m, err := ipv4.ParseMessage(d.Payload)
	if err != nil || !m.IsEchoRequest() || !g.answers(d.Header.DstIP) {
		return
	}
	reply := ipv4.NewEchoReply(m.Header.ID, m.Header.Seq, m.Payload)
	g.reply(mac, d.Header.DstIP, d.Header.SrcIP, ipv4.ProtocolICMP, reply.Serialize())
}

func (g *Gateway) handleUDP(mac net.HardwareAddr, d *ipv4.Datagram) {
	u, err := udp.ParseDatagram(d.Payload, d.Header.SrcIP, d.Header.DstIP)
	if err != nil {
		return
	}
	service, ok := g.udp[u.Header.DstPort]
	if !ok {
		return
	}
	out := service(u.SrcIP, u.Header.SrcPort, u.Payload)
	if out == nil {
		return
	}
	src := d.Header.DstIP
	if src.Equal(net.IPv4bcast) {
		src = g.IP
	}
	dst := d.Header.SrcIP
	if dst.Equal(net.IPv4zero) {
		dst = net.IPv4bcast
	}
	reply := udp.NewDatagram(u.Header.DstPort, u.Header.SrcPort, src, dst, out)
	g.reply(mac, src, dst, ipv4.ProtocolUDP, reply.Serialize())
}

func (g *Gateway) handleTCP(mac net.HardwareAddr, d *ipv4.Datagram) {
	seg, err := tcp.ParseSegment(d.Payload, d.Header.SrcIP, d.Header.DstIP)
	if err != nil {
		return
	}
	h := seg.Header
	key := connKey{client: d.Header.SrcIP.String(), clientPort: h.SrcPort, port: h.DstPort}
	c := g.conns[key]

	if h.HasFlag(tcp.FlagRST) {
		delete(g.conns, key)
		return
	}
	if h.HasFlag(tcp.FlagSYN) {
		service, ok := g.tcp[h.DstPort]
		if !ok {
			rst := tcp.NewSegment(h.DstPort, h.SrcPort, d.Header.DstIP, d.Header.SrcIP, tcp.FlagRST|tcp.FlagACK, 0, h.SeqNum+1, nil)
			g.reply(mac, d.Header.DstIP, d.Header.SrcIP, ipv4.ProtocolTCP, rst.Serialize())
			return
		}
		if c == nil {
			c = &peerConn{
				service:    service,
				clientMAC:  mac,
				clientIP:   d.Header.SrcIP,
				clientPort: h.SrcPort,
				localIP:    d.Header.DstIP,
				port:       h.DstPort,
				rcvNxt:     h.SeqNum + 1,
				sndNxt:     PeerISS + 1,
			}
			g.conns[key] = c
		}
		g.sendTCP(c, tcp.FlagSYN|tcp.FlagACK, PeerISS, nil)
		return
	}
	if c == nil {
		return
	}

	consumed := false
	if len(seg.Payload) > 0 && h.SeqNum == c.rcvNxt {
		c.request = append(c.request, seg.Payload...)
		c.rcvNxt += uint32(len(seg.Payload))
		consumed = true
	}
	if h.HasFlag(tcp.FlagFIN) && h.SeqNum+uint32(len(seg.Payload)) == c.rcvNxt && !c.finReceived {
		c.rcvNxt++
		c.finReceived = true
		consumed = true
	}
	if consumed {
		g.sendTCP(c, tcp.FlagACK, c.sndNxt, nil)
	}
	if !c.responded && len(c.request) > 0 {
		if resp, ok := c.service(c.request); ok {
			c.responded = true
			for len(resp) > 0 {
				n := len(resp)
				if n > tcp.DefaultMSS {
					n = tcp.DefaultMSS
				}
				g.sendTCP(c, tcp.FlagACK|tcp.FlagPSH, c.sndNxt, resp[:n])
				c.sndNxt += uint32(n)
				resp = resp[n:]
			}
			g.closeConn(c)
		}
	}
	if c.finReceived && !c.finSent {
		g.closeConn(c)
	}
	if c.finSent && c.finReceived && h.HasFlag(tcp.FlagACK) && h.AckNum == c.sndNxt {
		delete(g.conns, key)
	}
}

func (g *Gateway) closeConn(c *peerConn) {
	if c.finSent {
		return
	}
	g.sendTCP(c, tcp.FlagFIN|tcp.FlagACK, c.sndNxt, nil)
	c.sndNxt++
	c.finSent = true
}

func (g *Gateway) sendTCP(c *peerConn, flags uint8, seq uint32, payload []byte) {
	seg := tcp.NewSegment(c.port, c.clientPort, c.localIP, c.clientIP, flags, seq, c.rcvNxt, payload)
	g.reply(c.clientMAC, c.localIP, c.clientIP, ipv4.ProtocolTCP, seg.Serialize())
}
