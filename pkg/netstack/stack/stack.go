// Package stack ties the layers into one owned network stack. A Stack owns
// the interface identity, the ARP resolver, the IP layer, the ICMP responder,
// the UDP port table and the TCP connection pool; tests build as many
// isolated stacks as they like.
//
// A Stack is not safe for concurrent use. One goroutine owns it and performs
// every call, including the bounded waits of blocking operations.
package stack

import (
	network "net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"retroos/pkg/netstack"
	"retroos/pkg/netstack/ethernet"
	ipv4 "retroos/pkg/netstack/ip"
	"retroos/pkg/netstack/route"
	"retroos/pkg/netstack/tcp"
	"retroos/pkg/netstack/udp"
)

// Options configures a Stack. Zero values select the defaults.
type Options struct {
	Interface *netstack.Interface
	Link      netstack.FrameIO
	Clock     netstack.Clock
	Scheduler netstack.Scheduler
	Logger    *logrus.Entry

	UDPPortTableSize int
	EchoRate         float64
	EchoBurst        int
	ARP              []ethernet.ResolverOption
	TCP              []tcp.Option
}

// Stack is one instance of the network stack.
type Stack struct {
	iface    *netstack.Interface
	defaults *netstack.Interface
	link     netstack.FrameIO
	clock    netstack.Clock
	sched    netstack.Scheduler
	log      *logrus.Entry

	arp    *ethernet.Resolver
	routes *route.Table
	ip     *ipv4.Layer
	icmp   *ipv4.EchoResponder
	udp    *udp.Layer
	tcp    *tcp.Table

	frames  int
	dropped int
}

var _ netstack.Awaiter = (*Stack)(nil)

// New builds a stack and broadcasts the first ARP request for the gateway.
func New(opts Options) *Stack {
	iface := opts.Interface
	if iface == nil {
		iface = netstack.DefaultInterface()
	}
	if iface.MTU <= 0 {
		iface.MTU = netstack.DefaultMTU
	}
	clock := opts.Clock
	if clock == nil {
		clock = netstack.SystemClock{}
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = netstack.SleepScheduler{Interval: time.Millisecond}
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.EchoRate <= 0 {
		opts.EchoRate = ipv4.DefaultEchoRate
	}
	if opts.EchoBurst <= 0 {
		opts.EchoBurst = ipv4.DefaultEchoBurst
	}

	s := &Stack{
		iface:    iface,
		defaults: iface.Clone(),
		link:     opts.Link,
		clock:    clock,
		sched:    sched,
		log:      log.WithField("component", "stack"),
	}

	arpOpts := append([]ethernet.ResolverOption{ethernet.WithLogger(log.WithField("component", "arp"))}, opts.ARP...)
	s.arp = ethernet.NewResolver(iface, opts.Link, clock, arpOpts...)
	s.routes = route.FromInterface(iface)
	s.ip = ipv4.NewLayer(iface, opts.Link, s.arp, s.routes, log.WithField("component", "ip"))
	s.icmp = ipv4.NewEchoResponder(s.ip, clock, opts.EchoRate, opts.EchoBurst, log.WithField("component", "icmp"))
	s.udp = udp.NewLayer(s.ip, opts.UDPPortTableSize, log.WithField("component", "udp"))
	tcpOpts := append([]tcp.Option{tcp.WithLogger(log.WithField("component", "tcp"))}, opts.TCP...)
	s.tcp = tcp.NewTable(s.ip, clock, tcpOpts...)

	s.ip.Register(ipv4.ProtocolICMP, s.icmp)
	s.ip.Register(ipv4.ProtocolUDP, s.udp)
	s.ip.Register(ipv4.ProtocolTCP, s.tcp)

	s.arp.Start()
	return s
}

// Interface returns a snapshot of the interface identity.
func (s *Stack) Interface() *netstack.Interface {
	return s.iface.Clone()
}

// Clock returns the stack clock.
func (s *Stack) Clock() netstack.Clock {
	return s.clock
}

// ARP returns the address resolver.
func (s *Stack) ARP() *ethernet.Resolver {
	return s.arp
}

// IP returns the IP layer.
func (s *Stack) IP() *ipv4.Layer {
	return s.ip
}

// UDP returns the UDP layer.
func (s *Stack) UDP() *udp.Layer {
	return s.udp
}

// TCP returns the TCP connection table.
func (s *Stack) TCP() *tcp.Table {
	return s.tcp
}

// Frames returns the number of frames taken off the link.
func (s *Stack) Frames() int {
	return s.frames
}

// Poll processes at most one inbound frame and runs the protocol timers. It
// reports whether a frame was taken.
func (s *Stack) Poll() bool {
	frame, ok := s.link.ReceiveFrame()
	if ok {
		s.frames++
		s.dispatch(frame)
	}
	s.arp.Tick()
	s.tcp.Tick()
	return ok
}

func (s *Stack) dispatch(raw []byte) {
	f, err := ethernet.ParseFrame(raw)
	if err != nil {
		s.dropped++
		s.log.WithError(err).Debug("dropping frame")
		return
	}
	if !f.AcceptedBy(s.iface.MAC) {
		s.dropped++
		return
	}
	switch f.EtherType {
	case netstack.EtherTypeARP:
		s.arp.Handle(f.Payload)
	case netstack.EtherTypeIPv4:
		s.ip.Receive(f.Payload)
	default:
		s.dropped++
	}
}

// Await polls and yields until ready reports true or timeout elapses on the
// stack clock. A zero timeout checks once; a negative timeout never expires.
func (s *Stack) Await(timeout time.Duration, ready func() bool) bool {
	start := s.clock.Now()
	for {
		if ready() {
			return true
		}
		if timeout >= 0 && s.clock.Now().Sub(start) >= timeout {
			return false
		}
		s.Poll()
		s.sched.Yield()
	}
}

// SetAddressing applies a lease to the interface and rebuilds the routes.
// A new gateway has to be resolved again.
func (s *Stack) SetAddressing(a netstack.Addressing) {
	gatewayChanged := !s.iface.Gateway.Equal(a.Gateway)
	s.iface.IP = netstack.CopyIP(a.IP)
	if len(a.Mask) == 4 {
		s.iface.Mask = append(network.IPMask(nil), a.Mask...)
	}
	if a.Gateway != nil {
		s.iface.Gateway = netstack.CopyIP(a.Gateway)
	}
	if a.DNS != nil {
		s.iface.DNS = netstack.CopyIP(a.DNS)
	}
	s.routes.Reset(s.iface)
	s.log.WithFields(logrus.Fields{
		"ip":      s.iface.IP,
		"gateway": s.iface.Gateway,
		"dns":     s.iface.DNS,
	}).Info("interface configured")
	if gatewayChanged && a.Gateway != nil {
		s.arp.Invalidate()
		s.arp.Start()
	}
}

// ResetAddressing restores the compiled-in addresses.
func (s *Stack) ResetAddressing() {
	s.SetAddressing(netstack.Addressing{
		IP:      s.defaults.IP,
		Mask:    s.defaults.Mask,
		Gateway: s.defaults.Gateway,
		DNS:     s.defaults.DNS,
	})
}

// ErrNoReply is returned by Ping when no echo reply arrives in time.
var ErrNoReply = errors.New("no echo reply")

// Ping sends one echo request to dst and waits for the reply.
func (s *Stack) Ping(dst network.IP, timeout time.Duration) (time.Duration, error) {
	start := s.clock.Now()
	seq, err := s.icmp.SendEcho(dst, []byte("retroos ping"))
	if err != nil {
		return 0, errors.Wrap(err, "sending echo request")
	}
	defer s.icmp.Forget(seq)

	var reply ipv4.EchoReply
	ok := s.Await(timeout, func() bool {
		var got bool
		reply, got = s.icmp.Reply(seq)
		return got
	})
	if !ok {
		return 0, errors.Wrapf(ErrNoReply, "%v", dst)
	}
	return reply.At.Sub(start), nil
}
