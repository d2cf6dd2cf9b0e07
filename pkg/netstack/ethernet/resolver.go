package ethernet

import (
	network "net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"retroos/pkg/netstack"
)

// Resolver defaults.
const (
	DefaultStaleAfter      = 5 * time.Minute
	DefaultRetryInitial    = time.Second
	DefaultRetryMax        = 30 * time.Second
	neighborRequestBackoff = time.Second
)

// Resolver answers ARP requests for the local address and learns link
// addresses from replies. The gateway entry lives in the interface identity;
// other on-link hosts go to a small neighbor table.
//
// While the gateway is unresolved, requests are repeated on an exponential
// schedule. A resolved entry older than the stale interval is refreshed the
// same way, and the old address stays in use until a reply replaces it.
type Resolver struct {
	iface *netstack.Interface
	link  netstack.FrameIO
	clock netstack.Clock
	log   *logrus.Entry

	neighbors  *ARPTable
	staleAfter time.Duration
	retry      *backoff.ExponentialBackOff

	resolvedAt  time.Time
	nextRequest time.Time
	requests    int
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithStaleAfter sets how long a gateway entry is trusted before refresh.
func WithStaleAfter(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// WithRetry sets the initial and maximum interval between gateway requests.
func WithRetry(initial, max time.Duration) ResolverOption {
	return func(r *Resolver) {
		if initial > 0 {
			r.retry.InitialInterval = initial
		}
		if max > 0 {
			r.retry.MaxInterval = max
		}
		r.retry.Reset()
	}
}

// WithNeighborCapacity sets the size of the neighbor table.
func WithNeighborCapacity(n int) ResolverOption {
	return func(r *Resolver) {
		r.neighbors = NewARPTable(n)
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) ResolverOption {
	return func(r *Resolver) {
		r.log = log
	}
}

// NewResolver creates a resolver for iface that transmits on link.
func NewResolver(iface *netstack.Interface, link netstack.FrameIO, clock netstack.Clock, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		iface:      iface,
		link:       link,
		clock:      clock,
		log:        logrus.WithField("component", "arp"),
		neighbors:  NewARPTable(DefaultNeighborCapacity),
		staleAfter: DefaultStaleAfter,
		retry:      backoff.NewExponentialBackOff(),
	}
	r.retry.InitialInterval = DefaultRetryInitial
	r.retry.MaxInterval = DefaultRetryMax
	r.retry.RandomizationFactor = 0
	r.retry.MaxElapsedTime = 0
	r.retry.Clock = clock
	for _, opt := range opts {
		opt(r)
	}
	r.retry.Reset()
	return r
}

// Start broadcasts the first request for the gateway.
func (r *Resolver) Start() {
	r.requestGateway(r.clock.Now())
}

// Invalidate forgets the gateway address, e.g. after the gateway changed.
func (r *Resolver) Invalidate() {
	r.iface.GatewayMAC = nil
	r.iface.GatewayResolved = false
	r.retry.Reset()
	r.nextRequest = time.Time{}
}

// SendRequest broadcasts a request for target.
func (r *Resolver) SendRequest(target network.IP) bool {
	req := NewARPRequest(r.iface.MAC, r.sourceIP(), target)
	frame := NewFrame(BroadcastMAC(), r.iface.MAC, netstack.EtherTypeARP, req.Serialize())
	r.requests++
	return r.link.SendFrame(frame.Serialize())
}

// Requests returns the number of requests sent so far.
func (r *Resolver) Requests() int {
	return r.requests
}

// Handle processes the payload of an ARP frame.
func (r *Resolver) Handle(payload []byte) {
	p, err := ParseARPPacket(payload)
	if err != nil || !p.IsValid() {
		r.log.WithError(err).Debug("dropping malformed ARP packet")
		return
	}

	switch p.Operation {
	case ARPOperationRequest:
		if !r.iface.Configured() || !p.TargetIP.Equal(r.iface.IP) {
			return
		}
		reply := NewARPReply(r.iface.MAC, r.iface.IP, p.SenderMAC, p.SenderIP)
		frame := NewFrame(p.SenderMAC, r.iface.MAC, netstack.EtherTypeARP, reply.Serialize())
		r.link.SendFrame(frame.Serialize())
	case ARPOperationReply:
		now := r.clock.Now()
		if r.iface.Gateway != nil && p.SenderIP.Equal(r.iface.Gateway) {
			if !r.iface.GatewayResolved {
				r.log.WithField("mac", p.SenderMAC).Info("gateway resolved")
			}
			r.iface.GatewayMAC = append(network.HardwareAddr(nil), p.SenderMAC...)
			r.iface.GatewayResolved = true
			r.resolvedAt = now
			r.retry.Reset()
			r.nextRequest = time.Time{}
			return
		}
		if r.iface.OnLink(p.SenderIP) {
			r.neighbors.Set(p.SenderIP, p.SenderMAC, now)
		}
	}
}

// Lookup returns the link address for a next hop. Unknown hosts get the
// broadcast address, and a request is sent for on-link neighbors.
func (r *Resolver) Lookup(nextHop network.IP) network.HardwareAddr {
	if nextHop.Equal(network.IPv4bcast) || nextHop.Equal(r.iface.SubnetBroadcast()) {
		return BroadcastMAC()
	}
	if r.iface.Gateway != nil && nextHop.Equal(r.iface.Gateway) {
		if r.iface.GatewayResolved {
			return r.iface.GatewayMAC
		}
		return BroadcastMAC()
	}
	if mac, ok := r.neighbors.Lookup(nextHop); ok {
		return mac
	}
	if r.neighbors.MarkRequested(nextHop, r.clock.Now(), neighborRequestBackoff) {
		r.SendRequest(nextHop)
	}
	return BroadcastMAC()
}

// Stale reports whether the gateway entry is due for refresh.
func (r *Resolver) Stale() bool {
	return r.iface.GatewayResolved && r.clock.Now().Sub(r.resolvedAt) >= r.staleAfter
}

// Tick sends scheduled gateway requests. The stack calls it on every poll.
func (r *Resolver) Tick() {
	if r.iface.Gateway == nil || r.iface.Gateway.Equal(network.IPv4zero) {
		return
	}
	if r.iface.GatewayResolved && !r.Stale() {
		return
	}
	now := r.clock.Now()
	if now.Before(r.nextRequest) {
		return
	}
	if r.iface.GatewayResolved {
		r.log.Debug("gateway entry stale, refreshing")
	}
	r.requestGateway(now)
}

func (r *Resolver) requestGateway(now time.Time) {
	if r.iface.Gateway == nil {
		return
	}
	r.SendRequest(r.iface.Gateway)
	next := r.retry.NextBackOff()
	if next == backoff.Stop {
		next = r.retry.MaxInterval
	}
	r.nextRequest = now.Add(next)
}

func (r *Resolver) sourceIP() network.IP {
	if ip := r.iface.IP.To4(); ip != nil {
		return ip
	}
	return network.IPv4zero.To4()
}
