package dhcp

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/mohae/deepcopy"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"retroos/pkg/netstack"
	"retroos/pkg/netstack/udp"
)

const (
	// DefaultTimeout bounds Configure.
	DefaultTimeout = 10 * time.Second
	// DefaultLeaseTime is assumed when an ACK carries no lease time.
	DefaultLeaseTime = time.Hour
)

// xidSeed is mixed into the clock to pick the first transaction id.
const xidSeed uint32 = 0xDEADBEEF

var (
	ErrTimeout       = errors.New("DHCP configuration timed out")
	ErrNotConfigured = errors.New("DHCP client has no lease")
)

// DefaultParams is the parameter request list sent with DISCOVER and
// REQUEST: subnet mask, router and DNS server.
var DefaultParams = []byte{byte(OptSubnetMask), byte(OptRouter), byte(OptDNS)}

// Stack is the part of the network stack the client runs on.
type Stack interface {
	netstack.Awaiter
	Clock() netstack.Clock
	Interface() *netstack.Interface
	UDP() *udp.Layer
	SetAddressing(netstack.Addressing)
	ResetAddressing()
}

// State is the client state.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateRequesting
	StateBound
)

func (s State) String() string {
	switch s {
	case StateDiscovering:
		return "discovering"
	case StateRequesting:
		return "requesting"
	case StateBound:
		return "bound"
	}
	return "idle"
}

// Lease is the configuration granted by a server.
type Lease struct {
	IP       net.IP
	Mask     net.IPMask
	Gateway  net.IP
	DNS      net.IP
	Server   net.IP
	Duration time.Duration
	Start    time.Time
}

// RenewAt returns when the lease should be renewed.
func (l *Lease) RenewAt() time.Time {
	return l.Start.Add(l.Duration / 2)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the Configure budget.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// Client acquires, renews and releases a lease for the stack interface. It
// is driven by the goroutine that owns the stack.
type Client struct {
	stack   Stack
	timeout time.Duration
	log     *logrus.Entry

	bound      bool
	state      State
	xid        uint32
	configured bool
	lease      Lease
	offered    net.IP
	server     net.IP
}

// NewClient creates a client on s.
func NewClient(s Stack, opts ...ClientOption) *Client {
	c := &Client{
		stack:   s,
		timeout: DefaultTimeout,
		log:     logrus.WithField("component", "dhcp"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Client) State() State {
	return c.state
}

// XID returns the current transaction id.
func (c *Client) XID() uint32 {
	return c.xid
}

// IsConfigured reports whether a lease has been applied.
func (c *Client) IsConfigured() bool {
	return c.configured
}

// Lease returns a copy of the current lease.
func (c *Client) Lease() (Lease, bool) {
	if !c.configured {
		return Lease{}, false
	}
	return *deepcopy.Copy(&c.lease).(*Lease), true
}

func (c *Client) bind() error {
	if c.bound {
		return nil
	}
	if err := c.stack.UDP().Bind(ClientPort, udp.HandlerFunc(c.handle)); err != nil {
		return errors.Wrapf(err, "binding DHCP client port %d", ClientPort)
	}
	c.bound = true
	return nil
}

// Close releases the client port without touching the lease.
func (c *Client) Close() {
	if c.bound {
		c.stack.UDP().Unbind(ClientPort)
		c.bound = false
	}
}

// Configure runs DISCOVER, OFFER, REQUEST and ACK and applies the lease to
// the stack.
func (c *Client) Configure() error {
	if err := c.bind(); err != nil {
		return err
	}
	c.configured = false
	c.offered, c.server = nil, nil
	c.xid = uint32(c.stack.Clock().Now().UnixMilli()) ^ xidSeed
	c.state = StateIdle
	if err := c.sendDiscover(); err != nil {
		return err
	}
	if !c.stack.Await(c.timeout, func() bool { return c.configured }) {
		c.state = StateIdle
		return errors.Wrapf(ErrTimeout, "after %v", c.timeout)
	}
	return nil
}

// CheckLease starts a renewal once half of the lease has elapsed. It
// reports whether a REQUEST was sent.
func (c *Client) CheckLease() (bool, error) {
	if !c.configured || c.state != StateBound {
		return false, nil
	}
	if !c.stack.Clock().Now().After(c.lease.RenewAt()) {
		return false, nil
	}
	c.xid++
	c.log.WithField("ip", c.lease.IP).Info("renewing lease")
	if err := c.sendRequest(c.lease.IP, c.lease.Server); err != nil {
		return false, err
	}
	return true, nil
}

// Release gives the lease back to the server and restores the compiled-in
// addresses.
func (c *Client) Release() error {
	if !c.configured {
		return ErrNotConfigured
	}
	m := NewMessage(Release, c.xid, c.stack.Interface().MAC)
	m.CIAddr = netstack.CopyIP(c.lease.IP)
	m.SetOption(OptServerID, netstack.CopyIP(c.lease.Server))
	err := c.stack.UDP().SendFrom(c.lease.IP, ClientPort, c.lease.Server, ServerPort, m.Serialize())

	c.log.WithField("ip", c.lease.IP).Info("lease released")
	c.configured = false
	c.lease = Lease{}
	c.offered, c.server = nil, nil
	c.state = StateIdle
	c.stack.ResetAddressing()
	return errors.Wrap(err, "sending DHCP release")
}

func (c *Client) broadcast(m *Message) error {
	m.Flags = FlagBroadcast
	m.SetOption(OptParamRequest, DefaultParams)
	err := c.stack.UDP().SendFrom(net.IPv4zero, ClientPort, net.IPv4bcast, ServerPort, m.Serialize())
	return errors.Wrapf(err, "sending DHCP %v", m.Type())
}

func (c *Client) sendDiscover() error {
	c.log.WithField("xid", c.xid).Debug("DISCOVER")
	if err := c.broadcast(NewMessage(Discover, c.xid, c.stack.Interface().MAC)); err != nil {
		return err
	}
	c.state = StateDiscovering
	return nil
}

func (c *Client) sendRequest(ip, server net.IP) error {
	m := NewMessage(Request, c.xid, c.stack.Interface().MAC)
	m.SetOption(OptRequestedIP, netstack.CopyIP(ip))
	if server != nil {
		m.SetOption(OptServerID, netstack.CopyIP(server))
	}
	c.log.WithFields(logrus.Fields{"xid": c.xid, "ip": ip}).Debug("REQUEST")
	if err := c.broadcast(m); err != nil {
		return err
	}
	c.state = StateRequesting
	return nil
}

func (c *Client) handle(d *udp.Datagram) {
	m, err := ParseMessage(d.Payload)
	if err != nil {
		c.log.WithError(err).Debug("dropping malformed message")
		return
	}
	if m.Op != OpReply || m.XID != c.xid {
		return
	}

	switch m.Type() {
	case Offer:
		if c.state != StateDiscovering {
			return
		}
		c.offered = netstack.CopyIP(m.YIAddr)
		c.server = m.IPOption(OptServerID)
		if c.server == nil {
			c.server = netstack.CopyIP(m.SIAddr)
		}
		c.log.WithFields(logrus.Fields{"ip": c.offered, "server": c.server}).Debug("OFFER")
		if err := c.sendRequest(c.offered, c.server); err != nil {
			c.log.WithError(err).Warn("cannot request offered address")
		}
	case Ack:
		if c.state != StateRequesting {
			return
		}
		c.accept(m)
	case Nak:
		if c.state != StateRequesting && c.state != StateDiscovering {
			return
		}
		c.log.WithField("xid", m.XID).Warn("server refused the request")
		c.configured = false
		c.state = StateIdle
		c.xid++
		if err := c.sendDiscover(); err != nil {
			c.log.WithError(err).Warn("cannot restart discovery")
		}
	}
}

// accept turns an ACK into the current lease and applies it.
func (c *Client) accept(m *Message) {
	l := Lease{
		IP:       netstack.CopyIP(m.YIAddr),
		Gateway:  m.IPOption(OptRouter),
		DNS:      m.IPOption(OptDNS),
		Server:   c.server,
		Duration: DefaultLeaseTime,
		Start:    c.stack.Clock().Now(),
	}
	if b, ok := m.Option(OptSubnetMask); ok && len(b) == 4 {
		l.Mask = net.IPv4Mask(b[0], b[1], b[2], b[3])
	}
	if secs, ok := m.Uint32Option(OptLeaseTime); ok {
		l.Duration = time.Duration(secs) * time.Second
	}
	if id := m.IPOption(OptServerID); id != nil {
		l.Server = id
	}
	if l.Server == nil {
		l.Server = netstack.CopyIP(m.SIAddr)
	}

	c.lease = l
	c.configured = true
	c.state = StateBound
	c.stack.SetAddressing(netstack.Addressing{IP: l.IP, Mask: l.Mask, Gateway: l.Gateway, DNS: l.DNS})
	c.log.WithFields(logrus.Fields{
		"ip":    l.IP,
		"lease": l.Duration,
	}).Info("lease acquired")
}

// LeaseTimeOption encodes a lease duration as option 51 data.
func LeaseTimeOption(d time.Duration) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(d/time.Second))
	return b
}
