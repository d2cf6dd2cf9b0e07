package tcp

import (
	"fmt"
	"math/rand"
	network "net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"retroos/pkg/netstack"
	ipv4 "retroos/pkg/netstack/ip"
)

// Table defaults.
const (
	DefaultPoolSize      = 16
	DefaultReceiveBuffer = 32 * 1024
	DefaultSYNTimeout    = time.Second
	DefaultSYNRetries    = 3
	DefaultTimeWait      = 30 * time.Second
	DefaultOrphanTimeout = 60 * time.Second
)

// Table errors.
var (
	ErrTableFull  = errors.New("no free connection blocks")
	ErrConnExists = errors.New("connection already exists")
)

// Sender is the part of the IP layer TCP transmits through.
type Sender interface {
	LocalIP() network.IP
	Send(dst network.IP, proto uint8, payload []byte) error
}

// Table is the fixed pool of connection blocks. It demultiplexes inbound
// segments by four-tuple and runs the connection timers.
type Table struct {
	slots []*Conn
	ip    Sender
	clock netstack.Clock
	log   *logrus.Entry

	isn           func() uint32
	rxSize        int
	synTimeout    time.Duration
	synRetries    int
	timeWait      time.Duration
	orphanTimeout time.Duration

	unmatched int
}

// Option configures a Table.
type Option func(*Table)

// WithPoolSize sets the number of connection blocks.
func WithPoolSize(n int) Option {
	return func(t *Table) {
		if n > 0 {
			t.slots = make([]*Conn, n)
		}
	}
}

// WithReceiveBuffer sets the per-connection receive buffer size.
func WithReceiveBuffer(n int) Option {
	return func(t *Table) {
		if n > 0 {
			t.rxSize = n
		}
	}
}

// WithISN sets the initial sequence number generator.
func WithISN(fn func() uint32) Option {
	return func(t *Table) {
		if fn != nil {
			t.isn = fn
		}
	}
}

// WithSYNRetransmit sets the SYN retransmission interval and how many
// retransmissions are attempted before the connect fails.
func WithSYNRetransmit(timeout time.Duration, retries int) Option {
	return func(t *Table) {
		if timeout > 0 {
			t.synTimeout = timeout
		}
		if retries >= 0 {
			t.synRetries = retries
		}
	}
}

// WithTimeWait sets how long TIME_WAIT blocks are held before reclamation.
func WithTimeWait(d time.Duration) Option {
	return func(t *Table) {
		if d > 0 {
			t.timeWait = d
		}
	}
}

// WithOrphanTimeout sets how long a closed connection may linger in
// FIN_WAIT_1, FIN_WAIT_2 or LAST_ACK before it is reclaimed.
func WithOrphanTimeout(d time.Duration) Option {
	return func(t *Table) {
		if d > 0 {
			t.orphanTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(t *Table) {
		t.log = log
	}
}

// NewTable creates a connection table transmitting through ip.
func NewTable(ip Sender, clock netstack.Clock, opts ...Option) *Table {
	t := &Table{
		slots:         make([]*Conn, DefaultPoolSize),
		ip:            ip,
		clock:         clock,
		log:           logrus.WithField("component", "tcp"),
		isn:           rand.Uint32,
		rxSize:        DefaultReceiveBuffer,
		synTimeout:    DefaultSYNTimeout,
		synRetries:    DefaultSYNRetries,
		timeWait:      DefaultTimeWait,
		orphanTimeout: DefaultOrphanTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Capacity returns the pool size.
func (t *Table) Capacity() int {
	return len(t.slots)
}

// InUse returns the number of allocated blocks.
func (t *Table) InUse() int {
	n := 0
	for _, c := range t.slots {
		if c != nil {
			n++
		}
	}
	return n
}

// Unmatched returns the number of inbound segments no block claimed.
func (t *Table) Unmatched() int {
	return t.unmatched
}

// Connect allocates a block, sends a SYN and returns the connection in
// SYN_SENT. The caller waits for IsConnected.
func (t *Table) Connect(localPort uint16, remoteIP network.IP, remotePort uint16) (*Conn, error) {
	if t.find(t.ip.LocalIP(), localPort, remoteIP, remotePort) != nil {
		return nil, errors.Wrap(ErrConnExists, connID(localPort, remoteIP, remotePort))
	}
	slot := -1
	for i, c := range t.slots {
		if c == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, ErrTableFull
	}

	iss := t.isn()
	c := &Conn{
		table:      t,
		slot:       slot,
		state:      StateSynSent,
		localIP:    netstack.CopyIP(t.ip.LocalIP()),
		localPort:  localPort,
		remoteIP:   netstack.CopyIP(remoteIP),
		remotePort: remotePort,
		iss:        iss,
		sndUna:     iss,
		sndNxt:     iss,
		rx:         make([]byte, 0, t.rxSize),
		rxCap:      t.rxSize,
		synSentAt:  t.clock.Now(),
	}
	t.slots[slot] = c
	t.log.WithField("conn", c.id()).Debug("connecting")

	if err := c.send(FlagSYN, nil); err != nil {
		t.release(c)
		return nil, errors.Wrap(err, "sending SYN")
	}
	return c, nil
}

// HandlePacket implements ipv4.ProtocolHandler.
func (t *Table) HandlePacket(h *ipv4.Header, payload []byte) {
	seg, err := ParseSegment(payload, h.SrcIP, h.DstIP)
	if err != nil {
		t.log.WithError(err).Debug("dropping malformed TCP segment")
		return
	}
	c := t.find(seg.DstIP, seg.Header.DstPort, seg.SrcIP, seg.Header.SrcPort)
	if c == nil {
		t.unmatched++
		return
	}
	c.handle(seg)
}

// Tick runs the connection timers: SYN retransmission, TIME_WAIT
// reclamation and the orphan timeout.
func (t *Table) Tick() {
	now := t.clock.Now()
	for _, c := range t.slots {
		if c == nil {
			continue
		}
		switch c.state {
		case StateSynSent:
			if now.Sub(c.synSentAt) < t.synTimeout {
				continue
			}
			if c.synRetries < t.synRetries {
				t.log.WithField("conn", c.id()).Debug("retransmitting SYN")
				c.retransmitSYN(now)
				continue
			}
			c.timedOut = true
			c.enter(StateClosed)
		case StateTimeWait:
			if now.Sub(c.closedAt) >= t.timeWait {
				c.enter(StateClosed)
				t.release(c)
			}
		case StateFinWait1, StateFinWait2, StateLastAck:
			if c.orphaned && now.Sub(c.closedAt) >= t.orphanTimeout {
				t.log.WithField("conn", c.id()).Debug("reclaiming orphaned connection")
				c.enter(StateClosed)
				t.release(c)
			}
		}
	}
}

func (t *Table) find(localIP network.IP, localPort uint16, remoteIP network.IP, remotePort uint16) *Conn {
	for _, c := range t.slots {
		if c == nil || c.localPort != localPort || c.remotePort != remotePort {
			continue
		}
		if c.localIP.Equal(localIP) && c.remoteIP.Equal(remoteIP) {
			return c
		}
	}
	return nil
}

func (t *Table) release(c *Conn) {
	if c.released {
		return
	}
	if t.slots[c.slot] == c {
		t.slots[c.slot] = nil
	}
	c.released = true
	c.state = StateClosed
	c.rx = nil
}

func (t *Table) transmit(seg *Segment) error {
	return t.ip.Send(seg.DstIP, ipv4.ProtocolTCP, seg.Serialize())
}

func connID(localPort uint16, remoteIP network.IP, remotePort uint16) string {
	return fmt.Sprintf(":%d -> %s:%d", localPort, remoteIP, remotePort)
}
