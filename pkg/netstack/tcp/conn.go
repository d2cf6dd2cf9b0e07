package tcp

import (
	network "net"
	"time"

	"github.com/pkg/errors"
)

// Connection errors.
var (
	ErrNotConnected = errors.New("connection not established")
	ErrClosed       = errors.New("connection closed")
	ErrReset        = errors.New("connection reset by peer")
	ErrTimedOut     = errors.New("connection attempt timed out")
)

// Conn is a transmission control block. A Conn is owned by the goroutine
// that owns its Table; it becomes inert once released back to the pool.
type Conn struct {
	table *Table
	slot  int

	state      uint8
	localIP    network.IP
	localPort  uint16
	remoteIP   network.IP
	remotePort uint16

	iss    uint32 // Initial send sequence number
	sndUna uint32 // Send unacknowledged
	sndNxt uint32 // Send next
	sndWnd uint16 // Peer's advertised window
	rcvNxt uint32 // Receive next

	rx    []byte
	rxCap int

	finReceived bool
	reset       bool
	timedOut    bool
	orphaned    bool
	released    bool

	synSentAt  time.Time
	synRetries int
	closedAt   time.Time
}

// State returns the connection state.
func (c *Conn) State() uint8 {
	return c.state
}

// LocalPort returns the local port.
func (c *Conn) LocalPort() uint16 {
	return c.localPort
}

// RemoteAddr returns the peer address and port.
func (c *Conn) RemoteAddr() (network.IP, uint16) {
	return c.remoteIP, c.remotePort
}

// SendNext returns the next sequence number to send.
func (c *Conn) SendNext() uint32 {
	return c.sndNxt
}

// SendUnacknowledged returns the oldest unacknowledged sequence number.
func (c *Conn) SendUnacknowledged() uint32 {
	return c.sndUna
}

// ReceiveNext returns the next expected sequence number.
func (c *Conn) ReceiveNext() uint32 {
	return c.rcvNxt
}

// IsConnected reports whether data can still flow: ESTABLISHED, or
// CLOSE_WAIT with data possibly still buffered.
func (c *Conn) IsConnected() bool {
	return c.state == StateEstablished || c.state == StateCloseWait
}

// HasData reports whether received data is buffered.
func (c *Conn) HasData() bool {
	return len(c.rx) > 0
}

// Buffered returns the number of buffered bytes.
func (c *Conn) Buffered() int {
	return len(c.rx)
}

// PeerClosed reports whether no more data will arrive from the peer.
func (c *Conn) PeerClosed() bool {
	return c.finReceived || c.reset || c.timedOut || c.released || c.state == StateClosed
}

// Err returns why the connection ended abnormally, if it did.
func (c *Conn) Err() error {
	switch {
	case c.reset:
		return ErrReset
	case c.timedOut:
		return ErrTimedOut
	case c.released:
		return ErrClosed
	}
	return nil
}

// Read moves up to len(p) buffered bytes into p.
func (c *Conn) Read(p []byte) int {
	n := copy(p, c.rx)
	c.rx = c.rx[:copy(c.rx, c.rx[n:])]
	return n
}

// Send transmits data as ACK|PSH segments of at most DefaultMSS bytes.
// It only works in ESTABLISHED.
func (c *Conn) Send(data []byte) (int, error) {
	if c.released {
		return 0, ErrClosed
	}
	if c.state != StateEstablished {
		return 0, ErrNotConnected
	}
	sent := 0
	for sent < len(data) {
		end := sent + DefaultMSS
		if end > len(data) {
			end = len(data)
		}
		if err := c.send(FlagACK|FlagPSH, data[sent:end]); err != nil {
			return sent, err
		}
		sent = end
	}
	return sent, nil
}

// Close starts the active close. A connection that never got established,
// or is already dead, is released at once; otherwise a FIN goes out and the
// block is reclaimed when the close completes or times out.
func (c *Conn) Close() error {
	if c.released {
		return nil
	}
	c.orphaned = true
	c.closedAt = c.table.clock.Now()
	switch c.state {
	case StateEstablished:
		c.state = StateFinWait1
		return c.send(FlagFIN|FlagACK, nil)
	case StateCloseWait:
		c.state = StateLastAck
		return c.send(FlagFIN|FlagACK, nil)
	case StateFinWait1, StateFinWait2, StateLastAck, StateTimeWait:
		return nil
	default:
		c.table.release(c)
		return nil
	}
}

// Abort releases the block without sending anything.
func (c *Conn) Abort() {
	if !c.released {
		c.table.release(c)
	}
}

func (c *Conn) window() uint16 {
	free := c.rxCap - len(c.rx)
	if free > DefaultWindowSize {
		free = DefaultWindowSize
	}
	if free < 0 {
		free = 0
	}
	return uint16(free)
}

// send emits one segment at sndNxt and advances sndNxt by the sequence
// space it consumes.
func (c *Conn) send(flags uint8, payload []byte) error {
	seg := c.segment(flags, c.sndNxt, payload)
	c.sndNxt += seg.Len()
	return c.table.transmit(seg)
}

func (c *Conn) segment(flags uint8, seq uint32, payload []byte) *Segment {
	ack := c.rcvNxt
	if flags&FlagACK == 0 {
		ack = 0
	}
	seg := NewSegment(c.localPort, c.remotePort, c.localIP, c.remoteIP, flags, seq, ack, payload)
	seg.Header.Window = c.window()
	return seg
}

func (c *Conn) retransmitSYN(now time.Time) {
	c.synRetries++
	c.synSentAt = now
	if err := c.table.transmit(c.segment(FlagSYN, c.iss, nil)); err != nil {
		c.logSendError(err, "retransmitting SYN")
	}
}

// ack sends a bare ACK at sndNxt.
func (c *Conn) ack() {
	if err := c.send(FlagACK, nil); err != nil {
		c.logSendError(err, "sending ACK")
	}
}

func (c *Conn) logSendError(err error, what string) {
	c.table.log.WithError(err).WithField("conn", c.id()).Debug(what)
}

func (c *Conn) acknowledge(ack uint32) {
	if seqLess(c.sndUna, ack) && seqLessOrEqual(ack, c.sndNxt) {
		c.sndUna = ack
	}
}

// accept appends in-order payload to the receive buffer. It reports whether
// the payload was taken.
func (c *Conn) accept(seg *Segment) bool {
	if len(seg.Payload) == 0 || seg.Header.SeqNum != c.rcvNxt {
		return false
	}
	if len(c.rx)+len(seg.Payload) > c.rxCap {
		return false
	}
	c.rx = append(c.rx, seg.Payload...)
	c.rcvNxt += uint32(len(seg.Payload))
	return true
}

// covered reports whether seg carried payload that is now entirely below
// rcvNxt, either just accepted or an old duplicate.
func (c *Conn) covered(seg *Segment) bool {
	return len(seg.Payload) > 0 && seqLessOrEqual(seg.Header.SeqNum+uint32(len(seg.Payload)), c.rcvNxt)
}

// finInOrder reports whether seg carries a FIN at rcvNxt once its payload,
// if any, has been accepted.
func (c *Conn) finInOrder(seg *Segment) bool {
	return seg.Header.Flags&FlagFIN != 0 &&
		seg.Header.SeqNum+uint32(len(seg.Payload)) == c.rcvNxt
}

func (c *Conn) handle(seg *Segment) {
	h := seg.Header

	if h.Flags&FlagRST != 0 {
		if c.acceptableReset(seg) {
			c.table.log.WithField("conn", c.id()).Debug("connection reset")
			c.reset = true
			c.enter(StateClosed)
			if c.orphaned {
				c.table.release(c)
			}
		}
		return
	}

	switch c.state {
	case StateSynSent:
		if h.HasFlag(FlagSYN|FlagACK) && h.AckNum == c.sndNxt {
			c.rcvNxt = h.SeqNum + 1
			c.sndUna = h.AckNum
			c.sndWnd = h.Window
			c.enter(StateEstablished)
			c.ack()
		}

	case StateEstablished:
		c.ackAndReceive(seg)
		if c.finInOrder(seg) {
			c.rcvNxt++
			c.finReceived = true
			c.enter(StateCloseWait)
			c.ack()
			return
		}
		if c.covered(seg) {
			c.ack()
		}

	case StateFinWait1, StateFinWait2:
		c.ackAndReceive(seg)
		if c.state == StateFinWait1 && h.Flags&FlagACK != 0 && h.AckNum == c.sndNxt {
			c.enter(StateFinWait2)
		}
		if c.finInOrder(seg) {
			c.rcvNxt++
			c.finReceived = true
			c.enter(StateTimeWait)
			c.closedAt = c.table.clock.Now()
			c.ack()
			return
		}
		if c.covered(seg) {
			c.ack()
		}

	case StateCloseWait:
		if h.Flags&FlagACK != 0 {
			c.acknowledge(h.AckNum)
		}

	case StateLastAck:
		if h.Flags&FlagACK != 0 && h.AckNum == c.sndNxt {
			c.enter(StateClosed)
			c.table.release(c)
		}

	case StateTimeWait:
		// A retransmitted FIN means our ACK was lost.
		if h.Flags&FlagFIN != 0 {
			c.segmentAck()
		}
	}
}

func (c *Conn) ackAndReceive(seg *Segment) {
	if seg.Header.Flags&FlagACK != 0 {
		c.acknowledge(seg.Header.AckNum)
		c.sndWnd = seg.Header.Window
	}
	c.accept(seg)
}

// segmentAck re-sends a bare ACK for the current state.
func (c *Conn) segmentAck() {
	if err := c.table.transmit(c.segment(FlagACK, c.sndNxt, nil)); err != nil {
		c.logSendError(err, "re-sending ACK")
	}
}

func (c *Conn) acceptableReset(seg *Segment) bool {
	if c.state == StateSynSent {
		return seg.Header.Flags&FlagACK != 0 && seg.Header.AckNum == c.sndNxt
	}
	return seg.Header.SeqNum == c.rcvNxt
}

func (c *Conn) enter(state uint8) {
	if c.state == state {
		return
	}
	c.table.log.WithField("conn", c.id()).Debugf("%s -> %s", StateString(c.state), StateString(state))
	c.state = state
}

func (c *Conn) id() string {
	return connID(c.localPort, c.remoteIP, c.remotePort)
}
