package tcp_test

import (
	"bytes"
	network "net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	ipv4 "retroos/pkg/netstack/ip"
	"retroos/pkg/netstack/stacktest"
	"retroos/pkg/netstack/tcp"
)

var (
	localIP  = network.IP{10, 0, 2, 15}
	remoteIP = network.IP{93, 184, 216, 34}
)

const (
	localPort  = 49152
	remotePort = 80
	iss        = 1000
	peerISS    = 5000
)

type wire struct {
	segs []*tcp.Segment
	err  error // returned by Send when set
}

func (w *wire) LocalIP() network.IP { return localIP }

func (w *wire) Send(dst network.IP, proto uint8, payload []byte) error {
	if w.err != nil {
		return w.err
	}
	seg, err := tcp.ParseSegment(payload, localIP, dst)
	if err != nil {
		return err
	}
	w.segs = append(w.segs, seg)
	return nil
}

func (w *wire) take() []*tcp.Segment {
	s := w.segs
	w.segs = nil
	return s
}

type harness struct {
	t     *testing.T
	wire  *wire
	clock *stacktest.Clock
	table *tcp.Table
}

func newHarness(t *testing.T, opts ...tcp.Option) *harness {
	t.Helper()
	w := &wire{}
	clock := stacktest.NewClock()
	opts = append([]tcp.Option{tcp.WithISN(func() uint32 { return iss })}, opts...)
	return &harness{t: t, wire: w, clock: clock, table: tcp.NewTable(w, clock, opts...)}
}

// deliver feeds a segment from the peer into the table.
func (h *harness) deliver(flags uint8, seq, ack uint32, payload []byte) {
	seg := tcp.NewSegment(remotePort, localPort, remoteIP, localIP, flags, seq, ack, payload)
	h.table.HandlePacket(&ipv4.Header{SrcIP: remoteIP, DstIP: localIP}, seg.Serialize())
}

type segSummary struct {
	Flags   uint8
	Seq     uint32
	Ack     uint32
	Payload string
}

func summarize(segs []*tcp.Segment) []segSummary {
	var out []segSummary
	for _, s := range segs {
		out = append(out, segSummary{s.Header.Flags, s.Header.SeqNum, s.Header.AckNum, string(s.Payload)})
	}
	return out
}

// establish runs the three-way handshake and returns the connection.
func (h *harness) establish() *tcp.Conn {
	h.t.Helper()
	c, err := h.table.Connect(localPort, remoteIP, remotePort)
	if err != nil {
		h.t.Fatalf("Connect failed: %v", err)
	}
	h.deliver(tcp.FlagSYN|tcp.FlagACK, peerISS, iss+1, nil)
	if c.State() != tcp.StateEstablished {
		h.t.Fatalf("State = %s, want ESTABLISHED", tcp.StateString(c.State()))
	}
	h.wire.take()
	return c
}

func TestConnectHandshake(t *testing.T) {
	h := newHarness(t)

	c, err := h.table.Connect(localPort, remoteIP, remotePort)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if c.State() != tcp.StateSynSent {
		t.Errorf("State = %s, want SYN_SENT", tcp.StateString(c.State()))
	}
	if c.SendNext() != iss+1 {
		t.Errorf("SendNext after SYN = %d, want %d", c.SendNext(), iss+1)
	}

	h.deliver(tcp.FlagSYN|tcp.FlagACK, peerISS, iss+1, nil)

	if c.State() != tcp.StateEstablished {
		t.Errorf("State = %s, want ESTABLISHED", tcp.StateString(c.State()))
	}
	if !c.IsConnected() {
		t.Error("IsConnected should be true")
	}
	if c.ReceiveNext() != peerISS+1 {
		t.Errorf("ReceiveNext = %d, want %d", c.ReceiveNext(), peerISS+1)
	}

	want := []segSummary{
		{tcp.FlagSYN, iss, 0, ""},
		{tcp.FlagACK, iss + 1, peerISS + 1, ""},
	}
	if diff := cmp.Diff(want, summarize(h.wire.take())); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
}

func TestSynAckWithWrongAckIgnored(t *testing.T) {
	h := newHarness(t)
	c, _ := h.table.Connect(localPort, remoteIP, remotePort)
	h.wire.take()

	h.deliver(tcp.FlagSYN|tcp.FlagACK, peerISS, iss+7, nil)
	if c.State() != tcp.StateSynSent {
		t.Errorf("State = %s, want SYN_SENT", tcp.StateString(c.State()))
	}
	if segs := h.wire.take(); len(segs) != 0 {
		t.Errorf("sent %v, want nothing", summarize(segs))
	}
}

func TestSendAdvancesSequence(t *testing.T) {
	h := newHarness(t)
	c := h.establish()

	n, err := c.Send([]byte("GET / HTTP/1.1\r\n\r\n"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if n != 18 {
		t.Errorf("Send = %d, want 18", n)
	}
	if c.SendNext() != iss+1+18 {
		t.Errorf("SendNext = %d, want %d", c.SendNext(), iss+1+18)
	}

	segs := h.wire.take()
	want := []segSummary{{tcp.FlagACK | tcp.FlagPSH, iss + 1, peerISS + 1, "GET / HTTP/1.1\r\n\r\n"}}
	if diff := cmp.Diff(want, summarize(segs)); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
	if segs[0].Header.Window != tcp.DefaultReceiveBuffer {
		t.Errorf("Window = %d, want %d", segs[0].Header.Window, tcp.DefaultReceiveBuffer)
	}
}

func TestWindowTracksFreeSpace(t *testing.T) {
	h := newHarness(t, tcp.WithReceiveBuffer(16))
	c, err := h.table.Connect(localPort, remoteIP, remotePort)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	h.deliver(tcp.FlagSYN|tcp.FlagACK, peerISS, iss+1, nil)

	seq := uint32(peerISS + 1)
	var windows []uint16
	for _, s := range h.wire.take() {
		windows = append(windows, s.Header.Window)
	}
	for _, chunk := range []string{"abcdef", "ghijklmn"} {
		h.deliver(tcp.FlagACK|tcp.FlagPSH, seq, iss+1, []byte(chunk))
		seq += uint32(len(chunk))
		segs := h.wire.take()
		if len(segs) != 1 {
			t.Fatalf("sent %v after %q, want one ACK", summarize(segs), chunk)
		}
		windows = append(windows, segs[0].Header.Window)
	}

	c.Read(make([]byte, 10))
	if _, err := c.Send([]byte("x")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	for _, s := range h.wire.take() {
		windows = append(windows, s.Header.Window)
	}

	// SYN, handshake ACK, two data ACKs, then the data segment after a read.
	want := []uint16{16, 16, 10, 2, 12}
	if diff := cmp.Diff(want, windows); diff != "" {
		t.Errorf("advertised windows mismatch (-want +got):\n%s", diff)
	}
}

func TestSendSplitsAtMSS(t *testing.T) {
	h := newHarness(t)
	c := h.establish()

	data := bytes.Repeat([]byte("x"), 2*tcp.DefaultMSS+10)
	if _, err := c.Send(data); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	segs := h.wire.take()
	if len(segs) != 3 {
		t.Fatalf("sent %d segments, want 3", len(segs))
	}
	if segs[2].Header.SeqNum != iss+1+2*tcp.DefaultMSS {
		t.Errorf("third seq = %d, want %d", segs[2].Header.SeqNum, iss+1+2*tcp.DefaultMSS)
	}
}

func TestSendRequiresEstablished(t *testing.T) {
	h := newHarness(t)
	c, _ := h.table.Connect(localPort, remoteIP, remotePort)

	if _, err := c.Send([]byte("early")); err != tcp.ErrNotConnected {
		t.Errorf("Send in SYN_SENT err = %v, want ErrNotConnected", err)
	}
}

func TestReceiveData(t *testing.T) {
	h := newHarness(t, tcp.WithReceiveBuffer(8))
	c := h.establish()

	h.deliver(tcp.FlagACK|tcp.FlagPSH, peerISS+1, iss+1, []byte("hello"))
	if c.Buffered() != 5 {
		t.Fatalf("Buffered = %d, want 5", c.Buffered())
	}
	segs := h.wire.take()
	if len(segs) != 1 || segs[0].Header.AckNum != peerISS+6 {
		t.Fatalf("ACK = %v, want ack %d", summarize(segs), peerISS+6)
	}
	if segs[0].Header.Window != 3 {
		t.Errorf("Window = %d, want 3", segs[0].Header.Window)
	}

	// Does not fit: dropped without an ACK.
	h.deliver(tcp.FlagACK|tcp.FlagPSH, peerISS+6, iss+1, []byte("world"))
	if c.Buffered() != 5 {
		t.Errorf("Buffered = %d, want 5", c.Buffered())
	}
	if segs := h.wire.take(); len(segs) != 0 {
		t.Errorf("sent %v for an overflowing segment, want nothing", summarize(segs))
	}

	// Out of order: ignored.
	h.deliver(tcp.FlagACK|tcp.FlagPSH, peerISS+100, iss+1, []byte("z"))
	if c.Buffered() != 5 {
		t.Errorf("Buffered = %d, want 5", c.Buffered())
	}

	buf := make([]byte, 3)
	if n := c.Read(buf); n != 3 || string(buf) != "hel" {
		t.Errorf("Read = %d %q, want 3 \"hel\"", n, buf)
	}
	if n := c.Read(buf); n != 2 || string(buf[:2]) != "lo" {
		t.Errorf("Read = %d %q, want 2 \"lo\"", n, buf[:n])
	}
	if c.HasData() {
		t.Error("HasData should be false after draining")
	}
}

func TestPassiveClose(t *testing.T) {
	h := newHarness(t)
	c := h.establish()

	h.deliver(tcp.FlagFIN|tcp.FlagACK, peerISS+1, iss+1, []byte("bye"))
	if c.State() != tcp.StateCloseWait {
		t.Fatalf("State = %s, want CLOSE_WAIT", tcp.StateString(c.State()))
	}
	if !c.IsConnected() || !c.PeerClosed() {
		t.Error("CLOSE_WAIT should be connected with the peer closed")
	}
	if c.Buffered() != 3 {
		t.Errorf("Buffered = %d, want 3", c.Buffered())
	}
	segs := h.wire.take()
	want := []segSummary{{tcp.FlagACK, iss + 1, peerISS + 5, ""}}
	if diff := cmp.Diff(want, summarize(segs)); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if c.State() != tcp.StateLastAck {
		t.Fatalf("State = %s, want LAST_ACK", tcp.StateString(c.State()))
	}
	segs = h.wire.take()
	if len(segs) != 1 || segs[0].Header.Flags != tcp.FlagFIN|tcp.FlagACK {
		t.Fatalf("sent %v, want FIN|ACK", summarize(segs))
	}

	h.deliver(tcp.FlagACK, peerISS+5, iss+2, nil)
	if c.State() != tcp.StateClosed {
		t.Errorf("State = %s, want CLOSED", tcp.StateString(c.State()))
	}
	if h.table.InUse() != 0 {
		t.Errorf("InUse = %d, want 0", h.table.InUse())
	}
}

func TestActiveCloseAndTimeWait(t *testing.T) {
	h := newHarness(t, tcp.WithTimeWait(2*time.Second))
	c := h.establish()

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if c.State() != tcp.StateFinWait1 {
		t.Fatalf("State = %s, want FIN_WAIT_1", tcp.StateString(c.State()))
	}
	want := []segSummary{{tcp.FlagFIN | tcp.FlagACK, iss + 1, peerISS + 1, ""}}
	if diff := cmp.Diff(want, summarize(h.wire.take())); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}

	h.deliver(tcp.FlagACK, peerISS+1, iss+2, nil)
	if c.State() != tcp.StateFinWait2 {
		t.Fatalf("State = %s, want FIN_WAIT_2", tcp.StateString(c.State()))
	}

	h.deliver(tcp.FlagFIN|tcp.FlagACK, peerISS+1, iss+2, nil)
	if c.State() != tcp.StateTimeWait {
		t.Fatalf("State = %s, want TIME_WAIT", tcp.StateString(c.State()))
	}
	segs := h.wire.take()
	if len(segs) != 1 || segs[0].Header.AckNum != peerISS+2 {
		t.Fatalf("sent %v, want ACK of FIN", summarize(segs))
	}

	h.table.Tick()
	if h.table.InUse() != 1 {
		t.Fatalf("InUse = %d, want 1 during TIME_WAIT", h.table.InUse())
	}
	h.clock.Advance(2 * time.Second)
	h.table.Tick()
	if h.table.InUse() != 0 {
		t.Errorf("InUse = %d, want 0 after TIME_WAIT", h.table.InUse())
	}
}

func TestFinWait1ReceivesFin(t *testing.T) {
	h := newHarness(t)
	c := h.establish()
	c.Close()
	h.wire.take()

	h.deliver(tcp.FlagFIN|tcp.FlagACK, peerISS+1, iss+1, nil)
	if c.State() != tcp.StateTimeWait {
		t.Errorf("State = %s, want TIME_WAIT", tcp.StateString(c.State()))
	}
}

func TestOrphanReclaimed(t *testing.T) {
	h := newHarness(t, tcp.WithOrphanTimeout(10*time.Second))
	c := h.establish()
	c.Close()

	h.clock.Advance(9 * time.Second)
	h.table.Tick()
	if h.table.InUse() != 1 {
		t.Fatalf("InUse = %d, want 1 before the orphan timeout", h.table.InUse())
	}
	h.clock.Advance(time.Second)
	h.table.Tick()
	if h.table.InUse() != 0 {
		t.Errorf("InUse = %d, want 0 after the orphan timeout", h.table.InUse())
	}
}

func TestPoolExhaustion(t *testing.T) {
	h := newHarness(t, tcp.WithPoolSize(4))

	for i := 0; i < 4; i++ {
		if _, err := h.table.Connect(uint16(50000+i), remoteIP, remotePort); err != nil {
			t.Fatalf("Connect %d failed: %v", i, err)
		}
	}
	if _, err := h.table.Connect(50010, remoteIP, remotePort); err != tcp.ErrTableFull {
		t.Errorf("Connect beyond pool err = %v, want ErrTableFull", err)
	}
}

func TestDuplicateConnect(t *testing.T) {
	h := newHarness(t)
	h.table.Connect(localPort, remoteIP, remotePort)
	if _, err := h.table.Connect(localPort, remoteIP, remotePort); errors.Cause(err) != tcp.ErrConnExists {
		t.Errorf("duplicate Connect err = %v, want ErrConnExists", err)
	}
}

func TestSynRetransmit(t *testing.T) {
	h := newHarness(t, tcp.WithSYNRetransmit(time.Second, 2))
	c, _ := h.table.Connect(localPort, remoteIP, remotePort)
	h.wire.take()

	for i := 0; i < 2; i++ {
		h.clock.Advance(time.Second)
		h.table.Tick()
		segs := h.wire.take()
		if len(segs) != 1 || segs[0].Header.Flags != tcp.FlagSYN || segs[0].Header.SeqNum != iss {
			t.Fatalf("retransmit %d sent %v, want SYN seq %d", i, summarize(segs), iss)
		}
	}
	if c.SendNext() != iss+1 {
		t.Errorf("SendNext = %d, want %d", c.SendNext(), iss+1)
	}

	h.clock.Advance(time.Second)
	h.table.Tick()
	if c.State() != tcp.StateClosed || c.Err() != tcp.ErrTimedOut {
		t.Errorf("State = %s err = %v, want CLOSED ErrTimedOut", tcp.StateString(c.State()), c.Err())
	}
	c.Close()
	if h.table.InUse() != 0 {
		t.Errorf("InUse = %d, want 0", h.table.InUse())
	}
}

func TestResetRefusesConnect(t *testing.T) {
	h := newHarness(t)
	c, _ := h.table.Connect(localPort, remoteIP, remotePort)

	h.deliver(tcp.FlagRST|tcp.FlagACK, 0, iss+1, nil)
	if c.State() != tcp.StateClosed {
		t.Errorf("State = %s, want CLOSED", tcp.StateString(c.State()))
	}
	if c.Err() != tcp.ErrReset {
		t.Errorf("Err = %v, want ErrReset", c.Err())
	}
	if !c.PeerClosed() {
		t.Error("PeerClosed should be true after reset")
	}
}

func TestUnmatchedSegmentDropped(t *testing.T) {
	tests := []struct {
		name     string
		src, dst network.IP
		srcPort  uint16
		dstPort  uint16
	}{
		{"other local port", remoteIP, localIP, remotePort, localPort + 1},
		{"other remote port", remoteIP, localIP, remotePort + 1, localPort},
		{"other remote address", network.IP{93, 184, 216, 35}, localIP, remotePort, localPort},
		{"other local address", remoteIP, network.IP{10, 0, 2, 16}, remotePort, localPort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			c := h.establish()

			seg := tcp.NewSegment(tt.srcPort, tt.dstPort, tt.src, tt.dst, tcp.FlagACK|tcp.FlagPSH, peerISS+1, iss+1, []byte("data"))
			h.table.HandlePacket(&ipv4.Header{SrcIP: tt.src, DstIP: tt.dst}, seg.Serialize())

			if h.table.Unmatched() != 1 {
				t.Errorf("Unmatched = %d, want 1", h.table.Unmatched())
			}
			if c.Buffered() != 0 {
				t.Errorf("Buffered = %d, want 0", c.Buffered())
			}
			if segs := h.wire.take(); len(segs) != 0 {
				t.Errorf("sent %v for an unmatched segment, want nothing", summarize(segs))
			}
		})
	}
}

func TestReleasedConnIsInert(t *testing.T) {
	h := newHarness(t)
	c, _ := h.table.Connect(localPort, remoteIP, remotePort)
	c.Close()

	if _, err := c.Send([]byte("x")); err != tcp.ErrClosed {
		t.Errorf("Send on released conn err = %v, want ErrClosed", err)
	}
	// The slot can be reused without the stale handle seeing traffic.
	c2, err := h.table.Connect(localPort, remoteIP, remotePort)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	h.deliver(tcp.FlagSYN|tcp.FlagACK, peerISS, iss+1, nil)
	if c.State() != tcp.StateClosed || c2.State() != tcp.StateEstablished {
		t.Errorf("states = %s/%s, want CLOSED/ESTABLISHED", tcp.StateString(c.State()), tcp.StateString(c2.State()))
	}
}

func TestSendFailuresLogged(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	h := newHarness(t, tcp.WithLogger(log.WithField("component", "tcp")))
	errDown := errors.New("link down")

	// The SYN goes out, then the link fails before the retransmission.
	c, err := h.table.Connect(localPort, remoteIP, remotePort)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	h.wire.err = errDown
	h.clock.Advance(tcp.DefaultSYNTimeout)
	h.table.Tick()

	// The handshake ACK and the data ACK cannot be sent either.
	h.deliver(tcp.FlagSYN|tcp.FlagACK, peerISS, iss+1, nil)
	h.deliver(tcp.FlagACK|tcp.FlagPSH, peerISS+1, iss+1, []byte("hi"))
	if c.State() != tcp.StateEstablished || c.Buffered() != 2 {
		t.Fatalf("State = %s, Buffered = %d, want ESTABLISHED with 2 bytes", tcp.StateString(c.State()), c.Buffered())
	}

	var got []string
	for _, e := range hook.AllEntries() {
		if e.Data[logrus.ErrorKey] == errDown {
			got = append(got, e.Message)
		}
	}
	want := []string{"retransmitting SYN", "sending ACK", "sending ACK"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("logged send failures mismatch (-want +got):\n%s", diff)
	}
}
