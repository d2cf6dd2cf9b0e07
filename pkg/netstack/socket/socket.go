// Package socket presents descriptor-based, BSD-shaped calls over the TCP and
// UDP layers of a stack. Blocking calls are bounded waits on the owning
// stack: they poll the link and yield until ready or timed out.
//
// Passive open is not available: Listen marks a socket listening but Accept
// always fails with ErrNotSupported.
package socket

import (
	network "net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"retroos/pkg/netstack"
	ipv4 "retroos/pkg/netstack/ip"
	"retroos/pkg/netstack/tcp"
	"retroos/pkg/netstack/udp"
)

// SocketType represents the socket type.
type SocketType uint8

const (
	SocketStream SocketType = iota + 1
	SocketDgram
)

func (t SocketType) String() string {
	switch t {
	case SocketStream:
		return "stream"
	case SocketDgram:
		return "dgram"
	}
	return "unknown"
}

// Status represents the socket status.
type Status uint8

const (
	StatusUnconnected Status = iota
	StatusBound
	StatusListening
	StatusConnecting
	StatusConnected
	StatusClosing
	StatusClosed
)

// Table and buffer limits.
const (
	DefaultTableSize  = 64
	DefaultBufferSize = 8192
	DefaultTimeout    = 10 * time.Second

	EphemeralFirst uint16 = 49152
	EphemeralLast  uint16 = 65000

	// datagramOverhead is charged per queued datagram on top of its payload.
	datagramOverhead = 8
)

var (
	ErrBadDescriptor   = errors.New("bad socket descriptor")
	ErrTableFull       = errors.New("socket table full")
	ErrNotConnected    = errors.New("socket not connected")
	ErrIsConnected     = errors.New("socket already connected")
	ErrTimeout         = errors.New("socket operation timed out")
	ErrNotSupported    = errors.New("operation not supported")
	ErrAddrInUse       = errors.New("address already in use")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrWrongType       = errors.New("operation not valid for socket type")
	ErrShutdown        = errors.New("socket shut down")
)

// Stack is the part of the network stack sockets are built on.
type Stack interface {
	netstack.Awaiter
	Clock() netstack.Clock
	IP() *ipv4.Layer
	UDP() *udp.Layer
	TCP() *tcp.Table
}

type datagram struct {
	from    network.IP
	port    uint16
	payload []byte
}

// Socket is one entry of the descriptor table.
type Socket struct {
	FD     int
	Type   SocketType
	Status Status

	localIP    network.IP
	localPort  uint16
	remoteIP   network.IP
	remotePort uint16

	conn *tcp.Conn

	queue    []datagram
	queued   int
	ownsPort bool

	reuseAddr bool
	keepAlive bool
	rcvTimeo  time.Duration
	sndTimeo  time.Duration
	err       error

	shutRead  bool
	shutWrite bool
}

func (s *Socket) timeout() time.Duration {
	if s.rcvTimeo > 0 {
		return s.rcvTimeo
	}
	return DefaultTimeout
}

// SocketManager owns the descriptor table of one stack.
type SocketManager struct {
	stack    Stack
	log      *logrus.Entry
	sockets  []*Socket
	owners   map[uint16]*Socket
	nextPort uint16
	bufSize  int
}

// Option configures a SocketManager.
type Option func(*SocketManager)

// WithTableSize sets the number of descriptors.
func WithTableSize(n int) Option {
	return func(m *SocketManager) {
		if n > 0 {
			m.sockets = make([]*Socket, n)
		}
	}
}

// WithBufferSize sets the per-socket datagram queue limit in bytes.
func WithBufferSize(n int) Option {
	return func(m *SocketManager) {
		if n > 0 {
			m.bufSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(m *SocketManager) {
		m.log = log
	}
}

// NewSocketManager creates a socket table on top of s.
func NewSocketManager(s Stack, opts ...Option) *SocketManager {
	m := &SocketManager{
		stack:    s,
		log:      logrus.WithField("component", "socket"),
		sockets:  make([]*Socket, DefaultTableSize),
		owners:   make(map[uint16]*Socket),
		nextPort: EphemeralFirst,
		bufSize:  DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get retrieves a socket by descriptor.
func (m *SocketManager) Get(fd int) (*Socket, bool) {
	if fd < 0 || fd >= len(m.sockets) || m.sockets[fd] == nil {
		return nil, false
	}
	return m.sockets[fd], true
}

// List returns the open descriptors in ascending order.
func (m *SocketManager) List() []int {
	var fds []int
	for fd, s := range m.sockets {
		if s != nil {
			fds = append(fds, fd)
		}
	}
	return fds
}

func (m *SocketManager) get(fd int) (*Socket, error) {
	s, ok := m.Get(fd)
	if !ok {
		return nil, errors.Wrapf(ErrBadDescriptor, "fd %d", fd)
	}
	return s, nil
}

// Socket allocates a descriptor. A slot is reused only after Close.
func (m *SocketManager) Socket(typ SocketType) (int, error) {
	if typ != SocketStream && typ != SocketDgram {
		return -1, errors.Wrapf(ErrNotSupported, "socket type %d", typ)
	}
	for fd, s := range m.sockets {
		if s == nil {
			m.sockets[fd] = &Socket{FD: fd, Type: typ, Status: StatusUnconnected}
			m.log.WithFields(logrus.Fields{"fd": fd, "type": typ}).Debug("socket created")
			return fd, nil
		}
	}
	return -1, ErrTableFull
}

func (m *SocketManager) ephemeralPort() uint16 {
	for i := 0; i < int(EphemeralLast-EphemeralFirst)+1; i++ {
		port := m.nextPort
		m.nextPort++
		if m.nextPort > EphemeralLast {
			m.nextPort = EphemeralFirst
		}
		if !m.portTaken(port) {
			return port
		}
	}
	return 0
}

func (m *SocketManager) portTaken(port uint16) bool {
	if _, ok := m.owners[port]; ok {
		return true
	}
	if _, ok := m.stack.UDP().Ports().Lookup(port); ok {
		return true
	}
	for _, s := range m.sockets {
		if s != nil && s.localPort == port {
			return true
		}
	}
	return false
}

// Bind assigns a local address. A zero port picks an ephemeral one; a nil
// or unspecified IP means the interface address.
func (m *SocketManager) Bind(fd int, ip network.IP, port uint16) error {
	s, err := m.get(fd)
	if err != nil {
		return err
	}
	if s.Status != StatusUnconnected || s.localPort != 0 {
		return errors.Wrap(ErrInvalidArgument, "socket already bound")
	}
	return m.bind(s, ip, port)
}

func (m *SocketManager) bind(s *Socket, ip network.IP, port uint16) error {
	if port == 0 {
		port = m.ephemeralPort()
		if port == 0 {
			return errors.Wrap(ErrAddrInUse, "no ephemeral ports left")
		}
	}

	switch s.Type {
	case SocketDgram:
		if _, ok := m.owners[port]; ok {
			if !s.reuseAddr {
				return errors.Wrapf(ErrAddrInUse, "port %d", port)
			}
		} else {
			if err := m.stack.UDP().Bind(port, m.receiver(port)); err != nil {
				return errors.Wrapf(ErrAddrInUse, "port %d: %v", port, err)
			}
			m.owners[port] = s
			s.ownsPort = true
		}
	case SocketStream:
		for _, other := range m.sockets {
			if other != nil && other != s && other.Type == SocketStream && other.localPort == port && !s.reuseAddr {
				return errors.Wrapf(ErrAddrInUse, "port %d", port)
			}
		}
	}

	s.localIP = netstack.CopyIP(ip)
	s.localPort = port
	if s.Status == StatusUnconnected {
		s.Status = StatusBound
	}
	return nil
}

// receiver delivers datagrams for port to whichever socket owns it.
func (m *SocketManager) receiver(port uint16) udp.Handler {
	return udp.HandlerFunc(func(d *udp.Datagram) {
		s, ok := m.owners[port]
		if !ok {
			return
		}
		if s.shutRead || s.queued+len(d.Payload)+datagramOverhead > m.bufSize {
			m.log.WithField("fd", s.FD).Debug("datagram queue full, dropping")
			return
		}
		s.queue = append(s.queue, datagram{from: netstack.CopyIP(d.SrcIP), port: d.Header.SrcPort, payload: d.Payload})
		s.queued += len(d.Payload) + datagramOverhead
	})
}

// Listen marks a bound stream socket as listening.
func (m *SocketManager) Listen(fd int, backlog int) error {
	s, err := m.get(fd)
	if err != nil {
		return err
	}
	if s.Type != SocketStream {
		return errors.Wrap(ErrNotSupported, "listen on datagram socket")
	}
	if s.Status != StatusBound {
		return errors.Wrap(ErrInvalidArgument, "socket must be bound to listen")
	}
	s.Status = StatusListening
	return nil
}

// Accept is not supported: the TCP layer only opens connections actively.
func (m *SocketManager) Accept(fd int) (int, error) {
	s, err := m.get(fd)
	if err != nil {
		return -1, err
	}
	if s.Status != StatusListening {
		return -1, errors.Wrap(ErrInvalidArgument, "socket not listening")
	}
	return -1, errors.Wrap(ErrNotSupported, "accept")
}

// Connect connects a stream socket, driving the handshake until it completes
// or the receive timeout (default 10s) expires. On a datagram socket it only
// records the peer.
func (m *SocketManager) Connect(fd int, ip network.IP, port uint16) error {
	s, err := m.get(fd)
	if err != nil {
		return err
	}
	if ip.To4() == nil || port == 0 {
		return errors.Wrap(ErrInvalidArgument, "connect address")
	}
	if s.Type == SocketStream && s.Status == StatusConnected {
		return ErrIsConnected
	}
	if s.Status == StatusListening {
		return errors.Wrap(ErrInvalidArgument, "socket is listening")
	}
	if s.localPort == 0 {
		if err := m.bind(s, nil, 0); err != nil {
			return err
		}
	}
	s.remoteIP = netstack.CopyIP(ip)
	s.remotePort = port

	if s.Type == SocketDgram {
		s.Status = StatusConnected
		return nil
	}

	conn, err := m.stack.TCP().Connect(s.localPort, ip, port)
	if err != nil {
		s.err = err
		return errors.Wrap(err, "connect")
	}
	s.conn = conn
	s.Status = StatusConnecting

	m.stack.Await(s.timeout(), func() bool {
		return conn.IsConnected() || conn.State() == tcp.StateClosed
	})
	if !conn.IsConnected() {
		cause := conn.Err()
		if cause == nil {
			cause = ErrTimeout
		}
		conn.Abort()
		s.conn = nil
		s.err = cause
		s.Status = StatusBound
		m.log.WithFields(logrus.Fields{"fd": fd, "remote": ip, "port": port}).WithError(cause).Info("connect failed")
		return errors.Wrapf(cause, "connect %v:%d", ip, port)
	}
	s.Status = StatusConnected
	return nil
}

// Send writes data to a connected socket.
func (m *SocketManager) Send(fd int, data []byte) (int, error) {
	s, err := m.get(fd)
	if err != nil {
		return 0, err
	}
	if s.shutWrite {
		return 0, ErrShutdown
	}
	if s.Status != StatusConnected {
		return 0, ErrNotConnected
	}
	if s.Type == SocketDgram {
		return m.sendTo(s, data, s.remoteIP, s.remotePort)
	}
	n, err := s.conn.Send(data)
	if err != nil {
		s.err = err
		return n, errors.Wrap(err, "send")
	}
	return n, nil
}

// SendTo sends one datagram, binding an ephemeral port first if needed.
func (m *SocketManager) SendTo(fd int, data []byte, ip network.IP, port uint16) (int, error) {
	s, err := m.get(fd)
	if err != nil {
		return 0, err
	}
	if s.Type != SocketDgram {
		return 0, ErrWrongType
	}
	if s.shutWrite {
		return 0, ErrShutdown
	}
	if s.localPort == 0 {
		if err := m.bind(s, nil, 0); err != nil {
			return 0, err
		}
	}
	return m.sendTo(s, data, ip, port)
}

func (m *SocketManager) sendTo(s *Socket, data []byte, ip network.IP, port uint16) (int, error) {
	src := s.localIP
	if src == nil || src.Equal(network.IPv4zero) {
		src = m.stack.IP().LocalIP()
	}
	if err := m.stack.UDP().SendFrom(src, s.localPort, ip, port, data); err != nil {
		return 0, errors.Wrap(err, "sendto")
	}
	return len(data), nil
}

// Recv reads from a socket. For streams it returns 0 and no error once the
// peer has closed and everything buffered was read.
func (m *SocketManager) Recv(fd int, buf []byte) (int, error) {
	s, err := m.get(fd)
	if err != nil {
		return 0, err
	}
	if s.Type == SocketDgram {
		n, _, _, err := m.recvFrom(s, buf)
		return n, err
	}
	if s.conn == nil {
		return 0, ErrNotConnected
	}
	if s.shutRead {
		return 0, nil
	}
	conn := s.conn
	ok := m.stack.Await(s.timeout(), func() bool {
		return conn.HasData() || conn.PeerClosed()
	})
	if conn.HasData() {
		return conn.Read(buf), nil
	}
	if !ok {
		return 0, ErrTimeout
	}
	if err := conn.Err(); err != nil && err != tcp.ErrClosed {
		s.err = err
		return 0, errors.Wrap(err, "recv")
	}
	return 0, nil
}

// RecvFrom reads one datagram and its source address. A datagram larger
// than buf is truncated.
func (m *SocketManager) RecvFrom(fd int, buf []byte) (int, network.IP, uint16, error) {
	s, err := m.get(fd)
	if err != nil {
		return 0, nil, 0, err
	}
	if s.Type != SocketDgram {
		return 0, nil, 0, ErrWrongType
	}
	return m.recvFrom(s, buf)
}

func (m *SocketManager) recvFrom(s *Socket, buf []byte) (int, network.IP, uint16, error) {
	if s.localPort == 0 {
		return 0, nil, 0, ErrNotConnected
	}
	if !m.stack.Await(s.timeout(), func() bool { return len(s.queue) > 0 }) {
		return 0, nil, 0, ErrTimeout
	}
	d := s.queue[0]
	s.queue[0] = datagram{}
	s.queue = s.queue[1:]
	s.queued -= len(d.payload) + datagramOverhead
	return copy(buf, d.payload), d.from, d.port, nil
}

// Shutdown directions.
const (
	ShutRead = iota
	ShutWrite
	ShutBoth
)

// Shutdown disables further reads, writes or both. Shutting down the write
// side of a stream sends FIN.
func (m *SocketManager) Shutdown(fd int, how int) error {
	s, err := m.get(fd)
	if err != nil {
		return err
	}
	if how < ShutRead || how > ShutBoth {
		return ErrInvalidArgument
	}
	if s.Type == SocketStream && s.Status != StatusConnected {
		return ErrNotConnected
	}
	if how == ShutRead || how == ShutBoth {
		s.shutRead = true
	}
	if (how == ShutWrite || how == ShutBoth) && !s.shutWrite {
		s.shutWrite = true
		if s.conn != nil {
			s.Status = StatusClosing
			return s.conn.Close()
		}
	}
	return nil
}

// Close releases the descriptor. A stream connection is closed gracefully in
// the background; the TCP table reclaims its block.
func (m *SocketManager) Close(fd int) error {
	s, err := m.get(fd)
	if err != nil {
		return err
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			m.log.WithError(err).WithField("fd", fd).Debug("close")
		}
		s.conn = nil
	}
	if s.ownsPort {
		m.releasePort(s)
	}
	s.Status = StatusClosed
	m.sockets[fd] = nil
	return nil
}

// releasePort hands the port to the next socket sharing it, or unbinds it.
func (m *SocketManager) releasePort(s *Socket) {
	delete(m.owners, s.localPort)
	s.ownsPort = false
	for _, other := range m.sockets {
		if other != nil && other != s && other.Type == SocketDgram && other.localPort == s.localPort {
			m.owners[s.localPort] = other
			other.ownsPort = true
			return
		}
	}
	m.stack.UDP().Unbind(s.localPort)
}

// GetSockName returns the local address.
func (m *SocketManager) GetSockName(fd int) (network.IP, uint16, error) {
	s, err := m.get(fd)
	if err != nil {
		return nil, 0, err
	}
	ip := s.localIP
	if ip == nil || ip.Equal(network.IPv4zero) {
		ip = m.stack.IP().LocalIP()
	}
	return netstack.CopyIP(ip), s.localPort, nil
}

// GetPeerName returns the remote address of a connected socket.
func (m *SocketManager) GetPeerName(fd int) (network.IP, uint16, error) {
	s, err := m.get(fd)
	if err != nil {
		return nil, 0, err
	}
	if s.remoteIP == nil || s.Status != StatusConnected && s.Status != StatusClosing {
		return nil, 0, ErrNotConnected
	}
	return netstack.CopyIP(s.remoteIP), s.remotePort, nil
}
