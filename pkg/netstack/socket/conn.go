package socket

import (
	"io"
	network "net"
	"time"

	"github.com/pkg/errors"
)

// Conn is a net.Conn view of a connected stream descriptor. It must be used
// from the goroutine that owns the stack.
type Conn struct {
	m  *SocketManager
	fd int
}

var _ network.Conn = (*Conn)(nil)

// Dial opens a stream socket and connects it to ip:port.
func (m *SocketManager) Dial(ip network.IP, port uint16, timeout time.Duration) (*Conn, error) {
	fd, err := m.Socket(SocketStream)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		if err := m.SetSockOpt(fd, OptRcvTimeo, int(timeout/time.Millisecond)); err != nil {
			m.Close(fd)
			return nil, err
		}
	}
	if err := m.Connect(fd, ip, port); err != nil {
		m.Close(fd)
		return nil, err
	}
	return &Conn{m: m, fd: fd}, nil
}

// FD returns the underlying descriptor.
func (c *Conn) FD() int {
	return c.fd
}

// Read implements io.Reader. It returns io.EOF once the peer has closed.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := c.m.Recv(c.fd, p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write implements io.Writer.
func (c *Conn) Write(p []byte) (int, error) {
	return c.m.Send(c.fd, p)
}

// Close implements io.Closer.
func (c *Conn) Close() error {
	return c.m.Close(c.fd)
}

// LocalAddr implements net.Conn.
func (c *Conn) LocalAddr() network.Addr {
	ip, port, err := c.m.GetSockName(c.fd)
	if err != nil {
		return nil
	}
	return &network.TCPAddr{IP: ip, Port: int(port)}
}

// RemoteAddr implements net.Conn.
func (c *Conn) RemoteAddr() network.Addr {
	ip, port, err := c.m.GetPeerName(c.fd)
	if err != nil {
		return nil
	}
	return &network.TCPAddr{IP: ip, Port: int(port)}
}

// SetDeadline sets both timeouts relative to the stack clock. A zero time
// restores the defaults.
func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

// SetReadDeadline implements net.Conn.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.m.SetSockOpt(c.fd, OptRcvTimeo, c.millis(t))
}

// SetWriteDeadline implements net.Conn.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.m.SetSockOpt(c.fd, OptSndTimeo, c.millis(t))
}

func (c *Conn) millis(t time.Time) int {
	if t.IsZero() {
		return 0
	}
	ms := int(t.Sub(c.m.stack.Clock().Now()) / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return ms
}

// IsTimeout reports whether err came from a socket timeout.
func IsTimeout(err error) bool {
	return errors.Cause(err) == ErrTimeout
}
