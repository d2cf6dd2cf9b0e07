package udp

import (
	"github.com/pkg/errors"
)

// DefaultPortTableSize covers the whole 16-bit port space.
const DefaultPortTableSize = 65536

// Port table errors.
var (
	ErrPortInUse      = errors.New("port already bound")
	ErrPortOutOfRange = errors.New("port outside table capacity")
	ErrInvalidPort    = errors.New("invalid port")
)

// Handler receives datagrams addressed to a bound port. It runs on the stack
// goroutine and must not block.
type Handler interface {
	HandleDatagram(d *Datagram)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(d *Datagram)

// HandleDatagram calls f(d).
func (f HandlerFunc) HandleDatagram(d *Datagram) {
	f(d)
}

// PortTable is a directly indexed table of port handlers. Its capacity is
// fixed at construction; ports at or above it cannot be bound.
type PortTable struct {
	handlers []Handler
	bound    int
}

// NewPortTable creates a table for ports 1..capacity-1.
func NewPortTable(capacity int) *PortTable {
	if capacity <= 0 || capacity > DefaultPortTableSize {
		capacity = DefaultPortTableSize
	}
	return &PortTable{handlers: make([]Handler, capacity)}
}

// Capacity returns the number of slots in the table.
func (t *PortTable) Capacity() int {
	return len(t.handlers)
}

// Bind installs h on port. Binding a port that already has a handler fails
// with ErrPortInUse; the owner must Unbind first.
func (t *PortTable) Bind(port uint16, h Handler) error {
	if port == 0 || h == nil {
		return ErrInvalidPort
	}
	if int(port) >= len(t.handlers) {
		return errors.Wrapf(ErrPortOutOfRange, "port %d, capacity %d", port, len(t.handlers))
	}
	if t.handlers[port] != nil {
		return errors.Wrapf(ErrPortInUse, "port %d", port)
	}
	t.handlers[port] = h
	t.bound++
	return nil
}

// Unbind removes the handler from port. Unbinding a free port is a no-op.
func (t *PortTable) Unbind(port uint16) {
	if int(port) >= len(t.handlers) || t.handlers[port] == nil {
		return
	}
	t.handlers[port] = nil
	t.bound--
}

// Lookup returns the handler bound to port.
func (t *PortTable) Lookup(port uint16) (Handler, bool) {
	if int(port) >= len(t.handlers) {
		return nil, false
	}
	h := t.handlers[port]
	return h, h != nil
}

// Bound returns the number of bound ports.
func (t *PortTable) Bound() int {
	return t.bound
}
