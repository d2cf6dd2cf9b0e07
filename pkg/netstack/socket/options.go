package socket

import (
	"time"

	"github.com/pkg/errors"

	"retroos/pkg/netstack/tcp"
)

// SockOpt names an option for SetSockOpt and GetSockOpt.
type SockOpt int

const (
	OptReuseAddr SockOpt = iota + 1
	OptKeepAlive
	OptRcvTimeo // milliseconds, 0 means the default
	OptSndTimeo // milliseconds, 0 means the default
	OptType     // read-only
	OptError    // read-only, cleared on read
	OptRcvBuf   // read-only
)

// ErrReadOnlyOption is returned when setting a read-only option.
var ErrReadOnlyOption = errors.New("socket option is read-only")

func boolOpt(v int) bool { return v != 0 }

func intOpt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SetSockOpt sets an integer option.
func (m *SocketManager) SetSockOpt(fd int, opt SockOpt, value int) error {
	s, err := m.get(fd)
	if err != nil {
		return err
	}
	switch opt {
	case OptReuseAddr:
		s.reuseAddr = boolOpt(value)
	case OptKeepAlive:
		s.keepAlive = boolOpt(value)
	case OptRcvTimeo, OptSndTimeo:
		if value < 0 {
			return errors.Wrapf(ErrInvalidArgument, "timeout %d", value)
		}
		d := time.Duration(value) * time.Millisecond
		if opt == OptRcvTimeo {
			s.rcvTimeo = d
		} else {
			s.sndTimeo = d
		}
	case OptType, OptError, OptRcvBuf:
		return ErrReadOnlyOption
	default:
		return errors.Wrapf(ErrNotSupported, "option %d", opt)
	}
	return nil
}

// GetSockOpt reads an integer option. Reading OptError returns 1 and clears
// the error if the socket has one pending.
func (m *SocketManager) GetSockOpt(fd int, opt SockOpt) (int, error) {
	s, err := m.get(fd)
	if err != nil {
		return 0, err
	}
	switch opt {
	case OptReuseAddr:
		return intOpt(s.reuseAddr), nil
	case OptKeepAlive:
		return intOpt(s.keepAlive), nil
	case OptRcvTimeo:
		return int(s.rcvTimeo / time.Millisecond), nil
	case OptSndTimeo:
		return int(s.sndTimeo / time.Millisecond), nil
	case OptType:
		return int(s.Type), nil
	case OptError:
		pending := s.err != nil
		s.err = nil
		return intOpt(pending), nil
	case OptRcvBuf:
		if s.Type == SocketStream {
			return 0, nil
		}
		return m.bufSize, nil
	}
	return 0, errors.Wrapf(ErrNotSupported, "option %d", opt)
}

// Err returns the last asynchronous error recorded on the socket, without
// clearing it.
func (m *SocketManager) Err(fd int) error {
	s, err := m.get(fd)
	if err != nil {
		return err
	}
	return s.err
}

// Events is a poll readiness mask.
type Events uint8

const (
	PollIn Events = 1 << iota
	PollOut
	PollHup
	PollErr
)

func (m *SocketManager) ready(s *Socket) Events {
	var ev Events
	switch s.Type {
	case SocketDgram:
		if len(s.queue) > 0 {
			ev |= PollIn
		}
		if !s.shutWrite {
			ev |= PollOut
		}
	case SocketStream:
		if s.conn == nil {
			break
		}
		if s.conn.HasData() {
			ev |= PollIn
		}
		if s.conn.PeerClosed() {
			ev |= PollHup
		}
		if s.Status == StatusConnected && !s.shutWrite && s.conn.State() == tcp.StateEstablished {
			ev |= PollOut
		}
	}
	if s.err != nil {
		ev |= PollErr
	}
	return ev
}

// Poll waits until one of the requested events, a hangup or an error is
// ready. A zero timeout checks once; a negative timeout waits until ready.
func (m *SocketManager) Poll(fd int, events Events, timeout time.Duration) (Events, error) {
	s, err := m.get(fd)
	if err != nil {
		return 0, err
	}
	mask := events | PollHup | PollErr
	var got Events
	m.stack.Await(timeout, func() bool {
		got = m.ready(s) & mask
		return got != 0
	})
	return got, nil
}
