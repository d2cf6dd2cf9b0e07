//go:build !linux

package link

import (
	"time"

	"github.com/pkg/errors"
)

// PacketEndpoint is only available on Linux.
type PacketEndpoint struct{}

// OpenPacket always fails outside Linux.
func OpenPacket(index int, readTimeout time.Duration) (*PacketEndpoint, error) {
	return nil, errors.New("packet sockets require linux")
}

// ReadFrame implements FrameReader.
func (e *PacketEndpoint) ReadFrame(buf []byte) (int, error) {
	return 0, errors.New("packet sockets require linux")
}

// SendFrame implements netstack.FrameIO.
func (e *PacketEndpoint) SendFrame(frame []byte) bool { return false }

// Close releases the socket.
func (e *PacketEndpoint) Close() error { return nil }
