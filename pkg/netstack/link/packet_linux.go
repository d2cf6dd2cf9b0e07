//go:build linux

package link

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PacketEndpoint sends and receives raw Ethernet frames on a host device
// through an AF_PACKET socket.
type PacketEndpoint struct {
	fd    int
	index int
}

// OpenPacket binds a raw packet socket to the device with the given index.
// Reads return after at most readTimeout so a pump can observe cancellation.
func OpenPacket(index int, readTimeout time.Duration) (*PacketEndpoint, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, errors.Wrap(err, "creating packet socket")
	}
	sa := &unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: index}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "binding packet socket")
	}
	if readTimeout > 0 {
		tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, "setting read timeout")
		}
	}
	return &PacketEndpoint{fd: fd, index: index}, nil
}

// ReadFrame implements FrameReader.
func (e *PacketEndpoint) ReadFrame(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(e.fd, buf, 0)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SendFrame implements netstack.FrameIO.
func (e *PacketEndpoint) SendFrame(frame []byte) bool {
	_, err := unix.Write(e.fd, frame)
	return err == nil
}

// Close releases the socket.
func (e *PacketEndpoint) Close() error {
	return unix.Close(e.fd)
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
