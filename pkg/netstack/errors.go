package netstack

import "github.com/pkg/errors"

// Errors shared by the layers of the stack.
var (
	ErrInvalidPacket    = errors.New("invalid packet")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrLinkDown         = errors.New("link refused frame")
	ErrTimeout          = errors.New("operation timed out")
)
