// Package link provides frame I/O endpoints for the stack: an in-memory
// channel used by tests and demos, and an AF_PACKET endpoint for running the
// stack against a real Linux interface.
package link

import (
	"sync"

	"retroos/pkg/netstack"
)

// DefaultQueueLength is the number of inbound frames a Channel buffers.
const DefaultQueueLength = 256

// Channel is an in-memory FrameIO. Frames injected by the outside world are
// queued for ReceiveFrame; frames sent by the stack are handed to the peer
// callback or kept for Drain.
type Channel struct {
	mu       sync.Mutex
	inbound  [][]byte
	outbound [][]byte
	capacity int
	peer     func(frame []byte)
	dropped  int
}

var _ netstack.FrameIO = (*Channel)(nil)

// NewChannel creates a channel that buffers up to capacity inbound frames.
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultQueueLength
	}
	return &Channel{capacity: capacity}
}

// SetPeer installs the callback receiving every frame the stack sends. The
// callback runs on the sending goroutine and may call Inject.
func (c *Channel) SetPeer(fn func(frame []byte)) {
	c.mu.Lock()
	c.peer = fn
	c.mu.Unlock()
}

// SendFrame implements netstack.FrameIO.
func (c *Channel) SendFrame(frame []byte) bool {
	buf := append([]byte(nil), frame...)
	c.mu.Lock()
	peer := c.peer
	if peer == nil {
		c.outbound = append(c.outbound, buf)
	}
	c.mu.Unlock()
	if peer != nil {
		peer(buf)
	}
	return true
}

// ReceiveFrame implements netstack.FrameIO.
func (c *Channel) ReceiveFrame() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbound) == 0 {
		return nil, false
	}
	frame := c.inbound[0]
	c.inbound[0] = nil
	c.inbound = c.inbound[1:]
	return frame, true
}

// Inject queues a frame for the stack. It reports false and drops the frame
// when the queue is full.
func (c *Channel) Inject(frame []byte) bool {
	buf := append([]byte(nil), frame...)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbound) >= c.capacity {
		c.dropped++
		return false
	}
	c.inbound = append(c.inbound, buf)
	return true
}

// Drain returns and clears the frames sent while no peer was installed.
func (c *Channel) Drain() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outbound
	c.outbound = nil
	return out
}

// Pending returns the number of queued inbound frames.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inbound)
}

// Dropped returns the number of inbound frames lost to a full queue.
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
