package netstack

import (
	network "net"
	"time"

	"github.com/mohae/deepcopy"
)

// Protocol represents the IP protocol number carried by a packet.
type Protocol uint8

// Network protocol constants.
const (
	ProtocolICMP Protocol = 1
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
)

// EtherType represents the Ethernet frame type.
type EtherType uint16

// Common EtherType values.
const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
)

// DefaultMTU is the Ethernet payload size the stack assumes.
const DefaultMTU = 1500

// Interface is the identity of the single network interface: its link
// address, its IPv4 configuration and the latched gateway link address.
type Interface struct {
	Name            string               // Interface name (e.g., "eth0")
	MAC             network.HardwareAddr // MAC address (6 bytes)
	IP              network.IP           // IPv4 address, 0.0.0.0 when unconfigured
	Mask            network.IPMask       // Subnet mask
	Gateway         network.IP           // Default gateway
	GatewayMAC      network.HardwareAddr // Learned by address resolution
	GatewayResolved bool                 // GatewayMAC is valid
	DNS             network.IP           // DNS server
	MTU             int                  // Maximum transmission unit
}

// DefaultInterface returns the compiled-in identity used under QEMU user
// networking.
func DefaultInterface() *Interface {
	return &Interface{
		Name:    "eth0",
		MAC:     network.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		IP:      network.IPv4(10, 0, 2, 15).To4(),
		Mask:    network.CIDRMask(24, 32),
		Gateway: network.IPv4(10, 0, 2, 2).To4(),
		DNS:     network.IPv4(10, 0, 2, 3).To4(),
		MTU:     DefaultMTU,
	}
}

// Clone returns a deep copy of the interface. Callers outside the owning
// goroutine only ever see clones.
func (i *Interface) Clone() *Interface {
	return deepcopy.Copy(i).(*Interface)
}

// Configured reports whether the interface has a usable IPv4 address.
func (i *Interface) Configured() bool {
	ip := i.IP.To4()
	return ip != nil && !ip.Equal(network.IPv4zero)
}

// OnLink reports whether dst is inside the interface subnet.
func (i *Interface) OnLink(dst network.IP) bool {
	ip, d := i.IP.To4(), dst.To4()
	if ip == nil || d == nil || len(i.Mask) != 4 {
		return false
	}
	return ip.Mask(i.Mask).Equal(d.Mask(i.Mask))
}

// SubnetBroadcast returns the directed broadcast address of the interface
// subnet.
func (i *Interface) SubnetBroadcast() network.IP {
	ip := i.IP.To4()
	if ip == nil || len(i.Mask) != 4 {
		return nil
	}
	b := make(network.IP, 4)
	for n := range b {
		b[n] = ip[n] | ^i.Mask[n]
	}
	return b
}

// IPToUint32 converts an IPv4 address to a 32-bit uint.
func IPToUint32(ip network.IP) uint32 {
	ip = ip.To4()
	if len(ip) != 4 {
		return 0
	}
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

// Uint32ToIP converts a 32-bit uint to an IPv4 address.
func Uint32ToIP(v uint32) network.IP {
	return network.IP{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// CopyIP returns a 4-byte copy of ip, or nil if ip is not IPv4.
func CopyIP(ip network.IP) network.IP {
	v4 := ip.To4()
	if v4 == nil {
		return nil
	}
	return network.IP{v4[0], v4[1], v4[2], v4[3]}
}

// FrameIO moves whole Ethernet frames between the stack and the NIC.
type FrameIO interface {
	// SendFrame transmits one frame and reports whether the device took it.
	SendFrame(frame []byte) bool
	// ReceiveFrame returns the next pending frame, if any, without blocking.
	ReceiveFrame() ([]byte, bool)
}

// Clock is the monotonic time source of the stack. It matches the Clock
// interface of github.com/cenkalti/backoff so schedules can run on it.
type Clock interface {
	Now() time.Time
}

// Scheduler gives other tasks a chance to run between polls.
type Scheduler interface {
	Yield()
}

// Awaiter runs a bounded wait: it returns true as soon as ready reports
// true, or false once timeout has elapsed. A negative timeout waits without
// bound.
type Awaiter interface {
	Await(timeout time.Duration, ready func() bool) bool
}

// SystemClock reads the host monotonic clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// SleepScheduler yields by sleeping for a fixed interval.
type SleepScheduler struct {
	Interval time.Duration
}

// Yield sleeps for the configured interval.
func (s SleepScheduler) Yield() {
	if s.Interval <= 0 {
		time.Sleep(time.Millisecond)
		return
	}
	time.Sleep(s.Interval)
}

// Addressing is the IPv4 configuration a lease hands to the interface.
type Addressing struct {
	IP      network.IP
	Mask    network.IPMask
	Gateway network.IP
	DNS     network.IP
}
