// Package netstack holds the types shared by every layer of the retroos
// network stack: the interface identity, the frame I/O adapter, the clock and
// scheduler hooks used by blocking calls, and the Internet checksum.
//
// Layer Structure:
//   - Layer 2 (Link): Ethernet frames, ARP (package ethernet)
//   - Layer 3 (Network): IPv4, ICMP echo (package ip)
//   - Layer 4 (Transport): UDP (package udp), client-side TCP (package tcp)
//   - Socket API: BSD-socket-like descriptors (package socket)
//
// The stack is cooperative. A single goroutine owns a stack.Stack and every
// table hanging off it; blocking operations are bounded await loops that poll
// the link for one frame, run timers and then yield.
//
// Example usage:
//
//	st := stack.New(stack.Options{Interface: netstack.DefaultInterface(), Link: ep})
//	ok := st.Await(time.Second, func() bool { return st.Interface().GatewayResolved })
package netstack
