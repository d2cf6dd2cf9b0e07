// Package route decides the next hop for outbound IPv4 packets. The stack has
// one interface, so the table only ever carries the on-link subnet and a
// single default route through the gateway.
package route

import (
	network "net"

	"github.com/pkg/errors"

	"retroos/pkg/netstack"
)

// Errors returned by the routing table.
var (
	ErrInvalidRoute = errors.New("invalid route destination")
	ErrRouteExists  = errors.New("route already exists")
	ErrNoRoute      = errors.New("no route to host")
)

// Route represents a network route.
type Route struct {
	Dest    network.IPNet // Destination network
	Gateway network.IP    // Next hop gateway (nil for on-link)
}

// OnLink reports whether the route delivers directly to the destination.
func (r *Route) OnLink() bool {
	return r.Gateway == nil
}

// Table holds the routes of the interface. It is owned by the stack goroutine.
type Table struct {
	routes []Route
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{}
}

// FromInterface builds the table for an interface: its subnet on-link and
// everything else through the gateway.
func FromInterface(iface *netstack.Interface) *Table {
	t := NewTable()
	t.Reset(iface)
	return t
}

// Reset rebuilds the routes from the interface configuration. It is called
// whenever a lease changes the addresses.
func (t *Table) Reset(iface *netstack.Interface) {
	t.routes = t.routes[:0]
	if ip := iface.IP.To4(); ip != nil && len(iface.Mask) == 4 && iface.Configured() {
		_ = t.Add(Route{Dest: network.IPNet{IP: ip.Mask(iface.Mask), Mask: iface.Mask}})
	}
	if gw := iface.Gateway.To4(); gw != nil && !gw.Equal(network.IPv4zero) {
		_ = t.Add(Route{
			Dest:    network.IPNet{IP: network.IPv4zero.To4(), Mask: network.CIDRMask(0, 32)},
			Gateway: netstack.CopyIP(gw),
		})
	}
}

// Add adds a route to the table.
func (t *Table) Add(r Route) error {
	if r.Dest.IP.To4() == nil || len(r.Dest.Mask) != 4 {
		return ErrInvalidRoute
	}
	for _, existing := range t.routes {
		if existing.Dest.String() == r.Dest.String() {
			return errors.Wrap(ErrRouteExists, r.Dest.String())
		}
	}
	t.routes = append(t.routes, r)
	return nil
}

// Lookup finds the longest-prefix route for a destination IP.
func (t *Table) Lookup(dst network.IP) (*Route, error) {
	var best *Route
	bestLen := -1
	for i := range t.routes {
		r := &t.routes[i]
		if !r.Dest.Contains(dst) {
			continue
		}
		if n, _ := r.Dest.Mask.Size(); n > bestLen {
			best, bestLen = r, n
		}
	}
	if best == nil {
		return nil, errors.Wrapf(ErrNoRoute, "%v", dst)
	}
	return best, nil
}

// NextHop returns the address whose link address a packet to dst must carry.
func (t *Table) NextHop(dst network.IP) (network.IP, error) {
	r, err := t.Lookup(dst)
	if err != nil {
		return nil, err
	}
	if r.OnLink() {
		return dst, nil
	}
	return r.Gateway, nil
}

// Len returns the number of routes.
func (t *Table) Len() int {
	return len(t.routes)
}
