package link

import (
	network "net"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
)

// HostInterface describes a host network device the stack can attach to.
type HostInterface struct {
	Name  string
	Index int
	MAC   network.HardwareAddr
	MTU   int
	Up    bool
}

// LookupInterface queries the kernel for the named device.
func LookupInterface(name string) (*HostInterface, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return nil, errors.Wrapf(err, "looking up link %q", name)
	}
	attrs := l.Attrs()
	return &HostInterface{
		Name:  attrs.Name,
		Index: attrs.Index,
		MAC:   attrs.HardwareAddr,
		MTU:   attrs.MTU,
		Up:    attrs.Flags&network.FlagUp != 0,
	}, nil
}
