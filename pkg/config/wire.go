package config

import (
	"crypto/tls"
	"net"
	"os"

	"github.com/sirupsen/logrus"

	"retroos/pkg/http"
	"retroos/pkg/net/dhcp"
	"retroos/pkg/net/dns"
	"retroos/pkg/netstack"
	"retroos/pkg/netstack/ethernet"
	"retroos/pkg/netstack/socket"
	"retroos/pkg/netstack/stack"
	"retroos/pkg/netstack/tcp"
)

// The helpers below assume a validated Config.

// Logger returns a logger at the configured level writing to stderr.
func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	if level, err := logrus.ParseLevel(c.Log.Level); err == nil {
		log.SetLevel(level)
	}
	return log
}

// NetInterface returns the interface identity.
func (c *Config) NetInterface() *netstack.Interface {
	i := c.Interface
	mac, _ := net.ParseMAC(i.MAC)
	mask := net.ParseIP(i.Mask).To4()
	return &netstack.Interface{
		Name:    i.Name,
		MAC:     mac,
		IP:      net.ParseIP(i.IP).To4(),
		Mask:    net.IPv4Mask(mask[0], mask[1], mask[2], mask[3]),
		Gateway: net.ParseIP(i.Gateway).To4(),
		DNS:     net.ParseIP(i.DNS).To4(),
		MTU:     i.MTU,
	}
}

// StackOptions returns the options for stack.New. Clock and scheduler are
// left to the caller.
func (c *Config) StackOptions(link netstack.FrameIO, log *logrus.Logger) stack.Options {
	return stack.Options{
		Interface:        c.NetInterface(),
		Link:             link,
		Logger:           log.WithField("component", "stack"),
		UDPPortTableSize: c.UDP.PortTableSize,
		EchoRate:         c.ICMP.EchoRate,
		EchoBurst:        c.ICMP.EchoBurst,
		ARP: []ethernet.ResolverOption{
			ethernet.WithStaleAfter(c.ARP.StaleAfter.D()),
			ethernet.WithRetry(c.ARP.RetryInitial.D(), c.ARP.RetryMax.D()),
			ethernet.WithNeighborCapacity(c.ARP.Neighbors),
			ethernet.WithLogger(log.WithField("component", "arp")),
		},
		TCP: []tcp.Option{
			tcp.WithPoolSize(c.TCP.PoolSize),
			tcp.WithReceiveBuffer(c.TCP.ReceiveBuffer),
			tcp.WithSYNRetransmit(c.TCP.SYNTimeout.D(), c.TCP.SYNRetries),
			tcp.WithTimeWait(c.TCP.TimeWait.D()),
			tcp.WithOrphanTimeout(c.TCP.OrphanTimeout.D()),
			tcp.WithLogger(log.WithField("component", "tcp")),
		},
	}
}

// ResolverOptions returns the options for dns.NewResolver.
func (c *Config) ResolverOptions(log *logrus.Logger) []dns.ResolverOption {
	opts := []dns.ResolverOption{
		dns.WithTimeout(c.DNS.Timeout.D()),
		dns.WithAttempts(c.DNS.Attempts),
		dns.WithCache(dns.NewCache(c.DNS.CacheSize)),
		dns.WithClientPort(uint16(c.DNS.ClientPort)),
		dns.WithLogger(log.WithField("component", "dns")),
	}
	if c.DNS.Server != "" {
		opts = append(opts, dns.WithServer(net.ParseIP(c.DNS.Server)))
	}
	if len(c.DNS.Hosts) > 0 {
		hosts := make(map[string]net.IP, len(c.DNS.Hosts))
		for name, addr := range c.DNS.Hosts {
			hosts[name] = net.ParseIP(addr)
		}
		opts = append(opts, dns.WithHosts(hosts))
	}
	return opts
}

// DHCPOptions returns the options for dhcp.NewClient.
func (c *Config) DHCPOptions(log *logrus.Logger) []dhcp.ClientOption {
	return []dhcp.ClientOption{
		dhcp.WithTimeout(c.DHCP.Timeout.D()),
		dhcp.WithLogger(log.WithField("component", "dhcp")),
	}
}

// SocketOptions returns the options for socket.NewSocketManager.
func (c *Config) SocketOptions(log *logrus.Logger) []socket.Option {
	return []socket.Option{
		socket.WithTableSize(c.Socket.TableSize),
		socket.WithBufferSize(c.Socket.BufferSize),
		socket.WithLogger(log.WithField("component", "socket")),
	}
}

// HTTPOptions returns the options for http.NewClient, including a crypto/tls
// layer.
func (c *Config) HTTPOptions(log *logrus.Logger) []http.ClientOption {
	return []http.ClientOption{
		http.WithTimeout(c.HTTP.Timeout.D()),
		http.WithUserAgent(c.HTTP.UserAgent),
		http.WithTLS(&http.StdTLS{Config: &tls.Config{InsecureSkipVerify: c.HTTP.InsecureSkipVerify}}),
		http.WithLogger(log.WithField("component", "http")),
	}
}
