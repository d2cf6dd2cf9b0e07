package main

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"retroos/pkg/config"
	"retroos/pkg/http"
	"retroos/pkg/net/dhcp"
	"retroos/pkg/net/dns"
	"retroos/pkg/netstack"
	"retroos/pkg/netstack/socket"
	"retroos/pkg/netstack/stack"
)

const (
	// maxBody is the size of the buffer a get reads into.
	maxBody     = 256 << 10
	pingTimeout = 2 * time.Second
)

var errUsage = errors.New("usage: retronet <dhcp | resolve HOST | get URL | ping IP>")

// app wires one stack and its clients from a config.
type app struct {
	cfg   *config.Config
	log   *logrus.Logger
	stack *stack.Stack
	dhcp  *dhcp.Client
	dns   *dns.Resolver
	http  *http.Client
	count int
}

func newApp(cfg *config.Config, log *logrus.Logger, dev netstack.FrameIO, clock netstack.Clock, sched netstack.Scheduler) *app {
	opts := cfg.StackOptions(dev, log)
	opts.Clock = clock
	opts.Scheduler = sched
	st := stack.New(opts)

	resolver := dns.NewResolver(st, cfg.ResolverOptions(log)...)
	sockets := socket.NewSocketManager(st, cfg.SocketOptions(log)...)
	return &app{
		cfg:   cfg,
		log:   log,
		stack: st,
		dhcp:  dhcp.NewClient(st, cfg.DHCPOptions(log)...),
		dns:   resolver,
		http:  http.NewClient(resolver, http.SocketDialer{Sockets: sockets}, cfg.HTTPOptions(log)...),
		count: *count,
	}
}

func (a *app) run(w io.Writer, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	if a.cfg.DHCP.Enabled && args[0] != "dhcp" {
		if err := a.configure(w); err != nil {
			return err
		}
	}
	switch args[0] {
	case "dhcp":
		return a.configure(w)
	case "resolve":
		if len(args) != 2 {
			return errUsage
		}
		return a.resolve(w, args[1])
	case "get":
		if len(args) != 2 {
			return errUsage
		}
		return a.get(w, args[1])
	case "ping":
		if len(args) != 2 {
			return errUsage
		}
		return a.ping(w, args[1])
	}
	return errors.Wrapf(errUsage, "unknown command %q", args[0])
}

func (a *app) configure(w io.Writer) error {
	if err := a.dhcp.Configure(); err != nil {
		return err
	}
	lease, _ := a.dhcp.Lease()
	fmt.Fprintf(w, "address %v mask %v gateway %v dns %v lease %v\n",
		lease.IP, net.IP(lease.Mask), lease.Gateway, lease.DNS, lease.Duration)
	return nil
}

func (a *app) resolve(w io.Writer, host string) error {
	ip, err := a.dns.Resolve(host)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s has address %v\n", host, ip)
	return nil
}

func (a *app) get(w io.Writer, url string) error {
	buf := make([]byte, maxBody)
	resp, err := a.http.Get(url, buf)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s\n", resp.Proto, resp.Status)
	if resp.IsRedirect() {
		fmt.Fprintf(w, "Location: %s\n", resp.Location())
	}
	if resp.Truncated {
		a.log.WithField("bytes", len(resp.Body)).Warn("response truncated")
	}
	fmt.Fprintln(w)
	_, err = w.Write(resp.Body)
	return err
}

func (a *app) ping(w io.Writer, host string) error {
	ip, err := a.dns.Resolve(host)
	if err != nil {
		return err
	}
	received := 0
	for i := 0; i < a.count; i++ {
		rtt, err := a.stack.Ping(ip, pingTimeout)
		if err != nil {
			fmt.Fprintf(w, "no reply from %v\n", ip)
			continue
		}
		received++
		fmt.Fprintf(w, "reply from %v: seq=%d time=%v\n", ip, i+1, rtt)
	}
	fmt.Fprintf(w, "%d packets transmitted, %d received\n", a.count, received)
	if received == 0 {
		return errors.Wrapf(stack.ErrNoReply, "%v", ip)
	}
	return nil
}
