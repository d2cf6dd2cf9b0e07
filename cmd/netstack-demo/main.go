// netstack-demo runs the network stack against a simulated QEMU user
// network held in memory, so it needs no privileges.
//
// This demo shows:
// - gateway address resolution at startup
// - a DHCP lease replacing the compiled-in addresses
// - a DNS lookup answered by the simulated server
// - ping through the gateway
// - an HTTP GET over the socket layer
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/dns/dnsmessage"

	"retroos/pkg/config"
	"retroos/pkg/http"
	"retroos/pkg/net/dhcp"
	"retroos/pkg/net/dns"
	"retroos/pkg/netstack/link"
	"retroos/pkg/netstack/socket"
	"retroos/pkg/netstack/stack"
	"retroos/pkg/netstack/stacktest"
)

var (
	verbose = flag.Bool("v", false, "Log stack internals")
	page    = flag.String("url", "http://retro.example/", "URL to fetch")
)

var (
	leasedIP = net.IPv4(10, 0, 2, 15).To4()
	siteIP   = net.IPv4(93, 184, 216, 34).To4()
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *verbose {
		cfg.Log.Level = "debug"
	}
	log := cfg.Logger()

	ch := link.NewChannel(0)
	gw := stacktest.NewGateway(ch)
	gw.HandleUDP(dhcp.ServerPort, serveDHCP)
	gw.HandleUDP(dns.DefaultDNSPort, serveDNS)
	gw.HandleTCP(80, stacktest.RequestResponse("\r\n\r\n",
		"HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nTransfer-Encoding: chunked\r\n\r\n"+
			"d\r\nHello, Retro!\r\n1\r\n\n\r\n0\r\n\r\n"))

	clock := stacktest.NewClock()
	opts := cfg.StackOptions(ch, log)
	opts.Clock = clock
	opts.Scheduler = &stacktest.Scheduler{Clock: clock}
	st := stack.New(opts)

	fmt.Println("=== RetroOS Network Stack Demo ===")
	fmt.Println()

	if err := demo(st, cfg, log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func demo(st *stack.Stack, cfg *config.Config, log *logrus.Logger) error {
	fmt.Println("--- Address Resolution ---")
	if !st.Await(time.Second, func() bool { return st.Interface().GatewayResolved }) {
		return fmt.Errorf("gateway did not answer ARP")
	}
	iface := st.Interface()
	fmt.Printf("Gateway %v is at %v\n\n", iface.Gateway, iface.GatewayMAC)

	fmt.Println("--- DHCP ---")
	client := dhcp.NewClient(st, cfg.DHCPOptions(log)...)
	if err := client.Configure(); err != nil {
		return err
	}
	lease, _ := client.Lease()
	fmt.Printf("Leased %v from %v for %v\n\n", lease.IP, lease.Server, lease.Duration)

	fmt.Println("--- DNS ---")
	resolver := dns.NewResolver(st, cfg.ResolverOptions(log)...)
	ip, err := resolver.Resolve("retro.example")
	if err != nil {
		return err
	}
	fmt.Printf("retro.example has address %v\n\n", ip)

	fmt.Println("--- ICMP ---")
	rtt, err := st.Ping(iface.Gateway, time.Second)
	if err != nil {
		return err
	}
	fmt.Printf("Reply from %v in %v\n\n", iface.Gateway, rtt)

	fmt.Println("--- HTTP ---")
	sockets := socket.NewSocketManager(st, cfg.SocketOptions(log)...)
	web := http.NewClient(resolver, http.SocketDialer{Sockets: sockets}, cfg.HTTPOptions(log)...)
	resp, err := web.Get(*page, make([]byte, 4096))
	if err != nil {
		return err
	}
	fmt.Printf("%s %s (chunked %v)\n%s", resp.Proto, resp.Status, resp.Chunked, resp.Body)
	return nil
}

func serveDHCP(from net.IP, port uint16, payload []byte) []byte {
	m, err := dhcp.ParseMessage(payload)
	if err != nil {
		return nil
	}
	reply := &dhcp.Message{Op: dhcp.OpReply, HType: 1, HLen: 6, XID: m.XID, YIAddr: leasedIP, CHAddr: m.CHAddr}
	reply.SetOption(dhcp.OptServerID, net.IPv4(10, 0, 2, 2).To4())
	switch m.Type() {
	case dhcp.Discover:
		reply.SetOption(dhcp.OptMessageType, []byte{byte(dhcp.Offer)})
	case dhcp.Request:
		reply.SetOption(dhcp.OptMessageType, []byte{byte(dhcp.Ack)})
		reply.SetOption(dhcp.OptSubnetMask, []byte{255, 255, 255, 0})
		reply.SetOption(dhcp.OptRouter, net.IPv4(10, 0, 2, 2).To4())
		reply.SetOption(dhcp.OptDNS, net.IPv4(10, 0, 2, 3).To4())
		reply.SetOption(dhcp.OptLeaseTime, dhcp.LeaseTimeOption(24*time.Hour))
	default:
		return nil
	}
	return reply.Serialize()
}

func serveDNS(from net.IP, port uint16, payload []byte) []byte {
	var p dnsmessage.Parser
	h, err := p.Start(payload)
	if err != nil {
		return nil
	}
	q, err := p.Question()
	if err != nil {
		return nil
	}
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: h.ID, Response: true, RecursionAvailable: true})
	b.EnableCompression()
	b.StartQuestions()
	b.Question(q)
	b.StartAnswers()
	var a [4]byte
	copy(a[:], siteIP)
	b.AResource(dnsmessage.ResourceHeader{Name: q.Name, Class: dnsmessage.ClassINET, TTL: 300}, dnsmessage.AResource{A: a})
	msg, err := b.Finish()
	if err != nil {
		return nil
	}
	return msg
}
