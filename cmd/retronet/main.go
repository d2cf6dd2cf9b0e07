// retronet runs the user-space network stack against a host interface.
//
// The stack attaches to a Linux device through an AF_PACKET socket, so it
// needs CAP_NET_RAW. Point it at a tap or veth whose far side provides a
// gateway, such as a QEMU user network.
//
// Usage:
//
//	retronet [-config file] [-iface name] dhcp
//	retronet [-config file] [-iface name] resolve example.com
//	retronet [-config file] [-iface name] get http://example.com/
//	retronet [-config file] [-iface name] [-c 4] ping 10.0.2.2
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"retroos/pkg/config"
	"retroos/pkg/netstack"
	"retroos/pkg/netstack/link"
)

var (
	configPath = flag.String("config", "", "Config file (.toml or .yaml)")
	ifaceName  = flag.String("iface", "", "Host interface to attach to (default: interface.name from config)")
	count      = flag.Int("c", 4, "Number of echo requests for ping")
	useDHCP    = flag.Bool("dhcp", false, "Acquire a lease before running the command")
)

// readTimeout bounds each blocking read of the frame pump so it notices
// cancellation.
const readTimeout = 100 * time.Millisecond

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: retronet [options] <dhcp | resolve HOST | get URL | ping IP>")
	fmt.Fprintln(os.Stderr, "\nOptions:")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	if *ifaceName != "" {
		cfg.Interface.Name = *ifaceName
	}
	if *useDHCP {
		cfg.DHCP.Enabled = true
	}
	log := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, cfg, log, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run attaches to the host device and runs the command. One goroutine pumps
// frames from the device into a queue; the other owns the stack.
func run(ctx context.Context, cfg *config.Config, log *logrus.Logger, args []string) error {
	host, err := link.LookupInterface(cfg.Interface.Name)
	if err != nil {
		return err
	}
	if !host.Up {
		return errors.Errorf("interface %s is down", host.Name)
	}
	if len(host.MAC) == 6 {
		cfg.Interface.MAC = host.MAC.String()
	}
	if host.MTU > 0 && host.MTU < cfg.Interface.MTU {
		cfg.Interface.MTU = host.MTU
	}

	ep, err := link.OpenPacket(host.Index, readTimeout)
	if err != nil {
		return err
	}
	defer ep.Close()

	ch := link.NewChannel(0)
	ch.SetPeer(func(frame []byte) {
		if !ep.SendFrame(frame) {
			log.WithField("component", "link").Debug("device refused frame")
		}
	})

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return link.Pump(gctx, ep, ch, cfg.Interface.MTU)
	})
	g.Go(func() error {
		defer cancel()
		a := newApp(cfg, log, ch, netstack.SystemClock{}, netstack.SleepScheduler{Interval: time.Millisecond})
		return a.run(os.Stdout, args)
	})
	return g.Wait()
}
