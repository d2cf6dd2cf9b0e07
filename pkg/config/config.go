// Package config holds the settings of a stack instance: the compiled-in
// interface identity and the sizes and timeouts of every fixed table. A
// file in TOML or YAML overrides the defaults.
package config

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Format is a config file encoding.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

var (
	ErrUnknownFormat = errors.New("unknown config format")
	ErrInvalid       = errors.New("invalid config")
)

// Config is the complete configuration.
type Config struct {
	Log       Log       `toml:"log" yaml:"log"`
	Interface Interface `toml:"interface" yaml:"interface"`
	ARP       ARP       `toml:"arp" yaml:"arp"`
	ICMP      ICMP      `toml:"icmp" yaml:"icmp"`
	UDP       UDP       `toml:"udp" yaml:"udp"`
	TCP       TCP       `toml:"tcp" yaml:"tcp"`
	DNS       DNS       `toml:"dns" yaml:"dns"`
	DHCP      DHCP      `toml:"dhcp" yaml:"dhcp"`
	Socket    Socket    `toml:"socket" yaml:"socket"`
	HTTP      HTTP      `toml:"http" yaml:"http"`
}

// Log configures logrus.
type Log struct {
	Level string `toml:"level" yaml:"level"`
}

// Interface is the compiled-in identity of the network interface.
type Interface struct {
	Name    string `toml:"name" yaml:"name"`
	MAC     string `toml:"mac" yaml:"mac"`
	IP      string `toml:"ip" yaml:"ip"`
	Mask    string `toml:"mask" yaml:"mask"`
	Gateway string `toml:"gateway" yaml:"gateway"`
	DNS     string `toml:"dns" yaml:"dns"`
	MTU     int    `toml:"mtu" yaml:"mtu"`
}

// ARP configures gateway resolution.
type ARP struct {
	StaleAfter   Duration `toml:"stale_after" yaml:"stale_after"`
	RetryInitial Duration `toml:"retry_initial" yaml:"retry_initial"`
	RetryMax     Duration `toml:"retry_max" yaml:"retry_max"`
	Neighbors    int      `toml:"neighbors" yaml:"neighbors"`
}

// ICMP configures the echo responder.
type ICMP struct {
	EchoRate  float64 `toml:"echo_rate" yaml:"echo_rate"`
	EchoBurst int     `toml:"echo_burst" yaml:"echo_burst"`
}

// UDP configures the port table.
type UDP struct {
	PortTableSize int `toml:"port_table_size" yaml:"port_table_size"`
}

// TCP configures the connection table.
type TCP struct {
	PoolSize      int      `toml:"pool_size" yaml:"pool_size"`
	ReceiveBuffer int      `toml:"receive_buffer" yaml:"receive_buffer"`
	SYNTimeout    Duration `toml:"syn_timeout" yaml:"syn_timeout"`
	SYNRetries    int      `toml:"syn_retries" yaml:"syn_retries"`
	TimeWait      Duration `toml:"time_wait" yaml:"time_wait"`
	OrphanTimeout Duration `toml:"orphan_timeout" yaml:"orphan_timeout"`
}

// DNS configures the resolver.
type DNS struct {
	// Server overrides the interface DNS server when set.
	Server     string            `toml:"server" yaml:"server"`
	Timeout    Duration          `toml:"timeout" yaml:"timeout"`
	Attempts   int               `toml:"attempts" yaml:"attempts"`
	CacheSize  int               `toml:"cache_size" yaml:"cache_size"`
	ClientPort int               `toml:"client_port" yaml:"client_port"`
	Hosts      map[string]string `toml:"hosts" yaml:"hosts"`
}

// DHCP configures the lease client.
type DHCP struct {
	Enabled bool     `toml:"enabled" yaml:"enabled"`
	Timeout Duration `toml:"timeout" yaml:"timeout"`
}

// Socket configures the descriptor table.
type Socket struct {
	TableSize  int `toml:"table_size" yaml:"table_size"`
	BufferSize int `toml:"buffer_size" yaml:"buffer_size"`
}

// HTTP configures the client.
type HTTP struct {
	Timeout            Duration `toml:"timeout" yaml:"timeout"`
	UserAgent          string   `toml:"user_agent" yaml:"user_agent"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// Default returns the compiled-in configuration for QEMU user networking.
func Default() *Config {
	return &Config{
		Log: Log{Level: "info"},
		Interface: Interface{
			Name:    "eth0",
			MAC:     "52:54:00:12:34:56",
			IP:      "10.0.2.15",
			Mask:    "255.255.255.0",
			Gateway: "10.0.2.2",
			DNS:     "10.0.2.3",
			MTU:     1500,
		},
		ARP: ARP{
			StaleAfter:   Duration(5 * time.Minute),
			RetryInitial: Duration(time.Second),
			RetryMax:     Duration(30 * time.Second),
			Neighbors:    16,
		},
		ICMP: ICMP{EchoRate: 100, EchoBurst: 20},
		UDP:  UDP{PortTableSize: 65536},
		TCP: TCP{
			PoolSize:      16,
			ReceiveBuffer: 32 << 10,
			SYNTimeout:    Duration(time.Second),
			SYNRetries:    3,
			TimeWait:      Duration(30 * time.Second),
			OrphanTimeout: Duration(60 * time.Second),
		},
		DNS: DNS{
			Timeout:    Duration(5 * time.Second),
			Attempts:   3,
			CacheSize:  32,
			ClientPort: 53053,
		},
		DHCP:   DHCP{Timeout: Duration(10 * time.Second)},
		Socket: Socket{TableSize: 64, BufferSize: 8192},
		HTTP: HTTP{
			Timeout:   Duration(10 * time.Second),
			UserAgent: "RetroOS/1.0",
		},
	}
}

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", errors.Wrapf(ErrUnknownFormat, "%q", path)
}

// Load reads path on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	cfg, err := Decode(data, format)
	if err != nil {
		return nil, errors.Wrapf(err, "decode config file %q", path)
	}
	return cfg, nil
}

// Decode parses data on top of the defaults and validates the result.
func Decode(data []byte, format Format) (*Config, error) {
	cfg := Default()
	switch format {
	case FormatTOML:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Wrapf(ErrInvalid, "unknown key %q", undecoded[0].String())
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && err != io.EOF {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(ErrUnknownFormat, "%q", format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalid, format, args...)
}

func parseIPv4(field, s string) (net.IP, error) {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil, invalid("%s: %q is not an IPv4 address", field, s)
	}
	return ip, nil
}

// Validate checks every field.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level: %v", err)
	}

	i := c.Interface
	if i.Name == "" {
		return invalid("interface.name is empty")
	}
	if mac, err := net.ParseMAC(i.MAC); err != nil || len(mac) != 6 {
		return invalid("interface.mac: %q is not an Ethernet address", i.MAC)
	}
	for field, s := range map[string]string{
		"interface.ip":      i.IP,
		"interface.gateway": i.Gateway,
		"interface.dns":     i.DNS,
	} {
		if _, err := parseIPv4(field, s); err != nil {
			return err
		}
	}
	mask, err := parseIPv4("interface.mask", i.Mask)
	if err != nil {
		return err
	}
	if ones, bits := net.IPMask(mask).Size(); bits == 0 || ones == 0 {
		return invalid("interface.mask: %q is not a netmask", i.Mask)
	}
	if i.MTU < 576 || i.MTU > 9000 {
		return invalid("interface.mtu: %d out of range [576, 9000]", i.MTU)
	}

	if c.ARP.Neighbors < 1 || c.ARP.RetryInitial <= 0 || c.ARP.RetryMax < c.ARP.RetryInitial || c.ARP.StaleAfter <= 0 {
		return invalid("arp: neighbors, retry and stale_after must be positive with retry_max >= retry_initial")
	}
	if c.ICMP.EchoRate <= 0 || c.ICMP.EchoBurst < 1 {
		return invalid("icmp: echo_rate and echo_burst must be positive")
	}
	if c.UDP.PortTableSize < 1 || c.UDP.PortTableSize > 65536 {
		return invalid("udp.port_table_size: %d out of range [1, 65536]", c.UDP.PortTableSize)
	}
	t := c.TCP
	if t.PoolSize < 1 || t.ReceiveBuffer < 1 || t.SYNTimeout <= 0 || t.SYNRetries < 0 || t.TimeWait <= 0 || t.OrphanTimeout <= 0 {
		return invalid("tcp: sizes and timeouts must be positive")
	}
	if c.DNS.Server != "" {
		if _, err := parseIPv4("dns.server", c.DNS.Server); err != nil {
			return err
		}
	}
	if c.DNS.Timeout <= 0 || c.DNS.Attempts < 1 || c.DNS.CacheSize < 1 {
		return invalid("dns: timeout, attempts and cache_size must be positive")
	}
	if c.DNS.ClientPort < 1 || c.DNS.ClientPort > 65535 {
		return invalid("dns.client_port: %d out of range", c.DNS.ClientPort)
	}
	for name, addr := range c.DNS.Hosts {
		if _, err := parseIPv4("dns.hosts."+name, addr); err != nil {
			return err
		}
	}
	if c.DHCP.Timeout <= 0 {
		return invalid("dhcp.timeout must be positive")
	}
	if c.Socket.TableSize < 1 || c.Socket.BufferSize < 1 {
		return invalid("socket: table_size and buffer_size must be positive")
	}
	if c.HTTP.Timeout <= 0 {
		return invalid("http.timeout must be positive")
	}
	return nil
}
