package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// Default ports and intervals.
const (
	DefaultTCPPort       = 5075
	DefaultUDPPort       = 5076
	DefaultTLSPort       = 5076
	DefaultIdleTimeout   = 40 * time.Second
	MinIdleTimeout       = 2 * time.Second
	DefaultBeaconShort   = 15 * time.Second
	DefaultBeaconLong    = 180 * time.Second
	DefaultBeaconBurst   = 10
	DefaultSearchRate    = 100
	DefaultSearchBurst   = 200
	defaultSendBufferCap = 64 << 10
)

// Config holds the effective settings of a Server.
//
// Zero values are replaced with defaults by New and Reconfigure:
//   - TCPPort: 5075
//   - UDPPort: 5076
//   - TLSPort: 5076 (only used when TLS is set)
//   - IdleTimeout: 40s, raised to 2s if smaller
//   - Beacon intervals: 15s burst of 10, then 180s
//
// A negative port requests an ephemeral port from the OS.
type Config struct {
	// Interfaces lists local addresses to listen on. Empty means every
	// interface. A multicast address is joined as a search group rather
	// than bound.
	Interfaces []string

	TCPPort int
	UDPPort int
	TLSPort int

	// IgnoreAddrs lists "host[:port]" senders whose searches are dropped.
	// Without a port every port of that host is ignored.
	IgnoreAddrs []string

	// BeaconDestinations lists "host[:port]" beacon targets. The port
	// defaults to UDPPort.
	BeaconDestinations []string

	// AutoBeacon adds the broadcast address of each configured IPv4
	// interface, or of every interface for a wildcard, to the beacon
	// destinations.
	AutoBeacon bool

	IdleTimeout time.Duration

	// MaxMessageSize bounds one reassembled message body.
	MaxMessageSize int

	// TLS enables the secured listener when non-nil.
	TLS *tls.Config

	// ClusterLabel, when set, makes the server GUID a function of the
	// label alone.
	ClusterLabel string

	// SearchRate and SearchBurst bound UDP search replies per sender.
	// A zero rate disables the limit. Searches flagged must-reply are
	// always answered and do not count against it.
	SearchRate  uint
	SearchBurst uint

	BeaconShortInterval time.Duration
	BeaconLongInterval  time.Duration
	BeaconBurst         int
}

func (c *Config) applyDefaults() {
	if c.TCPPort == 0 {
		c.TCPPort = DefaultTCPPort
	}
	if c.UDPPort == 0 {
		c.UDPPort = DefaultUDPPort
	}
	if c.TLSPort == 0 {
		c.TLSPort = DefaultTLSPort
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.IdleTimeout < MinIdleTimeout {
		c.IdleTimeout = MinIdleTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 << 20
	}
	if c.BeaconShortInterval <= 0 {
		c.BeaconShortInterval = DefaultBeaconShort
	}
	if c.BeaconLongInterval <= 0 {
		c.BeaconLongInterval = DefaultBeaconLong
	}
	if c.BeaconBurst <= 0 {
		c.BeaconBurst = DefaultBeaconBurst
	}
}

// ValidateConfig reports whether New and Reconfigure would accept cfg.
func ValidateConfig(cfg Config) error {
	cfg.applyDefaults()
	return cfg.validate()
}

func (c *Config) validate() error {
	for _, p := range []struct {
		name string
		v    int
	}{{"tcp", c.TCPPort}, {"udp", c.UDPPort}, {"tls", c.TLSPort}} {
		if p.v > 65535 {
			return fmt.Errorf("invalid %s port %d", p.name, p.v)
		}
	}
	for _, iface := range c.Interfaces {
		if _, err := netip.ParseAddr(iface); err != nil {
			return fmt.Errorf("invalid interface address %q: %w", iface, err)
		}
	}
	for _, a := range c.IgnoreAddrs {
		if _, err := parseEndpoint(a, 0); err != nil {
			return fmt.Errorf("invalid ignore address: %w", err)
		}
	}
	for _, a := range c.BeaconDestinations {
		if _, err := parseEndpoint(a, c.UDPPort); err != nil {
			return fmt.Errorf("invalid beacon destination: %w", err)
		}
	}
	return nil
}

// bindPort maps the config convention (negative = ephemeral) to a port
// for net.Listen.
func bindPort(p int) int {
	if p < 0 {
		return 0
	}
	return p
}

// parseEndpoint accepts "host", "host:port", "[v6]:port" or a bare IPv6
// address, using defPort when no port is given.
func parseEndpoint(s string, defPort int) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return netip.AddrPortFrom(a.Unmap(), uint16(defPort)), nil
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host, port = s, strconv.Itoa(defPort)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("bad port in %q", s)
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("cannot resolve %q", host)
	}
	a, _ := netip.AddrFromSlice(ips[0])
	return netip.AddrPortFrom(a.Unmap(), uint16(p)), nil
}
