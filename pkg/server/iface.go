package server

import (
	"net"
	"net/netip"
	"slices"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// bindPlan is Config.Interfaces expanded into the sockets a server opens.
type bindPlan struct {
	// tcp hosts for the TCP and TLS listeners; "" is the dual-stack
	// wildcard.
	tcp []string
	// udp addresses for search sockets, including the broadcast address
	// of every specific IPv4 interface.
	udp []netip.Addr
	// groups are multicast addresses joined on the wildcard search
	// socket of the same family.
	groups []netip.Addr
}

// broadcastFunc returns the IPv4 broadcast addresses of the interfaces
// holding addr, or of every interface when addr is unspecified.
type broadcastFunc func(addr netip.Addr) []netip.Addr

// planBind expands the interface list:
//   - an empty list means 0.0.0.0
//   - a wildcard binds TCP on every address
//   - a multicast address is joined as a group on the wildcard of its
//     family instead of being bound
//   - a specific IPv4 address also gets a search socket on its broadcast
//     address, since a socket bound to a unicast address never receives
//     broadcasts
func planBind(ifaces []netip.Addr, bcast broadcastFunc) bindPlan {
	if len(ifaces) == 0 {
		ifaces = []netip.Addr{netip.IPv4Unspecified()}
	}

	var p bindPlan
	anyTCP := false
	for _, a := range ifaces {
		a = a.Unmap()
		switch {
		case a.IsMulticast():
			p.groups = appendUnique(p.groups, a)
			p.udp = appendUnique(p.udp, unspecifiedOf(a))
			anyTCP = true
		case a.IsUnspecified():
			p.udp = appendUnique(p.udp, a)
			anyTCP = true
		default:
			p.tcp = appendUnique(p.tcp, a.String())
			p.udp = appendUnique(p.udp, a)
			if a.Is4() {
				for _, b := range bcast(a) {
					p.udp = appendUnique(p.udp, b)
				}
			}
		}
	}
	if anyTCP {
		p.tcp = []string{""}
	}
	return p
}

// beaconTargets adds the broadcast address of each configured IPv4
// interface to dests, or of every interface for a wildcard. Multicast
// destinations are joined as groups so searches sent to them are seen.
func beaconTargets(p *bindPlan, ifaces []netip.Addr, dests []netip.AddrPort, port uint16, bcast broadcastFunc) []netip.AddrPort {
	if len(ifaces) == 0 {
		ifaces = []netip.Addr{netip.IPv4Unspecified()}
	}
	for _, a := range ifaces {
		a = a.Unmap()
		if a.IsMulticast() || !(a.Is4() || a.IsUnspecified()) {
			continue
		}
		match := a
		if a.IsUnspecified() {
			// [::] also covers IPv4
			match = netip.IPv4Unspecified()
		}
		for _, b := range bcast(match) {
			dests = appendUnique(dests, netip.AddrPortFrom(b, port))
		}
	}

	for _, d := range dests {
		if d.Addr().IsMulticast() {
			p.groups = appendUnique(p.groups, d.Addr())
			p.udp = appendUnique(p.udp, unspecifiedOf(d.Addr()))
		}
	}
	return dests
}

func unspecifiedOf(a netip.Addr) netip.Addr {
	if a.Is4() {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}

func appendUnique[T comparable](s []T, v T) []T {
	if slices.Contains(s, v) {
		return s
	}
	return append(s, v)
}

// hostBroadcasts is the broadcastFunc backed by the host's interfaces.
func hostBroadcasts(match netip.Addr) []netip.Addr {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []netip.Addr
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipn.IP.To4()
			if ip4 == nil || len(ipn.Mask) != net.IPv4len {
				continue
			}
			if !match.IsUnspecified() && netip.AddrFrom4([4]byte(ip4)) != match {
				continue
			}
			var b [4]byte
			for i := range b {
				b[i] = ip4[i] | ^ipn.Mask[i]
			}
			out = appendUnique(out, netip.AddrFrom4(b))
		}
	}
	return out
}

// joinGroups joins the groups of one family on a wildcard search socket,
// on every multicast capable interface. A group no interface could join
// is logged and skipped.
func joinGroups(uc *net.UDPConn, is4 bool, groups []netip.Addr) {
	var ifis []net.Interface
	if all, err := net.Interfaces(); err == nil {
		for _, ifi := range all {
			if ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagMulticast != 0 {
				ifis = append(ifis, ifi)
			}
		}
	}

	for _, g := range groups {
		if g.Is4() != is4 {
			continue
		}
		group := &net.UDPAddr{IP: g.AsSlice()}
		join := func(ifi *net.Interface) error {
			if is4 {
				return ipv4.NewPacketConn(uc).JoinGroup(ifi, group)
			}
			return ipv6.NewPacketConn(uc).JoinGroup(ifi, group)
		}

		joined := 0
		var lastErr error
		for i := range ifis {
			if err := join(&ifis[i]); err != nil {
				lastErr = err
				continue
			}
			joined++
		}
		if len(ifis) == 0 {
			if lastErr = join(nil); lastErr == nil {
				joined++
			}
		}
		if joined == 0 {
			log.Warn("Failed to join multicast group %s: %v", g, lastErr)
			continue
		}
		log.Debug("Joined multicast group %s on %d interfaces", g, joined)
	}
}
