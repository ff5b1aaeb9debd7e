package server

import (
	"encoding/binary"
	"math/bits"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/pvaserver/internal/protocol/pva"
)

// newGUID picks a server identity. Random bytes are mixed with the start
// time, the local host's IPv4 addresses, the process id and the TCP port,
// so that two servers are unlikely to collide even with a weak RNG.
func newGUID(now time.Time, tcpPort int, hostAddrs []netip.Addr) pva.GUID {
	var g pva.GUID

	r := uuid.New()
	copy(g[:], r[:len(g)])

	word := func(i int, v uint32) {
		w := binary.LittleEndian.Uint32(g[4*i:])
		binary.LittleEndian.PutUint32(g[4*i:], w^v)
	}

	word(0, uint32(now.Unix())^uint32(now.Nanosecond()))
	for _, a := range hostAddrs {
		if a.Is4() {
			b := a.As4()
			word(1, binary.BigEndian.Uint32(b[:]))
		}
	}
	word(2, uint32(os.Getpid())^uint32(tcpPort)<<16)
	return g
}

// clusterGUID derives an identity from label alone, so that every member
// of a cluster presents the same GUID. The high bit of the first byte and
// a fixed last byte keep it apart from random GUIDs.
func clusterGUID(label string) pva.GUID {
	var g pva.GUID
	for i := 0; i < len(label); i++ {
		g[i%len(g)] ^= label[i]
		if (i+1)%4 == 0 {
			off := 4 * ((i / 4) % 3)
			w := binary.LittleEndian.Uint32(g[off:])
			binary.LittleEndian.PutUint32(g[off:], bits.RotateLeft32(w, 13))
		}
	}
	g[0] |= 0x80
	g[11] = 0x42
	return g
}

// localAddrs lists the unicast addresses of every up interface.
func localAddrs() []netip.Addr {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []netip.Addr
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok {
				if ip, ok := netip.AddrFromSlice(ipn.IP); ok {
					out = append(out, ip.Unmap())
				}
			}
		}
	}
	return out
}
