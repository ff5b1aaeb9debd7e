//go:build unix

package server

import (
	"crypto/tls"
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// sendBufferSize reads SO_SNDBUF from the socket under c, or 0 if it
// cannot be determined.
func sendBufferSize(c net.Conn) int {
	if tc, ok := c.(*tls.Conn); ok {
		c = tc.NetConn()
	}
	sc, ok := c.(syscall.Conn)
	if !ok {
		return 0
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0
	}

	var (
		n    int
		oerr error
	)
	if err := raw.Control(func(fd uintptr) {
		n, oerr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	}); err != nil || oerr != nil {
		return 0
	}
	return n
}

// listenConfig sets SO_REUSEADDR on every socket, and SO_BROADCAST on
// UDP sockets so beacons may target broadcast addresses and several
// servers can share the search port.
func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, _ string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
					return
				}
				switch network {
				case "udp", "udp4", "udp6":
					serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
				}
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
}

func isAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}
