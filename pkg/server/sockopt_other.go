//go:build !unix

package server

import (
	"errors"
	"net"
	"syscall"
)

func sendBufferSize(net.Conn) int { return 0 }

func listenConfig() net.ListenConfig { return net.ListenConfig{} }

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
