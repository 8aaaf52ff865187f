//go:build linux

package network

import (
	"net"
	"syscall"
	"time"
)

// ReuseAddrListenConfig returns a ListenConfig that sets SO_REUSEADDR before
// bind so a restarted service can rebind a port still in TIME_WAIT. Accepted
// sockets get TCP keepalive so a device that vanishes mid-transfer is noticed.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{
		KeepAlive: 15 * time.Second,
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			if err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return opErr
		},
	}
}

// enableBroadcast sets SO_BROADCAST so probes may target a broadcast address.
func enableBroadcast(conn *net.UDPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
}
