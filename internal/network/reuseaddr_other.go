//go:build !linux && !windows

package network

import (
	"net"
	"time"
)

// ReuseAddrListenConfig returns a ListenConfig with TCP keepalive. BSD-derived
// systems already allow rebinding a port in TIME_WAIT.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{KeepAlive: 15 * time.Second}
}

// enableBroadcast is a no-op here; unicast discovery still works.
func enableBroadcast(*net.UDPConn) {}
