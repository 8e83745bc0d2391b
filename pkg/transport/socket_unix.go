// ABOUTME: Unix-specific socket options for SO_REUSEADDR
// ABOUTME: Lets a restarted server rebind its WebSocket port immediately
//go:build unix || linux || darwin

package transport

import (
	"syscall"
)

// reuseAddr is a net.ListenConfig Control hook enabling SO_REUSEADDR.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = setSocketOptions(fd)
	}); err != nil {
		return err
	}
	return sockErr
}

// setSocketOptions sets platform-specific socket options
func setSocketOptions(fd uintptr) error {
	// Set SO_REUSEADDR to allow quick restart
	return syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
