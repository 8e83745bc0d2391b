// ABOUTME: Windows-specific socket options for SO_REUSEADDR
// ABOUTME: Lets a restarted server rebind its WebSocket port immediately
//go:build windows

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
	// On Windows, fd needs to be cast to syscall.Handle
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
