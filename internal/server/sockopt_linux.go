//go:build linux

package server

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// bindToDevice returns a socket control hook pinning the socket to iface.
func bindToDevice(iface string) func(network, address string, c syscall.RawConn) error {
	if iface == "" {
		return nil
	}

	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.BindToDevice(int(fd), iface)
		})
		if err != nil {
			return err
		}
		if sockErr != nil {
			return fmt.Errorf("failed to bind %s socket to %s: %w", network, iface, sockErr)
		}
		return nil
	}
}
