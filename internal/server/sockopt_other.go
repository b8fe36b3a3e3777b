//go:build !linux

package server

import (
	"fmt"
	"syscall"
)

func bindToDevice(iface string) func(network, address string, c syscall.RawConn) error {
	if iface == "" {
		return nil
	}

	return func(network, address string, c syscall.RawConn) error {
		return fmt.Errorf("binding to interface %s is only supported on Linux", iface)
	}
}
