//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

// FILE: internal/sys/sockopt/sockopt_bsdlinux.go
package sockopt

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenControl is a net.ListenConfig Control hook for the responder's
// listening socket. SO_REUSEADDR lets a restarted process rebind while old
// connections sit in TIME_WAIT; SO_REUSEPORT is cleared so that a second
// bind to the same address in this process still fails.
func ListenControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if opErr = setReuseAddr(fd); opErr != nil {
			return
		}
		opErr = clearReusePort(fd)
	})
	if err != nil {
		return err
	}
	return opErr
}

func setReuseAddr(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	return nil
}

func clearReusePort(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 0); err != nil {
		return fmt.Errorf("failed to clear SO_REUSEPORT: %w", err)
	}
	return nil
}
