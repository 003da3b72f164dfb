//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

// FILE: internal/sys/sockopt/sockopt_other.go
package sockopt

import "syscall"

// ListenControl 在其他平台上不设置任何选项
func ListenControl(network, address string, c syscall.RawConn) error {
	return nil
}
