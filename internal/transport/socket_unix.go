//go:build !windows

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSocketOptions lets several responders on the host bind 5353.
// SO_REUSEPORT is attempted but not required; Linux before 3.9 lacks it.
func setSocketOptions(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	return nil
}

func control(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) { sockErr = setSocketOptions(fd) }); err != nil {
		return err
	}
	return sockErr
}
