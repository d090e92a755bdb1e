//go:build windows

package rudp

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// reuseAddrControl is the Windows counterpart of the unix implementation;
// see socket_unix.go for why this is needed.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
