//go:build !windows

package rudp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl is installed as the Control hook on the net.ListenConfig
// and net.Dialer used to bind the listener's socket and each forked
// per-peer socket. Setting SO_REUSEADDR lets several UDP sockets share the
// server's local (host, port): the wildcard listening socket that only
// ever sees SYNs, and one connected socket per peer forked off it, each
// with a distinct (local, remote) 4-tuple that the kernel demultiplexes on
// without any contention in this package.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
