// Package transport exposes reliable byte-stream connectivity as a small
// capability set — connect, listen, accept, send, recv, close — so that
// the file-transfer application logic in pkg/fileapp can run unmodified
// over either of two concrete transports: the datagram-reliability
// protocol in pkg/rudp, or a plain kernel TCP socket used as a baseline
// for comparison.
package transport

import (
	"context"
	"net"
)

// Conn is one established connection, client or server side.
type Conn interface {
	// Send writes data, chunking and queueing as the underlying
	// transport requires. It returns the number of bytes accepted.
	Send(data []byte) (int, error)

	// Recv blocks until at least one byte is available and returns up
	// to n bytes. An empty, nil-error result means the peer has closed
	// the connection and no more data will arrive.
	Recv(ctx context.Context, n int) ([]byte, error)

	// Close performs a graceful shutdown of the connection.
	Close(ctx context.Context) error

	RemoteAddr() net.Addr
}

// Dialer is the client side of a transport: establish one Conn to addr.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Listener is the server side of a transport: bind once, Accept many.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}
