package rudp

import "github.com/pkg/errors"

// ErrConnectFailed is returned by Dial when the peer is unreachable at
// the datagram layer (the OS refuses the send, or the address cannot be
// resolved).
var ErrConnectFailed = errors.New("rudp: connect failed, peer unreachable")

// ErrStalled is the "give up" signal for a connection whose retransmission
// retry budget has been exhausted without forward progress.
var ErrStalled = errors.New("rudp: connection stalled, retry budget exhausted")

// ErrClosed is returned by Send once the endpoint has reached CLOSED, and
// by Listener.Accept once the listener itself has been closed. A closed
// endpoint's Recv reports a clean close as (nil, nil) instead, matching
// the transport.Conn contract's peer-closed sentinel.
var ErrClosed = errors.New("rudp: endpoint closed")
