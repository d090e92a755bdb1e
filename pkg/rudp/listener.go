package rudp

import (
	"context"
	"net"
	"sync"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
)

// Listener is the server side of the handshake: it owns one bound,
// unconnected datagram socket on which it only ever expects to see SYNs.
// Every SYN causes it to fork a brand-new, pre-connected socket bound to
// the same local address (via SO_REUSEADDR) but connected to that one
// peer; from then on the kernel routes that peer's traffic to the more
// specific forked socket and the listener's socket never sees it again.
type Listener struct {
	conn     *net.UDPConn
	laddr    *net.UDPAddr
	cfg      Config
	acceptCh chan *Endpoint

	// rootCtx is the lifetime root for forked endpoints; it outlives the
	// listener itself so that Close (which only stops accepting new
	// connections) never cancels connections already handed out.
	rootCtx context.Context

	ctx    context.Context
	cancel context.CancelFunc
	group  *dgroup.Group

	mu     sync.Mutex
	closed bool
}

// Listen binds laddr and starts the listening goroutine. Forked endpoints
// are not started until a matching Accept call claims them.
func Listen(ctx context.Context, laddr string, cfg Config) (*Listener, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, err
	}
	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(ctx, "udp", addr.String())
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)

	lctx, cancel := context.WithCancel(dcontext.WithSoftness(ctx))
	l := &Listener{
		conn:     conn,
		laddr:    addr,
		cfg:      cfg.normalized(),
		acceptCh: make(chan *Endpoint, 64),
		rootCtx:  dcontext.WithSoftness(ctx),
		ctx:      lctx,
		cancel:   cancel,
		group:    dgroup.NewGroup(lctx, dgroup.GroupConfig{EnableSignalHandling: false}),
	}
	l.group.Go("accept-loop", func(ctx context.Context) error {
		l.acceptLoop(ctx)
		return nil
	})
	return l, nil
}

// Addr returns the listener's bound local address.
func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

func (l *Listener) acceptLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			dlog.Errorf(ctx, "   LIS %s: %+v", l.laddr, derror.PanicToError(r))
		}
	}()
	buf := make([]byte, MaxPacketSize)
	for {
		n, peer, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			dlog.Debugf(ctx, "   LIS %s, accept loop stopped: %v", l.laddr, err)
			return
		}
		pkt, err := Decode(buf[:n])
		if err != nil {
			dlog.Tracef(ctx, "   LIS %s, dropped malformed packet from %s", l.laddr, peer)
			continue
		}
		if !pkt.IsSyn() {
			dlog.Debugf(ctx, "   LIS %s, dropped non-SYN from %s before fork", l.laddr, peer)
			continue
		}
		ep, err := l.fork(ctx, peer)
		if err != nil {
			dlog.Errorf(ctx, "   LIS %s, fork for %s failed: %v", l.laddr, peer, err)
			continue
		}
		select {
		case l.acceptCh <- ep:
		case <-ctx.Done():
			return
		}
	}
}

// fork dials out a new connected socket sharing the listener's local
// address, the Go analogue of the source's socket-duplication trick.
func (l *Listener) fork(ctx context.Context, peer *net.UDPAddr) (*Endpoint, error) {
	dialer := net.Dialer{LocalAddr: l.conn.LocalAddr(), Control: reuseAddrControl}
	conn, err := dialer.DialContext(ctx, "udp", peer.String())
	if err != nil {
		return nil, err
	}
	ep := newEndpoint(l.rootCtx, roleServer, conn, l.cfg)
	ep.status = statusSynReceived
	return ep, nil
}

// Accept blocks until a forked endpoint is available, sends its SYN+ACK,
// starts its receiver and retransmission goroutines, and waits for the
// handshake to complete before returning it.
func (l *Listener) Accept(ctx context.Context) (*Endpoint, error) {
	var ep *Endpoint
	select {
	case ep = <-l.acceptCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ctx.Done():
		return nil, ErrClosed
	}

	if err := l.transmitSynAck(ep); err != nil {
		dlog.Errorf(l.ctx, "   CON %s, SYN+ACK send failed: %v", ep.id, err)
	}
	ep.group.Go("receiver", func(ctx context.Context) error { ep.receiveLoop(ctx); return nil })
	ep.group.Go("retransmitter", func(ctx context.Context) error { ep.retransmitLoop(ctx); return nil })

	if err := ep.waitEstablished(ctx); err != nil {
		ep.hardStop()
		return nil, err
	}
	return ep, nil
}

func (l *Listener) transmitSynAck(ep *Endpoint) error {
	synAck := SynAck()
	ep.mu.Lock()
	ep.inFlight = append(ep.inFlight, stamped(synAck))
	ep.mu.Unlock()
	return ep.transmit(synAck)
}

// Close stops the accept loop and releases the bound socket. Endpoints
// already handed out via Accept are unaffected.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.cancel()
	return l.conn.Close()
}
