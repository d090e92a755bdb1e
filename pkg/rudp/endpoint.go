package rudp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

type role int

const (
	roleClient role = iota
	roleServer
)

// status is the connection state machine: SYN-SENT and SYN-RECEIVED are the
// handshaking pair distinguished by role, then ESTABLISHED, CLOSING, CLOSED.
type status int32

const (
	statusSynSent status = iota
	statusSynReceived
	statusEstablished
	statusClosing
	statusClosed
)

func (s status) String() string {
	switch s {
	case statusSynSent:
		return "SYN-SENT"
	case statusSynReceived:
		return "SYN-RECEIVED"
	case statusEstablished:
		return "ESTABLISHED"
	case statusClosing:
		return "CLOSING"
	case statusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Endpoint is a single reliable-transport connection: one per connected
// peer, on both the client and the server side. All exported methods are
// safe for concurrent use.
type Endpoint struct {
	cfg  Config
	role role
	id   string // short tag used in log lines, e.g. "client 10.0.0.4:53211 3f9c2a1b"
	conn net.Conn

	// mu ("transmit_lock") guards status, sendSeq, inFlight, sendOverflow
	// and stopTransmission. It is held for the duration of Send and for
	// the duration of processing any single received packet.
	mu               sync.Mutex
	status           status
	sendSeq          uint32
	inFlight         []Packet
	sendOverflow     []Packet
	stopTransmission bool
	finRetryBudget   int
	finRetryLastTick int64 // UnixNano of the last finRetryBudget decrement
	retransmitRounds int
	stallErr         error
	establishedCond  *sync.Cond
	canCloseCond     *sync.Cond
	finAckedCond     *sync.Cond

	// recvMu ("recv_seq_lock") guards recvSeq and recvBuffer. May be
	// acquired while mu is held; the reverse must never happen.
	recvMu     sync.Mutex
	recvSeq    uint32
	recvBuffer []byte
	recvCond   *sync.Cond

	ctx       context.Context
	cancel    context.CancelFunc
	group     *dgroup.Group
	closeOnce sync.Once
}

func newEndpoint(parent context.Context, r role, conn net.Conn, cfg Config) *Endpoint {
	cfg = cfg.normalized()
	ctx, cancel := context.WithCancel(dcontext.WithSoftness(parent))
	tag := "client"
	if r == roleServer {
		tag = "server"
	}
	e := &Endpoint{
		cfg:            cfg,
		role:           r,
		id:             tag + " " + conn.RemoteAddr().String() + " " + uuid.NewString()[:8],
		conn:           conn,
		finRetryBudget: cfg.FinRetryBudget,
		ctx:            ctx,
		cancel:         cancel,
	}
	e.establishedCond = sync.NewCond(&e.mu)
	e.canCloseCond = sync.NewCond(&e.mu)
	e.finAckedCond = sync.NewCond(&e.mu)
	e.recvCond = sync.NewCond(&e.recvMu)
	e.group = dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: false,
	})
	return e
}

// Dial performs the client side of the three-way handshake. It blocks until
// the SYN+ACK has arrived and been acknowledged, or the context is
// cancelled, or the underlying datagram send fails (ErrConnectFailed).
func Dial(ctx context.Context, network, addr string, cfg Config) (*Endpoint, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, errors.Wrap(ErrConnectFailed, err.Error())
	}
	e := newEndpoint(ctx, roleClient, conn, cfg)
	e.status = statusSynSent

	e.group.Go("receiver", func(ctx context.Context) error { e.receiveLoop(ctx); return nil })
	e.group.Go("retransmitter", func(ctx context.Context) error { e.retransmitLoop(ctx); return nil })

	syn := Syn()
	e.mu.Lock()
	e.inFlight = append(e.inFlight, stamped(syn))
	e.mu.Unlock()
	if err := e.transmit(syn); err != nil {
		e.hardStop()
		return nil, errors.Wrap(ErrConnectFailed, err.Error())
	}

	if err := e.waitEstablished(ctx); err != nil {
		e.hardStop()
		return nil, err
	}
	return e, nil
}

func stamped(p Packet) Packet {
	p.SentAt = time.Now().UnixNano()
	return p
}

func (e *Endpoint) waitEstablished(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.mu.Lock()
		for e.status != statusEstablished && e.status != statusClosed {
			e.establishedCond.Wait()
		}
		e.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		e.mu.Lock()
		st := e.status
		e.mu.Unlock()
		if st != statusEstablished {
			return ErrConnectFailed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RemoteAddr returns the peer's address.
func (e *Endpoint) RemoteAddr() net.Addr { return e.conn.RemoteAddr() }

// Send splits data into MaxPayloadSize chunks and either transmits each
// chunk immediately (if the window has room) or queues it in the overflow
// FIFO. It never blocks and never drops bytes; it always reports the full
// length of data as accepted, unless the endpoint has already reached
// CLOSED, in which case it returns ErrClosed.
func (e *Endpoint) Send(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == statusClosed {
		return 0, ErrClosed
	}

	for start := 0; start < len(data); start += MaxPayloadSize {
		end := start + MaxPayloadSize
		if end > len(data) {
			end = len(data)
		}
		chunk := append([]byte(nil), data[start:end]...)

		e.sendSeq++
		ack := e.currentRecvSeq()
		pkt := stamped(Data(e.sendSeq, ack, chunk))

		if len(e.inFlight) < e.cfg.WindowSize {
			e.inFlight = append(e.inFlight, pkt)
			if err := e.transmit(pkt); err != nil {
				dlog.Errorf(e.ctx, "   CON %s, send failed: %v", e.id, err)
			}
		} else {
			e.sendOverflow = append(e.sendOverflow, pkt)
		}
	}
	return len(data), nil
}

// currentRecvSeq must be called with mu held; it nests recvMu inside mu,
// the only permitted lock order.
func (e *Endpoint) currentRecvSeq() uint32 {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()
	return e.recvSeq
}

// Recv blocks until at least one byte is available, then returns at most n
// bytes from the head of the receive buffer. Safe against spurious
// wakeups. Once the endpoint is closed and its buffer drained, Recv
// returns ErrStalled if the retransmitter gave up on the peer; otherwise,
// for a clean close, it returns (nil, nil), matching the transport.Conn
// contract's peer-closed sentinel (the same one kernelConn.Recv uses for a
// plain TCP EOF).
func (e *Endpoint) Recv(ctx context.Context, n int) ([]byte, error) {
	done := make(chan struct{})
	var out []byte
	go func() {
		e.recvMu.Lock()
		for len(e.recvBuffer) == 0 && !e.isClosed() {
			e.recvCond.Wait()
		}
		if len(e.recvBuffer) > 0 {
			if n > len(e.recvBuffer) {
				n = len(e.recvBuffer)
			}
			out = e.recvBuffer[:n]
			e.recvBuffer = e.recvBuffer[n:]
		}
		e.recvMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		if len(out) == 0 && e.isClosed() {
			if err := e.stalledErr(); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status == statusClosed
}

// stalledErr reports ErrStalled if the retransmitter gave up on the peer,
// so a Recv that wakes on a closed-but-empty buffer can distinguish a
// stalled connection from a clean close.
func (e *Endpoint) stalledErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stallErr
}

// Close implements the graceful close handshake. For a client it blocks
// until the peer's FIN+ACK has been received. For a server it returns
// immediately: per the source material, the server side never initiates a
// FIN of its own — teardown happens passively once the client's FIN
// arrives and the retransmission thread's retry budget is exhausted.
func (e *Endpoint) Close(ctx context.Context) error {
	if e.role == roleServer {
		return nil
	}

	e.mu.Lock()
	for !(len(e.inFlight) == 0 && len(e.sendOverflow) == 0) {
		e.canCloseCond.Wait()
	}
	fin := stamped(Fin())
	e.inFlight = append(e.inFlight, fin)
	e.status = statusClosing
	e.mu.Unlock()

	if err := e.transmit(fin); err != nil {
		dlog.Errorf(e.ctx, "   CON %s, FIN send failed: %v", e.id, err)
	}

	done := make(chan struct{})
	go func() {
		e.mu.Lock()
		for !e.stopTransmission && e.status != statusClosed {
			e.finAckedCond.Wait()
		}
		e.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		var result *multierror.Error
		result = multierror.Append(result, ctx.Err())
		if closeErr := e.hardStop(); closeErr != nil {
			result = multierror.Append(result, closeErr)
		}
		return result.ErrorOrNil()
	}
	return e.hardStop()
}

// hardStop cancels the endpoint's goroutines and releases the socket. It
// is idempotent; the underlying close error is only reported by whichever
// call actually performs the teardown.
func (e *Endpoint) hardStop() error {
	var closeErr error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.status = statusClosed
		e.mu.Unlock()
		e.establishedCond.Broadcast()
		e.finAckedCond.Broadcast()
		e.canCloseCond.Broadcast()
		e.recvCond.Broadcast()
		e.cancel()
		closeErr = e.conn.Close()
	})
	return closeErr
}

func (e *Endpoint) transmit(p Packet) error {
	_, err := e.conn.Write(p.Encode())
	return err
}

func (e *Endpoint) receiveLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			dlog.Errorf(ctx, "   CON %s: %+v", e.id, derror.PanicToError(r))
		}
	}()
	buf := make([]byte, MaxPacketSize)
	for {
		n, err := e.conn.Read(buf)
		if err != nil {
			dlog.Debugf(ctx, "   CON %s receiver stopped: %v", e.id, err)
			return
		}
		pkt, err := Decode(buf[:n])
		if err != nil {
			dlog.Tracef(ctx, "   CON %s dropped malformed packet", e.id)
			continue
		}
		e.mu.Lock()
		e.process(ctx, pkt)
		e.mu.Unlock()
	}
}

// process dispatches a received packet against the current state. Called
// with mu held.
func (e *Endpoint) process(ctx context.Context, pkt Packet) {
	switch e.status {
	case statusClosed:
		return
	case statusSynSent:
		e.processSynSent(ctx, pkt)
	case statusSynReceived:
		e.processSynReceived(ctx, pkt)
	case statusEstablished:
		e.processEstablished(ctx, pkt)
	case statusClosing:
		e.processClosing(ctx, pkt)
	default:
		dlog.Debugf(ctx, "   CON %s, packet in unhandled status %s", e.id, e.status)
	}
}

func (e *Endpoint) processSynSent(ctx context.Context, pkt Packet) {
	if pkt.IsSynAck() && pkt.Ack == 0 {
		e.removeAcked(0)
		e.setStatus(ctx, statusEstablished)
		e.establishedCond.Broadcast()
		if err := e.transmit(Ack(0, 0)); err != nil {
			dlog.Errorf(ctx, "   CON %s, ACK send failed: %v", e.id, err)
		}
		return
	}
	dlog.Debugf(ctx, "   CON %s, unexpected packet in SYN-SENT, flags=%d", e.id, pkt.Flags)
}

func (e *Endpoint) processSynReceived(ctx context.Context, pkt Packet) {
	switch {
	case pkt.IsSyn():
		dlog.Debugf(ctx, "   CON %s, duplicate SYN, resending SYN+ACK", e.id)
		if err := e.transmit(SynAck()); err != nil {
			dlog.Errorf(ctx, "   CON %s, SYN+ACK resend failed: %v", e.id, err)
		}
	case pkt.IsAck() && pkt.Ack == 0:
		e.removeAcked(0)
		e.setStatus(ctx, statusEstablished)
		e.establishedCond.Broadcast()
	case pkt.IsData() && pkt.Seq == 1:
		dlog.Debugf(ctx, "   CON %s, handshake ACK lost, established via first DATA", e.id)
		e.removeAcked(0)
		e.setStatus(ctx, statusEstablished)
		e.establishedCond.Broadcast()
		e.handleData(ctx, pkt)
	default:
		dlog.Debugf(ctx, "   CON %s, unexpected packet in SYN-RECEIVED, flags=%d", e.id, pkt.Flags)
	}
}

func (e *Endpoint) processEstablished(ctx context.Context, pkt Packet) {
	switch {
	case pkt.IsAck():
		e.handleAck(ctx, pkt)
	case pkt.IsData():
		e.handleData(ctx, pkt)
	case pkt.IsFin() && e.role == roleServer:
		if err := e.transmit(FinAck()); err != nil {
			dlog.Errorf(ctx, "   CON %s, FIN+ACK send failed: %v", e.id, err)
		}
		e.stopTransmission = true
		e.finRetryLastTick = time.Now().UnixNano()
		dlog.Debugf(ctx, "   CON %s, FIN received, stopping transmission", e.id)
	default:
		dlog.Debugf(ctx, "   CON %s, unexpected packet in ESTABLISHED, flags=%d", e.id, pkt.Flags)
	}
}

func (e *Endpoint) processClosing(ctx context.Context, pkt Packet) {
	if pkt.IsFinAck() {
		e.removeAcked(maxSeqOf(e.inFlight))
		e.stopTransmission = true
		e.finAckedCond.Broadcast()
		dlog.Debugf(ctx, "   CON %s, FIN+ACK received", e.id)
		return
	}
	dlog.Debugf(ctx, "   CON %s, unexpected packet in CLOSING, flags=%d", e.id, pkt.Flags)
}

func maxSeqOf(pkts []Packet) uint32 {
	var m uint32
	for _, p := range pkts {
		if p.Seq > m {
			m = p.Seq
		}
	}
	return m
}

// handleAck implements cumulative-ACK removal, overflow drain and the
// can-close signal. Called with mu held.
func (e *Endpoint) handleAck(ctx context.Context, pkt Packet) {
	before := len(e.inFlight)
	e.removeAcked(pkt.Ack)
	if len(e.inFlight) < before {
		e.retransmitRounds = 0
	}

	for len(e.sendOverflow) > 0 && len(e.inFlight) < e.cfg.WindowSize {
		next := e.sendOverflow[0]
		e.sendOverflow = e.sendOverflow[1:]
		next.Ack = e.currentRecvSeq()
		next = stamped(next)
		e.inFlight = append(e.inFlight, next)
		if err := e.transmit(next); err != nil {
			dlog.Errorf(ctx, "   CON %s, overflow send failed: %v", e.id, err)
		}
	}

	if len(e.inFlight) == 0 && len(e.sendOverflow) == 0 {
		e.canCloseCond.Broadcast()
	}
}

// removeAcked drops every in-flight packet with Seq <= ack. Called with mu
// held.
func (e *Endpoint) removeAcked(ack uint32) {
	kept := e.inFlight[:0]
	for _, p := range e.inFlight {
		if p.Seq > ack {
			kept = append(kept, p)
		}
	}
	e.inFlight = kept
}

// handleData implements the receiver-side Go-Back-N policy: deliver
// strictly in order, duplicate-ACK everything else. Called with mu held.
func (e *Endpoint) handleData(ctx context.Context, pkt Packet) {
	e.recvMu.Lock()
	switch {
	case pkt.Seq == e.recvSeq+1:
		e.recvBuffer = append(e.recvBuffer, pkt.Payload...)
		e.recvSeq = pkt.Seq
		e.recvMu.Unlock()
		e.recvCond.Broadcast()
		if err := e.transmit(Ack(e.sendSeq, pkt.Seq)); err != nil {
			dlog.Errorf(ctx, "   CON %s, ACK send failed: %v", e.id, err)
		}
	case pkt.Seq <= e.recvSeq:
		e.recvMu.Unlock()
		dlog.Tracef(ctx, "   CON %s, duplicate DATA seq %d, re-acking", e.id, pkt.Seq)
		if err := e.transmit(Ack(e.sendSeq, pkt.Seq)); err != nil {
			dlog.Errorf(ctx, "   CON %s, ACK send failed: %v", e.id, err)
		}
	default:
		rs := e.recvSeq
		e.recvMu.Unlock()
		dlog.Tracef(ctx, "   CON %s, out-of-order DATA seq %d, expected %d", e.id, pkt.Seq, rs+1)
		if err := e.transmit(Ack(e.sendSeq, rs)); err != nil {
			dlog.Errorf(ctx, "   CON %s, ACK send failed: %v", e.id, err)
		}
	}
}

func (e *Endpoint) setStatus(ctx context.Context, s status) {
	dlog.Debugf(ctx, "   CON %s, status %s -> %s", e.id, e.status, s)
	e.status = s
}

// retransmitLoop implements the Go-Back-N sender: on each tick, if any
// in-flight packet has aged past RTO, the whole window is resent.
func (e *Endpoint) retransmitLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			dlog.Errorf(ctx, "   CON %s: %+v", e.id, derror.PanicToError(r))
		}
	}()
	ticker := time.NewTicker(e.cfg.RetransmitTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.tick(ctx) {
				return
			}
		}
	}
}

// tick runs one retransmission-thread iteration; it returns true once the
// endpoint has torn itself down and the goroutine should exit.
func (e *Endpoint) tick(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == statusClosed {
		return true
	}

	if e.stopTransmission {
		if e.role == roleClient {
			e.mu.Unlock()
			e.hardStop()
			e.mu.Lock()
			return true
		}
		now := time.Now().UnixNano()
		if time.Duration(now-e.finRetryLastTick) < e.cfg.RTO {
			return false
		}
		e.finRetryLastTick = now
		e.finRetryBudget--
		dlog.Debugf(ctx, "   CON %s, closing, retry budget %d", e.id, e.finRetryBudget)
		if e.finRetryBudget <= 0 {
			e.mu.Unlock()
			e.hardStop()
			e.mu.Lock()
			return true
		}
		return false
	}

	now := time.Now().UnixNano()
	expired := false
	for _, p := range e.inFlight {
		if time.Duration(now-p.SentAt) > e.cfg.RTO {
			expired = true
			break
		}
	}
	if !expired {
		return false
	}
	e.retransmitRounds++
	if e.retransmitRounds > e.cfg.MaxRetransmits {
		dlog.Errorf(ctx, "   CON %s, giving up after %d retransmit rounds with no progress", e.id, e.retransmitRounds)
		e.stallErr = ErrStalled
		e.mu.Unlock()
		e.hardStop()
		e.mu.Lock()
		return true
	}
	for i, p := range e.inFlight {
		p.SentAt = now
		e.inFlight[i] = p
		dlog.Tracef(ctx, "   CON %s, retransmitting seq %d", e.id, p.Seq)
		if err := e.transmit(p); err != nil {
			dlog.Errorf(ctx, "   CON %s, retransmit failed: %v", e.id, err)
		}
	}
	return false
}
