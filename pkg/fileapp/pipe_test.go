package fileapp

import (
	"context"
	"net"
	"sync"
)

// pipeConn is an in-memory transport.Conn test double: a byte-stream pipe
// with independent send/recv channels, enough to drive the handshake and
// bulk-transfer logic without a real datagram transport underneath.
type pipeConn struct {
	out chan []byte
	in  chan []byte

	mu     sync.Mutex
	buffer []byte
}

func newPipePair() (*pipeConn, *pipeConn) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	return &pipeConn{out: a, in: b}, &pipeConn{out: b, in: a}
}

func (p *pipeConn) Send(data []byte) (int, error) {
	buf := append([]byte(nil), data...)
	p.out <- buf
	return len(data), nil
}

func (p *pipeConn) Recv(ctx context.Context, n int) ([]byte, error) {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		select {
		case buf, ok := <-p.in:
			if !ok {
				return nil, nil
			}
			p.mu.Lock()
			p.buffer = append(p.buffer, buf...)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n > len(p.buffer) {
		n = len(p.buffer)
	}
	out := p.buffer[:n]
	p.buffer = p.buffer[n:]
	p.mu.Unlock()
	return out, nil
}

func (p *pipeConn) Close(_ context.Context) error {
	return nil
}

func (p *pipeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
}
