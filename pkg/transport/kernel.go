package transport

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"
)

// kernelConn wraps a plain *net.TCPConn so it satisfies Conn, giving the
// tcp-server/tcp-client binaries a baseline that relies entirely on the
// kernel's own reliability instead of pkg/rudp.
type kernelConn struct {
	conn *net.TCPConn
}

func (k kernelConn) Send(data []byte) (int, error) {
	return k.conn.Write(data)
}

func (k kernelConn) Recv(ctx context.Context, n int) ([]byte, error) {
	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, n)
		nr, err := k.conn.Read(buf)
		if err != nil {
			done <- result{nil, err}
			return
		}
		done <- result{buf[:nr], nil}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				return nil, nil
			}
			return nil, r.err
		}
		return r.buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (k kernelConn) Close(_ context.Context) error {
	return k.conn.Close()
}

func (k kernelConn) RemoteAddr() net.Addr {
	return k.conn.RemoteAddr()
}

// KernelDialer dials plain TCP connections.
type KernelDialer struct{}

func (KernelDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "tcp dial")
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, errors.New("tcp dial: unexpected connection type")
	}
	return kernelConn{conn: tcpConn}, nil
}

// KernelListener binds a plain TCP listening socket.
type KernelListener struct {
	ln *net.TCPListener
}

func ListenKernel(laddr string) (*KernelListener, error) {
	addr, err := net.ResolveTCPAddr("tcp", laddr)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &KernelListener{ln: ln}, nil
}

func (k *KernelListener) Accept(ctx context.Context) (Conn, error) {
	type result struct {
		conn *net.TCPConn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := k.ln.AcceptTCP()
		done <- result{conn, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return kernelConn{conn: r.conn}, nil
	case <-ctx.Done():
		_ = k.ln.Close()
		return nil, ctx.Err()
	}
}

func (k *KernelListener) Addr() net.Addr { return k.ln.Addr() }

func (k *KernelListener) Close() error { return k.ln.Close() }
