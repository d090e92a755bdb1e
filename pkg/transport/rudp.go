package transport

import (
	"context"

	"github.com/datawire-rft/reliable-ftp/pkg/rudp"
)

// RUDPDialer dials connections over the reliable-datagram protocol.
type RUDPDialer struct {
	Config rudp.Config
}

func (d RUDPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	ep, err := rudp.Dial(ctx, "udp", addr, d.Config)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// RUDPListener adapts *rudp.Listener to the Listener interface. Every
// *rudp.Endpoint already satisfies Conn, so Accept needs no wrapping.
type RUDPListener struct {
	*rudp.Listener
}

func ListenRUDP(ctx context.Context, laddr string, cfg rudp.Config) (RUDPListener, error) {
	l, err := rudp.Listen(ctx, laddr, cfg)
	if err != nil {
		return RUDPListener{}, err
	}
	return RUDPListener{Listener: l}, nil
}

func (l RUDPListener) Accept(ctx context.Context) (Conn, error) {
	ep, err := l.Listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return ep, nil
}
