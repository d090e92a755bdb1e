package rudp

import (
	"math/rand"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// lossyProxy sits between exactly one client and the real server address,
// forwarding datagrams in both directions while applying a caller-supplied
// drop decision. It exists so tests can exercise retransmission without
// depending on an actually-lossy network.
type lossyProxy struct {
	t          *testing.T
	pc         *net.UDPConn
	serverAddr *net.UDPAddr
	drop       func(fromClient bool, n int) bool

	mu         sync.Mutex
	clientAddr *net.UDPAddr
	clientN    int
	serverN    int

	stop chan struct{}
}

func newLossyProxy(t *testing.T, serverAddr string, drop func(fromClient bool, n int) bool) *lossyProxy {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", serverAddr)
	require.NoError(t, err)
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	p := &lossyProxy{t: t, pc: pc, serverAddr: addr, drop: drop, stop: make(chan struct{})}
	go p.run()
	return p
}

func (p *lossyProxy) addr() string { return p.pc.LocalAddr().String() }

func (p *lossyProxy) run() {
	buf := make([]byte, MaxPacketSize)
	for {
		n, from, err := p.pc.ReadFromUDP(buf)
		if err != nil {
			return
		}
		payload := append([]byte(nil), buf[:n]...)

		p.mu.Lock()
		fromClient := p.clientAddr == nil || from.String() == p.clientAddr.String()
		if fromClient {
			p.clientAddr = from
			p.clientN++
		} else {
			p.serverN++
		}
		drop := p.drop != nil && p.drop(fromClient, map[bool]int{true: p.clientN, false: p.serverN}[fromClient])
		dst := p.serverAddr
		if !fromClient {
			dst = p.clientAddr
		}
		p.mu.Unlock()

		if drop {
			continue
		}
		if _, err := p.pc.WriteToUDP(payload, dst); err != nil {
			return
		}
	}
}

func (p *lossyProxy) Close() error {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	return p.pc.Close()
}

// dropEveryNth drops every nth packet flowing in the given direction.
func dropEveryNth(n int, fromClientOnly, fromServerOnly bool) func(bool, int) bool {
	return func(fromClient bool, count int) bool {
		if fromClientOnly && !fromClient {
			return false
		}
		if fromServerOnly && fromClient {
			return false
		}
		return count%n == 0
	}
}

// dropRandomly drops packets in the given direction with probability p,
// using a fixed seed so test runs are deterministic.
func dropRandomly(p float64, fromClientOnly, fromServerOnly bool) func(bool, int) bool {
	r := rand.New(rand.NewSource(42))
	return func(fromClient bool, _ int) bool {
		if fromClientOnly && !fromClient {
			return false
		}
		if fromServerOnly && fromClient {
			return false
		}
		return r.Float64() < p
	}
}
