package atls

import (
	"context"
	"net"
	"sync"

	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

type peerContextKey struct{}

// PeerFromContext returns the verified identity of the peer that sent a request
// served by Server.
func PeerFromContext(ctx context.Context) (interfaces.PeerIdentity, bool) {
	peer, ok := ctx.Value(peerContextKey{}).(interfaces.PeerIdentity)
	return peer, ok
}

// ContextWithPeer returns a copy of ctx carrying the verified peer identity.
func ContextWithPeer(ctx context.Context, peer interfaces.PeerIdentity) context.Context {
	return context.WithValue(ctx, peerContextKey{}, peer)
}

// peerConn is a handshaken connection together with the identity it attested to.
type peerConn struct {
	net.Conn
	peer interfaces.PeerIdentity
}

// connListener hands verified connections to an http.Server.
type connListener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newConnListener(addr net.Addr) *connListener {
	return &connListener{
		addr:  addr,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.addr
}

// push blocks until the connection is accepted or the listener is closed.
func (l *connListener) push(c net.Conn) bool {
	select {
	case l.conns <- c:
		return true
	case <-l.done:
		return false
	}
}
