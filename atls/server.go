package atls

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
	"github.com/ruteri/tee-enclave-bootstrap/policy"
)

// ServerConfig configures an attested server.
type ServerConfig struct {
	ListenAddr string
	TLSConfig  *tls.Config
	Policy     *policy.PeerTrustPolicy
	Handler    http.Handler
	Log        *slog.Logger

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	// IdleTimeout closes keep-alive connections without requests, ReadTimeout when zero.
	IdleTimeout time.Duration
}

// Server accepts TCP connections, runs the attested handshake on each in its own
// goroutine and serves HTTP on the connections whose peer was admitted.
type Server struct {
	cfg  ServerConfig
	log  *slog.Logger
	http *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	ready      chan struct{}
	mu         sync.Mutex
	listener   net.Listener
	conns      *connListener
	handshakes sync.WaitGroup
}

// NewServer creates a server. It does not bind until Serve is called.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.TLSConfig == nil || cfg.Policy == nil || cfg.Handler == nil {
		return nil, errors.New("attested server requires a TLS config, a policy and a handler")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		log:    cfg.Log,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}

	s.http = &http.Server{
		Handler:      cfg.Handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(cfg.Log.Handler(), slog.LevelWarn),
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if pc, ok := c.(*peerConn); ok {
				return ContextWithPeer(ctx, pc.peer)
			}
			return ctx
		},
	}

	return s, nil
}

// Ready is closed once the server is bound and accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, nil before the server is ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve binds the listen address and serves until Shutdown. A bind failure is returned
// immediately. After a clean shutdown Serve returns nil.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("could not bind %s: %w", s.cfg.ListenAddr, err)
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.conns = newConnListener(ln.Addr())
	s.mu.Unlock()

	httpDone := make(chan error, 1)
	go func() {
		httpDone <- s.http.Serve(s.conns)
	}()

	s.log.Info("Starting attested server", "listenAddress", ln.Addr().String(), "accepted", len(s.cfg.Policy.Accepted()))
	close(s.ready)

	acceptErr := s.acceptLoop(ln)
	if acceptErr != nil {
		s.cancel()
		s.http.Close()
	}

	s.conns.Close()
	s.handshakes.Wait()
	if err := <-httpDone; err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		s.log.Error("HTTP serving failed", "err", err)
	}

	if acceptErr != nil {
		return acceptErr
	}
	s.log.Info("Attested server stopped", "listenAddress", ln.Addr().String())
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) error {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.log.Warn("Accept failed, retrying", "err", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		backoff = 0

		s.handshakes.Add(1)
		go func() {
			defer s.handshakes.Done()
			s.handshake(conn)
		}()
	}
}

// handshake admits one connection. A rejected peer only loses its own connection.
func (s *Server) handshake(raw net.Conn) {
	var peer interfaces.PeerIdentity

	cfg := s.cfg.TLSConfig.Clone()
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		id, err := s.cfg.Policy.Verify(cs.PeerCertificates)
		if err != nil {
			return err
		}
		peer = id
		return nil
	}

	conn := tls.Server(raw, cfg)

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	if err := conn.HandshakeContext(ctx); err != nil {
		s.log.Warn("Rejected connection", "remoteAddr", raw.RemoteAddr().String(), "err", err)
		conn.Close()
		return
	}

	s.log.Debug("Accepted attested peer", "remoteAddr", raw.RemoteAddr().String(), "role", peer.Role)

	if !s.conns.push(&peerConn{Conn: conn, peer: peer}) {
		conn.Close()
	}
}

// Shutdown stops accepting, aborts in-flight handshakes and drains active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	ln, conns := s.listener, s.conns
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
		conns.Close()
	}
	return s.http.Shutdown(ctx)
}
