package enclave

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/tee-enclave-bootstrap/atls"
	"github.com/ruteri/tee-enclave-bootstrap/policy"
)

// backendLink dials the backend role with the material and policy fixed at start. It owns
// every channel it hands out so release can close the latest one.
type backendLink struct {
	address   string
	resolver  AddressResolver
	tlsConfig *tls.Config
	policy    *policy.PeerTrustPolicy
	log       *slog.Logger

	mu      sync.Mutex
	current *atls.Channel
	closed  bool
}

// dial resolves the backend address again and opens a fresh channel, replacing the
// previous one.
func (b *backendLink) dial(ctx context.Context) (*atls.Channel, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, atls.ErrChannelClosed
	}

	address, err := b.resolver.Resolve(ctx, b.address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve backend: %w", err)
	}

	ch, err := atls.Connect(ctx, address, b.tlsConfig, b.policy)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch.Close()
		return nil, atls.ErrChannelClosed
	}
	if b.current != nil {
		b.current.Close()
	}
	b.current = ch

	b.log.Info("Connected to backend", "role", ch.Peer().Role, "address", address)
	return ch, nil
}

// channel returns the latest channel, nil before the first dial.
func (b *backendLink) channel() *atls.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *backendLink) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	if b.current == nil {
		return nil
	}
	err := b.current.Close()
	b.current = nil
	return err
}
