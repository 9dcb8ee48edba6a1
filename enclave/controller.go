// Package enclave sequences the bootstrap of an attested service: manifest verification,
// trust policy derivation, attestation, backend connection and the attested server.
//
// The host drives the controller through three commands, one at a time:
//
//	init_enclave      Uninitialized -> Initialized
//	start_service     Initialized   -> Running
//	finalize_enclave  any non-terminal state -> Finalized
//
// Any failure while starting moves the controller to Failed. The host only ever
// receives interfaces.ErrServiceError for it; the cause is logged.
package enclave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ruteri/tee-enclave-bootstrap/atls"
	"github.com/ruteri/tee-enclave-bootstrap/attestation"
	"github.com/ruteri/tee-enclave-bootstrap/config"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
	"github.com/ruteri/tee-enclave-bootstrap/manifest"
	"github.com/ruteri/tee-enclave-bootstrap/policy"
	"github.com/ruteri/tee-enclave-bootstrap/serviceresolver"
	"github.com/ruteri/tee-enclave-bootstrap/storage"
	"go.uber.org/atomic"
)

// Services is what a service handler is built from once the enclave is attested.
type Services struct {
	Build   *config.BuildConfig
	Runtime *config.RuntimeConfig
	// Backend is the attested channel to the backend role, nil when the build has none.
	Backend *atls.Channel
	// DialBackend opens a replacement for a closed Backend channel with the same
	// attestation and policy. Nil when the build has no backend.
	DialBackend    func(ctx context.Context) (*atls.Channel, error)
	StorageFactory *storage.StorageBackendFactory
	Log            *slog.Logger
}

// HandlerBuilder creates the request handler served on the attested surface.
type HandlerBuilder func(ctx context.Context, svc Services) (http.Handler, error)

// AddressResolver resolves the backend's advertised address.
type AddressResolver interface {
	Resolve(ctx context.Context, address string) (string, error)
}

// Controller is the enclave lifecycle state machine.
type Controller struct {
	build    *config.BuildConfig
	log      *slog.Logger
	handlers HandlerBuilder

	factory        *attestation.Factory
	storageFactory *storage.StorageBackendFactory
	resolver       AddressResolver
	ready          *atomic.Bool

	shutdownTimeout time.Duration
	idleTimeout     time.Duration

	mu      sync.Mutex
	state   State
	server  *atls.Server
	backend *backendLink
	done    chan struct{}
}

// NewController creates a controller for one enclave build.
func NewController(build *config.BuildConfig, log *slog.Logger, handlers HandlerBuilder) *Controller {
	c := &Controller{
		build:           build,
		log:             log,
		handlers:        handlers,
		storageFactory:  storage.NewStorageBackendFactory(log),
		resolver:        serviceresolver.New(log),
		ready:           atomic.NewBool(false),
		shutdownTimeout: 30 * time.Second,
	}
	c.factory = attestation.NewFactory(log).WithCommonName(string(c.role()))
	if build != nil {
		c.factory = c.factory.WithDevMeasurements(build.DevMeasurements)
	}
	return c
}

func (c *Controller) role() interfaces.PeerRole {
	if c.build == nil {
		return ""
	}
	return c.build.Role
}

// WithAttestationFactory replaces the attestation factory.
func (c *Controller) WithAttestationFactory(f *attestation.Factory) *Controller {
	c.factory = f
	return c
}

// WithResolver replaces the backend address resolver.
func (c *Controller) WithResolver(r AddressResolver) *Controller {
	c.resolver = r
	return c
}

// WithReadiness sets the flag reporting whether the service is running.
func (c *Controller) WithReadiness(ready *atomic.Bool) *Controller {
	c.ready = ready
	return c
}

// WithShutdownTimeout bounds draining of the attested server on Finalize.
func (c *Controller) WithShutdownTimeout(d time.Duration) *Controller {
	c.shutdownTimeout = d
	return c
}

// WithIdleTimeout closes attested connections idle for longer than d. Zero uses the
// read timeout.
func (c *Controller) WithIdleTimeout(d time.Duration) *Controller {
	c.idleTimeout = d
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Addr returns the address of the attested server, nil unless running.
func (c *Controller) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil {
		return nil
	}
	return c.server.Addr()
}

// Init performs process-wide setup.
func (c *Controller) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUninitialized {
		return fmt.Errorf("%w: init in state %s", interfaces.ErrInvalidState, c.state)
	}

	if c.build == nil || c.handlers == nil {
		c.state = StateFailed
		c.log.Error("Enclave initialization failed", "err", "missing build configuration or handler")
		return errors.New("enclave initialization failed")
	}

	c.state = StateInitialized
	c.log.Info("Enclave initialized", "profile", c.build.Profile, "role", c.build.Role)
	return nil
}

// StartService runs the bootstrap sequence and returns once the attested server accepts
// connections. It is accepted only once, from Initialized; any other state, Running
// included, is rejected with interfaces.ErrInvalidState and leaves the state unchanged.
// Every start failure is reported as interfaces.ErrServiceError.
func (c *Controller) StartService(ctx context.Context, rc *config.RuntimeConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateInitialized {
		return fmt.Errorf("%w: start in state %s", interfaces.ErrInvalidState, c.state)
	}

	start := time.Now()
	if err := c.start(ctx, rc); err != nil {
		c.log.Error("Service failed to start", "err", err, "kind", errorKind(err))
		c.release()
		c.state = StateFailed
		return interfaces.ErrServiceError
	}

	c.state = StateRunning
	c.ready.Store(true)
	c.log.Info("Service started", "listenAddress", c.server.Addr().String(), "duration", time.Since(start))
	return nil
}

func (c *Controller) start(ctx context.Context, rc *config.RuntimeConfig) error {
	if rc == nil {
		return errors.New("missing runtime configuration")
	}
	if err := rc.Validate(); err != nil {
		return fmt.Errorf("invalid runtime configuration: %w", err)
	}

	trust, err := c.loadManifest(ctx, rc)
	if err != nil {
		return err
	}

	verifier := attestation.VerifierFor(c.build.Strict)
	inbound, err := policy.Build(trust, c.build.InboundAllowList, c.build.RootOfTrust, verifier)
	if err != nil {
		return err
	}

	material, err := c.factory.Attest(ctx, rc.AttestationConfig())
	if err != nil {
		return err
	}

	// The handler is built around the backend channel, so connect before serving.
	if c.build.BackendRole != "" {
		if err := c.connectBackend(ctx, rc, trust, material, verifier); err != nil {
			return err
		}
	}

	svc := Services{
		Build:          c.build,
		Runtime:        rc,
		StorageFactory: c.storageFactory,
		Log:            c.log,
	}
	if c.backend != nil {
		svc.Backend = c.backend.channel()
		svc.DialBackend = c.backend.dial
	}

	handler, err := c.handlers(ctx, svc)
	if err != nil {
		return fmt.Errorf("could not build request handler: %w", err)
	}

	server, err := atls.NewServer(atls.ServerConfig{
		ListenAddr:   rc.ListenAddress,
		TLSConfig:    atls.NewServerTLSConfig(material, inbound),
		Policy:       inbound,
		Handler:      handler,
		Log:          c.log,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  c.idleTimeout,
	})
	if err != nil {
		return err
	}

	return c.spawn(ctx, server)
}

func (c *Controller) loadManifest(ctx context.Context, rc *config.RuntimeConfig) (*interfaces.TrustManifest, error) {
	manifestID, signatureIDs, err := rc.ManifestIDs()
	if err != nil {
		return nil, err
	}

	backend, err := c.storageFactory.CreateMultiBackend(rc.Manifest.Locations)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrManifestVerification, err)
	}

	manifestBytes, signatures, err := manifest.NewLoader(backend, c.log).Load(ctx, manifestID, signatureIDs)
	if err != nil {
		return nil, err
	}

	trust, err := manifest.Verify(manifestBytes, c.build.VerifierKeys, signatures, c.build.Quorum)
	if err != nil {
		return nil, err
	}

	c.log.Info("Trust manifest verified", "manifest_id", manifestID.String(), "roles", len(trust.Roles()), "quorum", c.build.Quorum.String())
	return trust, nil
}

func (c *Controller) connectBackend(ctx context.Context, rc *config.RuntimeConfig, trust *interfaces.TrustManifest, material *attestation.ChannelMaterial, verifier interfaces.EvidenceVerifier) error {
	outbound, err := policy.ForRole(trust, c.build.BackendRole, c.build.RootOfTrust, verifier)
	if err != nil {
		return err
	}

	if rc.Backend.Address == "" {
		return fmt.Errorf("missing backend.address for backend role %s", c.build.BackendRole)
	}

	c.backend = &backendLink{
		address:   rc.Backend.Address,
		resolver:  c.resolver,
		tlsConfig: atls.NewClientTLSConfig(material, outbound),
		policy:    outbound,
		log:       c.log,
	}
	_, err = c.backend.dial(ctx)
	return err
}

// spawn runs the server under supervision and waits until it is ready or fails to bind.
func (c *Controller) spawn(ctx context.Context, server *atls.Server) error {
	serveErr := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		err := server.Serve()
		if err != nil {
			c.log.Error("Attested server exited", "err", err)
		} else {
			c.log.Info("Attested server exited")
		}
		c.ready.Store(false)
		serveErr <- err
	}()

	select {
	case <-server.Ready():
	case err := <-serveErr:
		if err == nil {
			err = errors.New("server stopped before accepting connections")
		}
		return err
	case <-ctx.Done():
		_ = server.Shutdown(context.Background())
		<-done
		return ctx.Err()
	}

	c.server = server
	c.done = done
	return nil
}

// Wait blocks until the attested server stops. A server failure is logged, not returned.
func (c *Controller) Wait() error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done == nil {
		return fmt.Errorf("%w: service not started", interfaces.ErrInvalidState)
	}
	<-done
	return nil
}

// Finalize stops the service and releases the backend channel. It is accepted once,
// from any state other than Failed and Finalized.
func (c *Controller) Finalize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateFailed || c.state == StateFinalized {
		return fmt.Errorf("%w: finalize in state %s", interfaces.ErrInvalidState, c.state)
	}

	prev := c.state
	c.release()
	c.state = StateFinalized
	c.log.Info("Enclave finalized", "previousState", prev.String())
	return nil
}

// release shuts down whatever start managed to bring up.
func (c *Controller) release() {
	c.ready.Store(false)

	if c.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
		if err := c.server.Shutdown(ctx); err != nil {
			c.log.Error("Graceful attested server shutdown failed", "err", err)
		}
		cancel()
		<-c.done
		c.server = nil
	}

	if c.backend != nil {
		if err := c.backend.close(); err != nil {
			c.log.Warn("Failed to close backend channel", "err", err)
		}
		c.backend = nil
	}
}

// errorKind tags a start failure for logs.
func errorKind(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrManifestVerification):
		return "manifest_verification"
	case errors.Is(err, interfaces.ErrUnknownPeerRole):
		return "unknown_peer_role"
	case errors.Is(err, interfaces.ErrAttestation):
		return "attestation"
	case errors.Is(err, interfaces.ErrPeerTrust):
		return "peer_trust"
	default:
		return "setup"
	}
}
