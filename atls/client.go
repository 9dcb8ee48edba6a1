package atls

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
	"github.com/ruteri/tee-enclave-bootstrap/policy"
)

// ErrChannelClosed is returned by Do after Close or after a transport failure.
var ErrChannelClosed = errors.New("attested channel closed")

// Channel is a single attested connection to one peer. Requests are issued serially;
// the channel neither pools nor reconnects. Once a request fails on the transport every
// later request returns an error wrapping ErrChannelClosed, and the owner dials again.
type Channel struct {
	address string
	peer    interfaces.PeerIdentity

	mu     sync.Mutex
	conn   *tls.Conn
	reader *bufio.Reader
	err    error
}

// admissionTimeout bounds the admission check when the Connect context has no deadline.
const admissionTimeout = 10 * time.Second

// Connect dials address and completes the attested handshake in both directions. It
// fails with interfaces.ErrPeerTrust when the server is not accepted by p or when the
// server does not accept our evidence.
func Connect(ctx context.Context, address string, tlsConfig *tls.Config, p *policy.PeerTrustPolicy) (*Channel, error) {
	var peer interfaces.PeerIdentity
	var trustErr error

	cfg := tlsConfig.Clone()
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		id, err := p.Verify(cs.PeerCertificates)
		if err != nil {
			trustErr = err
			return err
		}
		peer = id
		return nil
	}

	dialer := &tls.Dialer{Config: cfg}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if trustErr != nil {
		return nil, trustErr
	}
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", address, err)
	}

	tlsConn := conn.(*tls.Conn)
	ch := &Channel{
		address: address,
		peer:    peer,
		conn:    tlsConn,
		reader:  bufio.NewReader(tlsConn),
	}

	if err := ch.admit(ctx); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// admit waits for the server's verdict on our certificate. Under TLS 1.3 the server
// checks it only after our side of the handshake is done, and a rejection arrives as
// an alert on the next read. OPTIONS * is answered by net/http without reaching the
// service handler.
func (c *Channel) admit(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, admissionTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, "http://"+c.address, nil)
	if err != nil {
		return fmt.Errorf("could not create admission request: %w", err)
	}
	req.URL.Opaque = "*"

	resp, err := c.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "remote error" {
			return fmt.Errorf("%w: %s did not accept our attestation: %v", interfaces.ErrPeerTrust, c.address, opErr)
		}
		return fmt.Errorf("could not confirm admission by %s: %w", c.address, err)
	}
	resp.Body.Close()
	return nil
}

// Peer returns the identity the server attested to.
func (c *Channel) Peer() interfaces.PeerIdentity {
	return c.peer
}

// Do sends req over the channel and returns the response with its body fully read.
// The request context deadline bounds the exchange.
func (c *Channel) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}

	if req.Host == "" && req.URL.Host == "" {
		req.Host = c.address
	}

	if deadline, ok := req.Context().Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			c.fail(fmt.Errorf("could not set deadline: %w", err))
			return nil, c.err
		}
		defer c.conn.SetDeadline(time.Time{})
	}

	resp, err := c.roundTrip(req)
	if err != nil {
		c.fail(err)
		return nil, c.err
	}
	return resp, nil
}

func (c *Channel) roundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Write(c.conn); err != nil {
		return nil, fmt.Errorf("could not send request: %w", err)
	}

	resp, err := http.ReadResponse(c.reader, req)
	if err != nil {
		return nil, fmt.Errorf("could not read response: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	if resp.Close {
		c.fail(errors.New("closed by peer"))
	}
	return resp, nil
}

func (c *Channel) fail(err error) {
	if c.err == nil {
		c.err = fmt.Errorf("%w: %w", ErrChannelClosed, err)
		c.conn.Close()
	}
}

// Close releases the connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err == nil {
		c.err = ErrChannelClosed
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
