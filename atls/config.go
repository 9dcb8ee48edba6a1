// Package atls establishes mutually attested TLS channels. Both ends present a
// certificate carrying attestation evidence and admit the peer only when the evidence
// matches an identity accepted by their policy.
package atls

import (
	"crypto/tls"

	"github.com/ruteri/tee-enclave-bootstrap/attestation"
	"github.com/ruteri/tee-enclave-bootstrap/policy"
)

// NewServerTLSConfig requires a client certificate and admits only peers accepted by p.
// Certificate chains are not checked against a CA; trust comes from the attestation evidence.
func NewServerTLSConfig(material *attestation.ChannelMaterial, p *policy.PeerTrustPolicy) *tls.Config {
	return &tls.Config{
		Certificates:     []tls.Certificate{material.Certificate},
		ClientAuth:       tls.RequireAnyClientCert,
		MinVersion:       tls.VersionTLS13,
		VerifyConnection: verifyConnection(p),
	}
}

// NewClientTLSConfig presents the material and admits only a server accepted by p.
func NewClientTLSConfig(material *attestation.ChannelMaterial, p *policy.PeerTrustPolicy) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{material.Certificate},
		// The server certificate is self-signed; VerifyConnection checks its evidence instead.
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		VerifyConnection:   verifyConnection(p),
	}
}

func verifyConnection(p *policy.PeerTrustPolicy) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		_, err := p.Verify(cs.PeerCertificates)
		return err
	}
}
