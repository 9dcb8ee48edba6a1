// Package policy derives peer trust policies from a verified trust manifest.
package policy

import (
	"crypto/x509"
	"errors"
	"fmt"
	"sort"

	"github.com/ruteri/tee-enclave-bootstrap/cryptoutils"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

// PeerTrustPolicy is the set of accepted peer identities of one service surface
// together with the material needed to verify a peer's evidence.
// It is immutable and safe for concurrent use.
type PeerTrustPolicy struct {
	accepted map[string]interfaces.PeerIdentity
	roots    *x509.CertPool
	verifier interfaces.EvidenceVerifier
}

// Build narrows manifest to the allow-listed roles. Every allow-listed role must be
// present in the manifest.
func Build(manifest *interfaces.TrustManifest, allowList interfaces.AllowList, rootOfTrust []byte, verifier interfaces.EvidenceVerifier) (*PeerTrustPolicy, error) {
	if manifest == nil {
		return nil, errors.New("nil trust manifest")
	}
	if verifier == nil {
		return nil, errors.New("nil evidence verifier")
	}
	if len(allowList) == 0 {
		return nil, errors.New("empty allow-list")
	}

	accepted := make(map[string]interfaces.PeerIdentity, len(allowList))
	for _, role := range allowList {
		identity, ok := manifest.Lookup(role)
		if !ok {
			return nil, &interfaces.UnknownPeerRoleError{Role: role}
		}
		accepted[identity.Key()] = identity
	}

	roots, err := cryptoutils.CertPoolFromPEM(rootOfTrust)
	if err != nil {
		return nil, err
	}

	return &PeerTrustPolicy{
		accepted: accepted,
		roots:    roots,
		verifier: verifier,
	}, nil
}

// ForRole builds the single-identity policy for an outbound channel to role.
func ForRole(manifest *interfaces.TrustManifest, role interfaces.PeerRole, rootOfTrust []byte, verifier interfaces.EvidenceVerifier) (*PeerTrustPolicy, error) {
	return Build(manifest, interfaces.AllowList{role}, rootOfTrust, verifier)
}

// Accepted returns the accepted identities ordered by role.
func (p *PeerTrustPolicy) Accepted() []interfaces.PeerIdentity {
	ids := make([]interfaces.PeerIdentity, 0, len(p.accepted))
	for _, id := range p.accepted {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Key() < ids[j].Key() })
	return ids
}

// Verify checks the leaf certificate's evidence against the root of trust and returns
// the accepted identity it matches.
func (p *PeerTrustPolicy) Verify(certs []*x509.Certificate) (interfaces.PeerIdentity, error) {
	if len(certs) == 0 {
		return interfaces.PeerIdentity{}, fmt.Errorf("%w: no peer certificate", interfaces.ErrPeerTrust)
	}

	measurements, err := p.verifier(certs[0], p.roots)
	if err != nil {
		return interfaces.PeerIdentity{}, fmt.Errorf("%w: %v", interfaces.ErrPeerTrust, err)
	}

	for _, id := range p.Accepted() {
		if id.Measurements.Covers(measurements) {
			return id, nil
		}
	}
	return interfaces.PeerIdentity{}, fmt.Errorf("%w: measurements %s not accepted", interfaces.ErrPeerTrust, measurements)
}

// VerifyRaw parses DER certificates and verifies them.
func (p *PeerTrustPolicy) VerifyRaw(rawCerts [][]byte) (interfaces.PeerIdentity, error) {
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return interfaces.PeerIdentity{}, fmt.Errorf("%w: %v", interfaces.ErrPeerTrust, err)
		}
		certs = append(certs, cert)
	}
	return p.Verify(certs)
}
