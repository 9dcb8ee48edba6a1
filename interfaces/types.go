// Package interfaces defines the core types shared by the enclave bootstrap components.
// It provides the contract between components without implementation details.
package interfaces

import (
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PeerRole is the logical name of a peer service, e.g. "storage".
type PeerRole string

// AllowList is the fixed set of peer roles admitted on a service surface.
type AllowList []PeerRole

// Contains reports whether role is listed.
func (l AllowList) Contains(role PeerRole) bool {
	for _, r := range l {
		if r == role {
			return true
		}
	}
	return false
}

// Measurements maps a measurement register index to its lowercase hex value.
// Register 0 is MRTD, 1-4 are RTMR0-3, 5 is MRCONFIGID, 6 is MROWNER, 7 is MROWNERCONFIG.
type Measurements map[int]string

// NewMeasurements normalizes register values and rejects non-hex input.
func NewMeasurements(raw map[int]string) (Measurements, error) {
	m := make(Measurements, len(raw))
	for idx, value := range raw {
		if idx < 0 {
			return nil, fmt.Errorf("invalid measurement register %d", idx)
		}
		clean := strings.ToLower(strings.TrimPrefix(value, "0x"))
		if _, err := hex.DecodeString(clean); err != nil || clean == "" {
			return nil, fmt.Errorf("invalid hex value for register %d: %q", idx, value)
		}
		m[idx] = clean
	}
	return m, nil
}

// ParseMeasurementKeys converts a register-name keyed map (as found in text documents)
// into Measurements.
func ParseMeasurementKeys(raw map[string]string) (Measurements, error) {
	byIndex := make(map[int]string, len(raw))
	for key, value := range raw {
		idx, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("invalid measurement register %q", key)
		}
		byIndex[idx] = value
	}
	return NewMeasurements(byIndex)
}

// Covers reports whether every register in m is present in evidence with an equal value.
func (m Measurements) Covers(evidence Measurements) bool {
	if len(m) == 0 {
		return false
	}
	for idx, expected := range m {
		if got, ok := evidence[idx]; !ok || !strings.EqualFold(got, expected) {
			return false
		}
	}
	return true
}

// String returns a canonical representation, registers in ascending order.
func (m Measurements) String() string {
	idxs := make([]int, 0, len(m))
	for idx := range m {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)

	parts := make([]string, 0, len(idxs))
	for _, idx := range idxs {
		parts = append(parts, fmt.Sprintf("%d=%s", idx, m[idx]))
	}
	return strings.Join(parts, ",")
}

// PeerIdentity is the expected integrity measurement of a peer role.
type PeerIdentity struct {
	Role         PeerRole
	Measurements Measurements
}

// Key identifies the identity for set semantics.
func (id PeerIdentity) Key() string {
	return string(id.Role) + "|" + id.Measurements.String()
}

// TrustManifest maps peer roles to their expected identities. It is read-only once built.
type TrustManifest struct {
	identities map[PeerRole]PeerIdentity
}

// NewTrustManifest builds a manifest from role identities.
func NewTrustManifest(identities map[PeerRole]Measurements) (*TrustManifest, error) {
	if len(identities) == 0 {
		return nil, errors.New("manifest lists no peer roles")
	}

	m := &TrustManifest{identities: make(map[PeerRole]PeerIdentity, len(identities))}
	for role, measurements := range identities {
		if role == "" {
			return nil, errors.New("empty peer role")
		}
		if len(measurements) == 0 {
			return nil, fmt.Errorf("role %s lists no measurements", role)
		}
		m.identities[role] = PeerIdentity{Role: role, Measurements: measurements}
	}
	return m, nil
}

// Lookup returns the identity expected for role.
func (m *TrustManifest) Lookup(role PeerRole) (PeerIdentity, bool) {
	id, ok := m.identities[role]
	return id, ok
}

// Roles returns the roles listed in the manifest in sorted order.
func (m *TrustManifest) Roles() []PeerRole {
	roles := make([]PeerRole, 0, len(m.identities))
	for role := range m.identities {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// AttestationConfig carries the attestation authority parameters for one startup.
type AttestationConfig struct {
	// Algorithm selects the local quote provider, "dcap" or "dev".
	Algorithm string
	// URL of the attestation authority. Empty means the raw quote is embedded.
	URL string
	// AccessKey authenticates the enclave to the attestation authority.
	AccessKey string
	// PlatformID identifies the platform registration at the authority.
	PlatformID string
}

// EvidenceVerifier verifies the attestation evidence embedded in a peer certificate
// against the root of trust and returns the attested measurements.
type EvidenceVerifier func(cert *x509.Certificate, roots *x509.CertPool) (Measurements, error)
