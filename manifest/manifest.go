package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ruteri/tee-enclave-bootstrap/cryptoutils"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

// Quorum decides how many configured verifier keys must sign a manifest.
type Quorum int

const (
	// QuorumAll requires a valid signature from every configured key.
	QuorumAll Quorum = iota
	// QuorumAny requires a valid signature from at least one configured key.
	QuorumAny
)

func (q Quorum) String() string {
	switch q {
	case QuorumAll:
		return "all"
	case QuorumAny:
		return "any"
	default:
		return "unknown"
	}
}

// ParseQuorum parses "all" or "any".
func ParseQuorum(s string) (Quorum, error) {
	switch strings.ToLower(s) {
	case "all", "":
		return QuorumAll, nil
	case "any":
		return QuorumAny, nil
	default:
		return 0, fmt.Errorf("unknown quorum policy %q", s)
	}
}

type roleEntry struct {
	Measurements map[string]string `toml:"measurements"`
}

// Verify checks the signature set under the quorum policy and then parses the manifest.
// Every signature must verify under some configured key; the quorum counts distinct keys.
func Verify(manifestBytes []byte, keys []cryptoutils.VerifierKey, signatures [][]byte, quorum Quorum) (*interfaces.TrustManifest, error) {
	if err := VerifySignatures(manifestBytes, keys, signatures, quorum); err != nil {
		return nil, err
	}

	m, err := Parse(manifestBytes)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// VerifySignatures checks signatures over manifestBytes.
func VerifySignatures(manifestBytes []byte, keys []cryptoutils.VerifierKey, signatures [][]byte, quorum Quorum) error {
	if len(keys) == 0 {
		return fmt.Errorf("%w: no verifier keys configured", interfaces.ErrManifestVerification)
	}
	if len(signatures) == 0 {
		return fmt.Errorf("%w: manifest is unsigned", interfaces.ErrManifestVerification)
	}

	signedBy := make([]bool, len(keys))
	for i, sig := range signatures {
		matched := false
		for k, key := range keys {
			if key.Verify(manifestBytes, sig) {
				signedBy[k] = true
				matched = true
			}
		}
		if !matched {
			return fmt.Errorf("%w: signature %d matches no verifier key", interfaces.ErrManifestVerification, i)
		}
	}

	var missing []string
	for k, ok := range signedBy {
		if !ok {
			missing = append(missing, keys[k].Name)
		}
	}

	switch quorum {
	case QuorumAll:
		if len(missing) > 0 {
			return fmt.Errorf("%w: missing signatures from %s", interfaces.ErrManifestVerification, strings.Join(missing, ", "))
		}
	case QuorumAny:
		if len(missing) == len(keys) {
			return fmt.Errorf("%w: no valid signature", interfaces.ErrManifestVerification)
		}
	default:
		return fmt.Errorf("%w: unknown quorum policy %d", interfaces.ErrManifestVerification, quorum)
	}
	return nil
}

// Parse decodes a manifest document: one TOML table per role with an inline
// table of measurement registers.
//
//	[storage]
//	measurements = { "0" = "5b38e3...", "1" = "c0ffee..." }
func Parse(manifestBytes []byte) (*interfaces.TrustManifest, error) {
	var doc map[string]roleEntry
	md, err := toml.NewDecoder(bytes.NewReader(manifestBytes)).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrManifestVerification, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unexpected key %s", interfaces.ErrManifestVerification, undecoded[0])
	}

	identities := make(map[interfaces.PeerRole]interfaces.Measurements, len(doc))
	for role, entry := range doc {
		measurements, err := interfaces.ParseMeasurementKeys(entry.Measurements)
		if err != nil {
			return nil, fmt.Errorf("%w: role %s: %v", interfaces.ErrManifestVerification, role, err)
		}
		identities[interfaces.PeerRole(role)] = measurements
	}

	m, err := interfaces.NewTrustManifest(identities)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrManifestVerification, err)
	}
	return m, nil
}

// Encode renders identities as a manifest document.
func Encode(identities map[interfaces.PeerRole]interfaces.Measurements) ([]byte, error) {
	doc := make(map[string]roleEntry, len(identities))
	for role, measurements := range identities {
		if role == "" {
			return nil, errors.New("empty peer role")
		}
		entry := roleEntry{Measurements: make(map[string]string, len(measurements))}
		for idx, value := range measurements {
			entry.Measurements[fmt.Sprint(idx)] = value
		}
		doc[string(role)] = entry
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
