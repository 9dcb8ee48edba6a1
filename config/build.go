// Package config holds the enclave's build-time trust material and its runtime configuration.
//
// Build-time material (root of trust, manifest verifier keys, inbound allow-list) is read from
// a profile baked into the binary and is never overridable at runtime.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/ruteri/tee-enclave-bootstrap/cryptoutils"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
	"github.com/ruteri/tee-enclave-bootstrap/manifest"
)

// ProfileFile is the name of the profile document inside a profile directory.
const ProfileFile = "profile.toml"

// BuildConfig is the immutable trust configuration of one enclave build.
type BuildConfig struct {
	Profile string
	// Role is the role this enclave attests to.
	Role interfaces.PeerRole
	// InboundAllowList names the roles admitted on the inbound surface.
	InboundAllowList interfaces.AllowList
	// BackendRole is the role of the single downstream peer, empty if none.
	BackendRole interfaces.PeerRole
	// Quorum applied to manifest signatures.
	Quorum manifest.Quorum
	// Strict accepts only attestation reports with status OK.
	Strict bool
	// RootOfTrust is the PEM attestation authority root.
	RootOfTrust []byte
	// VerifierKeys authorized to sign trust manifests.
	VerifierKeys []cryptoutils.VerifierKey
	// DevMeasurements are claimed by the "dev" attestation algorithm.
	DevMeasurements interfaces.Measurements
}

type verifierKeyEntry struct {
	Name    string `toml:"name"`
	File    string `toml:"file"`
	Address string `toml:"address"`
}

type buildProfile struct {
	Role             string             `toml:"role"`
	InboundAllowList []string           `toml:"inbound_allow_list"`
	BackendRole      string             `toml:"backend_role"`
	Quorum           string             `toml:"quorum"`
	Strict           bool               `toml:"strict"`
	RootOfTrust      string             `toml:"root_of_trust"`
	VerifierKeys     []verifierKeyEntry `toml:"verifier_key"`
	DevMeasurements  map[string]string  `toml:"dev_measurements"`
}

// LoadBuildConfig reads profile/profile.toml from fsys together with the PEM files it references.
func LoadBuildConfig(fsys fs.FS, profile string) (*BuildConfig, error) {
	var p buildProfile
	md, err := toml.DecodeFS(fsys, path.Join(profile, ProfileFile), &p)
	if err != nil {
		return nil, fmt.Errorf("could not read build profile %s: %w", profile, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("build profile %s: unknown keys %v", profile, undecoded)
	}

	cfg := &BuildConfig{
		Profile:     profile,
		Role:        interfaces.PeerRole(p.Role),
		BackendRole: interfaces.PeerRole(p.BackendRole),
		Strict:      p.Strict,
	}

	if cfg.Role == "" {
		return nil, fmt.Errorf("build profile %s: missing role", profile)
	}

	for _, role := range p.InboundAllowList {
		cfg.InboundAllowList = append(cfg.InboundAllowList, interfaces.PeerRole(role))
	}
	if len(cfg.InboundAllowList) == 0 {
		return nil, fmt.Errorf("build profile %s: empty inbound allow-list", profile)
	}

	cfg.Quorum, err = manifest.ParseQuorum(p.Quorum)
	if err != nil {
		return nil, fmt.Errorf("build profile %s: %w", profile, err)
	}

	if p.RootOfTrust == "" {
		return nil, fmt.Errorf("build profile %s: missing root of trust", profile)
	}
	cfg.RootOfTrust, err = fs.ReadFile(fsys, path.Join(profile, p.RootOfTrust))
	if err != nil {
		return nil, fmt.Errorf("build profile %s: %w", profile, err)
	}
	if _, err := cryptoutils.CertPoolFromPEM(cfg.RootOfTrust); err != nil {
		return nil, fmt.Errorf("build profile %s: %w", profile, err)
	}

	for i, entry := range p.VerifierKeys {
		key, err := loadVerifierKey(fsys, profile, i, entry)
		if err != nil {
			return nil, fmt.Errorf("build profile %s: %w", profile, err)
		}
		cfg.VerifierKeys = append(cfg.VerifierKeys, key)
	}
	if len(cfg.VerifierKeys) == 0 {
		return nil, fmt.Errorf("build profile %s: no manifest verifier keys", profile)
	}

	if len(p.DevMeasurements) > 0 {
		cfg.DevMeasurements, err = interfaces.ParseMeasurementKeys(p.DevMeasurements)
		if err != nil {
			return nil, fmt.Errorf("build profile %s: dev measurements: %w", profile, err)
		}
	}

	return cfg, nil
}

func loadVerifierKey(fsys fs.FS, profile string, idx int, entry verifierKeyEntry) (cryptoutils.VerifierKey, error) {
	name := entry.Name
	if name == "" {
		name = fmt.Sprintf("verifier-%d", idx)
	}

	switch {
	case entry.File != "" && entry.Address != "":
		return cryptoutils.VerifierKey{}, fmt.Errorf("verifier key %s: both file and address set", name)
	case entry.File != "":
		data, err := fs.ReadFile(fsys, path.Join(profile, entry.File))
		if err != nil {
			return cryptoutils.VerifierKey{}, err
		}
		return cryptoutils.ParseVerifierKey(name, data)
	case entry.Address != "":
		return cryptoutils.ParseVerifierKey(name, []byte(entry.Address))
	default:
		return cryptoutils.VerifierKey{}, errors.New("verifier key without file or address")
	}
}
