package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
	"gopkg.in/yaml.v3"
)

// RuntimeConfig is supplied by the host on every start. It never carries trust material.
type RuntimeConfig struct {
	// ListenAddress of the inbound attested service.
	ListenAddress string             `yaml:"listen_address" json:"listen_address"`
	Attestation   AttestationSection `yaml:"attestation" json:"attestation"`
	Manifest      ManifestSection    `yaml:"manifest" json:"manifest"`
	Backend       BackendSection     `yaml:"backend" json:"backend"`
	Storage       StorageSection     `yaml:"storage" json:"storage"`
}

// AttestationSection configures the attestation authority.
type AttestationSection struct {
	Algorithm  string `yaml:"algorithm" json:"algorithm"`
	URL        string `yaml:"url" json:"url"`
	AccessKey  string `yaml:"access_key" json:"access_key"`
	PlatformID string `yaml:"platform_id" json:"platform_id"`
}

// ManifestSection locates the signed trust manifest in content-addressed storage.
type ManifestSection struct {
	// Locations are storage backend URIs, see storage.StorageBackendFactory.
	Locations  []string `yaml:"locations" json:"locations"`
	ID         string   `yaml:"id" json:"id"`
	Signatures []string `yaml:"signatures" json:"signatures"`
}

// BackendSection addresses the downstream peer.
type BackendSection struct {
	// Address is host:port or srv://_service._proto.domain.
	Address string `yaml:"address" json:"address"`
}

// StorageSection configures the object store served by storage enclaves.
type StorageSection struct {
	Locations []string `yaml:"locations" json:"locations"`
}

// LoadRuntimeConfig reads a YAML runtime configuration. Environment variables
// referenced as ${NAME} are expanded.
func LoadRuntimeConfig(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read runtime config: %w", err)
	}
	return ParseRuntimeConfig(data)
}

// ParseRuntimeConfig parses YAML runtime configuration.
func ParseRuntimeConfig(data []byte) (*RuntimeConfig, error) {
	var cfg RuntimeConfig
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("could not parse runtime config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields every start requires.
func (c *RuntimeConfig) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		errs = append(errs, fmt.Errorf("invalid listen_address %q: %w", c.ListenAddress, err))
	}
	if c.Attestation.Algorithm == "" {
		errs = append(errs, errors.New("missing attestation.algorithm"))
	}
	if len(c.Manifest.Locations) == 0 {
		errs = append(errs, errors.New("missing manifest.locations"))
	}
	if _, _, err := c.ManifestIDs(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// AttestationConfig returns the attestation parameters for this start.
func (c *RuntimeConfig) AttestationConfig() interfaces.AttestationConfig {
	return interfaces.AttestationConfig{
		Algorithm:  c.Attestation.Algorithm,
		URL:        c.Attestation.URL,
		AccessKey:  c.Attestation.AccessKey,
		PlatformID: c.Attestation.PlatformID,
	}
}

// ManifestIDs parses the manifest and signature content ids.
func (c *RuntimeConfig) ManifestIDs() (interfaces.ContentID, []interfaces.ContentID, error) {
	manifestID, err := interfaces.NewContentIDFromHex(c.Manifest.ID)
	if err != nil {
		return manifestID, nil, fmt.Errorf("invalid manifest.id: %w", err)
	}

	if len(c.Manifest.Signatures) == 0 {
		return manifestID, nil, errors.New("missing manifest.signatures")
	}

	signatureIDs := make([]interfaces.ContentID, 0, len(c.Manifest.Signatures))
	for _, s := range c.Manifest.Signatures {
		id, err := interfaces.NewContentIDFromHex(s)
		if err != nil {
			return manifestID, nil, fmt.Errorf("invalid manifest signature id %q: %w", s, err)
		}
		signatureIDs = append(signatureIDs, id)
	}
	return manifestID, signatureIDs, nil
}
