package attestation

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/tee-enclave-bootstrap/cryptoutils"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

const defaultValidity = 365 * 24 * time.Hour

// ChannelMaterial is the attested transport identity of this process: a key and a
// self-signed certificate embedding the attestation evidence. It is never persisted.
type ChannelMaterial struct {
	Certificate tls.Certificate
	Type        cryptoutils.AttestationType
}

// Leaf returns the parsed certificate.
func (m *ChannelMaterial) Leaf() *x509.Certificate {
	return m.Certificate.Leaf
}

// Factory turns a local quote into ChannelMaterial.
type Factory struct {
	log             *slog.Logger
	client          *http.Client
	provider        cryptoutils.AttestationProvider
	devMeasurements interfaces.Measurements
	commonName      string
	validity        time.Duration
}

// NewFactory creates a factory using the quote provider selected by the attestation algorithm.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{
		log:        log,
		client:     &http.Client{Timeout: 60 * time.Second},
		commonName: "enclave",
		validity:   defaultValidity,
	}
}

// WithQuoteProvider overrides the local quote provider.
func (f *Factory) WithQuoteProvider(p cryptoutils.AttestationProvider) *Factory {
	f.provider = p
	return f
}

// WithDevMeasurements sets the measurements claimed by the "dev" algorithm.
func (f *Factory) WithDevMeasurements(m interfaces.Measurements) *Factory {
	f.devMeasurements = m
	return f
}

// WithHTTPClient sets the client used to reach the attestation authority.
func (f *Factory) WithHTTPClient(c *http.Client) *Factory {
	f.client = c
	return f
}

// WithCommonName sets the subject of generated certificates.
func (f *Factory) WithCommonName(cn string) *Factory {
	f.commonName = cn
	return f
}

// WithCertificateValidity sets the lifetime of generated certificates.
func (f *Factory) WithCertificateValidity(d time.Duration) *Factory {
	f.validity = d
	return f
}

// Attest generates a fresh key, quotes it and obtains evidence accepted by peers:
// an authority endorsement when cfg.URL is set, the raw DCAP quote otherwise.
func (f *Factory) Attest(ctx context.Context, cfg interfaces.AttestationConfig) (*ChannelMaterial, error) {
	start := time.Now()

	material, err := f.attest(ctx, cfg)
	if err != nil {
		f.log.Error("Attestation failed",
			slog.String("algorithm", cfg.Algorithm),
			slog.String("url", cfg.URL),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAttestation, err)
	}

	f.log.Info("Attestation succeeded",
		slog.String("algorithm", cfg.Algorithm),
		slog.String("evidence", material.Type.StringID),
		slog.Time("not_after", material.Leaf().NotAfter),
		slog.Duration("duration", time.Since(start)))

	return material, nil
}

func (f *Factory) attest(ctx context.Context, cfg interfaces.AttestationConfig) (*ChannelMaterial, error) {
	provider := f.provider
	if provider == nil {
		var err error
		provider, err = cryptoutils.AttestationProviderFor(cfg.Algorithm, f.devMeasurements)
		if err != nil {
			return nil, err
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	reportData, err := cryptoutils.ReportDataForPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	quote, err := provider.Attest(reportData)
	if err != nil {
		return nil, fmt.Errorf("failed to generate quote: %w", err)
	}

	var ext pkix.Extension
	var evidenceType cryptoutils.AttestationType
	switch {
	case cfg.URL != "":
		endorsed, err := f.endorse(ctx, cfg, quote)
		if err != nil {
			return nil, err
		}
		der, err := endorsed.Marshal()
		if err != nil {
			return nil, fmt.Errorf("failed to encode endorsed report: %w", err)
		}
		evidenceType = cryptoutils.EndorsedAttestation
		ext = cryptoutils.EvidenceExtension(evidenceType, der)
	case provider.AttestationType().StringID == cryptoutils.DCAPAttestation.StringID:
		evidenceType = cryptoutils.DCAPAttestation
		ext = cryptoutils.EvidenceExtension(evidenceType, quote)
	default:
		return nil, fmt.Errorf("%s quotes require an attestation authority", provider.AttestationType().StringID)
	}

	cert, err := cryptoutils.NewAttestedCertificate(key, f.commonName, f.validity, ext)
	if err != nil {
		return nil, err
	}

	return &ChannelMaterial{Certificate: cert, Type: evidenceType}, nil
}

func (f *Factory) endorse(ctx context.Context, cfg interfaces.AttestationConfig, quote []byte) (*cryptoutils.EndorsedReport, error) {
	body, err := json.Marshal(ReportRequest{
		Algorithm:  cfg.Algorithm,
		PlatformID: cfg.PlatformID,
		Quote:      quote,
	})
	if err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(cfg.URL, "/") + ReportPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid attestation authority URL: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(AccessKeyHeader, cfg.AccessKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attestation authority unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading attestation authority response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attestation authority rejected quote: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var endorsement ReportResponse
	if err := json.Unmarshal(respBody, &endorsement); err != nil {
		return nil, fmt.Errorf("invalid attestation authority response: %w", err)
	}

	return &cryptoutils.EndorsedReport{
		Report:      endorsement.Report,
		Signature:   endorsement.Signature,
		SigningCert: endorsement.SigningCert,
	}, nil
}
