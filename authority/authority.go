// Package authority implements a reference attestation authority. It verifies enclave
// quotes and endorses them with a report signed by a key chaining to its root certificate.
package authority

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/go-tdx-guest/verify"
	"github.com/google/uuid"
	"github.com/ruteri/tee-enclave-bootstrap/attestation"
	"github.com/ruteri/tee-enclave-bootstrap/cryptoutils"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

const reportVersion = 1

var (
	// ErrUnauthorized is returned for an unknown access key.
	ErrUnauthorized = errors.New("invalid access key")
	// ErrQuoteRejected is returned when a quote fails verification.
	ErrQuoteRejected = errors.New("quote rejected")
)

// Config controls what the authority endorses.
type Config struct {
	// AccessKeys admitted by the authority. Empty admits any key.
	AccessKeys []string
	// DevMode enables endorsement of unprotected "dev" quotes.
	DevMode bool
	// DevStatus is the report status issued for dev quotes, OK when empty.
	DevStatus string
	// Validity of generated root and signing certificates.
	Validity time.Duration
}

// Authority verifies quotes and issues signed attestation reports.
type Authority struct {
	log         *slog.Logger
	cfg         Config
	accessKeys  map[string]struct{}
	root        *x509.Certificate
	signingCert *x509.Certificate
	signingKey  crypto.Signer
	dcapOptions *verify.Options
	now         func() time.Time
}

// New creates an authority signing with signingKey, whose certificate chains to root.
func New(log *slog.Logger, cfg Config, root, signingCert *x509.Certificate, signingKey crypto.Signer) *Authority {
	keys := make(map[string]struct{}, len(cfg.AccessKeys))
	for _, k := range cfg.AccessKeys {
		keys[k] = struct{}{}
	}
	if cfg.DevStatus == "" {
		cfg.DevStatus = attestation.StatusOK
	}

	return &Authority{
		log:         log,
		cfg:         cfg,
		accessKeys:  keys,
		root:        root,
		signingCert: signingCert,
		signingKey:  signingKey,
		dcapOptions: verify.DefaultOptions(),
		now:         time.Now,
	}
}

// NewDevAuthority generates a fresh root and signing certificate.
func NewDevAuthority(log *slog.Logger, cfg Config) (*Authority, error) {
	if cfg.Validity == 0 {
		cfg.Validity = 24 * time.Hour
	}

	root, rootKey, err := cryptoutils.NewCACertificate("attestation authority root", cfg.Validity)
	if err != nil {
		return nil, err
	}

	signingCert, signingKey, err := cryptoutils.IssueSigningCertificate(root, rootKey, "attestation report signer", cfg.Validity)
	if err != nil {
		return nil, err
	}

	return New(log, cfg, root, signingCert, signingKey), nil
}

// RootPEM returns the root of trust peers configure to accept this authority's reports.
func (a *Authority) RootPEM() []byte {
	return cryptoutils.CertificatePEM(a.root)
}

// Authorized reports whether accessKey is admitted.
func (a *Authority) Authorized(accessKey string) bool {
	if len(a.accessKeys) == 0 {
		return true
	}
	_, ok := a.accessKeys[accessKey]
	return ok
}

// Endorse verifies the quote in req and returns a signed report.
func (a *Authority) Endorse(req attestation.ReportRequest) (*attestation.ReportResponse, error) {
	reportData, measurements, status, err := a.inspect(req)
	if err != nil {
		return nil, err
	}

	quoteHash := sha256.Sum256(req.Quote)
	report := attestation.Report{
		ID:           uuid.NewString(),
		Version:      reportVersion,
		Timestamp:    a.now().UTC(),
		Algorithm:    req.Algorithm,
		PlatformID:   req.PlatformID,
		Status:       status,
		ReportData:   hex.EncodeToString(reportData[:]),
		Measurements: measurements,
		QuoteHash:    hex.EncodeToString(quoteHash[:]),
	}
	if status != attestation.StatusOK {
		report.Advisories = []string{status}
	}

	body, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("could not encode report: %w", err)
	}

	signature, err := a.sign(body)
	if err != nil {
		return nil, fmt.Errorf("could not sign report: %w", err)
	}

	a.log.Info("Issued attestation report",
		slog.String("id", report.ID),
		slog.String("algorithm", report.Algorithm),
		slog.String("platform_id", report.PlatformID),
		slog.String("status", report.Status),
		slog.String("measurements", measurements.String()))

	return &attestation.ReportResponse{
		Report:      body,
		Signature:   signature,
		SigningCert: a.signingCert.Raw,
	}, nil
}

// sign signs the report bytes the way the signing certificate's algorithm verifies them.
// Ed25519 signs the message itself, every other key signs its SHA-256 digest.
func (a *Authority) sign(body []byte) ([]byte, error) {
	if _, ok := a.signingKey.(ed25519.PrivateKey); ok {
		return a.signingKey.Sign(rand.Reader, body, crypto.Hash(0))
	}
	digest := sha256.Sum256(body)
	return a.signingKey.Sign(rand.Reader, digest[:], crypto.SHA256)
}

func (a *Authority) inspect(req attestation.ReportRequest) ([64]byte, interfaces.Measurements, string, error) {
	switch req.Algorithm {
	case cryptoutils.DevAttestation.StringID:
		if !a.cfg.DevMode {
			return [64]byte{}, nil, "", fmt.Errorf("%w: dev quotes are not accepted", ErrQuoteRejected)
		}
		reportData, measurements, err := cryptoutils.ParseDevQuote(req.Quote)
		if err != nil {
			return reportData, nil, "", fmt.Errorf("%w: %v", ErrQuoteRejected, err)
		}
		return reportData, measurements, a.cfg.DevStatus, nil
	case cryptoutils.DCAPAttestation.StringID:
		reportData, measurements, err := cryptoutils.InspectDCAPQuote(req.Quote, a.dcapOptions)
		if err != nil {
			return reportData, nil, "", fmt.Errorf("%w: %v", ErrQuoteRejected, err)
		}
		return reportData, measurements, attestation.StatusOK, nil
	default:
		return [64]byte{}, nil, "", fmt.Errorf("%w: unsupported algorithm %q", ErrQuoteRejected, req.Algorithm)
	}
}
