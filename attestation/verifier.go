package attestation

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/tee-enclave-bootstrap/cryptoutils"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

var universalStatuses = map[string]bool{
	StatusOK:                              true,
	StatusSWHardeningNeeded:               true,
	StatusConfigurationNeeded:             true,
	StatusConfigurationAndSWHardeningNeed: true,
}

var strictStatuses = map[string]bool{
	StatusOK: true,
}

// UniversalVerifier accepts endorsed reports with status OK or a TCB advisory that
// needs no platform update, and DCAP quotes that verify against the root of trust.
func UniversalVerifier(cert *x509.Certificate, roots *x509.CertPool) (interfaces.Measurements, error) {
	return verifyEvidence(cert, roots, universalStatuses, time.Now())
}

// StrictVerifier accepts endorsed reports with status OK only.
func StrictVerifier(cert *x509.Certificate, roots *x509.CertPool) (interfaces.Measurements, error) {
	return verifyEvidence(cert, roots, strictStatuses, time.Now())
}

// VerifierFor selects the strict or the universal verifier.
func VerifierFor(strict bool) interfaces.EvidenceVerifier {
	if strict {
		return StrictVerifier
	}
	return UniversalVerifier
}

func verifyEvidence(cert *x509.Certificate, roots *x509.CertPool, statuses map[string]bool, now time.Time) (interfaces.Measurements, error) {
	if cert == nil {
		return nil, errors.New("no certificate")
	}
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, fmt.Errorf("certificate outside its validity period")
	}

	reportData, err := cryptoutils.ReportDataForPublicKey(cert.PublicKey)
	if err != nil {
		return nil, err
	}

	evidenceType, evidence, err := cryptoutils.ExtractEvidence(cert)
	if err != nil {
		return nil, err
	}

	switch evidenceType.StringID {
	case cryptoutils.EndorsedAttestation.StringID:
		return verifyEndorsed(evidence, reportData, roots, statuses, now)
	case cryptoutils.DCAPAttestation.StringID:
		return cryptoutils.VerifyDCAPQuote(reportData, evidence, roots)
	default:
		return nil, fmt.Errorf("%s evidence is not verifiable", evidenceType.StringID)
	}
}

func verifyEndorsed(evidence []byte, reportData [64]byte, roots *x509.CertPool, statuses map[string]bool, now time.Time) (interfaces.Measurements, error) {
	endorsed, err := cryptoutils.UnmarshalEndorsedReport(evidence)
	if err != nil {
		return nil, err
	}

	signingCert, err := x509.ParseCertificate(endorsed.SigningCert)
	if err != nil {
		return nil, fmt.Errorf("invalid report signing certificate: %w", err)
	}

	if _, err := signingCert.Verify(x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("report signing certificate not trusted: %w", err)
	}

	algo, err := signatureAlgorithmFor(signingCert)
	if err != nil {
		return nil, err
	}
	if err := signingCert.CheckSignature(algo, endorsed.Report, endorsed.Signature); err != nil {
		return nil, fmt.Errorf("invalid report signature: %w", err)
	}

	var report Report
	if err := json.Unmarshal(endorsed.Report, &report); err != nil {
		return nil, fmt.Errorf("invalid report: %w", err)
	}

	if !statuses[report.Status] {
		return nil, fmt.Errorf("report status %s not accepted", report.Status)
	}

	quoted, err := hex.DecodeString(report.ReportData)
	if err != nil || subtle.ConstantTimeCompare(quoted, reportData[:]) != 1 {
		return nil, errors.New("report data does not match certificate key")
	}

	return interfaces.NewMeasurements(report.Measurements)
}

func signatureAlgorithmFor(cert *x509.Certificate) (x509.SignatureAlgorithm, error) {
	switch cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256, nil
	case *rsa.PublicKey:
		return x509.SHA256WithRSA, nil
	case ed25519.PublicKey:
		return x509.PureEd25519, nil
	default:
		return x509.UnknownSignatureAlgorithm, fmt.Errorf("unsupported signing key %T", cert.PublicKey)
	}
}
