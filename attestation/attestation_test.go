package attestation_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-enclave-bootstrap/attestation"
	"github.com/ruteri/tee-enclave-bootstrap/authority"
	"github.com/ruteri/tee-enclave-bootstrap/cryptoutils"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storageMeasurements = interfaces.Measurements{0: "aa", 1: "01"}

func startAuthority(t *testing.T, cfg authority.Config) (*authority.Authority, string) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := authority.NewDevAuthority(logger, cfg)
	require.NoError(t, err)

	mux := chi.NewRouter()
	authority.NewHandler(a, logger).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return a, srv.URL
}

func rootPool(t *testing.T, a *authority.Authority) *x509.CertPool {
	pool, err := cryptoutils.CertPoolFromPEM(a.RootPEM())
	require.NoError(t, err)
	return pool
}

func devFactory() *attestation.Factory {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return attestation.NewFactory(logger).WithDevMeasurements(storageMeasurements).WithCommonName("storage")
}

// TestAttest_EndorsedEvidence attests through the authority and verifies the resulting certificate
func TestAttest_EndorsedEvidence(t *testing.T) {
	a, url := startAuthority(t, authority.Config{DevMode: true, AccessKeys: []string{"secret"}})

	material, err := devFactory().Attest(context.Background(), interfaces.AttestationConfig{
		Algorithm:  "dev",
		URL:        url,
		AccessKey:  "secret",
		PlatformID: "platform-1",
	})
	require.NoError(t, err)
	assert.Equal(t, cryptoutils.EndorsedAttestation, material.Type)
	assert.Equal(t, "storage", material.Leaf().Subject.CommonName)

	measurements, err := attestation.UniversalVerifier(material.Leaf(), rootPool(t, a))
	require.NoError(t, err)
	assert.Equal(t, storageMeasurements, measurements)

	measurements, err = attestation.StrictVerifier(material.Leaf(), rootPool(t, a))
	require.NoError(t, err)
	assert.Equal(t, storageMeasurements, measurements)
}

// TestAttest_AdvisoryStatus is tolerated by the universal verifier only
func TestAttest_AdvisoryStatus(t *testing.T) {
	for _, status := range []string{
		attestation.StatusSWHardeningNeeded,
		attestation.StatusConfigurationNeeded,
		attestation.StatusConfigurationAndSWHardeningNeed,
	} {
		t.Run(status, func(t *testing.T) {
			a, url := startAuthority(t, authority.Config{DevMode: true, DevStatus: status})

			material, err := devFactory().Attest(context.Background(), interfaces.AttestationConfig{Algorithm: "dev", URL: url})
			require.NoError(t, err)

			_, err = attestation.UniversalVerifier(material.Leaf(), rootPool(t, a))
			require.NoError(t, err)

			_, err = attestation.VerifierFor(true)(material.Leaf(), rootPool(t, a))
			require.Error(t, err)
		})
	}

	a, url := startAuthority(t, authority.Config{DevMode: true, DevStatus: attestation.StatusOutOfDate})
	material, err := devFactory().Attest(context.Background(), interfaces.AttestationConfig{Algorithm: "dev", URL: url})
	require.NoError(t, err)
	_, err = attestation.VerifierFor(false)(material.Leaf(), rootPool(t, a))
	require.Error(t, err)
}

// TestAttest_Failures are reported as attestation errors
func TestAttest_Failures(t *testing.T) {
	_, devURL := startAuthority(t, authority.Config{DevMode: true, AccessKeys: []string{"secret"}})
	_, prodURL := startAuthority(t, authority.Config{})

	tests := []struct {
		name string
		cfg  interfaces.AttestationConfig
	}{
		{"wrong access key", interfaces.AttestationConfig{Algorithm: "dev", URL: devURL, AccessKey: "wrong"}},
		{"dev quote in production", interfaces.AttestationConfig{Algorithm: "dev", URL: prodURL}},
		{"authority unreachable", interfaces.AttestationConfig{Algorithm: "dev", URL: "http://127.0.0.1:1"}},
		{"dev quote without authority", interfaces.AttestationConfig{Algorithm: "dev"}},
		{"unknown algorithm", interfaces.AttestationConfig{Algorithm: "sev", URL: devURL, AccessKey: "secret"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			material, err := devFactory().Attest(context.Background(), tt.cfg)
			assert.Nil(t, material)
			assert.ErrorIs(t, err, interfaces.ErrAttestation)
		})
	}
}

// TestVerifier_UntrustedRoot rejects reports from another authority
func TestVerifier_UntrustedRoot(t *testing.T) {
	_, url := startAuthority(t, authority.Config{DevMode: true})
	other, _ := startAuthority(t, authority.Config{DevMode: true})

	material, err := devFactory().Attest(context.Background(), interfaces.AttestationConfig{Algorithm: "dev", URL: url})
	require.NoError(t, err)

	_, err = attestation.UniversalVerifier(material.Leaf(), rootPool(t, other))
	require.Error(t, err)
}

// TestVerifier_KeySubstitution rejects evidence copied into a certificate for another key
func TestVerifier_KeySubstitution(t *testing.T) {
	a, url := startAuthority(t, authority.Config{DevMode: true})

	material, err := devFactory().Attest(context.Background(), interfaces.AttestationConfig{Algorithm: "dev", URL: url})
	require.NoError(t, err)

	evidenceType, evidence, err := cryptoutils.ExtractEvidence(material.Leaf())
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	forged, err := cryptoutils.NewAttestedCertificate(key, "storage", time.Hour, cryptoutils.EvidenceExtension(evidenceType, evidence))
	require.NoError(t, err)

	_, err = attestation.UniversalVerifier(forged.Leaf, rootPool(t, a))
	require.ErrorContains(t, err, "report data")
}

// TestVerifier_UnverifiableEvidence rejects raw dev quotes and certificates without evidence
func TestVerifier_UnverifiableEvidence(t *testing.T) {
	a, _ := startAuthority(t, authority.Config{DevMode: true})

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	reportData, err := cryptoutils.ReportDataForPublicKey(&key.PublicKey)
	require.NoError(t, err)
	quote, err := cryptoutils.DevAttestationProvider{Measurements: storageMeasurements}.Attest(reportData)
	require.NoError(t, err)

	devCert, err := cryptoutils.NewAttestedCertificate(key, "storage", time.Hour, cryptoutils.EvidenceExtension(cryptoutils.DevAttestation, quote))
	require.NoError(t, err)
	_, err = attestation.UniversalVerifier(devCert.Leaf, rootPool(t, a))
	require.Error(t, err)

	_, err = attestation.UniversalVerifier(&x509.Certificate{
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(time.Hour),
		PublicKey: &key.PublicKey,
	}, rootPool(t, a))
	require.ErrorIs(t, err, cryptoutils.ErrNoEvidence)

	_, err = attestation.UniversalVerifier(nil, rootPool(t, a))
	require.Error(t, err)
}
