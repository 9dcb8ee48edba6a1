package cryptoutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publicKeyPEM(t *testing.T, pub any) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// TestVerifierKeys checks each supported signature scheme against good and tampered messages
func TestVerifierKeys(t *testing.T) {
	msg := []byte("[storage]\nmeasurements = { \"0\" = \"aa\" }\n")
	tampered := append([]byte{}, msg...)
	tampered[0] = '#'
	digest := sha256.Sum256(msg)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	rsaSig, err := rsa.SignPKCS1v15(rand.Reader, rsaKey, crypto.SHA256, digest[:])
	require.NoError(t, err)

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ecSig, err := ecdsa.SignASN1(rand.Reader, ecKey, digest[:])
	require.NoError(t, err)

	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	edSig := ed25519.Sign(edPriv, msg)

	ethKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	ethSig, err := SignEthereum(ethKey, msg)
	require.NoError(t, err)
	ethAddr := ethcrypto.PubkeyToAddress(ethKey.PublicKey).Hex()

	tests := []struct {
		name string
		key  []byte
		sig  []byte
	}{
		{"rsa", publicKeyPEM(t, &rsaKey.PublicKey), rsaSig},
		{"ecdsa", publicKeyPEM(t, &ecKey.PublicKey), ecSig},
		{"ed25519", publicKeyPEM(t, edPub), edSig},
		{"ethereum", []byte(ethAddr + "\n"), ethSig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseVerifierKey(tt.name, tt.key)
			require.NoError(t, err)
			assert.True(t, key.Configured())
			assert.True(t, key.Verify(msg, tt.sig))
			assert.False(t, key.Verify(tampered, tt.sig))
		})
	}

	_, err = ParseVerifierKey("garbage", []byte("not a key"))
	assert.Error(t, err)
}

// TestEthereumSignatureRecoveryID accepts both 0/1 and 27/28 recovery ids
func TestEthereumSignatureRecoveryID(t *testing.T) {
	ethKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	msg := []byte("manifest")

	sig, err := SignEthereum(ethKey, msg)
	require.NoError(t, err)
	sig[64] += 27

	key := NewVerifierKey("auditor", &ethKey.PublicKey)
	assert.True(t, key.Verify(msg, sig))
	assert.False(t, key.Verify(msg, sig[:64]))
}

// TestAttestedCertificate checks that evidence survives certificate creation
// and that report data commits to the certificate key
func TestAttestedCertificate(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	reportData, err := ReportDataForPublicKey(&key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), reportData[32:])

	quote, err := DevAttestationProvider{Measurements: interfaces.Measurements{0: "abcd"}}.Attest(reportData)
	require.NoError(t, err)

	cert, err := NewAttestedCertificate(key, "management", time.Hour, EvidenceExtension(DevAttestation, quote))
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)

	typ, evidence, err := ExtractEvidence(cert.Leaf)
	require.NoError(t, err)
	assert.Equal(t, DevAttestation.StringID, typ.StringID)

	quotedData, measurements, err := ParseDevQuote(evidence)
	require.NoError(t, err)
	assert.Equal(t, reportData, quotedData)
	assert.Equal(t, "abcd", measurements[0])

	leafData, err := ReportDataForPublicKey(cert.Leaf.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, reportData, leafData)
}

// TestExtractEvidence_NoExtension rejects plain certificates
func TestExtractEvidence_NoExtension(t *testing.T) {
	ca, _, err := NewCACertificate("root", time.Hour)
	require.NoError(t, err)

	_, _, err = ExtractEvidence(ca)
	assert.ErrorIs(t, err, ErrNoEvidence)
}

// TestEndorsedReportEncoding checks DER encoding and rejection of trailing data
func TestEndorsedReportEncoding(t *testing.T) {
	report := &EndorsedReport{
		Report:      []byte(`{"status":"OK"}`),
		Signature:   []byte{1, 2, 3},
		SigningCert: []byte{4, 5},
	}

	der, err := report.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalEndorsedReport(der)
	require.NoError(t, err)
	assert.Equal(t, report, decoded)

	_, err = UnmarshalEndorsedReport(append(der, 0))
	assert.Error(t, err)

	_, err = UnmarshalEndorsedReport(der[:len(der)-1])
	assert.Error(t, err)
}

// TestCertPoolFromPEM checks bundle parsing and empty input rejection
func TestCertPoolFromPEM(t *testing.T) {
	ca1, _, err := NewCACertificate("root-1", time.Hour)
	require.NoError(t, err)
	ca2, caKey2, err := NewCACertificate("root-2", time.Hour)
	require.NoError(t, err)

	bundle := append(CertificatePEM(ca1), CertificatePEM(ca2)...)
	pool, err := CertPoolFromPEM(bundle)
	require.NoError(t, err)

	signing, _, err := IssueSigningCertificate(ca2, caKey2, "signer", time.Hour)
	require.NoError(t, err)
	_, err = signing.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
	assert.NoError(t, err)

	_, err = CertPoolFromPEM([]byte("nothing here"))
	assert.Error(t, err)
}

// TestAttestationProviderFor checks algorithm selection
func TestAttestationProviderFor(t *testing.T) {
	p, err := AttestationProviderFor("dcap", nil)
	require.NoError(t, err)
	assert.Equal(t, DCAPAttestation.StringID, p.AttestationType().StringID)

	p, err = AttestationProviderFor("dev", interfaces.Measurements{0: "aa"})
	require.NoError(t, err)
	assert.Equal(t, DevAttestation.StringID, p.AttestationType().StringID)

	_, err = AttestationProviderFor("sgx-epid", nil)
	assert.Error(t, err)
}

// TestVerifyDCAPQuote_Malformed rejects bytes that are not a TDX quote
func TestVerifyDCAPQuote_Malformed(t *testing.T) {
	_, err := VerifyDCAPQuote([64]byte{}, []byte("Attestation for CA 00"), nil)
	assert.Error(t, err)
}
