package authority

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
)

// Load creates an authority from PEM encoded root and signing certificates and a PKCS#8
// signing key. The signing certificate must chain to the root.
func Load(log *slog.Logger, cfg Config, rootPEM, signingCertPEM, signingKeyPEM []byte) (*Authority, error) {
	root, err := parseCertificatePEM(rootPEM)
	if err != nil {
		return nil, fmt.Errorf("root certificate: %w", err)
	}

	signingCert, err := parseCertificatePEM(signingCertPEM)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(root)
	if _, err := signingCert.Verify(x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
		return nil, fmt.Errorf("signing certificate does not chain to root: %w", err)
	}

	block, _ := pem.Decode(signingKeyPEM)
	if block == nil {
		return nil, errors.New("signing key: no PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	signingKey, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("signing key: unsupported key type %T", parsed)
	}

	if !publicKeysEqual(signingKey.Public(), signingCert.PublicKey) {
		return nil, errors.New("signing key does not match signing certificate")
	}

	return New(log, cfg, root, signingCert, signingKey), nil
}

func parseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no CERTIFICATE PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	k, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && k.Equal(b)
}
