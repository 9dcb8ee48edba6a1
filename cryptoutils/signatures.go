package cryptoutils

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// VerifierKey is a public key authorized to sign trust manifests.
// It is either a PKIX public key (RSA, ECDSA or Ed25519) or an Ethereum address.
type VerifierKey struct {
	Name    string
	pub     crypto.PublicKey
	address *common.Address
}

// ParseVerifierKey parses a PEM "PUBLIC KEY" block or a 0x-prefixed Ethereum address.
func ParseVerifierKey(name string, data []byte) (VerifierKey, error) {
	trimmed := bytes.TrimSpace(data)
	if common.IsHexAddress(string(trimmed)) {
		addr := common.HexToAddress(string(trimmed))
		return VerifierKey{Name: name, address: &addr}, nil
	}

	block, _ := pem.Decode(trimmed)
	if block == nil || block.Type != "PUBLIC KEY" {
		return VerifierKey{}, fmt.Errorf("verifier key %s: not a PEM public key or address", name)
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return VerifierKey{}, fmt.Errorf("verifier key %s: %w", name, err)
	}

	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
	default:
		return VerifierKey{}, fmt.Errorf("verifier key %s: unsupported key type %T", name, pub)
	}

	return VerifierKey{Name: name, pub: pub}, nil
}

// NewVerifierKey wraps an already parsed public key.
func NewVerifierKey(name string, pub crypto.PublicKey) VerifierKey {
	if p, ok := pub.(*ecdsa.PublicKey); ok && p.Curve == ethcrypto.S256() {
		addr := ethcrypto.PubkeyToAddress(*p)
		return VerifierKey{Name: name, address: &addr}
	}
	return VerifierKey{Name: name, pub: pub}
}

// Verify reports whether sig is a valid signature of msg under this key.
func (k VerifierKey) Verify(msg, sig []byte) bool {
	if k.address != nil {
		return verifyEthereumSignature(*k.address, msg, sig)
	}

	digest := sha256.Sum256(msg)
	switch pub := k.pub.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(pub, digest[:], sig)
	case ed25519.PublicKey:
		return ed25519.Verify(pub, msg, sig)
	default:
		return false
	}
}

// Configured reports whether the key holds usable material.
func (k VerifierKey) Configured() bool {
	return k.address != nil || k.pub != nil
}

func verifyEthereumSignature(addr common.Address, msg, sig []byte) bool {
	if len(sig) != 65 {
		return false
	}

	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(ethcrypto.Keccak256(msg), normalized)
	if err != nil {
		return false
	}
	return ethcrypto.PubkeyToAddress(*pub) == addr
}

// SignEthereum signs keccak256(msg) with a secp256k1 key.
func SignEthereum(key *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	if key == nil {
		return nil, errors.New("nil signing key")
	}
	return ethcrypto.Sign(ethcrypto.Keccak256(msg), key)
}
