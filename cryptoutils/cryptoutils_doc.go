// Package cryptoutils provides the cryptographic building blocks of attested channels.
//
// # Attestation Providers
//
// AttestationProvider produces a quote over 64 bytes of report data:
//
//   - DCAPAttestationProvider: TDX quotes via configfs-tsm or the TDX guest device
//   - RemoteAttestationProvider: quotes from a quote provider service
//   - DevAttestationProvider: unprotected development quotes with fixed measurements
//
// # Evidence Certificates
//
// Attested channel certificates are self-signed and carry the evidence in an extension
// identified by the AttestationType OID. The certificate key is bound to the evidence
// through ReportDataForPublicKey. Authority-signed evidence is DER encoded as an
// EndorsedReport.
//
// # Manifest Signatures
//
// VerifierKey checks trust manifest signatures made with RSA (PKCS#1 v1.5), ECDSA,
// Ed25519 or Ethereum secp256k1 keys.
package cryptoutils
