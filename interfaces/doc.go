// Package interfaces defines the types shared by the enclave bootstrap components,
// separating the contracts from their implementations.
//
// # Trust Types
//
//   - PeerRole, AllowList: logical peer names and the set admitted on a service surface
//   - Measurements: attested register values, register index to lowercase hex
//   - PeerIdentity: the expected measurements of one role
//   - TrustManifest: the verified role to identity mapping
//   - EvidenceVerifier: checks certificate-embedded evidence against a root of trust
//
// # Storage Interfaces
//
// StorageBackend provides content-addressed storage (file, S3, IPFS, Vault) used to
// distribute trust manifests and to back the storage service.
//
// # Errors
//
// Each component reports a sentinel error (ErrManifestVerification, ErrUnknownPeerRole,
// ErrAttestation, ErrPeerTrust) wrapped with its cause. Only the lifecycle controller
// collapses them into ErrServiceError before answering the host.
package interfaces
