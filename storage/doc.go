// Package storage provides content-addressed storage with pluggable backends.
//
// Content is identified by its SHA-256 hash and kept in one namespace per content
// type (manifests, signatures, objects). Trust manifests and their signatures are
// distributed through these backends, and the storage service keeps its objects in one.
//
//   - File system storage for local deployments and tests
//   - S3-compatible storage
//   - IPFS node storage (mutable file system)
//   - Vault KV v2 storage
//
// # Storage URI Format
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Examples:
//
//	file:///var/lib/enclave/audit
//	s3://bucket/prefix?region=eu-west-1&endpoint=https://minio.internal:9000
//	ipfs://127.0.0.1:5001/enclave?timeout=30s
//	vault://vault.internal:8200/secret/enclave?token_env=VAULT_TOKEN
//
// Several URIs combine into a MultiStorageBackend that stores everywhere and
// fetches from the first backend holding the content.
package storage
