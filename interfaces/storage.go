package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ContentID is a 32-byte SHA-256 hash uniquely identifying content.
type ContentID [32]byte

// NewContentIDFromHex parses a 64 character hex string, with or without 0x prefix.
func NewContentIDFromHex(source string) (ContentID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentID{}, errors.New("invalid content ID length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id ContentID
	copy(id[:], hashBytes)
	return id, nil
}

// ComputeID calculates content ID from data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// String returns hex representation.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// ContentType indicates storage namespace.
type ContentType int

const (
	// ManifestType for trust manifest documents
	ManifestType ContentType = iota
	// SignatureType for manifest signatures
	SignatureType
	// ObjectType for objects kept by the storage service
	ObjectType
)

// String returns type name.
func (ct ContentType) String() string {
	switch ct {
	case ManifestType:
		return "manifest"
	case SignatureType:
		return "signature"
	case ObjectType:
		return "object"
	default:
		return "unknown"
	}
}

// StorageBackendLocation represents URI for storage backend.
type StorageBackendLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	User   *url.Userinfo
}

// NewStorageBackendLocation creates a new storage location from a URI string with validation.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "file", "s3", "ipfs", "vault":
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	return StorageBackendLocation{
		Raw:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		User:   parsed.User,
	}, nil
}

// String returns the original URI string.
func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc StorageBackendLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

var (
	// ErrContentNotFound is returned when requested content cannot be found in the storage backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// StorageBackend provides content-addressed data storage.
type StorageBackend interface {
	// Fetch retrieves data by content ID and type.
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)

	// Store saves data and returns its content ID.
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}
