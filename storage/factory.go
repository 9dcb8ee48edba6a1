package storage

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

// StorageBackendFactory creates storage backends from location URIs.
type StorageBackendFactory struct {
	log *slog.Logger
}

// NewStorageBackendFactory creates a new factory instance.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: logger}
}

// StorageBackendFor creates a storage backend from a location URI.
//
// Supported schemes:
//   - file:///var/lib/enclave - local file system
//   - s3://[KEY:SECRET@]bucket/prefix?region=eu-west-1&endpoint=https://minio:9000
//   - ipfs://host:5001/root?timeout=30s - IPFS node API, mutable file system
//   - vault://host:8200/mount/path?token_env=VAULT_TOKEN&tls=false - Vault KV v2
func (sf *StorageBackendFactory) StorageBackendFor(uri string) (interfaces.StorageBackend, error) {
	loc, err := interfaces.NewStorageBackendLocation(uri)
	if err != nil {
		return nil, err
	}

	sf.log.Debug("Creating storage backend", slog.String("scheme", loc.Scheme), slog.String("host", loc.Host))

	switch loc.Scheme {
	case "file":
		return sf.createFileBackend(loc)
	case "s3":
		return sf.createS3Backend(loc)
	case "ipfs":
		return sf.createIPFSBackend(loc)
	case "vault":
		return sf.createVaultBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiBackend creates a multi-storage backend from a list of location URIs.
// Returns an error if no valid backends could be created from the provided URIs.
func (sf *StorageBackendFactory) CreateMultiBackend(uris []string) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(uris))

	for _, uri := range uris {
		backend, err := sf.StorageBackendFor(uri)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", uri))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}
	if len(backends) == 1 {
		return backends[0], nil
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

func (sf *StorageBackendFactory) createFileBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	path := loc.Path
	if loc.Host != "" {
		// file://./relative/path
		path = loc.Host + path
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %s", interfaces.ErrInvalidLocationURI, loc)
	}

	return NewFileBackend(path, sf.log)
}

func (sf *StorageBackendFactory) createS3Backend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	if loc.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket in %s", interfaces.ErrInvalidLocationURI, loc)
	}

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if loc.User != nil {
		accessKey = loc.User.Username()
		secretKey, _ = loc.User.Password()
	} else if profile := loc.GetParam("credentials_env"); profile != "" {
		accessKey = os.Getenv(profile + "_ACCESS_KEY_ID")
		secretKey = os.Getenv(profile + "_SECRET_ACCESS_KEY")
	}

	return NewS3Backend(loc.Host, loc.Path, region, loc.GetParam("endpoint"), accessKey, secretKey, sf.log)
}

func (sf *StorageBackendFactory) createIPFSBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	host, port := splitHostPort(loc.Host, "5001")

	timeout := 30 * time.Second
	if raw := loc.GetParam("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = parsed
	}

	root := loc.Path
	if root == "" || root == "/" {
		root = "/enclave"
	}

	return NewIPFSBackend(host, port, root, timeout, sf.log)
}

func (sf *StorageBackendFactory) createVaultBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	scheme := "https"
	if loc.Query.Has("tls") && !loc.GetParamBool("tls") {
		scheme = "http"
	}

	// vault://host:port/mount/data/path
	mount, dataPath := splitFirstSegment(loc.Path)
	if mount == "" {
		return nil, fmt.Errorf("%w: missing mount path in %s", interfaces.ErrInvalidLocationURI, loc)
	}

	tokenEnv := loc.GetParam("token_env")
	if tokenEnv == "" {
		tokenEnv = "VAULT_TOKEN"
	}

	return NewVaultBackend(fmt.Sprintf("%s://%s", scheme, loc.Host), mount, dataPath, os.Getenv(tokenEnv), nil, sf.log)
}
