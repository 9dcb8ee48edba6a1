package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

// VaultBackend implements a storage backend on a HashiCorp Vault KV v2 mount.
// Content is stored base64 encoded under {mount}/data/{path}/{type}s/{id}.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a Vault backend authenticated with a token, a TLS
// client certificate, or both.
func NewVaultBackend(address, mountPath, dataPath, token string, clientCert *tls.Certificate, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address

	if clientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{*clientCert},
					MinVersion:   tls.VersionTLS12,
				},
			},
			Timeout: 30 * time.Second,
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

func (b *VaultBackend) secretPath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return fmt.Sprintf("%s/data/%s", b.mountPath, objectKey(b.dataPath, id, contentType))
}

// Fetch retrieves data from Vault by its content identifier and type.
func (b *VaultBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	path := b.secretPath(id, contentType)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrContentNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response")
	}

	encoded, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data")
	}

	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid content encoding in Vault data: %w", err)
	}

	b.log.Debug("Fetched content from Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))

	return content, nil
}

// Store saves data to Vault and returns its content identifier.
func (b *VaultBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	path := b.secretPath(id, contentType)

	_, err := b.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(data),
		},
	})
	if err != nil {
		b.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return id, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	return id, nil
}

// Available checks that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}
