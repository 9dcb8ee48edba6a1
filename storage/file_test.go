package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFileBackend stores and fetches content per content type namespace
func TestFileBackend(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	dir := t.TempDir()

	backend, err := NewFileBackend(dir, logger)
	require.NoError(t, err)
	assert.True(t, backend.Available(ctx))
	assert.Equal(t, "file://"+dir, backend.LocationURI())

	data := []byte("[storage]\nmeasurements = { \"0\" = \"aa\" }\n")
	id, err := backend.Store(ctx, data, interfaces.ManifestType)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(data), id)
	assert.FileExists(t, filepath.Join(dir, "manifests", id.String()))

	fetched, err := backend.Fetch(ctx, id, interfaces.ManifestType)
	require.NoError(t, err)
	assert.Equal(t, data, fetched)

	// Same id in another namespace is absent
	_, err = backend.Fetch(ctx, id, interfaces.SignatureType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

// TestStorageBackendFactory checks URI dispatch for backends that need no network
func TestStorageBackendFactory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := NewStorageBackendFactory(logger)
	dir := t.TempDir()

	backend, err := factory.StorageBackendFor("file://" + dir)
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, backend)

	backend, err = factory.StorageBackendFor("s3://manifests/prod?region=eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, "s3-manifests", backend.Name())

	backend, err = factory.StorageBackendFor("vault://vault.internal:8200/secret/enclave?tls=false")
	require.NoError(t, err)
	assert.Equal(t, "vault-secret-enclave", backend.Name())

	backend, err = factory.StorageBackendFor("ipfs://127.0.0.1:5001/audit?timeout=5s")
	require.NoError(t, err)
	assert.Equal(t, "ipfs-127.0.0.1:5001", backend.Name())

	_, err = factory.StorageBackendFor("github://owner/repo")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = factory.StorageBackendFor("ipfs://127.0.0.1:5001/?timeout=soon")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	multi, err := factory.CreateMultiBackend([]string{"file://" + dir, "file://" + t.TempDir(), "ftp://nope"})
	require.NoError(t, err)
	assert.Equal(t, "multi-storage", multi.Name())

	_, err = factory.CreateMultiBackend([]string{"ftp://nope"})
	assert.Error(t, err)
}
