package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

// FileBackend implements a storage backend using the local file system.
// Content is stored in one directory per content type, named by content id.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a new file storage backend using the specified base directory.
// It creates subdirectories for the content types if they don't exist.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	for _, ct := range contentTypes {
		if err := os.MkdirAll(filepath.Join(baseDir, directoryFor(ct)), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", ct, err)
		}
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch retrieves data from the file system by its content identifier and type.
// Returns ErrContentNotFound if the file doesn't exist.
func (b *FileBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	filePath := b.getFilePath(id, contentType)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched content from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store saves data to the file system and returns its content identifier.
func (b *FileBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	filePath := b.getFilePath(id, contentType)

	// Write to a temporary name first so readers never observe partial content
	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".store-*")
	if err != nil {
		return id, fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return id, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return id, fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return id, fmt.Errorf("failed to write file: %w", err)
	}

	b.log.Debug("Stored content in file",
		slog.String("path", filePath),
		slog.String("contentID", id.String()))

	return id, nil
}

// Available checks if the file backend is accessible by verifying the base directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) getFilePath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return filepath.Join(b.baseDir, directoryFor(contentType), id.String())
}
