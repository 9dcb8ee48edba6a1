package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

// IPFSBackend implements a storage backend on an IPFS node. Content is kept in the
// node's mutable file system under /{root}/{type}s/{id} and pinned by the node.
type IPFSBackend struct {
	shell       *shell.Shell
	root        string
	host        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend creates an IPFS backend talking to the node API at host:port.
func NewIPFSBackend(host, port, root string, timeout time.Duration, log *slog.Logger) (*IPFSBackend, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)

	sh := shell.NewShell(apiURL)
	sh.SetTimeout(timeout)

	root = "/" + strings.Trim(root, "/")
	return &IPFSBackend{
		shell:       sh,
		root:        root,
		host:        apiURL,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s?timeout=%s", apiURL, root, timeout),
	}, nil
}

func (b *IPFSBackend) mfsPath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return objectKey(b.root, id, contentType)
}

// Fetch retrieves data from IPFS by its content identifier and type.
func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	path := b.mfsPath(id, contentType)

	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable", slog.String("host", b.host))
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.FilesRead(ctx, path)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "no link named") {
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to fetch data from IPFS",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("failed to fetch data from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	b.log.Debug("Fetched content from IPFS",
		slog.String("path", path),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Store writes data into the node's file system and returns its content identifier.
func (b *IPFSBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	path := b.mfsPath(id, contentType)

	if !b.shell.IsUp() {
		return id, interfaces.ErrBackendUnavailable
	}

	err := b.shell.FilesWrite(ctx, path, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return id, fmt.Errorf("failed to add data to IPFS: %w", err)
	}

	b.log.Debug("Stored content in IPFS",
		slog.String("path", path),
		slog.String("contentID", id.String()))

	return id, nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns a unique identifier for this storage backend.
func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s", b.host)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}
