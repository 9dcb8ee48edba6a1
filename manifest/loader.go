package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

// Loader fetches signed manifests from content-addressed storage.
type Loader struct {
	backend interfaces.StorageBackend
	log     *slog.Logger
}

// NewLoader creates a loader reading from backend.
func NewLoader(backend interfaces.StorageBackend, log *slog.Logger) *Loader {
	return &Loader{backend: backend, log: log}
}

// Load fetches the manifest and its signatures. Fetched content must hash to the
// requested content id.
func (l *Loader) Load(ctx context.Context, manifestID interfaces.ContentID, signatureIDs []interfaces.ContentID) ([]byte, [][]byte, error) {
	start := time.Now()

	manifestBytes, err := l.fetch(ctx, manifestID, interfaces.ManifestType)
	if err != nil {
		return nil, nil, err
	}

	signatures := make([][]byte, 0, len(signatureIDs))
	for _, id := range signatureIDs {
		sig, err := l.fetch(ctx, id, interfaces.SignatureType)
		if err != nil {
			return nil, nil, err
		}
		signatures = append(signatures, sig)
	}

	l.log.Debug("Loaded trust manifest",
		slog.String("manifest_id", manifestID.String()),
		slog.Int("signatures", len(signatures)),
		slog.String("backend", l.backend.Name()),
		slog.Duration("duration", time.Since(start)))

	return manifestBytes, signatures, nil
}

func (l *Loader) fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	data, err := l.backend.Fetch(ctx, id, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching %s %s: %v", interfaces.ErrManifestVerification, contentType, id, err)
	}
	if interfaces.ComputeID(data) != id {
		return nil, fmt.Errorf("%w: %s %s content does not match its id", interfaces.ErrManifestVerification, contentType, id)
	}
	return data, nil
}
