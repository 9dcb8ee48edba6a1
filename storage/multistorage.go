package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

// MultiStorageBackend implements interfaces.StorageBackend using multiple backends with fallback
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

// NewMultiStorageBackend creates a new multi-storage backend with fallback
func NewMultiStorageBackend(backends []interfaces.StorageBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

// Fetch returns content from the first available backend holding it.
func (m *MultiStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	var errs []error
	notFound := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("content_id", id.String()))
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		data, err := backend.Fetch(ctx, id, contentType)
		if err == nil {
			m.log.Debug("Fetched content",
				slog.String("backend_name", backend.Name()),
				slog.String("content_id", id.String()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		if errors.Is(err, interfaces.ErrContentNotFound) {
			notFound++
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("content_id", id.String()),
			"err", err)
	}

	if notFound > 0 && notFound == len(errs) {
		return nil, interfaces.ErrContentNotFound
	}

	m.log.Error("All backends failed to fetch content",
		slog.String("content_id", id.String()),
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))

	return nil, fmt.Errorf("all backends failed to fetch %s: %w", id, errors.Join(errs...))
}

// Store saves data to all available backends. It succeeds if at least one backend stored the data.
func (m *MultiStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	var errs []error
	stored := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		if _, err := backend.Store(ctx, data, contentType); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Debug("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				"err", err)
			continue
		}
		stored++
	}

	if stored == 0 {
		m.log.Error("All backends failed to store data", slog.Int("failed_backends", len(errs)))
		return id, fmt.Errorf("all backends failed to store data: %w", errors.Join(append(errs, interfaces.ErrBackendUnavailable)...))
	}

	return id, nil
}

// Available checks if any backend is available
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend
func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

// LocationURI returns the locations of all wrapped backends.
func (m *MultiStorageBackend) LocationURI() string {
	locations := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
