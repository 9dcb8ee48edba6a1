package services

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-enclave-bootstrap/atls"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

// StorageHandler serves content-addressed objects from a storage backend.
type StorageHandler struct {
	backend interfaces.StorageBackend
	log     *slog.Logger
}

// NewStorageHandler creates the storage service handler.
func NewStorageHandler(backend interfaces.StorageBackend, log *slog.Logger) *StorageHandler {
	return &StorageHandler{
		backend: backend,
		log:     log,
	}
}

// RegisterRoutes registers:
//   - POST /api/v1/objects - store the request body, responds with its id
//   - GET /api/v1/objects/{id} - fetch an object
func (h *StorageHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/objects", h.HandleStore)
	r.Get("/api/v1/objects/{id}", h.HandleFetch)
}

// HandleStore stores the request body.
func (h *StorageHandler) HandleStore(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxObjectSize+1))
	if err != nil {
		http.Error(w, "could not read object", http.StatusBadRequest)
		return
	}
	if len(data) > maxObjectSize {
		http.Error(w, "object too large", http.StatusRequestEntityTooLarge)
		return
	}

	id, err := h.backend.Store(r.Context(), data, interfaces.ObjectType)
	if err != nil {
		h.log.Error("Failed to store object", "err", err, "backend", h.backend.Name())
		http.Error(w, "could not store object", http.StatusServiceUnavailable)
		return
	}

	peer, _ := atls.PeerFromContext(r.Context())
	h.log.Info("Stored object", "id", id.String(), "size", len(data), "peer", peer.Role)

	writeJSON(w, http.StatusCreated, ObjectResponse{ID: id.String()})
}

// HandleFetch responds with the object bytes.
func (h *StorageHandler) HandleFetch(w http.ResponseWriter, r *http.Request) {
	id, err := interfaces.NewContentIDFromHex(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid object id", http.StatusBadRequest)
		return
	}

	data, err := h.backend.Fetch(r.Context(), id, interfaces.ObjectType)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		http.Error(w, "object not found", http.StatusNotFound)
		return
	} else if err != nil {
		h.log.Error("Failed to fetch object", "err", err, "id", id.String())
		http.Error(w, "could not fetch object", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}
