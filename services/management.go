package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-enclave-bootstrap/atls"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

// Dialer opens a new channel to the storage enclave.
type Dialer func(ctx context.Context) (Doer, error)

// ManagementHandler stages objects and forwards them to the storage enclave.
type ManagementHandler struct {
	log  *slog.Logger
	dial Dialer

	mu      sync.Mutex
	storage Doer
}

// NewManagementHandler creates the management service handler. storage is the attested
// channel to the storage enclave.
func NewManagementHandler(storage Doer, log *slog.Logger) *ManagementHandler {
	return &ManagementHandler{
		storage: storage,
		log:     log,
	}
}

// WithRedial sets how a closed storage channel is replaced. Without it a closed channel
// fails every later request.
func (h *ManagementHandler) WithRedial(dial Dialer) *ManagementHandler {
	h.dial = dial
	return h
}

// RegisterRoutes registers:
//   - POST /api/v1/stage - forward the request body to storage, responds with its id
//   - GET /api/v1/stage/{id} - fetch a staged object from storage
func (h *ManagementHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/stage", h.HandleStage)
	r.Get("/api/v1/stage/{id}", h.HandleFetchStaged)
}

// HandleStage forwards an object to storage.
func (h *ManagementHandler) HandleStage(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxObjectSize+1))
	if err != nil {
		http.Error(w, "could not read object", http.StatusBadRequest)
		return
	}
	if len(data) > maxObjectSize {
		http.Error(w, "object too large", http.StatusRequestEntityTooLarge)
		return
	}

	resp, err := h.do(r.Context(), func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://storage/api/v1/objects", bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	})
	if err != nil {
		h.log.Error("Storage unreachable", "err", err)
		http.Error(w, "storage unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		h.relayError(w, resp)
		return
	}

	var stored ObjectResponse
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		h.log.Error("Invalid storage response", "err", err)
		http.Error(w, "invalid storage response", http.StatusBadGateway)
		return
	}

	if stored.ID != interfaces.ComputeID(data).String() {
		h.log.Error("Storage returned unexpected object id", "id", stored.ID)
		http.Error(w, "invalid storage response", http.StatusBadGateway)
		return
	}

	peer, _ := atls.PeerFromContext(r.Context())
	h.log.Info("Staged object", "id", stored.ID, "size", len(data), "peer", peer.Role)

	writeJSON(w, http.StatusCreated, stored)
}

// HandleFetchStaged fetches an object from storage.
func (h *ManagementHandler) HandleFetchStaged(w http.ResponseWriter, r *http.Request) {
	id, err := interfaces.NewContentIDFromHex(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid object id", http.StatusBadRequest)
		return
	}

	resp, err := h.do(r.Context(), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://storage/api/v1/objects/%s", id.String()), nil)
	})
	if err != nil {
		h.log.Error("Storage unreachable", "err", err)
		http.Error(w, "storage unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.relayError(w, resp)
		return
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil || interfaces.ComputeID(data) != id {
		h.log.Error("Storage returned corrupted object", "id", id.String(), "err", err)
		http.Error(w, "invalid storage response", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// do sends a request to storage. Stage and fetch are idempotent, so a request that failed
// on a closed channel is sent once more over a new one.
func (h *ManagementHandler) do(ctx context.Context, newRequest func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	storage := h.channel()

	req, err := newRequest(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := storage.Do(req)
	if err == nil || h.dial == nil || !errors.Is(err, atls.ErrChannelClosed) {
		return resp, err
	}

	h.log.Warn("Storage channel closed, reconnecting", "err", err)
	storage, err = h.redial(ctx, storage)
	if err != nil {
		return nil, err
	}

	req, err = newRequest(ctx)
	if err != nil {
		return nil, err
	}
	return storage.Do(req)
}

func (h *ManagementHandler) channel() Doer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.storage
}

// redial replaces failed unless a concurrent request already did.
func (h *ManagementHandler) redial(ctx context.Context, failed Doer) (Doer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.storage != failed {
		return h.storage, nil
	}

	storage, err := h.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not reconnect to storage: %w", err)
	}
	h.storage = storage
	h.log.Info("Reconnected to storage")
	return storage, nil
}

func (h *ManagementHandler) relayError(w http.ResponseWriter, resp *http.Response) {
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		http.Error(w, http.StatusText(resp.StatusCode), resp.StatusCode)
	default:
		h.log.Warn("Storage request failed", "status", resp.StatusCode)
		http.Error(w, "storage unavailable", http.StatusBadGateway)
	}
}
