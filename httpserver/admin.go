package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-enclave-bootstrap/enclave"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
)

const maxCommandInputSize = 1 << 20

// Lifecycle is the enclave surface driven by the host.
type Lifecycle interface {
	HandleCommand(ctx context.Context, cmd enclave.Command, input []byte) ([]byte, error)
	State() enclave.State
}

// AdminHandler exposes the enclave lifecycle commands to the host.
type AdminHandler struct {
	lifecycle Lifecycle
	log       *slog.Logger
}

func NewAdminHandler(lifecycle Lifecycle, log *slog.Logger) *AdminHandler {
	return &AdminHandler{
		lifecycle: lifecycle,
		log:       log,
	}
}

// RegisterRoutes registers:
//   - GET /api/enclave/v1/status
//   - POST /api/enclave/v1/commands/{command}
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/enclave/v1/status", h.handleStatus)
	r.Post("/api/enclave/v1/commands/{command}", h.handleCommand)
}

func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(enclave.StatusResponse{State: h.lifecycle.State().String()})
}

func (h *AdminHandler) handleCommand(w http.ResponseWriter, r *http.Request) {
	cmd := enclave.Command(chi.URLParam(r, "command"))

	input, err := io.ReadAll(io.LimitReader(r.Body, maxCommandInputSize))
	if err != nil {
		http.Error(w, "could not read input", http.StatusBadRequest)
		return
	}

	h.log.Info("Lifecycle command received", "command", cmd)

	out, err := h.lifecycle.HandleCommand(r.Context(), cmd, input)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(out)
	case errors.Is(err, enclave.ErrUnknownCommand):
		http.Error(w, "unknown command", http.StatusNotFound)
	case errors.Is(err, interfaces.ErrInvalidState):
		http.Error(w, "invalid state", http.StatusConflict)
	case errors.Is(err, interfaces.ErrServiceError):
		http.Error(w, "service error", http.StatusInternalServerError)
	default:
		h.log.Error("Lifecycle command failed", "command", cmd, "err", err)
		http.Error(w, "command failed", http.StatusInternalServerError)
	}
}
