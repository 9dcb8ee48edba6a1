package authority

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-enclave-bootstrap/attestation"
)

const maxRequestSize = 1 << 20

// Handler exposes the authority over HTTP.
type Handler struct {
	authority *Authority
	log       *slog.Logger
}

// NewHandler creates the HTTP handler for an authority.
func NewHandler(authority *Authority, log *slog.Logger) *Handler {
	return &Handler{
		authority: authority,
		log:       log,
	}
}

// RegisterRoutes registers:
//   - POST /api/attestation/v1/report - endorse a quote
//   - GET /api/attestation/v1/root - root of trust in PEM format
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post(attestation.ReportPath, h.HandleReport)
	r.Get("/api/attestation/v1/root", h.HandleRoot)
}

// HandleReport verifies the quote in an attestation.ReportRequest and responds with
// an attestation.ReportResponse.
//
// Status codes:
//   - 200 OK: quote endorsed
//   - 400 Bad Request: malformed request
//   - 401 Unauthorized: unknown access key
//   - 422 Unprocessable Entity: quote rejected
func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	if !h.authority.Authorized(r.Header.Get(attestation.AccessKeyHeader)) {
		h.log.Warn("Rejected attestation request", "reason", "access key", "remoteAddr", r.RemoteAddr)
		http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		http.Error(w, "could not read request", http.StatusBadRequest)
		return
	}

	var req attestation.ReportRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Quote) == 0 {
		http.Error(w, "empty quote", http.StatusBadRequest)
		return
	}

	resp, err := h.authority.Endorse(req)
	if errors.Is(err, ErrQuoteRejected) {
		h.log.Warn("Rejected attestation request", "reason", err, "algorithm", req.Algorithm, "platformID", req.PlatformID)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	} else if err != nil {
		h.log.Error("Failed to endorse quote", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// HandleRoot responds with the authority's root certificate.
func (h *Handler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(h.authority.RootPEM())
}
