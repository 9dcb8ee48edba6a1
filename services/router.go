// Package services implements the request handlers served on attested channels.
//
// The management service stages objects on behalf of its peers and forwards them to the
// storage enclave over its single outbound attested channel. The storage service keeps
// content-addressed objects in a storage backend. Both only serve requests whose
// connection carries a verified peer identity.
package services

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/tee-enclave-bootstrap/atls"
)

const maxObjectSize = 16 << 20

// Doer issues requests to a backend peer. *atls.Channel implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RouteRegistrar is implemented by every service handler.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// PeerResponse describes the caller as seen by the service.
type PeerResponse struct {
	Role         string         `json:"role"`
	Measurements map[int]string `json:"measurements"`
}

// ObjectResponse identifies a stored object.
type ObjectResponse struct {
	ID string `json:"id"`
}

// NewRouter mounts the handlers behind request logging and the attested peer check.
func NewRouter(log *slog.Logger, handlers ...RouteRegistrar) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(func(next http.Handler) http.Handler {
		return httplogger.LoggingMiddlewareSlog(log, next)
	})
	mux.Use(requirePeer)

	mux.Get("/api/v1/peer", handlePeer)
	for _, h := range handlers {
		h.RegisterRoutes(mux)
	}
	return mux
}

// requirePeer rejects requests that did not arrive over an attested connection.
func requirePeer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := atls.PeerFromContext(r.Context()); !ok {
			http.Error(w, "attested peer required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func handlePeer(w http.ResponseWriter, r *http.Request) {
	peer, _ := atls.PeerFromContext(r.Context())
	writeJSON(w, http.StatusOK, PeerResponse{
		Role:         string(peer.Role),
		Measurements: peer.Measurements,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
