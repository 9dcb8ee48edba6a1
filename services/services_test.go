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
	"net/http/httptest"
	"testing"

	"github.com/ruteri/tee-enclave-bootstrap/atls"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
	"github.com/ruteri/tee-enclave-bootstrap/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// routerDoer delivers requests to an in-process router as an attested peer
type routerDoer struct {
	router http.Handler
	peer   interfaces.PeerIdentity
}

func (d *routerDoer) Do(req *http.Request) (*http.Response, error) {
	w := httptest.NewRecorder()
	d.router.ServeHTTP(w, req.WithContext(atls.ContextWithPeer(req.Context(), d.peer)))
	return w.Result(), nil
}

// MockDoer is a mock implementation of Doer
type MockDoer struct {
	mock.Mock
}

func (m *MockDoer) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*http.Response), args.Error(1)
}

func newStorageRouter(t *testing.T, logger *slog.Logger) http.Handler {
	backend, err := storage.NewFileBackend(t.TempDir(), logger)
	require.NoError(t, err)
	return NewRouter(logger, NewStorageHandler(backend, logger))
}

func serve(router http.Handler, peer *interfaces.PeerIdentity, method, path string, body []byte) *http.Response {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if peer != nil {
		req = req.WithContext(atls.ContextWithPeer(req.Context(), *peer))
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w.Result()
}

var frontendPeer = &interfaces.PeerIdentity{Role: "frontend", Measurements: interfaces.Measurements{0: "cc"}}

// TestStorageService stores and fetches objects for attested peers only
func TestStorageService(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := newStorageRouter(t, logger)

	resp := serve(router, nil, http.MethodPost, "/api/v1/objects", []byte("payload"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = serve(router, frontendPeer, http.MethodPost, "/api/v1/objects", []byte("payload"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var stored ObjectResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
	assert.Equal(t, interfaces.ComputeID([]byte("payload")).String(), stored.ID)

	resp = serve(router, frontendPeer, http.MethodGet, "/api/v1/objects/"+stored.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), body)

	resp = serve(router, frontendPeer, http.MethodGet, "/api/v1/objects/"+interfaces.ComputeID([]byte("missing")).String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = serve(router, frontendPeer, http.MethodGet, "/api/v1/objects/xyz", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = serve(router, frontendPeer, http.MethodGet, "/api/v1/peer", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var peer PeerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&peer))
	assert.Equal(t, "frontend", peer.Role)
	assert.Equal(t, map[int]string{0: "cc"}, peer.Measurements)
}

// TestManagementService forwards staged objects to storage
func TestManagementService(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	storageDoer := &routerDoer{
		router: newStorageRouter(t, logger),
		peer:   interfaces.PeerIdentity{Role: "management", Measurements: interfaces.Measurements{0: "bb"}},
	}
	router := NewRouter(logger, NewManagementHandler(storageDoer, logger))

	resp := serve(router, frontendPeer, http.MethodPost, "/api/v1/stage", []byte("staged object"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var stored ObjectResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
	assert.Equal(t, interfaces.ComputeID([]byte("staged object")).String(), stored.ID)

	resp = serve(router, frontendPeer, http.MethodGet, "/api/v1/stage/"+stored.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("staged object"), body)

	resp = serve(router, frontendPeer, http.MethodGet, "/api/v1/stage/"+interfaces.ComputeID([]byte("missing")).String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = serve(router, nil, http.MethodPost, "/api/v1/stage", []byte("unattested"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// TestManagementService_StorageFailures maps backend failures to bad gateway
func TestManagementService_StorageFailures(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	unreachable := new(MockDoer)
	unreachable.On("Do", mock.Anything).Return(nil, errors.New("channel closed"))

	router := NewRouter(logger, NewManagementHandler(unreachable, logger))
	resp := serve(router, frontendPeer, http.MethodPost, "/api/v1/stage", []byte("x"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	unreachable.AssertExpectations(t)

	wrongID := new(MockDoer)
	wrongID.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusCreated,
		Body:       io.NopCloser(bytes.NewReader([]byte(`{"id":"` + interfaces.ComputeID([]byte("other")).String() + `"}`))),
	}, nil)

	router = NewRouter(logger, NewManagementHandler(wrongID, logger))
	resp = serve(router, frontendPeer, http.MethodPost, "/api/v1/stage", []byte("x"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	corrupted := new(MockDoer)
	corrupted.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader([]byte("tampered"))),
	}, nil)

	router = NewRouter(logger, NewManagementHandler(corrupted, logger))
	resp = serve(router, frontendPeer, http.MethodGet, "/api/v1/stage/"+interfaces.ComputeID([]byte("x")).String(), nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

// TestManagementService_Redial replaces a closed storage channel and retries once
func TestManagementService_Redial(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	storageDoer := &routerDoer{
		router: newStorageRouter(t, logger),
		peer:   interfaces.PeerIdentity{Role: "management", Measurements: interfaces.Measurements{0: "bb"}},
	}

	closed := new(MockDoer)
	closed.On("Do", mock.Anything).Return(nil, fmt.Errorf("%w: unexpected EOF", atls.ErrChannelClosed))

	dials := 0
	management := NewManagementHandler(closed, logger).WithRedial(func(ctx context.Context) (Doer, error) {
		dials++
		return storageDoer, nil
	})
	router := NewRouter(logger, management)

	resp := serve(router, frontendPeer, http.MethodPost, "/api/v1/stage", []byte("after reconnect"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var stored ObjectResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
	assert.Equal(t, interfaces.ComputeID([]byte("after reconnect")).String(), stored.ID)

	resp = serve(router, frontendPeer, http.MethodGet, "/api/v1/stage/"+stored.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 1, dials)
	closed.AssertNumberOfCalls(t, "Do", 1)

	// Failures other than a closed channel are not retried
	failing := new(MockDoer)
	failing.On("Do", mock.Anything).Return(nil, errors.New("request timed out"))
	router = NewRouter(logger, NewManagementHandler(failing, logger).WithRedial(func(ctx context.Context) (Doer, error) {
		t.Fatal("unexpected redial")
		return nil, nil
	}))
	resp = serve(router, frontendPeer, http.MethodPost, "/api/v1/stage", []byte("x"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	// A failed redial is a bad gateway and the next request dials again
	dials = 0
	router = NewRouter(logger, NewManagementHandler(closed, logger).WithRedial(func(ctx context.Context) (Doer, error) {
		dials++
		return nil, interfaces.ErrPeerTrust
	}))
	resp = serve(router, frontendPeer, http.MethodPost, "/api/v1/stage", []byte("x"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	resp = serve(router, frontendPeer, http.MethodPost, "/api/v1/stage", []byte("x"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 2, dials)
}
