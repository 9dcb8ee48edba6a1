package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/tee-enclave-bootstrap/enclave"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// MockLifecycle is a mock implementation of Lifecycle
type MockLifecycle struct {
	mock.Mock
}

func (m *MockLifecycle) HandleCommand(ctx context.Context, cmd enclave.Command, input []byte) ([]byte, error) {
	args := m.Called(ctx, cmd, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockLifecycle) State() enclave.State {
	return m.Called().Get(0).(enclave.State)
}

func newTestServer(t *testing.T, ready *atomic.Bool, lifecycle Lifecycle) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var admin *AdminHandler
	if lifecycle != nil {
		admin = NewAdminHandler(lifecycle, logger)
	}
	srv, err := New(&HTTPServerConfig{ListenAddr: "127.0.0.1:0", Log: logger}, ready, admin)
	require.NoError(t, err)
	return srv.Handler()
}

func request(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

// TestReadiness follows the enclave readiness flag and the drain state
func TestReadiness(t *testing.T) {
	ready := atomic.NewBool(false)
	h := newTestServer(t, ready, nil)

	assert.Equal(t, http.StatusOK, request(h, http.MethodGet, "/livez", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, request(h, http.MethodGet, "/readyz", "").Code)

	ready.Store(true)
	assert.Equal(t, http.StatusOK, request(h, http.MethodGet, "/readyz", "").Code)

	w := request(h, http.MethodGet, "/drain", "")
	assert.JSONEq(t, `{"status":"draining"}`, w.Body.String())
	assert.Equal(t, http.StatusServiceUnavailable, request(h, http.MethodGet, "/readyz", "").Code)

	w = request(h, http.MethodGet, "/drain", "")
	assert.JSONEq(t, `{"status":"already draining"}`, w.Body.String())

	w = request(h, http.MethodGet, "/undrain", "")
	assert.JSONEq(t, `{"status":"ready"}`, w.Body.String())
	assert.Equal(t, http.StatusOK, request(h, http.MethodGet, "/readyz", "").Code)

	w = request(h, http.MethodGet, "/undrain", "")
	assert.JSONEq(t, `{"status":"already ready"}`, w.Body.String())

	// No admin routes without a lifecycle
	assert.Equal(t, http.StatusNotFound, request(h, http.MethodGet, "/api/enclave/v1/status", "").Code)
}

// TestDrain_WaitsDrainPeriod holds the drain response until the drain period is over
func TestDrain_WaitsDrainPeriod(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(&HTTPServerConfig{Log: logger, DrainDuration: 200 * time.Millisecond}, atomic.NewBool(true), nil)
	require.NoError(t, err)
	h := srv.Handler()

	start := time.Now()
	w := request(h, http.MethodGet, "/drain", "")
	assert.JSONEq(t, `{"status":"draining"}`, w.Body.String())
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, http.StatusServiceUnavailable, request(h, http.MethodGet, "/readyz", "").Code)

	// Repeated drains answer immediately
	start = time.Now()
	w = request(h, http.MethodGet, "/drain", "")
	assert.JSONEq(t, `{"status":"already draining"}`, w.Body.String())
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestNew_MissingReadiness(t *testing.T) {
	_, err := New(&HTTPServerConfig{Log: slog.New(slog.NewTextHandler(io.Discard, nil))}, nil, nil)
	assert.Error(t, err)
}

// TestAdminCommands maps lifecycle errors to status codes
func TestAdminCommands(t *testing.T) {
	lifecycle := new(MockLifecycle)
	h := newTestServer(t, atomic.NewBool(false), lifecycle)

	lifecycle.On("State").Return(enclave.StateInitialized).Once()
	w := request(h, http.MethodGet, "/api/enclave/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status enclave.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "initialized", status.State)

	lifecycle.On("HandleCommand", mock.Anything, enclave.CommandStart, []byte(`{"listen_address":"x"}`)).
		Return([]byte(`{"state":"running"}`), nil).Once()
	w = request(h, http.MethodPost, "/api/enclave/v1/commands/start_service", `{"listen_address":"x"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"state":"running"}`, w.Body.String())

	tests := []struct {
		name string
		err  error
		code int
	}{
		{"invalid state", interfaces.ErrInvalidState, http.StatusConflict},
		{"service error", interfaces.ErrServiceError, http.StatusInternalServerError},
		{"unknown command", enclave.ErrUnknownCommand, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lifecycle.On("HandleCommand", mock.Anything, enclave.CommandFinalize, []byte{}).Return(nil, tt.err).Once()
			w := request(h, http.MethodPost, "/api/enclave/v1/commands/finalize_enclave", "")
			assert.Equal(t, tt.code, w.Code)
		})
	}

	lifecycle.AssertExpectations(t)
}
