package workerapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytefuck/model-hub/internal/agent"
	"github.com/bytefuck/model-hub/pkg/chatproto"
)

func newTestAgent() *agent.Agent {
	return agent.New(agent.Config{WorkerID: "w1", ControllerURL: "http://unused"}, nil)
}

func TestHandleChatCompletionsProxiesAndTracksLoad(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1"}`))
	}))
	defer backend.Close()

	a := newTestAgent()
	s := New(a, backend.URL, "w1", "llama-3", 4, 0, nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{"model":"llama-3"}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chatcmpl-1")
	assert.Equal(t, 0, a.Load(), "load counter must be back to zero once the request completes")
}

func TestHandleChatCompletionsBackendUnreachable(t *testing.T) {
	a := newTestAgent()
	s := New(a, "http://127.0.0.1:1", "w1", "llama-3", 4, 0, nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{"model":"llama-3"}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 0, a.Load())
}

func TestHandleHealthBackendHealthy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	a := newTestAgent()
	s := New(a, backend.URL, "w1", "llama-3", 4, 0, nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp chatproto.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleHealthBackendUnreachable(t *testing.T) {
	a := newTestAgent()
	s := New(a, "http://127.0.0.1:1", "w1", "llama-3", 4, 0, nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp chatproto.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "backend unreachable", resp.Reason)
}

func TestHandleHealthBackendNon200(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	a := newTestAgent()
	s := New(a, backend.URL, "w1", "llama-3", 4, 0, nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleRoot(t *testing.T) {
	a := newTestAgent()
	a.IncLoad()
	s := New(a, "http://unused", "w1", "llama-3", 4, 0, nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var info chatproto.WorkerInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "w1", info.WorkerID)
	assert.Equal(t, 1, info.CurrentLoad)
}

func TestHandleHealthSlowBackendWithinTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	a := newTestAgent()
	s := New(a, backend.URL, "w1", "llama-3", 4, 0, nil)
	// handleHealth derives its own 5s timeout from the request context;
	// this test just exercises the happy path within that budget.
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
