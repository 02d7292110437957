// Package workerapi is the Worker's HTTP shell: it forwards chat
// completions to the configured backend, tracking in-flight requests on
// the registration agent's load counter, and answers /health by probing
// that same backend.
package workerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bytefuck/model-hub/internal/agent"
	"github.com/bytefuck/model-hub/pkg/chatproto"
)

// DefaultProbeTimeout bounds the worker's own GET /health probe against
// its backend.
const DefaultProbeTimeout = 5 * time.Second

// Server is the Worker's HTTP surface.
type Server struct {
	agent        *agent.Agent
	backendURL   string
	workerID     string
	modelID      string
	capacity     int
	probeTimeout time.Duration

	client *http.Client
	log    *slog.Logger
}

// New builds a Server that forwards to backendURL and tracks load on a.
// A zero probeTimeout falls back to DefaultProbeTimeout.
func New(a *agent.Agent, backendURL, workerID, modelID string, capacity int, probeTimeout time.Duration, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Server{
		agent:        a,
		backendURL:   backendURL,
		workerID:     workerID,
		modelID:      modelID,
		capacity:     capacity,
		probeTimeout: probeTimeout,
		client:       &http.Client{},
		log:          log,
	}
}

// Handler builds the worker's route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)
	return mux
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.agent.IncLoad()
	defer s.agent.DecLoad()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	outReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.backendURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not build backend request")
		return
	}
	outReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(outReq)
	if err != nil {
		writeError(w, http.StatusBadGateway, "backend unreachable")
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}

// handleHealth probes the backend directly, distinguishing why it failed
// the way the original implementation's check_backend_health did:
// unreachable vs timed out vs a generic error.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.backendURL+"/health", nil)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, chatproto.HealthResponse{Status: "unhealthy", Reason: "could not build backend health request"})
		return
	}

	resp, err := s.client.Do(req)
	if err != nil {
		reason := "backend unreachable"
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			reason = "backend timeout"
		}
		writeJSON(w, http.StatusServiceUnavailable, chatproto.HealthResponse{Status: "unhealthy", Reason: reason})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		writeJSON(w, http.StatusServiceUnavailable, chatproto.HealthResponse{Status: "unhealthy", Reason: "backend returned non-200"})
		return
	}

	writeJSON(w, http.StatusOK, chatproto.HealthResponse{Status: "ok"})
}

// handleRoot is a tiny operator-facing info endpoint: worker id, model
// id, current load, and capacity, for poking a worker directly.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, chatproto.WorkerInfo{
		WorkerID:    s.workerID,
		ModelID:     s.modelID,
		CurrentLoad: s.agent.Load(),
		Capacity:    s.capacity,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, chatproto.ErrorBody{Detail: detail})
}
