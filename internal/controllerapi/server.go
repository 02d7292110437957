// Package controllerapi is the Controller's HTTP shell: the public
// OpenAI-compatible chat-completions route that the router dispatches,
// the internal registration/heartbeat/listing protocol workers speak,
// and the operator-facing models/health endpoints.
package controllerapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/bytefuck/model-hub/internal/metrics"
	"github.com/bytefuck/model-hub/internal/registry"
	"github.com/bytefuck/model-hub/internal/router"
	"github.com/bytefuck/model-hub/pkg/chatproto"
)

// Server is the Controller's HTTP surface.
type Server struct {
	reg     *registry.WorkerRegistry
	route   *router.Router
	metrics *metrics.Collector
	log     *slog.Logger
	client  *http.Client

	authToken string
}

// New builds a Server. A nil metrics collector disables metric
// recording, which is convenient for tests that don't want a shared
// Prometheus registry.
func New(reg *registry.WorkerRegistry, route *router.Router, m *metrics.Collector, authToken string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		reg:     reg,
		route:   route,
		metrics: m,
		log:     log,
		client: &http.Client{
			// No overall Timeout: chat completions can legitimately run
			// long, especially streamed ones. Each outbound request still
			// inherits the inbound request's context deadline, if any.
		},
		authToken: authToken,
	}
}

// Handler builds the full route tree wrapped in the standard middleware
// stack (request id, logging, auth).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("POST /internal/workers/register", s.handleRegister)
	mux.HandleFunc("POST /internal/workers/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /internal/workers", s.handleListWorkers)
	mux.HandleFunc("DELETE /internal/workers/{id}", s.handleDeregister)
	mux.HandleFunc("GET /health", s.handleHealth)

	var h http.Handler = mux
	h = withBearerAuth(s.authToken, h)
	h = withLogging(s.log, h)
	h = withRequestID(h)
	return h
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req chatproto.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed registration body")
		return
	}
	if req.WorkerID == "" || req.ModelID == "" || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "worker_id, model_id, and endpoint are required")
		return
	}

	if _, err := s.reg.Register(req); err != nil {
		if errors.Is(err, registry.ErrAlreadyRegistered) {
			writeError(w, http.StatusConflict, "worker already registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	s.log.Info("worker registered", "worker_id", req.WorkerID, "model_id", req.ModelID)
	writeJSON(w, http.StatusCreated, chatproto.RegisterResponse{WorkerID: req.WorkerID, Status: "registered"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req chatproto.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed heartbeat body")
		return
	}

	status := req.Status
	if status == "" {
		status = chatproto.StatusHealthy
	}
	if err := s.reg.Heartbeat(req.WorkerID, req.CurrentLoad, status); err != nil {
		if s.metrics != nil {
			s.metrics.RecordHeartbeatFailure()
		}
		writeError(w, http.StatusNotFound, "worker not registered")
		return
	}

	writeJSON(w, http.StatusOK, chatproto.HeartbeatResponse{Status: "ok"})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	var modelFilter *string
	if m := r.URL.Query().Get("model"); m != "" {
		modelFilter = &m
	}

	records := s.reg.List(modelFilter)
	workers := make([]chatproto.WorkerInfo, 0, len(records))
	for _, rec := range records {
		workers = append(workers, toWorkerInfo(rec))
	}

	writeJSON(w, http.StatusOK, chatproto.WorkerListResponse{Workers: workers, Total: len(workers)})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	if err := s.reg.Unregister(id, force); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "worker not registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "deregistration failed")
		return
	}
	s.log.Info("worker deregistered", "worker_id", id, "force", force)
	writeJSON(w, http.StatusOK, chatproto.DeregisterResponse{WorkerID: id, Status: "deregistered"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.reg.ListModels()
	data := make([]chatproto.ModelInfo, 0, len(models))
	for _, id := range models {
		data = append(data, chatproto.ModelInfo{ID: id, Object: "model", OwnedBy: "model-hub"})
	}
	writeJSON(w, http.StatusOK, chatproto.ModelListResponse{Object: "list", Data: data})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, chatproto.HealthResponse{Status: "ok"})
}

func toWorkerInfo(rec *registry.WorkerRecord) chatproto.WorkerInfo {
	return chatproto.WorkerInfo{
		WorkerID:      rec.WorkerID,
		ModelID:       rec.ModelID,
		Endpoint:      rec.Endpoint,
		Status:        rec.Status,
		CurrentLoad:   rec.CurrentLoad,
		Capacity:      rec.Capacity,
		CircuitState:  rec.Breaker.State().String(),
		LastHeartbeat: rec.LastHeartbeat,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, chatproto.ErrorBody{Detail: detail})
}
