package controllerapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytefuck/model-hub/internal/router"
	"github.com/bytefuck/model-hub/pkg/chatproto"
)

// handleChatCompletions is the fabric's public chat-completions route: it
// parses just enough of the body to pick a worker, forwards the request
// unmodified, and streams the response back byte-for-byte when the
// caller asked for one.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	var envelope chatproto.ChatCompletionEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if envelope.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	worker, err := s.route.Select(envelope.Model)
	if err != nil {
		switch {
		case errors.Is(err, router.ErrNoWorkerAvailable):
			writeError(w, http.StatusNotFound, "no worker registered for model \""+envelope.Model+"\"")
		case errors.Is(err, router.ErrAllWorkersAtCapacity):
			writeError(w, http.StatusServiceUnavailable, "all workers for model \""+envelope.Model+"\" are at capacity")
		default:
			writeError(w, http.StatusInternalServerError, "routing failed")
		}
		return
	}

	outReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, worker.Endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not build upstream request")
		return
	}
	outReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(outReq)
	if err != nil {
		s.recordFailure(worker.WorkerID)
		writeError(w, http.StatusBadGateway, "worker unreachable")
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)

	if envelope.Stream {
		s.streamPassthrough(w, resp, worker.WorkerID)
	} else {
		s.bufferedPassthrough(w, resp, worker.WorkerID)
	}

	if s.metrics != nil {
		s.metrics.RecordRouted(time.Since(start).Seconds())
	}
}

// streamPassthrough copies the upstream response to the client chunk by
// chunk, flushing after every read so server-sent events reach the
// caller as they arrive rather than batched on the Go runtime's own
// buffering. A clean EOF records success and any other upstream read
// error is treated as a worker failure; a write error (the client hung up)
// ends the copy without recording an outcome, matching the olla proxy's
// handling of a client hangup versus an upstream error.
func (s *Server) streamPassthrough(w http.ResponseWriter, resp *http.Response, workerID string) {
	flusher, canFlush := w.(http.Flusher)

	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				// Client disconnected mid-stream; not the worker's fault.
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				s.route.RecordSuccess(workerID)
			} else {
				s.recordFailure(workerID)
			}
			return
		}
	}
}

// bufferedPassthrough copies a non-streaming response body straight
// through and records the outcome from the upstream status code.
func (s *Server) bufferedPassthrough(w http.ResponseWriter, resp *http.Response, workerID string) {
	_, copyErr := io.Copy(w, resp.Body)
	if copyErr != nil || resp.StatusCode >= http.StatusInternalServerError {
		s.recordFailure(workerID)
		return
	}
	s.route.RecordSuccess(workerID)
}

// recordFailure reports a failed dispatch to the router and mirrors the
// outcome onto the metrics collector, including a breaker-trip counter
// bump when this is the failure that opened the circuit.
func (s *Server) recordFailure(workerID string) {
	tripped := s.route.RecordFailure(workerID)
	if s.metrics == nil {
		return
	}
	s.metrics.RecordRequestFailed()
	if tripped {
		s.metrics.RecordBreakerTrip()
	}
}
