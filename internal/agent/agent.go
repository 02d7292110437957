// Package agent implements the Worker side of the registration protocol:
// registering with the Controller on startup with exponential backoff,
// heartbeating on an interval afterward, and deregistering on graceful
// shutdown. It also owns the atomic load counter the Worker's HTTP
// handlers increment and decrement around each proxied request.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytefuck/model-hub/pkg/chatproto"
)

const (
	// DefaultHeartbeatInterval is how often the agent reports load and
	// status once registered.
	DefaultHeartbeatInterval = 15 * time.Second
	// DefaultMaxRegisterAttempts bounds the registration retry loop.
	DefaultMaxRegisterAttempts = 30
	// DefaultInitialBackoff is the delay before the second registration
	// attempt; it doubles on each subsequent failure.
	DefaultInitialBackoff = 5 * time.Second
	// DefaultMaxBackoff caps the exponential backoff between registration
	// attempts.
	DefaultMaxBackoff = 60 * time.Second
	// DefaultRequestTimeout bounds every registration/heartbeat/
	// deregistration HTTP call.
	DefaultRequestTimeout = 5 * time.Second
)

// Config describes one worker's identity and how to reach its
// Controller.
type Config struct {
	WorkerID      string
	ModelID       string
	Endpoint      string
	Capacity      int
	Metadata      map[string]string
	ControllerURL string

	HeartbeatInterval   time.Duration
	MaxRegisterAttempts int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxRegisterAttempts <= 0 {
		c.MaxRegisterAttempts = DefaultMaxRegisterAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	return c
}

// Agent registers this worker with the Controller, keeps it alive with
// heartbeats, and tracks its current in-flight request count.
type Agent struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger

	load atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds an Agent. A zero-value Config field falls back to its
// package default.
func New(cfg Config, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	return &Agent{
		cfg:    cfg.withDefaults(),
		client: &http.Client{Timeout: DefaultRequestTimeout},
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// IncLoad records one more in-flight request.
func (a *Agent) IncLoad() { a.load.Add(1) }

// DecLoad records one fewer in-flight request.
func (a *Agent) DecLoad() { a.load.Add(-1) }

// Load returns the current in-flight request count.
func (a *Agent) Load() int { return int(a.load.Load()) }

// Register attempts to register with the Controller, retrying with
// exponential backoff (capped at cfg.MaxBackoff) up to
// cfg.MaxRegisterAttempts times. It returns the last error if every
// attempt fails.
func (a *Agent) Register(ctx context.Context) error {
	backoff := a.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= a.cfg.MaxRegisterAttempts; attempt++ {
		if err := a.tryRegister(ctx); err != nil {
			lastErr = err
			a.log.Warn("registration attempt failed", "attempt", attempt, "error", err)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > a.cfg.MaxBackoff {
				backoff = a.cfg.MaxBackoff
			}
			continue
		}
		a.log.Info("registered with controller", "worker_id", a.cfg.WorkerID, "attempt", attempt)
		return nil
	}
	return fmt.Errorf("agent: registration failed after %d attempts: %w", a.cfg.MaxRegisterAttempts, lastErr)
}

func (a *Agent) tryRegister(ctx context.Context) error {
	body, err := json.Marshal(chatproto.RegisterRequest{
		WorkerID: a.cfg.WorkerID,
		ModelID:  a.cfg.ModelID,
		Endpoint: a.cfg.Endpoint,
		Capacity: a.cfg.Capacity,
		Metadata: a.cfg.Metadata,
	})
	if err != nil {
		return fmt.Errorf("agent: encode register request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ControllerURL+"/internal/workers/register", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("agent: build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent: register request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("agent: controller rejected registration: status %d", resp.StatusCode)
	}
	return nil
}

// RunHeartbeat blocks, sending a heartbeat every cfg.HeartbeatInterval,
// until ctx is cancelled or Stop is called. Intended to be run in its own
// goroutine.
func (a *Agent) RunHeartbeat(ctx context.Context) {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			if err := a.sendHeartbeat(ctx); err != nil {
				// A 404 here means the Controller forgot about us
				// (e.g. it restarted); we log and keep ticking rather
				// than re-entering the registration sequence, matching
				// the documented gap in the registration protocol.
				a.log.Warn("heartbeat failed", "worker_id", a.cfg.WorkerID, "error", err)
			}
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) error {
	body, err := json.Marshal(chatproto.HeartbeatRequest{
		WorkerID:    a.cfg.WorkerID,
		CurrentLoad: a.Load(),
		Status:      chatproto.StatusHealthy,
	})
	if err != nil {
		return fmt.Errorf("agent: encode heartbeat: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ControllerURL+"/internal/workers/heartbeat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("agent: build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent: heartbeat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent: controller rejected heartbeat: status %d", resp.StatusCode)
	}
	return nil
}

// Stop halts the heartbeat loop and makes a best-effort attempt to
// deregister from the Controller. It never returns an error: shutdown
// proceeds regardless of whether the Controller is reachable.
func (a *Agent) Stop(ctx context.Context) {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	<-a.doneCh

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.cfg.ControllerURL+"/internal/workers/"+a.cfg.WorkerID, nil)
	if err != nil {
		a.log.Warn("could not build deregister request", "error", err)
		return
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.log.Warn("deregistration failed", "worker_id", a.cfg.WorkerID, "error", err)
		return
	}
	defer resp.Body.Close()
	a.log.Info("deregistered from controller", "worker_id", a.cfg.WorkerID)
}
