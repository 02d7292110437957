// Package health implements the Controller's background health monitor:
// a ticker that finds workers whose heartbeat has gone stale, probes them
// directly, and escalates to removal once a worker fails enough
// consecutive probes.
//
// Heartbeats stay authoritative for health status. A stale worker is
// marked unhealthy on every scan regardless of whether its probe
// succeeds - the probe only feeds the separate removal threshold. A
// worker that heartbeats again clears its staleness on its own; the
// monitor never marks a worker healthy.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bytefuck/model-hub/internal/metrics"
	"github.com/bytefuck/model-hub/internal/registry"
)

const (
	// DefaultScanInterval is how often the monitor scans for stale workers.
	DefaultScanInterval = 10 * time.Second
	// DefaultHeartbeatTimeout is how long a worker can go without a
	// heartbeat before it's considered stale.
	DefaultHeartbeatTimeout = 60 * time.Second
	// DefaultProbeTimeout bounds a single GET /health call.
	DefaultProbeTimeout = 5 * time.Second
	// DefaultProbeFailureThreshold is the number of consecutive failed
	// probes that gets a worker removed outright.
	DefaultProbeFailureThreshold = 3
)

// Config tunes the monitor's timing. Zero values fall back to the
// package defaults.
type Config struct {
	ScanInterval          time.Duration
	HeartbeatTimeout      time.Duration
	ProbeTimeout          time.Duration
	ProbeFailureThreshold int
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ProbeFailureThreshold <= 0 {
		c.ProbeFailureThreshold = DefaultProbeFailureThreshold
	}
	return c
}

// Monitor periodically scans the registry for stale workers and removes
// ones that stop answering their own health endpoint.
type Monitor struct {
	cfg     Config
	reg     *registry.WorkerRegistry
	metrics *metrics.Collector
	client  *http.Client
	log     *slog.Logger

	mu            sync.Mutex
	probeFailures map[string]int

	stop chan struct{}
	done chan struct{}
}

// New builds a Monitor. A zero Config gets the package defaults. A nil
// metrics collector disables metric recording.
func New(reg *registry.WorkerRegistry, m *metrics.Collector, cfg Config, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:           cfg,
		reg:           reg,
		metrics:       m,
		client:        &http.Client{Timeout: cfg.ProbeTimeout},
		log:           log,
		probeFailures: make(map[string]int),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Run blocks, scanning on cfg.ScanInterval, until ctx is cancelled or Stop
// is called.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

// Stop signals Run to exit and blocks until it has.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

// scan finds every worker stale by heartbeat, marks it unhealthy, and
// probes it concurrently: one errgroup goroutine per stale worker, with no
// further concurrency limit, and the scan waits for all probes to finish.
func (m *Monitor) scan(ctx context.Context) {
	if m.metrics != nil {
		m.metrics.SetFleetStats(m.reg.Len(), m.reg.HealthyLen())
	}

	cutoff := time.Now().Add(-m.cfg.HeartbeatTimeout)
	stale := m.reg.StaleSince(cutoff)
	if len(stale) == 0 {
		return
	}

	for _, id := range stale {
		if err := m.reg.MarkUnhealthy(id); err != nil {
			continue
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range stale {
		id := id
		rec, err := m.reg.Get(id)
		if err != nil {
			continue
		}
		endpoint := rec.Endpoint
		g.Go(func() error {
			m.probeOne(gctx, id, endpoint)
			return nil
		})
	}
	_ = g.Wait()
}

// probeOne issues GET {endpoint}/health and updates the consecutive
// failure count. Once the count reaches the threshold, the worker is
// removed outright.
func (m *Monitor) probeOne(ctx context.Context, workerID, endpoint string) {
	ok := m.probe(ctx, endpoint)

	m.mu.Lock()
	if ok {
		delete(m.probeFailures, workerID)
		m.mu.Unlock()
		return
	}
	m.probeFailures[workerID]++
	failures := m.probeFailures[workerID]
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordProbeFailure()
	}
	m.log.Warn("worker failed health probe", "worker_id", workerID, "consecutive_failures", failures)

	if failures >= m.cfg.ProbeFailureThreshold {
		if err := m.reg.Remove(workerID); err == nil {
			m.log.Warn("worker removed after repeated probe failures", "worker_id", workerID)
			m.mu.Lock()
			delete(m.probeFailures, workerID)
			m.mu.Unlock()
		}
	}
}

func (m *Monitor) probe(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
