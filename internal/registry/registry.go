// Package registry implements the Controller's worker directory: a
// dual-indexed map of the workers that have registered, keyed both by
// worker id and by model id, with a per-worker circuit breaker that lives
// and dies with its WorkerRecord.
//
// A single mutex guards both indices. Snapshot methods (WorkersFor, List)
// return independent copies so callers can iterate or hold onto the
// result without the registry lock; the embedded breaker pointer is
// shared rather than copied, so circuit state observed through a
// snapshot is always live.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/bytefuck/model-hub/internal/breaker"
	"github.com/bytefuck/model-hub/pkg/chatproto"
)

var (
	// ErrAlreadyRegistered is returned by Register when the worker id is
	// already present.
	ErrAlreadyRegistered = errors.New("registry: worker already registered")
	// ErrNotFound is returned by any operation addressing a worker id that
	// isn't currently registered.
	ErrNotFound = errors.New("registry: worker not found")
)

// WorkerRecord is everything the registry knows about one worker. The
// CircuitBreaker is created alongside the record at registration time and
// is never shared across workers; when the record is removed the breaker
// goes with it, so there is no breaker map to leak or reconcile
// separately from the registry.
type WorkerRecord struct {
	WorkerID      string
	ModelID       string
	Endpoint      string
	Capacity      int
	CurrentLoad   int
	Status        chatproto.WorkerStatus
	LastHeartbeat time.Time
	Metadata      map[string]string

	Breaker *breaker.CircuitBreaker
}

// LoadRatio is CurrentLoad/Capacity, used by the router to rank workers.
// A worker with zero capacity is reported as fully loaded rather than
// dividing by zero.
func (r *WorkerRecord) LoadRatio() float64 {
	if r.Capacity <= 0 {
		return 1
	}
	return float64(r.CurrentLoad) / float64(r.Capacity)
}

// Available reports whether the worker can accept more work: healthy
// status, circuit closed or half-open, and load strictly below capacity.
func (r *WorkerRecord) Available() bool {
	return r.Status == chatproto.StatusHealthy &&
		r.Breaker.IsAvailable() &&
		r.CurrentLoad < r.Capacity
}

func (r *WorkerRecord) clone() *WorkerRecord {
	cp := *r
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// WorkerRegistry is the Controller's worker directory.
type WorkerRegistry struct {
	mu      sync.Mutex
	byID    map[string]*WorkerRecord
	byModel map[string]map[string]*WorkerRecord
}

// New returns an empty WorkerRegistry.
func New() *WorkerRegistry {
	return &WorkerRegistry{
		byID:    make(map[string]*WorkerRecord),
		byModel: make(map[string]map[string]*WorkerRecord),
	}
}

// Register adds a new worker. It fails with ErrAlreadyRegistered if the
// worker id is already present - a worker that wants to change its model
// or endpoint must deregister first.
func (reg *WorkerRegistry) Register(req chatproto.RegisterRequest) (*WorkerRecord, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.byID[req.WorkerID]; exists {
		return nil, ErrAlreadyRegistered
	}

	rec := &WorkerRecord{
		WorkerID:      req.WorkerID,
		ModelID:       req.ModelID,
		Endpoint:      req.Endpoint,
		Capacity:      req.Capacity,
		CurrentLoad:   0,
		Status:        chatproto.StatusHealthy,
		LastHeartbeat: time.Now(),
		Metadata:      req.Metadata,
		Breaker:       breaker.NewDefault(),
	}

	reg.byID[req.WorkerID] = rec
	bucket, ok := reg.byModel[req.ModelID]
	if !ok {
		bucket = make(map[string]*WorkerRecord)
		reg.byModel[req.ModelID] = bucket
	}
	bucket[req.WorkerID] = rec

	return rec.clone(), nil
}

// Unregister deregisters a worker. With force, the record is removed
// outright. Without force (which is how the worker's own graceful-shutdown
// deregistration calls it), the record is only marked draining and
// retained, so the router stops selecting it while in-flight requests
// finish; only a later forced call or Remove deletes it.
func (reg *WorkerRegistry) Unregister(workerID string, force bool) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rec, ok := reg.byID[workerID]
	if !ok {
		return ErrNotFound
	}
	if !force {
		rec.Status = chatproto.StatusDraining
		return nil
	}
	reg.remove(rec)
	return nil
}

// remove deletes rec from both indices. Caller must hold mu.
func (reg *WorkerRegistry) remove(rec *WorkerRecord) {
	delete(reg.byID, rec.WorkerID)
	if bucket, ok := reg.byModel[rec.ModelID]; ok {
		delete(bucket, rec.WorkerID)
		if len(bucket) == 0 {
			delete(reg.byModel, rec.ModelID)
		}
	}
}

// Remove deletes a worker unconditionally, regardless of status. Used by
// the health monitor once a worker has failed enough probes.
func (reg *WorkerRegistry) Remove(workerID string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rec, ok := reg.byID[workerID]
	if !ok {
		return ErrNotFound
	}
	reg.remove(rec)
	return nil
}

// Heartbeat updates a worker's load, status, and last-heartbeat time.
func (reg *WorkerRegistry) Heartbeat(workerID string, currentLoad int, status chatproto.WorkerStatus) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rec, ok := reg.byID[workerID]
	if !ok {
		return ErrNotFound
	}
	rec.CurrentLoad = currentLoad
	rec.Status = status
	rec.LastHeartbeat = time.Now()
	return nil
}

// MarkUnhealthy flips a worker's status without removing it - used by the
// health monitor after a probe failure that hasn't yet crossed the
// removal threshold, and by heartbeat staleness detection.
func (reg *WorkerRegistry) MarkUnhealthy(workerID string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rec, ok := reg.byID[workerID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = chatproto.StatusUnhealthy
	return nil
}

// Get returns a snapshot copy of one worker record.
func (reg *WorkerRegistry) Get(workerID string) (*WorkerRecord, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rec, ok := reg.byID[workerID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// WorkersFor returns snapshot copies of every worker registered for a
// model, in no particular order. The router is the only caller that
// needs this; it filters and ranks the result itself.
func (reg *WorkerRegistry) WorkersFor(modelID string) []*WorkerRecord {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	bucket := reg.byModel[modelID]
	out := make([]*WorkerRecord, 0, len(bucket))
	for _, rec := range bucket {
		out = append(out, rec.clone())
	}
	return out
}

// List returns snapshot copies of all workers, optionally filtered to one
// model id.
func (reg *WorkerRegistry) List(modelID *string) []*WorkerRecord {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if modelID != nil {
		bucket := reg.byModel[*modelID]
		out := make([]*WorkerRecord, 0, len(bucket))
		for _, rec := range bucket {
			out = append(out, rec.clone())
		}
		return out
	}

	out := make([]*WorkerRecord, 0, len(reg.byID))
	for _, rec := range reg.byID {
		out = append(out, rec.clone())
	}
	return out
}

// ListModels returns the distinct model ids with at least one registered
// worker, for GET /v1/models.
func (reg *WorkerRegistry) ListModels() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	out := make([]string, 0, len(reg.byModel))
	for model, bucket := range reg.byModel {
		if len(bucket) > 0 {
			out = append(out, model)
		}
	}
	return out
}

// StaleSince returns the worker ids whose last heartbeat is older than
// cutoff, for the health monitor's periodic scan. Draining workers are
// excluded: they stop heartbeating on purpose while winding down, and the
// health monitor must not touch them.
func (reg *WorkerRegistry) StaleSince(cutoff time.Time) []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var stale []string
	for id, rec := range reg.byID {
		if rec.Status == chatproto.StatusDraining {
			continue
		}
		if rec.LastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// Breaker returns the live CircuitBreaker for a worker, for the router to
// record request outcomes against after a dispatch attempt. It returns
// the same pointer embedded in the record, not a copy.
func (reg *WorkerRegistry) Breaker(workerID string) (*breaker.CircuitBreaker, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rec, ok := reg.byID[workerID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Breaker, nil
}

// Len returns the number of registered workers, for metrics.
func (reg *WorkerRegistry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.byID)
}

// HealthyLen returns the number of registered workers currently reporting
// healthy status, for the fleet-health gauge.
func (reg *WorkerRegistry) HealthyLen() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	n := 0
	for _, rec := range reg.byID {
		if rec.Status == chatproto.StatusHealthy {
			n++
		}
	}
	return n
}
