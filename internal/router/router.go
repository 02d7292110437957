// Package router selects which registered worker should handle a chat
// completion request and records the outcome against that worker's
// circuit breaker once the request is done.
//
// Selection and outcome recording are deliberately two separate calls
// (mirroring the teacher's dispatch-then-handleResult pairing): the
// caller holds the chosen WorkerRecord for the lifetime of the proxied
// request and reports back exactly once, success or failure, when it
// completes.
package router

import (
	"errors"

	"github.com/bytefuck/model-hub/internal/breaker"
	"github.com/bytefuck/model-hub/internal/registry"
)

// ErrNoWorkerAvailable is returned when no worker is registered for a
// model at all.
var ErrNoWorkerAvailable = errors.New("router: no worker registered for model")

// ErrAllWorkersAtCapacity is returned when workers exist for the model
// but none currently have headroom (healthy, breaker closed/half-open,
// load below capacity).
var ErrAllWorkersAtCapacity = errors.New("router: all workers at capacity or unavailable")

// Router picks the least-loaded eligible worker for a model.
type Router struct {
	reg *registry.WorkerRegistry
}

// New builds a Router over the given registry.
func New(reg *registry.WorkerRegistry) *Router {
	return &Router{reg: reg}
}

// Select returns the least-loaded available worker for modelID. Ties are
// broken by map iteration order, which is unspecified - the spec only
// requires minimal load, not a stable tiebreak.
func (r *Router) Select(modelID string) (*registry.WorkerRecord, error) {
	candidates := r.reg.WorkersFor(modelID)
	if len(candidates) == 0 {
		return nil, ErrNoWorkerAvailable
	}

	var best *registry.WorkerRecord
	for _, rec := range candidates {
		if !rec.Available() {
			continue
		}
		if best == nil || rec.LoadRatio() < best.LoadRatio() {
			best = rec
		}
	}
	if best == nil {
		return nil, ErrAllWorkersAtCapacity
	}
	return best, nil
}

// RecordSuccess reports that a dispatched request to workerID completed
// without error, closing its breaker if it was half-open.
func (r *Router) RecordSuccess(workerID string) {
	if b, err := r.reg.Breaker(workerID); err == nil {
		b.RecordSuccess()
	}
}

// RecordFailure reports that a dispatched request to workerID failed,
// counting toward that worker's breaker threshold. It reports whether
// this failure is the one that tripped the breaker open, so callers can
// raise an alert exactly once per trip rather than once per failure.
func (r *Router) RecordFailure(workerID string) bool {
	b, err := r.reg.Breaker(workerID)
	if err != nil {
		return false
	}
	before := b.State()
	b.RecordFailure()
	return before != breaker.StateOpen && b.State() == breaker.StateOpen
}
