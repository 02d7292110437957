package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytefuck/model-hub/internal/breaker"
	"github.com/bytefuck/model-hub/pkg/chatproto"
)

func sampleRequest(id, model string) chatproto.RegisterRequest {
	return chatproto.RegisterRequest{
		WorkerID: id,
		ModelID:  model,
		Endpoint: "http://127.0.0.1:9000",
		Capacity: 4,
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg := New()

	rec, err := reg.Register(sampleRequest("w1", "llama-3"))
	require.NoError(t, err)
	assert.Equal(t, "w1", rec.WorkerID)
	assert.Equal(t, chatproto.StatusHealthy, rec.Status)
	require.NotNil(t, rec.Breaker)

	got, err := reg.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, "llama-3", got.ModelID)
}

func TestRegisterDuplicateFails(t *testing.T) {
	reg := New()
	_, err := reg.Register(sampleRequest("w1", "llama-3"))
	require.NoError(t, err)

	_, err = reg.Register(sampleRequest("w1", "llama-3"))
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestGetUnknownWorker(t *testing.T) {
	reg := New()
	_, err := reg.Get("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestByModelBucketConsistency mirrors spec invariant: no model bucket
// exists with zero workers, and by_id/by_model never disagree.
func TestByModelBucketConsistency(t *testing.T) {
	reg := New()
	_, err := reg.Register(sampleRequest("w1", "llama-3"))
	require.NoError(t, err)
	_, err = reg.Register(sampleRequest("w2", "llama-3"))
	require.NoError(t, err)

	workers := reg.WorkersFor("llama-3")
	assert.Len(t, workers, 2)

	require.NoError(t, reg.Unregister("w1", true))
	workers = reg.WorkersFor("llama-3")
	assert.Len(t, workers, 1)

	require.NoError(t, reg.Unregister("w2", true))
	assert.Empty(t, reg.WorkersFor("llama-3"))
	assert.Empty(t, reg.ListModels())
}

func TestUnregisterWithoutForceDrainsAHealthyWorker(t *testing.T) {
	reg := New()
	_, err := reg.Register(sampleRequest("w1", "llama-3"))
	require.NoError(t, err)

	require.NoError(t, reg.Unregister("w1", false))

	rec, err := reg.Get("w1")
	require.NoError(t, err, "a soft unregister must retain the record, not delete it")
	assert.Equal(t, chatproto.StatusDraining, rec.Status)

	require.NoError(t, reg.Unregister("w1", true))
	_, err = reg.Get("w1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnregisterWithoutForceIsIdempotentOnAnAlreadyDrainingWorker(t *testing.T) {
	reg := New()
	_, err := reg.Register(sampleRequest("w1", "llama-3"))
	require.NoError(t, err)
	require.NoError(t, reg.Heartbeat("w1", 0, chatproto.StatusDraining))

	require.NoError(t, reg.Unregister("w1", false))
	rec, err := reg.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, chatproto.StatusDraining, rec.Status)
}

func TestUnregisterUnknownWorker(t *testing.T) {
	reg := New()
	err := reg.Unregister("ghost", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHeartbeatUpdatesLoadStatusAndTimestamp(t *testing.T) {
	reg := New()
	_, err := reg.Register(sampleRequest("w1", "llama-3"))
	require.NoError(t, err)

	before := time.Now()
	time.Sleep(time.Millisecond)
	require.NoError(t, reg.Heartbeat("w1", 3, chatproto.StatusHealthy))

	rec, err := reg.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.CurrentLoad)
	assert.True(t, rec.LastHeartbeat.After(before))
}

func TestMarkUnhealthy(t *testing.T) {
	reg := New()
	_, err := reg.Register(sampleRequest("w1", "llama-3"))
	require.NoError(t, err)

	require.NoError(t, reg.MarkUnhealthy("w1"))
	rec, err := reg.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, chatproto.StatusUnhealthy, rec.Status)
}

func TestRemoveDropsEvenDrainingWorker(t *testing.T) {
	reg := New()
	_, err := reg.Register(sampleRequest("w1", "llama-3"))
	require.NoError(t, err)
	require.NoError(t, reg.Heartbeat("w1", 0, chatproto.StatusDraining))

	require.NoError(t, reg.Remove("w1"))
	_, err = reg.Get("w1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFiltersByModel(t *testing.T) {
	reg := New()
	_, err := reg.Register(sampleRequest("w1", "llama-3"))
	require.NoError(t, err)
	_, err = reg.Register(sampleRequest("w2", "mixtral"))
	require.NoError(t, err)

	model := "llama-3"
	filtered := reg.List(&model)
	require.Len(t, filtered, 1)
	assert.Equal(t, "w1", filtered[0].WorkerID)

	all := reg.List(nil)
	assert.Len(t, all, 2)
}

func TestStaleSince(t *testing.T) {
	reg := New()
	_, err := reg.Register(sampleRequest("w1", "llama-3"))
	require.NoError(t, err)

	cutoff := time.Now().Add(time.Minute)
	assert.Contains(t, reg.StaleSince(cutoff), "w1")

	pastCutoff := time.Now().Add(-time.Minute)
	assert.NotContains(t, reg.StaleSince(pastCutoff), "w1")
}

func TestStaleSinceExcludesDrainingWorkers(t *testing.T) {
	reg := New()
	_, err := reg.Register(sampleRequest("w1", "llama-3"))
	require.NoError(t, err)
	require.NoError(t, reg.Unregister("w1", false))

	cutoff := time.Now().Add(time.Minute)
	assert.NotContains(t, reg.StaleSince(cutoff), "w1", "a draining worker must never be reported stale")
}

func TestBreakerIsSharedNotCopied(t *testing.T) {
	reg := New()
	_, err := reg.Register(sampleRequest("w1", "llama-3"))
	require.NoError(t, err)

	b, err := reg.Breaker("w1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	rec, err := reg.Get("w1")
	require.NoError(t, err)
	assert.False(t, rec.Breaker.IsAvailable())

	snapshot := reg.WorkersFor("llama-3")
	require.Len(t, snapshot, 1)
	assert.False(t, snapshot[0].Breaker.IsAvailable())
}

func TestBreakerUnknownWorker(t *testing.T) {
	reg := New()
	_, err := reg.Breaker("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadRatioAndAvailable(t *testing.T) {
	rec := &WorkerRecord{Capacity: 4, CurrentLoad: 2, Status: chatproto.StatusHealthy}
	rec.Breaker = breaker.NewDefault()
	assert.Equal(t, 0.5, rec.LoadRatio())
	assert.True(t, rec.Available())

	zero := &WorkerRecord{Capacity: 0, CurrentLoad: 0}
	assert.Equal(t, float64(1), zero.LoadRatio())
}

// TestConcurrentRegisterAndHeartbeat exercises the registry the way the
// teacher's concurrency tests hammer its job queue: many goroutines
// registering, heartbeating, and reading at once, run with -race in mind.
func TestConcurrentRegisterAndHeartbeat(t *testing.T) {
	reg := New()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := "w"
			switch n % 4 {
			case 0:
				_, _ = reg.Register(sampleRequest(id, "llama-3"))
			case 1:
				_ = reg.Heartbeat(id, n, chatproto.StatusHealthy)
			case 2:
				_ = reg.List(nil)
			case 3:
				_ = reg.WorkersFor("llama-3")
			}
		}(i)
	}
	wg.Wait()
}
