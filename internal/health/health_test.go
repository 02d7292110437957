package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytefuck/model-hub/internal/metrics"
	"github.com/bytefuck/model-hub/internal/registry"
	"github.com/bytefuck/model-hub/pkg/chatproto"
)

func TestScanMarksStaleWorkerUnhealthy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	reg := registry.New()
	_, err := reg.Register(chatproto.RegisterRequest{WorkerID: "w1", ModelID: "llama-3", Endpoint: backend.URL, Capacity: 4})
	require.NoError(t, err)

	mon := New(reg, nil, Config{HeartbeatTimeout: -time.Nanosecond}, nil)
	mon.scan(context.Background())

	rec, err := reg.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, chatproto.StatusUnhealthy, rec.Status)
}

func TestScanLeavesFreshWorkerAlone(t *testing.T) {
	reg := registry.New()
	_, err := reg.Register(chatproto.RegisterRequest{WorkerID: "w1", ModelID: "llama-3", Endpoint: "http://127.0.0.1:1", Capacity: 4})
	require.NoError(t, err)

	mon := New(reg, nil, Config{HeartbeatTimeout: time.Hour}, nil)
	mon.scan(context.Background())

	rec, err := reg.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, chatproto.StatusHealthy, rec.Status)
}

func TestRepeatedProbeFailureRemovesWorker(t *testing.T) {
	reg := registry.New()
	_, err := reg.Register(chatproto.RegisterRequest{WorkerID: "w1", ModelID: "llama-3", Endpoint: "http://127.0.0.1:1", Capacity: 4})
	require.NoError(t, err)

	mon := New(reg, nil, Config{HeartbeatTimeout: -time.Nanosecond, ProbeFailureThreshold: 2, ProbeTimeout: 100 * time.Millisecond}, nil)

	mon.scan(context.Background())
	_, err = reg.Get("w1")
	require.NoError(t, err, "worker survives the first failed probe")

	mon.scan(context.Background())
	_, err = reg.Get("w1")
	assert.ErrorIs(t, err, registry.ErrNotFound, "worker is removed after the threshold is crossed")
}

func TestSuccessfulProbeStillLeavesWorkerUnhealthy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	reg := registry.New()
	_, err := reg.Register(chatproto.RegisterRequest{WorkerID: "w1", ModelID: "llama-3", Endpoint: backend.URL, Capacity: 4})
	require.NoError(t, err)

	mon := New(reg, nil, Config{HeartbeatTimeout: -time.Nanosecond}, nil)
	mon.scan(context.Background())

	rec, err := reg.Get("w1")
	require.NoError(t, err)
	// Heartbeats are the only thing that clear staleness; a successful
	// probe resets the failure counter but does not flip status back.
	assert.Equal(t, chatproto.StatusUnhealthy, rec.Status)
}

func TestScanSkipsDrainingWorkerEvenWhenStale(t *testing.T) {
	reg := registry.New()
	_, err := reg.Register(chatproto.RegisterRequest{WorkerID: "w1", ModelID: "llama-3", Endpoint: "http://127.0.0.1:1", Capacity: 4})
	require.NoError(t, err)
	require.NoError(t, reg.Unregister("w1", false))

	mon := New(reg, nil, Config{HeartbeatTimeout: -time.Nanosecond, ProbeFailureThreshold: 1}, nil)
	mon.scan(context.Background())

	rec, err := reg.Get("w1")
	require.NoError(t, err, "the health monitor must never remove a draining worker")
	assert.Equal(t, chatproto.StatusDraining, rec.Status, "scan must not overwrite draining with unhealthy")
}

func TestScanUpdatesFleetGaugesWhenMetricsAttached(t *testing.T) {
	reg := registry.New()
	_, err := reg.Register(chatproto.RegisterRequest{WorkerID: "w1", ModelID: "llama-3", Endpoint: "http://127.0.0.1:1", Capacity: 4})
	require.NoError(t, err)

	collector := metrics.NewCollector()
	mon := New(reg, collector, Config{HeartbeatTimeout: time.Hour}, nil)

	assert.NotPanics(t, func() { mon.scan(context.Background()) })
}

func TestRunStopsCleanly(t *testing.T) {
	reg := registry.New()
	mon := New(reg, nil, Config{ScanInterval: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mon.Run(ctx)
	time.Sleep(5 * time.Millisecond)
	mon.Stop()
}
