package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfygate/comfygate/internal/capability"
	"github.com/comfygate/comfygate/internal/config"
)

const testObjectInfo = `{
	"CheckpointLoaderSimple": {
		"category": "loaders",
		"input": {"required": {"ckpt_name": [["base.safetensors"], {}]}}
	},
	"KSampler": {
		"category": "sampling",
		"input": {"required": {"steps": ["INT", {}]}}
	}
}`

// fakeWorker serves the object_info surface with a switchable failure mode.
type fakeWorker struct {
	srv     *httptest.Server
	failing atomic.Bool
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()
	f := &fakeWorker{}
	mux := http.NewServeMux()
	mux.HandleFunc("/object_info", func(w http.ResponseWriter, r *http.Request) {
		if f.failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(testObjectInfo))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestHandle(t *testing.T, addr string, canIdle bool) *Handle {
	t.Helper()
	h := New(config.WorkerConfig{
		ID:         1,
		APIAddress: addr,
		WebAddress: addr,
		CanIdle:    canIdle,
	}, capability.NewRegistry(), nil)
	h.retryDelay = time.Millisecond
	h.checkInterval = time.Hour // probes driven manually in tests
	return h
}

func TestHandle_InitReachesRunning(t *testing.T) {
	f := newFakeWorker(t)
	h := newTestHandle(t, f.srv.URL, false)
	defer h.Shutdown(time.Second)

	require.Equal(t, StatusLoading, h.Status())
	require.NoError(t, h.Init(context.Background()))
	assert.Equal(t, StatusRunning, h.Status())
	assert.Empty(t, h.LoadStatus())

	snap := h.Snapshot()
	require.NotNil(t, snap)
	assert.True(t, snap.NodeClasses["KSampler"])
	assert.Equal(t, "/", h.PathSeparator())
}

func TestHandle_InitAddresslessStaysDisabled(t *testing.T) {
	h := New(config.WorkerConfig{ID: 2}, nil, nil)
	require.NoError(t, h.Init(context.Background()))
	assert.Equal(t, StatusDisabled, h.Status())
}

func TestHandle_InitRefusedWhileErrored(t *testing.T) {
	f := newFakeWorker(t)
	h := newTestHandle(t, f.srv.URL, false)
	h.MarkErrored()

	err := h.Init(context.Background())
	require.ErrorIs(t, err, ErrErrored)

	// Reload clears the errored state and retries.
	require.NoError(t, h.Reload(context.Background()))
	assert.Equal(t, StatusRunning, h.Status())
}

func TestHandle_InitRetriesTransportFailures(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	addr := dead.URL
	dead.Close()

	h := newTestHandle(t, addr, false)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := h.Init(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusLoading, h.Status())
	assert.NotEmpty(t, h.LoadStatus())
}

func TestHandle_InitBadCapabilityDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": "device lost"}`))
	}))
	defer srv.Close()

	h := newTestHandle(t, srv.URL, false)
	err := h.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device lost")
}

func TestHandle_HealthCheckIdleAndRecover(t *testing.T) {
	f := newFakeWorker(t)
	h := newTestHandle(t, f.srv.URL, true)
	defer h.Shutdown(time.Second)
	require.NoError(t, h.Init(context.Background()))
	require.Equal(t, StatusRunning, h.Status())

	f.failing.Store(true)
	failures := 0
	lastErr := ""
	for i := 0; i < idleFailureThreshold-1; i++ {
		assert.False(t, h.healthCheck(&failures, &lastErr))
		assert.Equal(t, StatusRunning, h.Status())
	}
	assert.False(t, h.healthCheck(&failures, &lastErr))
	assert.Equal(t, StatusIdle, h.Status())

	f.failing.Store(false)
	assert.False(t, h.healthCheck(&failures, &lastErr))
	assert.Equal(t, StatusRunning, h.Status())
}

func TestHandle_HealthCheckBadDocumentErrors(t *testing.T) {
	var body atomic.Value
	body.Store(testObjectInfo)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body.Load().(string)))
	}))
	defer srv.Close()

	h := newTestHandle(t, srv.URL, true)
	defer h.Shutdown(time.Second)
	require.NoError(t, h.Init(context.Background()))

	body.Store(`{"error": "exploded"}`)
	failures := 0
	lastErr := ""
	assert.True(t, h.healthCheck(&failures, &lastErr))
	assert.Equal(t, StatusErrored, h.Status())
}

func TestHandle_Reservations(t *testing.T) {
	h := newTestHandle(t, "http://127.0.0.1:1", false)
	assert.Equal(t, 0, h.Reservations())
	h.Reserve()
	h.Reserve()
	assert.Equal(t, 2, h.Reservations())
	h.Unreserve()
	assert.Equal(t, 1, h.Reservations())
}

func TestHandle_ConcurrencyLimit(t *testing.T) {
	h := New(config.WorkerConfig{ID: 3, APIAddress: "http://x", OverQueue: 2}, nil, nil)
	assert.Equal(t, 3, h.ConcurrencyLimit())
}
