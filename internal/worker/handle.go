// Package worker tracks one inference worker process: its lifecycle state,
// its capability snapshot, and its pool of reusable job sockets.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/comfygate/comfygate/internal/capability"
	"github.com/comfygate/comfygate/internal/config"
)

// Status is a worker's lifecycle state.
type Status string

const (
	StatusDisabled Status = "disabled"
	StatusLoading  Status = "loading"
	StatusRunning  Status = "running"
	StatusIdle     Status = "idle"
	StatusErrored  Status = "errored"
)

// Consecutive ignored init failures before diagnostics escalate. Workers can
// take minutes to start, so early connection refusals stay quiet.
const (
	quietFailureThreshold = 15
	loudFailureThreshold  = 40
)

const (
	defaultRetryDelay    = time.Second
	defaultCheckInterval = 5 * time.Second
	fetchTimeout         = 10 * time.Second

	// Health-check failures tolerated before an idle-capable worker is
	// marked idle.
	idleFailureThreshold = 3
)

// ErrRedirect signals that this worker went unavailable mid-acquire and the
// job should be retried on a different worker.
var ErrRedirect = errors.New("worker unavailable, redirect job to another worker")

// ErrErrored is returned by Init while the worker is in the errored state;
// an explicit Reload is required to retry.
var ErrErrored = errors.New("worker errored, reload required")

// errBadCapabilityDoc marks a capability fetch that reached the worker but
// produced an unusable document. Unlike transport failures it is not
// retried.
var errBadCapabilityDoc = errors.New("bad capability document")

// Handle is one configured worker.
type Handle struct {
	ID         int
	APIAddress string
	WebAddress string
	CanIdle    bool

	overQueue int
	client    *http.Client
	registry  *capability.Registry
	logf      func(format string, args ...interface{})
	pool      *SocketPool

	snapshot     atomic.Pointer[capability.Snapshot]
	reservations atomic.Int32

	mu         sync.Mutex
	status     Status
	loadStatus string
	idleStop   chan struct{}
	idleDone   chan struct{}

	retryDelay    time.Duration
	checkInterval time.Duration
}

// New builds a handle from configuration. A worker with no API address is
// disabled until reconfigured.
func New(cfg config.WorkerConfig, registry *capability.Registry, logf func(format string, args ...interface{})) *Handle {
	if logf == nil {
		logf = func(format string, args ...interface{}) {}
	}
	status := StatusLoading
	if cfg.APIAddress == "" {
		status = StatusDisabled
	}
	return &Handle{
		ID:            cfg.ID,
		APIAddress:    cfg.APIAddress,
		WebAddress:    cfg.WebAddress,
		CanIdle:       cfg.CanIdle,
		overQueue:     cfg.OverQueue,
		client:        &http.Client{},
		registry:      registry,
		logf:          logf,
		pool:          NewSocketPool(cfg.APIAddress, logf),
		status:        status,
		retryDelay:    defaultRetryDelay,
		checkInterval: defaultCheckInterval,
	}
}

// Status returns the current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) setStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// LoadStatus returns the last init diagnostic, or "" once loading succeeded.
func (h *Handle) LoadStatus() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loadStatus
}

// ConcurrencyLimit is the number of jobs this worker accepts at once.
func (h *Handle) ConcurrencyLimit() int { return 1 + h.overQueue }

// Sockets returns the worker's job socket pool.
func (h *Handle) Sockets() *SocketPool { return h.pool }

// Snapshot returns the last successful capability snapshot, or nil if none
// has been fetched yet.
func (h *Handle) Snapshot() *capability.Snapshot { return h.snapshot.Load() }

// PathSeparator is the worker's model path convention.
func (h *Handle) PathSeparator() string {
	if s := h.snapshot.Load(); s != nil {
		return s.PathSeparator
	}
	return "/"
}

// Supports reports whether the worker advertises every named node class.
// With no snapshot yet the worker is assumed compatible.
func (h *Handle) Supports(nodeClasses []string) bool {
	s := h.snapshot.Load()
	if s == nil {
		return true
	}
	return s.Supports(nodeClasses)
}

// Reserve takes one exclusive-use claim on this worker.
func (h *Handle) Reserve() { h.reservations.Add(1) }

// Unreserve releases one claim.
func (h *Handle) Unreserve() { h.reservations.Add(-1) }

// Reservations is the number of sessions currently pinning this worker.
func (h *Handle) Reservations() int { return int(h.reservations.Load()) }

// Init fetches the worker's capability document, retrying through transport
// failures until ctx expires. On success the worker is running and, when
// idle-capable, its health monitor starts. Failures that reached the worker
// but produced a bad document are returned to the caller, which is expected
// to call MarkErrored.
func (h *Handle) Init(ctx context.Context) error {
	h.mu.Lock()
	switch h.status {
	case StatusDisabled:
		h.mu.Unlock()
		return nil
	case StatusErrored:
		h.mu.Unlock()
		return ErrErrored
	}
	h.status = StatusLoading
	h.mu.Unlock()

	failures := 0
	for {
		err := h.refresh(ctx)
		if err == nil {
			h.mu.Lock()
			h.status = StatusRunning
			h.loadStatus = ""
			h.mu.Unlock()
			h.logf("worker %d ready", h.ID)
			h.startIdleMonitor()
			return nil
		}
		if errors.Is(err, errBadCapabilityDoc) {
			return fmt.Errorf("worker %d init: %w", h.ID, err)
		}

		failures++
		h.mu.Lock()
		h.loadStatus = err.Error()
		h.mu.Unlock()
		switch failures {
		case quietFailureThreshold:
			h.logf("worker %d still unreachable after %d attempts: %v", h.ID, failures, err)
		case loudFailureThreshold:
			h.logf("worker %d has been unreachable for %d attempts, it may be stuck rather than starting: %v", h.ID, failures, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("worker %d init: %w", h.ID, ctx.Err())
		case <-time.After(h.retryDelay):
		}
	}
}

// MarkIdle puts the worker in the idle state. The health monitor brings it
// back once capability fetches succeed again.
func (h *Handle) MarkIdle() {
	h.setStatus(StatusIdle)
}

// MarkErrored puts the worker in the errored state. Init refuses to run
// until Reload.
func (h *Handle) MarkErrored() {
	h.stopIdleMonitor()
	h.setStatus(StatusErrored)
}

// Reload clears the errored state and re-runs Init.
func (h *Handle) Reload(ctx context.Context) error {
	h.mu.Lock()
	if h.status == StatusErrored {
		h.status = StatusLoading
	}
	h.mu.Unlock()
	return h.Init(ctx)
}

// refresh fetches and applies the capability document. The snapshot is
// replaced as a whole; readers never see a partial update.
func (h *Handle) refresh(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	raw, err := h.ObjectInfo(fetchCtx)
	if err != nil {
		return err
	}
	doc, err := capability.ParseDocument(raw)
	if err != nil {
		return fmt.Errorf("worker %d: %w: %v", h.ID, errBadCapabilityDoc, err)
	}
	snap := capability.Build(doc)
	h.snapshot.Store(snap)
	if h.registry != nil {
		h.registry.Apply(snap)
	}
	return nil
}

func (h *Handle) startIdleMonitor() {
	if !h.CanIdle {
		return
	}
	h.mu.Lock()
	if h.idleStop != nil {
		h.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	h.idleStop, h.idleDone = stop, done
	h.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(h.checkInterval)
		defer ticker.Stop()
		failures := 0
		lastErr := ""
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if halt := h.healthCheck(&failures, &lastErr); halt {
					return
				}
			}
		}
	}()
}

// healthCheck runs one idle-monitor probe. Returns true when the monitor
// should stop.
func (h *Handle) healthCheck(failures *int, lastErr *string) bool {
	err := h.refresh(context.Background())
	if err == nil {
		*failures = 0
		*lastErr = ""
		if h.Status() == StatusIdle {
			h.logf("worker %d back from idle", h.ID)
			h.setStatus(StatusRunning)
		}
		return false
	}
	if errors.Is(err, errBadCapabilityDoc) {
		h.logf("worker %d health check got unusable capability document, marking errored: %v", h.ID, err)
		h.setStatus(StatusErrored)
		return true
	}
	*failures++
	if msg := err.Error(); msg != *lastErr {
		h.logf("worker %d health check failed: %v", h.ID, err)
		*lastErr = msg
	}
	if *failures >= idleFailureThreshold && h.Status() == StatusRunning {
		h.logf("worker %d unresponsive, marking idle", h.ID)
		h.setStatus(StatusIdle)
	}
	return false
}

func (h *Handle) stopIdleMonitor() {
	h.mu.Lock()
	stop, done := h.idleStop, h.idleDone
	h.idleStop, h.idleDone = nil, nil
	h.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Shutdown stops the idle monitor, drains the socket pool, and disables the
// worker.
func (h *Handle) Shutdown(grace time.Duration) {
	h.stopIdleMonitor()
	h.pool.Drain(grace)
	h.setStatus(StatusDisabled)
}
