// Package gateway is the caller-facing server: it owns the worker set,
// accepts caller sessions, and exposes the job submission and admin
// endpoints.
package gateway

import (
	"context"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/comfygate/comfygate/internal/capability"
	"github.com/comfygate/comfygate/internal/config"
	"github.com/comfygate/comfygate/internal/logging"
	"github.com/comfygate/comfygate/internal/metrics"
	"github.com/comfygate/comfygate/internal/session"
	"github.com/comfygate/comfygate/internal/worker"
)

const (
	shutdownGrace      = 5 * time.Second
	autoscaleCooldown  = time.Minute
	objectInfoCacheTTL = 10 * time.Minute
)

// Server ties the worker set, session multiplexer, and HTTP surface
// together.
type Server struct {
	cfg       *config.Config
	log       *logging.Logger
	registry  *capability.Registry
	workers   []*worker.Handle
	mux       *session.Multiplexer
	collector *metrics.Collector
	httpSrv   *http.Server

	cacheMu       sync.Mutex
	cachedInfo    []byte
	cachedInfoAt  time.Time
	autoscaleMu   sync.Mutex
	lastAutoscale time.Time
}

// New builds a server from configuration. The metrics collector may be nil
// in tests to avoid default-registry collisions.
func New(cfg *config.Config, log *logging.Logger, collector *metrics.Collector) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		registry:  capability.NewRegistry(),
		collector: collector,
	}
	for _, wc := range cfg.Workers {
		s.workers = append(s.workers, worker.New(wc, s.registry, log.Logf()))
	}
	s.mux = session.NewMultiplexer(s.workers, log.Logf(), collector, s.triggerAutoscale)
	s.httpSrv = &http.Server{Addr: cfg.Listen, Handler: s.routes()}
	return s
}

// Workers exposes the worker set, in configuration order.
func (s *Server) Workers() []*worker.Handle { return s.workers }

// Start initializes every worker concurrently and begins serving. It blocks
// until the listener fails or Shutdown runs.
func (s *Server) Start(ctx context.Context) error {
	for _, h := range s.workers {
		go func(h *worker.Handle) {
			if err := h.Init(ctx); err != nil {
				s.log.Errorf("worker %d failed to initialize: %v", h.ID, err)
				h.MarkErrored()
			}
			s.reportWorkerStatus(h)
		}(h)
	}
	s.log.Infof("gateway listening on %s", s.cfg.Listen)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes sessions, drains workers, and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mux.CloseAll()
	for _, h := range s.workers {
		h.Shutdown(shutdownGrace)
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) reportWorkerStatus(h *worker.Handle) {
	if s.collector == nil {
		return
	}
	s.collector.SetWorkerUp(strconv.Itoa(h.ID), h.Status() == worker.StatusRunning)
}

// runningWorkers returns the workers currently accepting jobs.
func (s *Server) runningWorkers() []*worker.Handle {
	var out []*worker.Handle
	for _, h := range s.workers {
		if h.Status() == worker.StatusRunning {
			out = append(out, h)
		}
	}
	return out
}

// triggerAutoscale shells out to the configured capacity script, at most
// once per cooldown window. Reports whether a request was made.
func (s *Server) triggerAutoscale() bool {
	if s.cfg.AutoscaleScript == "" {
		return false
	}
	s.autoscaleMu.Lock()
	defer s.autoscaleMu.Unlock()
	if time.Since(s.lastAutoscale) < autoscaleCooldown {
		// A request is already in flight; the caller should still retry.
		return true
	}
	s.lastAutoscale = time.Now()

	script := s.cfg.AutoscaleScript
	go func() {
		s.log.Infof("requesting extra worker capacity via %s", script)
		if out, err := exec.Command("/bin/sh", "-c", script).CombinedOutput(); err != nil {
			s.log.Errorf("autoscale script failed: %v (%s)", err, out)
		}
	}()
	return true
}

// requestRestart handles a worker-reported GPU driver fault. When
// configured, every worker is reloaded.
func (s *Server) requestRestart(reason string) {
	if !s.cfg.RestartOnGPUFault {
		s.log.Errorf("GPU driver fault reported (restart disabled): %s", reason)
		return
	}
	s.log.Errorf("GPU driver fault reported, reloading all workers: %s", reason)
	for _, h := range s.workers {
		go func(h *worker.Handle) {
			h.MarkErrored()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := h.Reload(ctx); err != nil {
				s.log.Errorf("worker %d reload after fault failed: %v", h.ID, err)
			}
			s.reportWorkerStatus(h)
		}(h)
	}
}
