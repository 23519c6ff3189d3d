// Package session is the proxy layer between callers and workers: one
// caller connection fans out to worker connections, their event streams
// merge back into a single coherent identity, and job submissions are
// routed to the best worker.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"nhooyr.io/websocket"

	"github.com/comfygate/comfygate/internal/metrics"
	"github.com/comfygate/comfygate/internal/protocol"
	"github.com/comfygate/comfygate/internal/worker"
)

// ErrNoBackend means no worker was available for a session or job.
var ErrNoBackend = errors.New("no worker available")

// ErrRetryShortly means no worker was available but extra capacity was
// requested; the caller should retry.
var ErrRetryShortly = errors.New("no worker available, capacity requested, retry shortly")

// ErrNoSession means the caller-supplied session token is unknown.
var ErrNoSession = errors.New("unknown session")

// Options controls how a session maps onto workers.
type Options struct {
	// MultiWorker fans the session out across every eligible worker
	// instead of pinning it to one.
	MultiWorker bool
	// Reserve claims exclusive use of the routed worker for this session.
	Reserve bool
}

// Multiplexer owns the live sessions and assigns workers to them.
type Multiplexer struct {
	workers []*worker.Handle
	logf    func(format string, args ...interface{})
	metrics *metrics.Collector

	// autoscale requests extra worker capacity out of band; it reports
	// whether a request was actually made.
	autoscale func() bool

	mu            sync.Mutex
	sessions      map[string]*Session
	liveOffsets   map[int]*Session
	recentOffsets map[int]bool
}

// NewMultiplexer builds the session layer over a fixed worker set. metrics
// and autoscale may be nil.
func NewMultiplexer(workers []*worker.Handle, logf func(format string, args ...interface{}), collector *metrics.Collector, autoscale func() bool) *Multiplexer {
	if logf == nil {
		logf = func(format string, args ...interface{}) {}
	}
	return &Multiplexer{
		workers:       workers,
		logf:          logf,
		metrics:       collector,
		autoscale:     autoscale,
		sessions:      map[string]*Session{},
		liveOffsets:   map[int]*Session{},
		recentOffsets: map[int]bool{},
	}
}

// eligibleWorkers returns the workers currently accepting jobs.
func (m *Multiplexer) eligibleWorkers() []*worker.Handle {
	var out []*worker.Handle
	for _, h := range m.workers {
		if h.Status() == worker.StatusRunning {
			out = append(out, h)
		}
	}
	return out
}

// claimOffset picks a worker-list offset for a new session such that
// concurrent sessions prefer distinct workers. Offsets are tried
// evens-then-odds; offsets held by live sessions or recently claimed ones
// are skipped, the recent set is cleared for one retry, and failing
// everything the offset defaults to 0.
func (m *Multiplexer) claimOffset(workerCount int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	order := offsetOrder(workerCount)
	for attempt := 0; attempt < 2; attempt++ {
		for _, off := range order {
			if m.liveOffsets[off] == nil && !m.recentOffsets[off] {
				m.recentOffsets[off] = true
				return off
			}
		}
		m.recentOffsets = map[int]bool{}
	}
	return 0
}

// offsetOrder lists offsets evens first, then odds.
func offsetOrder(n int) []int {
	order := make([]int, 0, n)
	for i := 0; i < n; i += 2 {
		order = append(order, i)
	}
	for i := 1; i < n; i += 2 {
		order = append(order, i)
	}
	return order
}

// OpenSession establishes a new session for a caller-chosen token. caller
// may be nil for HTTP-only sessions. The returned session is live and
// registered under the token.
func (m *Multiplexer) OpenSession(ctx context.Context, token string, caller *websocket.Conn, opts Options) (*Session, error) {
	eligible := m.eligibleWorkers()
	if len(eligible) == 0 {
		return nil, m.noBackend()
	}

	offset := m.claimOffset(len(eligible))
	targets := eligible
	if !opts.MultiWorker {
		targets = []*worker.Handle{eligible[offset%len(eligible)]}
	}

	s := newSession(m, token, caller, offset, opts)
	for _, h := range targets {
		if err := s.connectWorker(ctx, h); err != nil {
			m.logf("session %s: connect worker %d: %v", token, h.ID, err)
		}
	}
	if len(s.Connections()) == 0 {
		s.Close()
		return nil, m.noBackend()
	}

	m.mu.Lock()
	m.sessions[token] = s
	m.liveOffsets[offset] = s
	delete(m.recentOffsets, offset)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionOpened()
	}
	s.start()
	return s, nil
}

// noBackend triggers the autoscale hook and picks the matching error.
func (m *Multiplexer) noBackend() error {
	if m.autoscale != nil && m.autoscale() {
		return ErrRetryShortly
	}
	return ErrNoBackend
}

// Session resolves a caller session token.
func (m *Multiplexer) Session(token string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	return s, ok
}

// RouteJob resolves the session and routes one job graph to a worker
// connection.
func (m *Multiplexer) RouteJob(token string, graph protocol.Graph) (*RoutedJob, error) {
	s, ok := m.Session(token)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, token)
	}
	return s.Route(graph)
}

// Interrupt fans an interrupt out to every worker in the session.
func (m *Multiplexer) Interrupt(ctx context.Context, token string) error {
	s, ok := m.Session(token)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, token)
	}
	var firstErr error
	for _, wc := range s.Connections() {
		if err := wc.Handle.Interrupt(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// QueueDelete fans a job cancellation out to every worker in the session.
func (m *Multiplexer) QueueDelete(ctx context.Context, token, promptID string) error {
	s, ok := m.Session(token)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, token)
	}
	var firstErr error
	for _, wc := range s.Connections() {
		if err := wc.Handle.QueueDelete(ctx, promptID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// removeSession unregisters a closed session.
func (m *Multiplexer) removeSession(s *Session) {
	m.mu.Lock()
	registered := m.sessions[s.Token] == s
	if registered {
		delete(m.sessions, s.Token)
	}
	if m.liveOffsets[s.offset] == s {
		delete(m.liveOffsets, s.offset)
	}
	m.mu.Unlock()
	if registered && m.metrics != nil {
		m.metrics.SessionClosed()
	}
}

// CloseAll tears down every live session.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
