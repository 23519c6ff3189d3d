package session

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"

	"github.com/comfygate/comfygate/internal/protocol"
	"github.com/comfygate/comfygate/internal/worker"
)

// WorkerConnection is one worker-facing socket owned by a session.
type WorkerConnection struct {
	Handle *worker.Handle

	socket *worker.PooledSocket

	// queueRemaining is incremented here on submit and overwritten from
	// worker-reported queue telemetry.
	queueRemaining atomic.Int64

	mu            sync.Mutex
	workerSID     string
	lastExecuting string
	lastProgress  string
	closed        bool
}

// SID is the worker-assigned identifier for this connection. Before the
// worker reports one, the dial-time connection id stands in.
func (wc *WorkerConnection) SID() string {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.workerSID != "" {
		return wc.workerSID
	}
	return wc.socket.ConnectionID
}

// QueueRemaining is the connection's current queue depth.
func (wc *WorkerConnection) QueueRemaining() int {
	return int(wc.queueRemaining.Load())
}

// SubmitFailed undoes Route's optimistic queue-depth bump for a job that
// never reached the worker's queue.
func (wc *WorkerConnection) SubmitFailed() {
	wc.queueRemaining.Add(-1)
}

func (wc *WorkerConnection) snapshot() (executing, progress string) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.lastExecuting, wc.lastProgress
}

func (wc *WorkerConnection) close() {
	wc.mu.Lock()
	if wc.closed {
		wc.mu.Unlock()
		return
	}
	wc.closed = true
	wc.mu.Unlock()
	wc.Handle.Sockets().Release(wc.socket, false)
}

// Session is one caller's logical identity across its worker connections.
type Session struct {
	Token string

	mux    *Multiplexer
	caller *websocket.Conn
	offset int
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu serializes writes to the caller socket so fanned-out relays
	// never interleave partial writes.
	sendMu sync.Mutex

	mu            sync.Mutex
	conns         []*WorkerConnection
	masterSID     string
	reserved      *WorkerConnection
	lastExecuting string
	lastProgress  string

	closeOnce sync.Once
}

func newSession(m *Multiplexer, token string, caller *websocket.Conn, offset int, opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		Token:  token,
		mux:    m,
		caller: caller,
		offset: offset,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// connectWorker opens one outbound worker connection for this session.
func (s *Session) connectWorker(ctx context.Context, h *worker.Handle) error {
	sock, err := h.Sockets().Acquire(ctx)
	if err != nil {
		return err
	}
	wc := &WorkerConnection{Handle: h, socket: sock}
	s.mu.Lock()
	s.conns = append(s.conns, wc)
	s.mu.Unlock()
	return nil
}

// Connections returns the session's worker connections, in fan-out order.
func (s *Session) Connections() []*WorkerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*WorkerConnection, len(s.conns))
	copy(out, s.conns)
	return out
}

// totalQueueDepth is the aggregate queue depth across every worker
// connection, reported to the caller in place of any single worker's own.
func (s *Session) totalQueueDepth() int {
	total := 0
	for _, wc := range s.Connections() {
		total += wc.QueueRemaining()
	}
	return total
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// MasterSID is the caller-visible session identity: the first
// worker-assigned id observed.
func (s *Session) MasterSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masterSID
}

// start launches the relay loops.
func (s *Session) start() {
	for _, wc := range s.Connections() {
		go s.relayWorker(wc)
	}
	if s.caller != nil {
		go s.relayCaller()
	}
}

// relayCaller forwards every caller frame verbatim to every worker
// connection. A caller read error tears the session down.
func (s *Session) relayCaller() {
	for {
		typ, data, err := s.caller.Read(s.ctx)
		if err != nil {
			s.Close()
			return
		}
		for _, wc := range s.Connections() {
			if err := wc.socket.Conn.Write(s.ctx, typ, data); err != nil {
				s.mux.logf("session %s: write worker %d: %v", s.Token, wc.Handle.ID, err)
			}
		}
	}
}

// relayWorker forwards one worker connection's frames to the caller,
// rewriting identity and queue fields so the caller sees a single coherent
// worker. A relay error closes this one connection, not the session.
func (s *Session) relayWorker(wc *WorkerConnection) {
	defer wc.close()
	for {
		typ, data, err := wc.socket.Conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.mux.logf("session %s: worker %d relay closed: %v", s.Token, wc.Handle.ID, err)
			}
			return
		}
		if typ == websocket.MessageText {
			if protocol.IsControlFrame(data) {
				s.forwardControl(wc, data)
			} else {
				// Unknown text frames are not media; never subject
				// them to stale-worker suppression.
				s.sendToCaller(typ, data)
			}
			continue
		}
		s.forwardBinary(wc, typ, data)
	}
}

func (s *Session) forwardControl(wc *WorkerConnection, data []byte) {
	frame, err := protocol.ParseRelayFrame(data)
	if err != nil {
		s.mux.logf("session %s: worker %d sent unparseable control frame: %v", s.Token, wc.Handle.ID, err)
		return
	}

	if sid, ok := frame.SID(); ok {
		wc.mu.Lock()
		wc.workerSID = sid
		wc.mu.Unlock()

		s.mu.Lock()
		if s.masterSID == "" {
			s.masterSID = sid
		}
		master := s.masterSID
		s.mu.Unlock()
		if sid != master {
			frame.SetSID(master)
		}
	}

	if qr, ok := frame.QueueRemaining(); ok {
		wc.queueRemaining.Store(int64(qr))
		if s.mux.metrics != nil {
			s.mux.metrics.SetQueueDepth(strconv.Itoa(wc.Handle.ID), qr)
		}
		frame.SetQueueRemaining(s.totalQueueDepth())
	}

	switch frame.Type {
	case protocol.TypeExecuting:
		if node, ok := frame.Node(); ok {
			wc.mu.Lock()
			wc.lastExecuting = node
			wc.mu.Unlock()
			s.mu.Lock()
			s.lastExecuting = node
			s.mu.Unlock()
		}
	case protocol.TypeProgress:
		wc.mu.Lock()
		wc.lastProgress = string(data)
		wc.mu.Unlock()
		s.mu.Lock()
		s.lastProgress = string(data)
		s.mu.Unlock()
	}

	s.sendToCaller(websocket.MessageText, frame.Encode())
}

// forwardBinary forwards media frames, but only from the connection whose
// executing/progress snapshot is the one the caller last saw. Echoes from
// other fanned-out workers would be stale duplicates.
func (s *Session) forwardBinary(wc *WorkerConnection, typ websocket.MessageType, data []byte) {
	if len(s.Connections()) > 1 {
		executing, progress := wc.snapshot()
		s.mu.Lock()
		current := executing == s.lastExecuting && progress == s.lastProgress
		s.mu.Unlock()
		if !current {
			return
		}
	}
	s.sendToCaller(typ, data)
}

func (s *Session) sendToCaller(typ websocket.MessageType, data []byte) {
	if s.caller == nil || data == nil {
		return
	}
	s.sendMu.Lock()
	err := s.caller.Write(s.ctx, typ, data)
	s.sendMu.Unlock()
	if err != nil && s.ctx.Err() == nil {
		s.mux.logf("session %s: caller write failed, closing: %v", s.Token, err)
		s.Close()
	}
}

// RoutedJob is the result of routing one submission: the chosen connection
// and the graph rewritten for it.
type RoutedJob struct {
	Conn     *WorkerConnection
	Graph    protocol.Graph
	ClientID string
}

// Route picks the worker connection for one job and rewrites the graph's
// worker-sensitive fields.
func (s *Session) Route(graph protocol.Graph) (*RoutedJob, error) {
	conns := s.Connections()
	if len(conns) == 0 {
		err := s.mux.noBackend()
		s.Close()
		return nil, err
	}

	// Rotate by the session's offset so concurrent sessions start from
	// different workers.
	n := len(conns)
	rotated := make([]*WorkerConnection, 0, n)
	rotated = append(rotated, conns[s.offset%n:]...)
	rotated = append(rotated, conns[:s.offset%n]...)

	pref, hasPref := graph.TakePreferredWorker()

	var pick *WorkerConnection
	switch {
	case hasPref:
		pick = rotated[((pref%n)+n)%n]
	case n > 1:
		pick = pickByLoad(s, rotated, graph)
	default:
		pick = rotated[0]
	}

	if s.opts.Reserve {
		pick = s.reserve(rotated, pick)
	}

	graph.RewriteModelPaths(pick.Handle.PathSeparator())
	pick.queueRemaining.Add(1)
	return &RoutedJob{Conn: pick, Graph: graph, ClientID: pick.SID()}, nil
}

// pickByLoad filters candidates by node-class compatibility, falling back
// to the unfiltered set when nothing matches, then picks the shortest
// queue.
func pickByLoad(s *Session, candidates []*WorkerConnection, graph protocol.Graph) *WorkerConnection {
	classes := graph.NodeClasses()
	var compatible []*WorkerConnection
	for _, wc := range candidates {
		if wc.Handle.Supports(classes) {
			compatible = append(compatible, wc)
		}
	}
	if len(compatible) == 0 {
		s.mux.logf("session %s: no worker supports node classes %v, using unfiltered set", s.Token, classes)
		compatible = candidates
	}

	best := compatible[0]
	for _, wc := range compatible[1:] {
		if wc.QueueRemaining() < best.QueueRemaining() {
			best = wc
		}
	}
	return best
}

// reserve returns the session's pinned connection, claiming one on first
// use: the first candidate no other session has reserved, or the first
// candidate outright.
func (s *Session) reserve(candidates []*WorkerConnection, fallback *WorkerConnection) *WorkerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserved != nil {
		return s.reserved
	}
	chosen := fallback
	for _, wc := range candidates {
		if wc.Handle.Reservations() == 0 {
			chosen = wc
			break
		}
	}
	chosen.Handle.Reserve()
	s.reserved = chosen
	return chosen
}

// Close tears the session down: the reservation is released exactly once,
// every worker connection is closed, the relay loops stop, and the session
// leaves the live index.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		reserved := s.reserved
		s.reserved = nil
		s.mu.Unlock()
		if reserved != nil {
			reserved.Handle.Unreserve()
		}

		for _, wc := range s.Connections() {
			wc.close()
		}
		if s.caller != nil {
			_ = s.caller.Close(websocket.StatusNormalClosure, "session closed")
		}
		s.mux.removeSession(s)
	})
}
