package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// Media frames can be large; lift nhooyr's default read limit.
const maxFrameBytes = 256 << 20

// PooledSocket is one duplex job socket, identified to the worker by the
// clientId it was dialed with.
type PooledSocket struct {
	ConnectionID string
	Conn         *websocket.Conn
}

// SocketPool holds reusable job sockets for one worker. A socket returned
// with stillOpen=false is discarded; the pool only ever hands out sockets
// that were released open.
type SocketPool struct {
	apiAddress string
	logf       func(format string, args ...interface{})

	mu     sync.Mutex
	idle   []*PooledSocket
	closed bool
}

// NewSocketPool builds a pool dialing against the worker's API address.
func NewSocketPool(apiAddress string, logf func(format string, args ...interface{})) *SocketPool {
	if logf == nil {
		logf = func(format string, args ...interface{}) {}
	}
	return &SocketPool{apiAddress: apiAddress, logf: logf}
}

// Acquire pops a pooled socket, or dials a new one with a fresh connection
// id when none are available.
func (p *SocketPool) Acquire(ctx context.Context) (*PooledSocket, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("socket pool is shut down")
	}
	if len(p.idle) > 0 {
		s := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()
	return p.dial(ctx)
}

func (p *SocketPool) dial(ctx context.Context) (*PooledSocket, error) {
	id := uuid.NewString()
	conn, _, err := websocket.Dial(ctx, p.apiAddress+"/ws?clientId="+id, nil)
	if err != nil {
		return nil, fmt.Errorf("dial worker socket: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return &PooledSocket{ConnectionID: id, Conn: conn}, nil
}

// Release returns a socket after a job. Only sockets still open go back in
// the pool; everything else is closed and dropped.
func (p *SocketPool) Release(s *PooledSocket, stillOpen bool) {
	if s == nil {
		return
	}
	if !stillOpen {
		_ = s.Conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = s.Conn.Close(websocket.StatusGoingAway, "pool shut down")
		return
	}
	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

// Size is the number of idle pooled sockets.
func (p *SocketPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Drain closes every pooled socket and rejects further use, waiting up to
// grace for close handshakes.
func (p *SocketPool) Drain(grace time.Duration) {
	p.mu.Lock()
	p.closed = true
	sockets := p.idle
	p.idle = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sockets {
		wg.Add(1)
		go func(s *PooledSocket) {
			defer wg.Done()
			if err := s.Conn.Close(websocket.StatusGoingAway, "shutdown"); err != nil {
				p.logf("close pooled socket %s: %v", s.ConnectionID, err)
			}
		}(s)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		p.logf("socket pool drain timed out after %s", grace)
	}
}
