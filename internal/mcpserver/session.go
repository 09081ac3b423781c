package mcpserver

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// State is the lifecycle position of one protocol session.
type State int

const (
	StateNew State = iota
	StateInitializing
	StateInitialized
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// queueDepth sizes the paired per-session queues. Each queue has one
// producer and one consumer at a time.
const queueDepth = 64

// Session is one client conversation: an id, the handshake state machine,
// and the inbound/outbound queue pair shared between the transport task and
// the dispatch task.
type Session struct {
	id       string
	inbound  chan *Request
	outbound chan *Response
	done     chan struct{}

	mu         sync.Mutex
	state      State
	version    string
	lastActive time.Time
	streaming  bool
	closeOnce  sync.Once
}

// NewSession creates a session in StateNew with a fresh random id.
func NewSession() *Session {
	return newSessionWithID(newSessionID())
}

func newSessionWithID(id string) *Session {
	return &Session{
		id:         id,
		inbound:    make(chan *Request, queueDepth),
		outbound:   make(chan *Response, queueDepth),
		done:       make(chan struct{}),
		state:      StateNew,
		lastActive: time.Now(),
	}
}

func newSessionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Version returns the negotiated protocol version, empty before a
// successful handshake.
func (s *Session) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Session) setVersion(v string) {
	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// IdleFor reports how long the session has been without traffic.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActive)
}

// attachStream claims the outbound queue for one event stream. The queue has
// exactly one consumer; a second claim fails until the holder detaches.
func (s *Session) attachStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming {
		return false
	}
	s.streaming = true
	return true
}

func (s *Session) detachStream() {
	s.mu.Lock()
	s.streaming = false
	s.mu.Unlock()
}

// Close moves the session to StateClosed and releases both queues. Safe to
// call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.done)
	})
}

// Done exposes the close signal for transport loops.
func (s *Session) Done() <-chan struct{} { return s.done }

// Push enqueues an inbound request, dropping it when the session is closed
// or the queue is saturated.
func (s *Session) Push(req *Request) bool {
	s.touch()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbound <- req:
		return true
	case <-s.done:
		return false
	}
}

// Send enqueues an outbound response. Responses to a closed session are
// discarded.
func (s *Session) Send(resp *Response) {
	select {
	case s.outbound <- resp:
	case <-s.done:
	}
}

// registry owns the session_id → session map shared by all connections.
// Create, lookup, and delete are serialized.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*Session)}
}

func (r *registry) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

func (r *registry) get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// sweep closes and removes sessions idle longer than maxIdle, returning how
// many were reaped.
func (r *registry) sweep(maxIdle time.Duration) int {
	r.mu.Lock()
	var stale []*Session
	for id, s := range r.sessions {
		if s.IdleFor() > maxIdle {
			stale = append(stale, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()
	for _, s := range stale {
		s.Close()
	}
	return len(stale)
}
