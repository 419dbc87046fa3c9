package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nodenexus/nodenexus/pkg/config"
)

// Session is the in-memory state of one authenticated agent connection. Its
// lifetime runs from a successful handshake until the inbound stream ends,
// an outbound send fails, the process shuts down, or a newer session with
// the same host id replaces it.
type Session struct {
	HostID        int64
	Token         string // unique per session; guards token-matched removal
	TransportKind string
	Sender        *Sender

	lastSeenMs atomic.Int64
	config     atomic.Pointer[config.AgentConfig]
}

// NewSession builds a session with a fresh token and last-seen of now.
func NewSession(hostID int64, transportKind string, cfg config.AgentConfig) *Session {
	s := &Session{
		HostID:        hostID,
		Token:         uuid.NewString(),
		TransportKind: transportKind,
		Sender:        NewSender(),
	}
	s.Touch()
	s.SetConfig(cfg)
	return s
}

// Touch records activity. Called on every inbound message of any type.
func (s *Session) Touch() {
	s.lastSeenMs.Store(time.Now().UnixMilli())
}

// LastSeen returns the time of the most recent inbound message.
func (s *Session) LastSeen() time.Time {
	return time.UnixMilli(s.lastSeenMs.Load())
}

// SetConfig replaces the session's effective config.
func (s *Session) SetConfig(cfg config.AgentConfig) {
	s.config.Store(&cfg)
}

// Config returns the current effective config.
func (s *Session) Config() config.AgentConfig {
	return *s.config.Load()
}

// Registry is the host-id → session table. Single-writer per entry: all
// mutations take the mutex, lookups hold it only briefly.
type Registry struct {
	mu       sync.Mutex
	sessions map[int64]*Session
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[int64]*Session)}
}

// Register installs the session, atomically replacing and closing any prior
// session for the same host id. Returns the replaced session, if any.
func (r *Registry) Register(s *Session) (replaced *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prior, ok := r.sessions[s.HostID]; ok {
		prior.Sender.Close()
		replaced = prior
	}
	r.sessions[s.HostID] = s
	return replaced
}

// Lookup returns the outbound sink handle for a host, or nil if the host has
// no live session. The handle is a cheap reference; it may be enqueued to
// from any goroutine.
func (r *Registry) Lookup(hostID int64) *Sender {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[hostID]; ok {
		return s.Sender
	}
	return nil
}

// Session returns the full session entry for a host, or nil.
func (r *Registry) Session(hostID int64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[hostID]
}

// Drop removes the host's entry iff its token matches. A stale token is a
// no-op: a newer session already replaced the entry and must not be removed.
func (r *Registry) Drop(hostID int64, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[hostID]
	if !ok || s.Token != token {
		return false
	}
	delete(r.sessions, hostID)
	s.Sender.Close()
	return true
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
