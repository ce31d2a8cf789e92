package stream

import (
	"sync"
	"time"

	"github.com/san-kum/drive-score/server/models"
)

// Envelope is one outbound message. Type is the event name the client
// subscribes to, e.g. "realtime_feedback".
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Sink delivers envelopes to one connected client. Send must not block for
// long; the websocket client queues into a buffered channel.
type Sink interface {
	Send(Envelope) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Envelope) error

func (f SinkFunc) Send(e Envelope) error { return f(e) }

// Session is the per-connection state: the trip association and the samples
// buffered since the last flush. All fields are guarded by mu.
type Session struct {
	ID   string
	sink Sink

	mu         sync.Mutex
	tripID     string
	buffer     []models.Sample
	lastUpdate time.Time
	closed     bool
}

func newSession(id string, sink Sink) *Session {
	return &Session{ID: id, sink: sink}
}

// TripID returns the joined trip, or "" when idle.
func (s *Session) TripID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tripID
}

// Buffered returns the number of samples waiting for the next flush.
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// LastUpdate is the arrival time of the most recent sample.
func (s *Session) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

func (s *Session) send(e Envelope) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	return s.sink.Send(e)
}

// batch is a buffer taken from a session for one flush.
type batch struct {
	session *Session
	tripID  string
	samples []models.Sample
	trigger string
}

// takeLocked empties the buffer. The caller holds s.mu. Returns false when
// there is nothing to flush.
func (s *Session) takeLocked(trigger string) (batch, bool) {
	if s.closed || s.tripID == "" || len(s.buffer) == 0 {
		return batch{}, false
	}
	b := batch{session: s, tripID: s.tripID, samples: s.buffer, trigger: trigger}
	s.buffer = nil
	return b, true
}

// takePending takes whatever the session holds. Every flush empties the
// buffer, so anything left arrived after the previous flush.
func (s *Session) takePending() (batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeLocked(TriggerTicker)
}

// SessionStore holds the live sessions. Implementations must be safe for
// concurrent use.
type SessionStore interface {
	Put(*Session)
	Get(id string) (*Session, bool)
	Delete(id string) (*Session, bool)
	Range(func(*Session) bool)
	Len() int
}

// MemorySessionStore is the default in-process SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*Session)}
}

func (m *MemorySessionStore) Put(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *MemorySessionStore) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *MemorySessionStore) Delete(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	return s, ok
}

// Range calls fn on a snapshot of the sessions, so fn may call back into
// the store.
func (m *MemorySessionStore) Range(fn func(*Session) bool) {
	m.mu.RLock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.RUnlock()

	for _, s := range snapshot {
		if !fn(s) {
			return
		}
	}
}

func (m *MemorySessionStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
