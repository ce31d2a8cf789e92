package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/drive-score/server/models"
)

var (
	ErrUnknownSession = errors.New("session not connected")
	ErrNotJoined      = errors.New("session not associated with a trip")
	ErrSessionClosed  = errors.New("session closed")
)

// Outbound message types.
const (
	MessageRealtimeFeedback = "realtime_feedback"
	MessageTripUpdate       = "trip_update"
)

// Flush triggers, used for logging and metrics labels.
const (
	TriggerThreshold = "threshold"
	TriggerBatch     = "batch"
	TriggerTicker    = "ticker"
)

const (
	DefaultFlushThreshold = 10
	DefaultFlushInterval  = time.Second
)

// Realtimer is the slice of the analysis pipeline the manager needs.
type Realtimer interface {
	Realtime(ctx context.Context, samples []models.Sample) models.RealtimeResult
}

// Observer receives flush and session lifecycle notifications. The metrics
// package provides the production implementation.
type Observer interface {
	SessionsChanged(live int)
	SamplesBuffered(n int)
	FlushCompleted(trigger string, samples int, elapsed time.Duration)
	FlushFailed(trigger string)
}

type nopObserver struct{}

func (nopObserver) SessionsChanged(int)                       {}
func (nopObserver) SamplesBuffered(int)                       {}
func (nopObserver) FlushCompleted(string, int, time.Duration) {}
func (nopObserver) FlushFailed(string)                        {}

// RealtimeFeedback is sent to the session whose samples were flushed.
type RealtimeFeedback struct {
	TripID    string                `json:"trip_id"`
	Timestamp int64                 `json:"timestamp"`
	Analysis  models.RealtimeResult `json:"analysis"`
}

// TripUpdate is broadcast to every session joined to the trip, the
// originating one included.
type TripUpdate struct {
	TripID    string                `json:"trip_id"`
	ClientID  string                `json:"client_id"`
	Timestamp int64                 `json:"timestamp"`
	Analysis  models.RealtimeResult `json:"analysis"`
}

// Config tunes buffering. Zero values fall back to the defaults.
type Config struct {
	FlushThreshold int
	FlushInterval  time.Duration
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Sessions int `json:"sessions"`
	Joined   int `json:"joined"`
	Trips    int `json:"trips"`
	Buffered int `json:"buffered_samples"`
}

// Manager owns the live sessions, their trip rooms and the flush ticker.
//
// Lock order is roomsMu before Session.mu. A flush takes and clears the
// buffer under the session lock and runs the pipeline after releasing it, so
// every sample lands in exactly one flush.
type Manager struct {
	pipeline Realtimer
	sessions SessionStore
	observer Observer
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time

	roomsMu sync.RWMutex
	rooms   map[string]map[string]*Session
}

// Option customises a Manager.
type Option func(*Manager)

// WithSessionStore replaces the in-memory session registry.
func WithSessionStore(s SessionStore) Option {
	return func(m *Manager) { m.sessions = s }
}

// WithObserver installs flush and session hooks.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(pipeline Realtimer, cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		pipeline: pipeline,
		sessions: NewMemorySessionStore(),
		observer: nopObserver{},
		logger:   logger.Named("stream"),
		cfg:      cfg,
		now:      time.Now,
		rooms:    make(map[string]map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect registers a new idle session.
func (m *Manager) Connect(id string, sink Sink) *Session {
	s := newSession(id, sink)
	m.sessions.Put(s)
	m.observer.SessionsChanged(m.sessions.Len())
	m.logger.Debug("session connected", zap.String("session_id", id))
	return s
}

// Join associates the session with a trip, leaving any previous trip.
func (m *Manager) Join(id, tripID string) error {
	if tripID == "" {
		return fmt.Errorf("join: %w", ErrNotJoined)
	}
	s, ok := m.sessions.Get(id)
	if !ok {
		return ErrUnknownSession
	}

	m.roomsMu.Lock()
	defer m.roomsMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	previous := s.tripID
	s.tripID = tripID
	s.lastUpdate = m.now()
	s.mu.Unlock()

	if previous != "" && previous != tripID {
		m.removeFromRoomLocked(previous, id)
	}
	room, ok := m.rooms[tripID]
	if !ok {
		room = make(map[string]*Session)
		m.rooms[tripID] = room
	}
	room[id] = s

	m.logger.Info("session joined trip", zap.String("session_id", id), zap.String("trip_id", tripID))
	return nil
}

// Leave returns the session to idle if it is joined to tripID. Buffered
// samples are kept and flushed once the session joins again.
func (m *Manager) Leave(id, tripID string) error {
	s, ok := m.sessions.Get(id)
	if !ok {
		return ErrUnknownSession
	}

	m.roomsMu.Lock()
	defer m.roomsMu.Unlock()

	s.mu.Lock()
	if s.tripID == "" || s.tripID != tripID {
		s.mu.Unlock()
		return ErrNotJoined
	}
	s.tripID = ""
	s.mu.Unlock()

	m.removeFromRoomLocked(tripID, id)
	m.logger.Info("session left trip", zap.String("session_id", id), zap.String("trip_id", tripID))
	return nil
}

// Disconnect drops the session. Its buffer is discarded and nothing more is
// delivered to it.
func (m *Manager) Disconnect(id string) {
	s, ok := m.sessions.Delete(id)
	if !ok {
		return
	}

	m.roomsMu.Lock()
	s.mu.Lock()
	tripID := s.tripID
	dropped := len(s.buffer)
	s.closed = true
	s.tripID = ""
	s.buffer = nil
	s.mu.Unlock()
	if tripID != "" {
		m.removeFromRoomLocked(tripID, id)
	}
	m.roomsMu.Unlock()

	m.observer.SessionsChanged(m.sessions.Len())
	m.logger.Debug("session disconnected",
		zap.String("session_id", id),
		zap.String("trip_id", tripID),
		zap.Int("discarded_samples", dropped))
}

func (m *Manager) removeFromRoomLocked(tripID, id string) {
	room, ok := m.rooms[tripID]
	if !ok {
		return
	}
	delete(room, id)
	if len(room) == 0 {
		delete(m.rooms, tripID)
	}
}

// Push buffers one validated sample and flushes once the threshold is
// reached. Samples from an idle session are rejected with ErrNotJoined.
func (m *Manager) Push(ctx context.Context, id string, sample models.Sample) error {
	s, ok := m.sessions.Get(id)
	if !ok {
		return ErrUnknownSession
	}

	now := m.now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.tripID == "" {
		s.mu.Unlock()
		return ErrNotJoined
	}
	s.buffer = append(s.buffer, sample)
	s.lastUpdate = now
	var (
		b     batch
		flush bool
	)
	if len(s.buffer) >= m.cfg.FlushThreshold {
		b, flush = s.takeLocked(TriggerThreshold)
	}
	s.mu.Unlock()

	m.observer.SamplesBuffered(1)
	if flush {
		m.flush(ctx, b)
	}
	return nil
}

// PushBatch buffers a whole batch and flushes immediately regardless of
// the threshold.
func (m *Manager) PushBatch(ctx context.Context, id string, samples []models.Sample) error {
	s, ok := m.sessions.Get(id)
	if !ok {
		return ErrUnknownSession
	}

	now := m.now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.tripID == "" {
		s.mu.Unlock()
		return ErrNotJoined
	}
	s.buffer = append(s.buffer, samples...)
	s.lastUpdate = now
	b, flush := s.takeLocked(TriggerBatch)
	s.mu.Unlock()

	m.observer.SamplesBuffered(len(samples))
	if flush {
		m.flush(ctx, b)
	}
	return nil
}

// Run flushes leftover buffers once per flush interval until ctx is done. A
// sample below the threshold therefore waits at most one interval.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	m.logger.Info("flush ticker started", zap.Duration("interval", m.cfg.FlushInterval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("flush ticker stopped")
			return
		case <-ticker.C:
			m.FlushPending(ctx)
		}
	}
}

// FlushPending flushes every joined session holding samples. It returns the
// number of flushes run.
func (m *Manager) FlushPending(ctx context.Context) int {
	var pending []batch
	m.sessions.Range(func(s *Session) bool {
		if b, ok := s.takePending(); ok {
			pending = append(pending, b)
		}
		return true
	})
	for _, b := range pending {
		m.flush(ctx, b)
	}
	return len(pending)
}

// flush runs the pipeline over a taken buffer and delivers the result. A
// panic is contained to this flush.
func (m *Manager) flush(ctx context.Context, b batch) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.observer.FlushFailed(b.trigger)
			m.logger.Error("flush panicked",
				zap.String("session_id", b.session.ID),
				zap.String("trip_id", b.tripID),
				zap.String("trigger", b.trigger),
				zap.Any("panic", r))
		}
	}()

	result := m.pipeline.Realtime(ctx, b.samples)
	ts := m.now().UnixMilli()

	if err := b.session.send(Envelope{
		Type: MessageRealtimeFeedback,
		Data: RealtimeFeedback{TripID: b.tripID, Timestamp: ts, Analysis: result},
	}); err != nil && !errors.Is(err, ErrSessionClosed) {
		m.logger.Warn("failed to deliver realtime feedback",
			zap.String("session_id", b.session.ID), zap.Error(err))
	}

	update := Envelope{
		Type: MessageTripUpdate,
		Data: TripUpdate{TripID: b.tripID, ClientID: b.session.ID, Timestamp: ts, Analysis: result},
	}
	for _, member := range m.roomMembers(b.tripID) {
		if err := member.send(update); err != nil && !errors.Is(err, ErrSessionClosed) {
			m.logger.Warn("failed to deliver trip update",
				zap.String("session_id", member.ID),
				zap.String("trip_id", b.tripID),
				zap.Error(err))
		}
	}

	m.observer.FlushCompleted(b.trigger, len(b.samples), time.Since(start))
	m.logger.Debug("flushed session buffer",
		zap.String("session_id", b.session.ID),
		zap.String("trip_id", b.tripID),
		zap.String("trigger", b.trigger),
		zap.Int("samples", len(b.samples)))
}

func (m *Manager) roomMembers(tripID string) []*Session {
	m.roomsMu.RLock()
	defer m.roomsMu.RUnlock()
	room := m.rooms[tripID]
	members := make([]*Session, 0, len(room))
	for _, s := range room {
		members = append(members, s)
	}
	return members
}

// Room returns the ids of the sessions joined to tripID.
func (m *Manager) Room(tripID string) []string {
	members := m.roomMembers(tripID)
	ids := make([]string, len(members))
	for i, s := range members {
		ids[i] = s.ID
	}
	return ids
}

func (m *Manager) Stats() Stats {
	st := Stats{Sessions: m.sessions.Len()}
	m.sessions.Range(func(s *Session) bool {
		s.mu.Lock()
		if s.tripID != "" {
			st.Joined++
		}
		st.Buffered += len(s.buffer)
		s.mu.Unlock()
		return true
	})
	m.roomsMu.RLock()
	st.Trips = len(m.rooms)
	m.roomsMu.RUnlock()
	return st
}
