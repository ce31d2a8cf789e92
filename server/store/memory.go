package store

import (
	"context"
	"sync"

	"github.com/san-kum/drive-score/server/models"
)

// MemoryStore keeps trips in a map. It is the default store and loses
// everything on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]*models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*models.Trip)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trips[id]
	if !ok {
		return nil, ErrTripNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, trip *models.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trips[trip.ID] = trip.Clone()
	return nil
}

// AppendSamples grows the stored slice in place; only the returned tail is
// copied.
func (s *MemoryStore) AppendSamples(_ context.Context, id string, samples []models.Sample, tail int) ([]models.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok {
		return nil, ErrTripNotFound
	}
	if !t.Active() {
		return nil, ErrTripNotActive
	}
	t.Samples = append(t.Samples, samples...)
	return lastN(t.Samples, tail), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trips[id]; !ok {
		return ErrTripNotFound
	}
	delete(s.trips, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*models.Trip, error) {
	s.mu.RLock()
	out := make([]*models.Trip, 0, len(s.trips))
	for _, t := range s.trips {
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
