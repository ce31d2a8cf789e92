package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/san-kum/drive-score/server/models"
)

func newStores(t *testing.T) map[string]TripStore {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "trips.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewSQLiteStore error: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]TripStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func testTrip(id string, start int64) *models.Trip {
	return &models.Trip{
		ID:            id,
		StartTime:     start,
		StartLocation: json.RawMessage(`{"lat":52.1,"lng":4.3}`),
		Status:        models.TripActive,
		Samples:       []models.Sample{{AccX: 0.1, Timestamp: start}},
		Events:        models.NewEventSet(),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			trip := testTrip("trip-1", 1000)
			if err := s.Put(ctx, trip); err != nil {
				t.Fatalf("Put error: %v", err)
			}

			got, err := s.Get(ctx, "trip-1")
			if err != nil {
				t.Fatalf("Get error: %v", err)
			}
			if got.ID != trip.ID || got.Status != models.TripActive || len(got.Samples) != 1 {
				t.Fatalf("unexpected trip %+v", got)
			}
			if string(got.StartLocation) != `{"lat":52.1,"lng":4.3}` {
				t.Fatalf("location not passed through: %s", got.StartLocation)
			}

			// Stored state is isolated from the caller's copy.
			got.Samples = append(got.Samples, models.Sample{Timestamp: 2000})
			again, _ := s.Get(ctx, "trip-1")
			if len(again.Samples) != 1 {
				t.Fatalf("store shares slices with callers")
			}
		})
	}
}

func TestStoreUpdateCompletesTrip(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			trip := testTrip("trip-1", 1000)
			_ = s.Put(ctx, trip)

			end := int64(5000)
			trip.EndTime = &end
			trip.Status = models.TripCompleted
			trip.Scores = &models.ScoreSet{Overall: 88.5}
			if err := s.Put(ctx, trip); err != nil {
				t.Fatalf("Put error: %v", err)
			}

			got, err := s.Get(ctx, "trip-1")
			if err != nil {
				t.Fatalf("Get error: %v", err)
			}
			if got.Status != models.TripCompleted || got.EndTime == nil || *got.EndTime != 5000 {
				t.Fatalf("trip not updated: %+v", got)
			}
			if got.Scores == nil || got.Scores.Overall != 88.5 {
				t.Fatalf("scores not stored: %+v", got.Scores)
			}
		})
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = s.Put(ctx, testTrip("old", 1000))
			_ = s.Put(ctx, testTrip("new", 3000))
			_ = s.Put(ctx, testTrip("mid", 2000))

			trips, err := s.List(ctx)
			if err != nil {
				t.Fatalf("List error: %v", err)
			}
			if len(trips) != 3 || trips[0].ID != "new" || trips[1].ID != "mid" || trips[2].ID != "old" {
				t.Fatalf("unexpected order: %v", ids(trips))
			}
		})
	}
}

func TestStoreDeleteAndMissing(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = s.Put(ctx, testTrip("trip-1", 1000))

			if err := s.Delete(ctx, "trip-1"); err != nil {
				t.Fatalf("Delete error: %v", err)
			}
			if _, err := s.Get(ctx, "trip-1"); !errors.Is(err, ErrTripNotFound) {
				t.Fatalf("expected ErrTripNotFound after delete, got %v", err)
			}
			if err := s.Delete(ctx, "trip-1"); !errors.Is(err, ErrTripNotFound) {
				t.Fatalf("expected ErrTripNotFound deleting twice, got %v", err)
			}
			trips, err := s.List(ctx)
			if err != nil || len(trips) != 0 {
				t.Fatalf("expected empty list, got %v (%v)", ids(trips), err)
			}
		})
	}
}

func TestStoreAppendSamples(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = s.Put(ctx, testTrip("trip-1", 1000))

			batch := []models.Sample{{Timestamp: 2000}, {Timestamp: 3000}, {AccX: 0.4, Timestamp: 4000}}
			tail, err := s.AppendSamples(ctx, "trip-1", batch, 2)
			if err != nil {
				t.Fatalf("AppendSamples error: %v", err)
			}
			if len(tail) != 2 || tail[0].Timestamp != 3000 || tail[1].Timestamp != 4000 || tail[1].AccX != 0.4 {
				t.Fatalf("unexpected tail %+v", tail)
			}

			// Asking for more than is stored returns everything.
			tail, err = s.AppendSamples(ctx, "trip-1", []models.Sample{{Timestamp: 5000}}, 100)
			if err != nil {
				t.Fatalf("AppendSamples error: %v", err)
			}
			if len(tail) != 5 || tail[0].Timestamp != 1000 || tail[4].Timestamp != 5000 {
				t.Fatalf("unexpected tail %+v", tail)
			}

			tail, err = s.AppendSamples(ctx, "trip-1", []models.Sample{{Timestamp: 6000}}, 0)
			if err != nil || len(tail) != 0 {
				t.Fatalf("expected no tail, got %+v (%v)", tail, err)
			}

			// The returned tail is a copy.
			tail, _ = s.AppendSamples(ctx, "trip-1", nil, 1)
			tail[0].Timestamp = -1

			got, err := s.Get(ctx, "trip-1")
			if err != nil {
				t.Fatalf("Get error: %v", err)
			}
			if len(got.Samples) != 6 || got.Samples[5].Timestamp != 6000 {
				t.Fatalf("unexpected stored samples %+v", got.Samples)
			}
			if string(got.StartLocation) != `{"lat":52.1,"lng":4.3}` {
				t.Fatalf("trip document changed: %s", got.StartLocation)
			}
		})
	}
}

func TestStoreAppendSamplesRejectsCompletedAndMissing(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.AppendSamples(ctx, "missing", []models.Sample{{}}, 1); !errors.Is(err, ErrTripNotFound) {
				t.Fatalf("expected ErrTripNotFound, got %v", err)
			}

			trip := testTrip("trip-1", 1000)
			trip.Status = models.TripCompleted
			_ = s.Put(ctx, trip)
			if _, err := s.AppendSamples(ctx, "trip-1", []models.Sample{{}}, 1); !errors.Is(err, ErrTripNotActive) {
				t.Fatalf("expected ErrTripNotActive, got %v", err)
			}
			got, _ := s.Get(ctx, "trip-1")
			if len(got.Samples) != 1 {
				t.Fatalf("completed trip grew to %d samples", len(got.Samples))
			}
		})
	}
}

func TestStorePutAfterAppendKeepsSamples(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = s.Put(ctx, testTrip("trip-1", 1000))
			_, _ = s.AppendSamples(ctx, "trip-1", []models.Sample{{Timestamp: 2000}, {Timestamp: 3000}}, 0)

			trip, _ := s.Get(ctx, "trip-1")
			trip.Status = models.TripCompleted
			if err := s.Put(ctx, trip); err != nil {
				t.Fatalf("Put error: %v", err)
			}

			got, _ := s.Get(ctx, "trip-1")
			if got.Status != models.TripCompleted || len(got.Samples) != 3 || got.Samples[2].Timestamp != 3000 {
				t.Fatalf("unexpected trip %+v", got)
			}

			// Deleting and recreating the id starts from no samples.
			_ = s.Delete(ctx, "trip-1")
			fresh := testTrip("trip-1", 9000)
			fresh.Samples = []models.Sample{}
			_ = s.Put(ctx, fresh)
			got, _ = s.Get(ctx, "trip-1")
			if len(got.Samples) != 0 {
				t.Fatalf("samples survived delete: %+v", got.Samples)
			}
		})
	}
}

func TestSQLiteStoreInMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("NewSQLiteStore error: %v", err)
	}
	defer s.Close()
	if err := s.Put(context.Background(), testTrip("trip-1", 1)); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if _, err := s.Get(context.Background(), "trip-1"); err != nil {
		t.Fatalf("Get error: %v", err)
	}
}

func ids(trips []*models.Trip) []string {
	out := make([]string, len(trips))
	for i, t := range trips {
		out[i] = t.ID
	}
	return out
}
