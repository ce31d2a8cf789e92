// Package store persists trips. The processor is the only writer; stores
// hand out copies so callers never share slices with stored state.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/san-kum/drive-score/server/models"
)

var (
	ErrTripNotFound  = errors.New("trip not found")
	ErrTripNotActive = errors.New("trip already completed")
)

// TripStore reads and writes whole trips by id.
type TripStore interface {
	Get(ctx context.Context, id string) (*models.Trip, error)
	Put(ctx context.Context, trip *models.Trip) error
	// AppendSamples adds samples to an active trip without rewriting the
	// stored trip and returns copies of the newest tail samples.
	AppendSamples(ctx context.Context, id string, samples []models.Sample, tail int) ([]models.Sample, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.Trip, error)
	Close() error
}

// sortNewestFirst orders trips by start time, newest first, breaking ties
// by id so listings are stable.
func sortNewestFirst(trips []*models.Trip) {
	sort.Slice(trips, func(i, j int) bool {
		if trips[i].StartTime != trips[j].StartTime {
			return trips[i].StartTime > trips[j].StartTime
		}
		return trips[i].ID < trips[j].ID
	})
}

// lastN copies the final n samples, or all of them when there are fewer.
func lastN(samples []models.Sample, n int) []models.Sample {
	if n <= 0 {
		return []models.Sample{}
	}
	if len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	out := make([]models.Sample, len(samples))
	copy(out, samples)
	return out
}
