package cache

import (
	"context"
	"errors"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache stores JSON-encodable values. Get decodes into dest, which must be a
// pointer.
type Cache interface {
	Set(ctx context.Context, key string, value any) error

	SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error

	Get(ctx context.Context, key string, dest any) error

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Backend   string `json:"backend"`
	Connected bool   `json:"connected"`
	Items     int64  `json:"items"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Info      string `json:"info"`
}

// TripAnalysisKey is where the final analysis of a completed trip lives.
func TripAnalysisKey(tripID string) string {
	return "trip:analysis:" + tripID
}
