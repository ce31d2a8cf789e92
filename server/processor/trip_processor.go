package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/san-kum/drive-score/server/analysis"
	"github.com/san-kum/drive-score/server/cache"
	"github.com/san-kum/drive-score/server/models"
	"github.com/san-kum/drive-score/server/store"
)

var (
	ErrTripNotActive   = store.ErrTripNotActive
	ErrNoData          = errors.New("no data available for this trip yet")
	ErrAnalysisTimeout = errors.New("trip analysis timed out")
	ErrInvalidEvent    = errors.New("invalid event")
)

// Analyzer is the part of the analysis pipeline the processor drives.
type Analyzer interface {
	Realtime(ctx context.Context, samples []models.Sample) models.RealtimeResult
	AnalyzeTrip(ctx context.Context, samples []models.Sample, injected models.EventSet) models.TripAnalysis
}

// Publisher announces completed trips to downstream consumers.
type Publisher interface {
	PublishTripCompleted(ctx context.Context, trip *models.Trip) error
}

// Observer receives lifecycle notifications for metrics.
type Observer interface {
	TripStarted()
	TripCompleted(elapsed time.Duration)
	SamplesRecorded(n int)
}

type nopObserver struct{}

func (nopObserver) TripStarted()                {}
func (nopObserver) TripCompleted(time.Duration) {}
func (nopObserver) SamplesRecorded(int)         {}

type ProcessorConfig struct {
	MaxQueueSize      int           `json:"max_queue_size"`
	MaxWorkers        int           `json:"max_workers"`
	ProcessingTimeout time.Duration `json:"processing_timeout"`
	RealtimeChunk     int           `json:"realtime_chunk"`
	CacheTTL          time.Duration `json:"cache_ttl"`
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		MaxQueueSize:      100,
		MaxWorkers:        4,
		ProcessingTimeout: 30 * time.Second,
		RealtimeChunk:     100,
		CacheTTL:          24 * time.Hour,
	}
}

type ProcessorStats struct {
	StartTime      time.Time  `json:"start_time"`
	TripsStarted   int64      `json:"trips_started"`
	TripsCompleted int64      `json:"trips_completed"`
	SamplesStored  int64      `json:"samples_stored"`
	FailedAnalyses int64      `json:"failed_analyses"`
	AverageLatency float64    `json:"average_latency_ms"`
	Queue          QueueStats `json:"queue"`
}

// TripProcessor owns the trip lifecycle: start, append samples, complete with
// a full analysis, and read back. Writes to one trip are serialised.
type TripProcessor struct {
	store     store.TripStore
	pipeline  Analyzer
	cache     cache.Cache
	publisher Publisher
	observer  Observer
	queue     *ProcessingQueue
	config    ProcessorConfig
	logger    *zap.Logger
	now       func() time.Time

	locksMu sync.Mutex
	locks   map[string]*tripLock

	startTime      time.Time
	tripsStarted   atomic.Int64
	tripsCompleted atomic.Int64
	samplesStored  atomic.Int64
	failedAnalyses atomic.Int64

	latencyMu      sync.Mutex
	averageLatency float64
}

type Option func(*TripProcessor)

// WithCache stores each completed trip's analysis.
func WithCache(c cache.Cache) Option {
	return func(tp *TripProcessor) { tp.cache = c }
}

// WithPublisher announces completed trips.
func WithPublisher(p Publisher) Option {
	return func(tp *TripProcessor) { tp.publisher = p }
}

func WithObserver(o Observer) Option {
	return func(tp *TripProcessor) { tp.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(tp *TripProcessor) { tp.now = now }
}

func NewTripProcessor(s store.TripStore, pipeline Analyzer, config ProcessorConfig, logger *zap.Logger, opts ...Option) *TripProcessor {
	defaults := DefaultProcessorConfig()
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = defaults.MaxQueueSize
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = defaults.MaxWorkers
	}
	if config.ProcessingTimeout <= 0 {
		config.ProcessingTimeout = defaults.ProcessingTimeout
	}
	if config.RealtimeChunk <= 0 {
		config.RealtimeChunk = defaults.RealtimeChunk
	}

	tp := &TripProcessor{
		store:     s,
		pipeline:  pipeline,
		observer:  nopObserver{},
		config:    config,
		logger:    logger.Named("trips"),
		now:       time.Now,
		locks:     make(map[string]*tripLock),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(tp)
	}
	tp.queue = NewProcessingQueue(config.MaxQueueSize, config.MaxWorkers)
	return tp
}

// tripLock counts the callers holding or waiting for mu, so the entry can be
// dropped once nobody is working on the trip.
type tripLock struct {
	mu   sync.Mutex
	refs int
}

func (tp *TripProcessor) lock(id string) func() {
	tp.locksMu.Lock()
	l, ok := tp.locks[id]
	if !ok {
		l = &tripLock{}
		tp.locks[id] = l
	}
	l.refs++
	tp.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		tp.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(tp.locks, id)
		}
		tp.locksMu.Unlock()
	}
}

// StartTrip creates a new active trip. startLocation is stored verbatim.
func (tp *TripProcessor) StartTrip(ctx context.Context, startLocation json.RawMessage) (*models.Trip, error) {
	trip := &models.Trip{
		ID:            uuid.NewString(),
		StartTime:     tp.now().UnixMilli(),
		StartLocation: startLocation,
		Status:        models.TripActive,
		Samples:       []models.Sample{},
		Events:        models.NewEventSet(),
	}
	if err := tp.store.Put(ctx, trip); err != nil {
		return nil, fmt.Errorf("failed to start trip: %w", err)
	}

	tp.tripsStarted.Add(1)
	tp.observer.TripStarted()
	tp.logger.Info("Trip started", zap.String("trip_id", trip.ID))
	return trip, nil
}

// appendSamples adds validated samples to an active trip and returns the
// newest tail samples. The stored trip is never read back whole.
func (tp *TripProcessor) appendSamples(ctx context.Context, id string, samples []models.Sample, tail int) ([]models.Sample, error) {
	unlock := tp.lock(id)
	defer unlock()

	chunk, err := tp.store.AppendSamples(ctx, id, samples, tail)
	switch {
	case errors.Is(err, store.ErrTripNotFound), errors.Is(err, ErrTripNotActive):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("failed to store samples for trip %s: %w", id, err)
	}

	tp.samplesStored.Add(int64(len(samples)))
	tp.observer.SamplesRecorded(len(samples))
	return chunk, nil
}

// AddSamples appends samples and returns realtime feedback over the most
// recent chunk of the trip.
func (tp *TripProcessor) AddSamples(ctx context.Context, id string, samples []models.Sample) (*models.RealtimeResult, error) {
	chunk, err := tp.appendSamples(ctx, id, samples, tp.config.RealtimeChunk)
	if err != nil {
		return nil, err
	}
	result := tp.pipeline.Realtime(ctx, chunk)
	return &result, nil
}

// RecordSamples appends samples without computing feedback. Used by ingest
// paths that deliver feedback elsewhere or not at all.
func (tp *TripProcessor) RecordSamples(ctx context.Context, id string, samples []models.Sample) error {
	_, err := tp.appendSamples(ctx, id, samples, 0)
	return err
}

// InjectEvent attaches an externally detected event to an active trip. It is
// scored with the detected events when the trip completes.
func (tp *TripProcessor) InjectEvent(ctx context.Context, id string, event models.Event) error {
	if !event.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, event.Kind)
	}

	unlock := tp.lock(id)
	defer unlock()

	trip, err := tp.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !trip.Active() {
		return ErrTripNotActive
	}
	trip.Events.Append(event)
	if err := tp.store.Put(ctx, trip); err != nil {
		return fmt.Errorf("failed to store event for trip %s: %w", id, err)
	}

	tp.logger.Debug("Event injected",
		zap.String("trip_id", id),
		zap.String("kind", string(event.Kind)),
		zap.Float64("value", event.Value))
	return nil
}

// EndTrip completes an active trip: the full history is analysed with
// severity scoring, feedback is generated, and the result is stored, cached
// and published.
func (tp *TripProcessor) EndTrip(ctx context.Context, id string, endLocation json.RawMessage) (*models.Trip, error) {
	unlock := tp.lock(id)
	defer unlock()

	trip, err := tp.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !trip.Active() {
		return nil, ErrTripNotActive
	}

	startTime := time.Now()
	result, err := tp.analyze(ctx, trip)
	if err != nil {
		tp.failedAnalyses.Add(1)
		return nil, err
	}

	feedback := analysis.GenerateFeedback(result.Scores, result.Events)
	endTime := tp.now().UnixMilli()
	trip.EndTime = &endTime
	trip.EndLocation = endLocation
	trip.Status = models.TripCompleted
	trip.Events = result.Events
	trip.Scores = &result.Scores
	trip.Statistics = &result.Statistics
	trip.Feedback = &feedback

	if err := tp.store.Put(ctx, trip); err != nil {
		return nil, fmt.Errorf("failed to complete trip %s: %w", id, err)
	}

	elapsed := time.Since(startTime)
	tp.updateLatencyStats(elapsed)
	tp.tripsCompleted.Add(1)
	tp.observer.TripCompleted(elapsed)

	if tp.cache != nil {
		if err := tp.cache.SetWithTTL(ctx, cache.TripAnalysisKey(id), result, tp.config.CacheTTL); err != nil {
			tp.logger.Warn("Failed to cache trip analysis", zap.String("trip_id", id), zap.Error(err))
		}
	}
	if tp.publisher != nil {
		if err := tp.publisher.PublishTripCompleted(ctx, trip); err != nil {
			tp.logger.Warn("Failed to publish completed trip", zap.String("trip_id", id), zap.Error(err))
		}
	}

	tp.logger.Info("Trip completed",
		zap.String("trip_id", id),
		zap.Int("samples", len(trip.Samples)),
		zap.Int("events", result.Events.Count()),
		zap.Float64("overall", result.Scores.Overall),
		zap.Duration("analysis_time", elapsed))
	return trip, nil
}

// analyze runs the full-trip pipeline on a worker and waits for it.
func (tp *TripProcessor) analyze(ctx context.Context, trip *models.Trip) (models.TripAnalysis, error) {
	samples := trip.Samples
	injected := trip.Events.Clone()

	resultChan := make(chan *ProcessingResult, 1)
	item := &QueueItem{
		TripID: trip.ID,
		Ctx:    ctx,
		Run: func(ctx context.Context) models.TripAnalysis {
			return tp.pipeline.AnalyzeTrip(ctx, samples, injected)
		},
		ResultChan: resultChan,
		StartTime:  time.Now(),
	}
	if err := tp.queue.Enqueue(item); err != nil {
		return models.TripAnalysis{}, err
	}

	timer := time.NewTimer(tp.config.ProcessingTimeout)
	defer timer.Stop()

	select {
	case result := <-resultChan:
		if result.Error != nil {
			return models.TripAnalysis{}, fmt.Errorf("trip analysis failed: %w", result.Error)
		}
		return *result.Analysis, nil
	case <-timer.C:
		return models.TripAnalysis{}, ErrAnalysisTimeout
	case <-ctx.Done():
		return models.TripAnalysis{}, ctx.Err()
	}
}

func (tp *TripProcessor) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	return tp.store.Get(ctx, id)
}

// ListTrips returns every trip, newest first.
func (tp *TripProcessor) ListTrips(ctx context.Context) ([]*models.Trip, error) {
	return tp.store.List(ctx)
}

func (tp *TripProcessor) DeleteTrip(ctx context.Context, id string) error {
	unlock := tp.lock(id)
	err := tp.store.Delete(ctx, id)
	unlock()
	if err != nil {
		return err
	}

	if tp.cache != nil {
		if err := tp.cache.Delete(ctx, cache.TripAnalysisKey(id)); err != nil {
			tp.logger.Warn("Failed to evict trip analysis", zap.String("trip_id", id), zap.Error(err))
		}
	}
	tp.logger.Info("Trip deleted", zap.String("trip_id", id))
	return nil
}

// Scores returns the final scores of a completed trip, or preliminary
// severity scores over the samples received so far.
func (tp *TripProcessor) Scores(ctx context.Context, id string) (models.ScoreSet, bool, error) {
	trip, err := tp.store.Get(ctx, id)
	if err != nil {
		return models.ScoreSet{}, false, err
	}

	if !trip.Active() {
		if trip.Scores != nil {
			return *trip.Scores, true, nil
		}
		var cached models.TripAnalysis
		if tp.cache != nil && tp.cache.Get(ctx, cache.TripAnalysisKey(id), &cached) == nil {
			return cached.Scores, true, nil
		}
		return models.ScoreSet{}, true, ErrNoData
	}

	if len(trip.Samples) == 0 {
		return models.ScoreSet{}, false, ErrNoData
	}
	return tp.pipeline.AnalyzeTrip(ctx, trip.Samples, trip.Events).Scores, false, nil
}

// Analysis returns the cached analysis of a completed trip, falling back to
// the stored trip when the cache has expired.
func (tp *TripProcessor) Analysis(ctx context.Context, id string) (*models.TripAnalysis, error) {
	if tp.cache != nil {
		var cached models.TripAnalysis
		if err := tp.cache.Get(ctx, cache.TripAnalysisKey(id), &cached); err == nil {
			return &cached, nil
		}
	}

	trip, err := tp.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if trip.Active() || trip.Scores == nil || trip.Statistics == nil {
		return nil, ErrNoData
	}
	return &models.TripAnalysis{Scores: *trip.Scores, Events: trip.Events, Statistics: *trip.Statistics}, nil
}

func (tp *TripProcessor) updateLatencyStats(latency time.Duration) {
	current := float64(latency.Milliseconds())

	tp.latencyMu.Lock()
	defer tp.latencyMu.Unlock()
	if tp.averageLatency == 0 {
		tp.averageLatency = current
	} else {
		alpha := 0.1
		tp.averageLatency = alpha*current + (1-alpha)*tp.averageLatency
	}
}

func (tp *TripProcessor) GetStats() ProcessorStats {
	tp.latencyMu.Lock()
	latency := tp.averageLatency
	tp.latencyMu.Unlock()

	return ProcessorStats{
		StartTime:      tp.startTime,
		TripsStarted:   tp.tripsStarted.Load(),
		TripsCompleted: tp.tripsCompleted.Load(),
		SamplesStored:  tp.samplesStored.Load(),
		FailedAnalyses: tp.failedAnalyses.Load(),
		AverageLatency: latency,
		Queue:          tp.queue.GetQueueStats(),
	}
}

// Shutdown stops the analysis workers. The store and cache are closed by
// their owner.
func (tp *TripProcessor) Shutdown() error {
	tp.logger.Info("Shutting down trip processor...")
	if err := tp.queue.Shutdown(30 * time.Second); err != nil {
		tp.logger.Error("Failed to shutdown queue", zap.Error(err))
		return err
	}
	tp.logger.Info("Trip processor shutdown complete")
	return nil
}
