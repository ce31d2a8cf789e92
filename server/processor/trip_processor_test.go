package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/drive-score/server/analysis"
	"github.com/san-kum/drive-score/server/cache"
	"github.com/san-kum/drive-score/server/models"
	"github.com/san-kum/drive-score/server/store"
)

type recordingPublisher struct {
	mu    sync.Mutex
	trips []*models.Trip
	err   error
}

func (p *recordingPublisher) PublishTripCompleted(_ context.Context, trip *models.Trip) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trips = append(p.trips, trip)
	return p.err
}

type slowAnalyzer struct {
	delay time.Duration
}

func (s *slowAnalyzer) Realtime(context.Context, []models.Sample) models.RealtimeResult {
	return models.RealtimeResult{}
}

func (s *slowAnalyzer) AnalyzeTrip(context.Context, []models.Sample, models.EventSet) models.TripAnalysis {
	time.Sleep(s.delay)
	return models.TripAnalysis{}
}

func newTestProcessor(t *testing.T, opts ...Option) *TripProcessor {
	t.Helper()
	pipeline, err := analysis.NewPipeline(analysis.DefaultWindowConfig(), analysis.DefaultThresholds(), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPipeline error: %v", err)
	}
	tp := NewTripProcessor(store.NewMemoryStore(), pipeline, DefaultProcessorConfig(), zap.NewNop(), opts...)
	t.Cleanup(func() { tp.Shutdown() })
	return tp
}

func samplesFrom(n int, t0 int64) []models.Sample {
	out := make([]models.Sample, n)
	for i := range out {
		out[i] = models.Sample{Timestamp: t0 + int64(i)*20}
	}
	return out
}

func TestStartTrip(t *testing.T) {
	tp := newTestProcessor(t, WithClock(func() time.Time { return time.UnixMilli(1_700_000_000_000) }))
	ctx := context.Background()

	trip, err := tp.StartTrip(ctx, json.RawMessage(`{"lat":1,"lng":2}`))
	if err != nil {
		t.Fatalf("StartTrip error: %v", err)
	}
	if trip.ID == "" || !trip.Active() || trip.StartTime != 1_700_000_000_000 {
		t.Fatalf("unexpected trip %+v", trip)
	}

	stored, err := tp.GetTrip(ctx, trip.ID)
	if err != nil {
		t.Fatalf("GetTrip error: %v", err)
	}
	if string(stored.StartLocation) != `{"lat":1,"lng":2}` {
		t.Fatalf("start location not kept verbatim: %s", stored.StartLocation)
	}
}

func TestAddSamplesRealtimeUsesNewestChunk(t *testing.T) {
	tp := newTestProcessor(t)
	ctx := context.Background()
	trip, _ := tp.StartTrip(ctx, nil)

	// the spike falls outside the newest 100 samples once 200 are stored
	first := samplesFrom(100, 0)
	first[50].AccX = 0.6
	res, err := tp.AddSamples(ctx, trip.ID, first)
	if err != nil {
		t.Fatalf("AddSamples error: %v", err)
	}
	if len(res.CurrentEvents.HarshAcceleration) == 0 {
		t.Fatalf("expected the spike in the first chunk, got %+v", res.CurrentEvents)
	}

	res, err = tp.AddSamples(ctx, trip.ID, samplesFrom(100, 10_000))
	if err != nil {
		t.Fatalf("AddSamples error: %v", err)
	}
	if res.CurrentEvents.Count() != 0 {
		t.Fatalf("expected realtime feedback over the newest chunk only, got %+v", res.CurrentEvents)
	}

	stored, _ := tp.GetTrip(ctx, trip.ID)
	if len(stored.Samples) != 200 {
		t.Fatalf("expected 200 stored samples, got %d", len(stored.Samples))
	}
	if tp.GetStats().SamplesStored != 200 {
		t.Fatalf("unexpected stats %+v", tp.GetStats())
	}
}

func TestUnknownTrip(t *testing.T) {
	tp := newTestProcessor(t)
	ctx := context.Background()

	if _, err := tp.AddSamples(ctx, "missing", samplesFrom(1, 0)); !errors.Is(err, store.ErrTripNotFound) {
		t.Fatalf("AddSamples: expected ErrTripNotFound, got %v", err)
	}
	if _, err := tp.EndTrip(ctx, "missing", nil); !errors.Is(err, store.ErrTripNotFound) {
		t.Fatalf("EndTrip: expected ErrTripNotFound, got %v", err)
	}
	if err := tp.DeleteTrip(ctx, "missing"); !errors.Is(err, store.ErrTripNotFound) {
		t.Fatalf("DeleteTrip: expected ErrTripNotFound, got %v", err)
	}
}

func TestEndTripCompletesOnce(t *testing.T) {
	pub := &recordingPublisher{}
	c := cache.NewMemoryCache(16, time.Hour, zap.NewNop())
	defer c.Close()
	tp := newTestProcessor(t, WithPublisher(pub), WithCache(c))
	ctx := context.Background()

	trip, _ := tp.StartTrip(ctx, nil)
	samples := samplesFrom(50, 0)
	samples[25].AccX = 0.6
	if err := tp.RecordSamples(ctx, trip.ID, samples); err != nil {
		t.Fatalf("RecordSamples error: %v", err)
	}

	done, err := tp.EndTrip(ctx, trip.ID, json.RawMessage(`"home"`))
	if err != nil {
		t.Fatalf("EndTrip error: %v", err)
	}
	if done.Status != models.TripCompleted || done.EndTime == nil {
		t.Fatalf("trip not completed: %+v", done)
	}
	if done.Scores == nil || done.Scores.Acceleration != 95 {
		t.Fatalf("expected moderate acceleration penalty, got %+v", done.Scores)
	}
	if done.Scores.Speeding == nil || *done.Scores.Speeding != 100 {
		t.Fatalf("expected speeding score 100, got %+v", done.Scores.Speeding)
	}
	if done.Feedback == nil || done.Feedback.Summary == "" {
		t.Fatalf("expected feedback, got %+v", done.Feedback)
	}
	if done.Statistics == nil || done.Statistics.SampleCount != 50 || done.Statistics.EventCount != 1 {
		t.Fatalf("unexpected statistics %+v", done.Statistics)
	}
	if len(pub.trips) != 1 || pub.trips[0].ID != trip.ID {
		t.Fatalf("expected one published trip, got %d", len(pub.trips))
	}

	var cached models.TripAnalysis
	if err := c.Get(ctx, cache.TripAnalysisKey(trip.ID), &cached); err != nil {
		t.Fatalf("analysis not cached: %v", err)
	}
	if cached.Scores.Overall != done.Scores.Overall {
		t.Fatalf("cached overall %v != stored %v", cached.Scores.Overall, done.Scores.Overall)
	}

	if _, err := tp.EndTrip(ctx, trip.ID, nil); !errors.Is(err, ErrTripNotActive) {
		t.Fatalf("second EndTrip: expected ErrTripNotActive, got %v", err)
	}
	if err := tp.RecordSamples(ctx, trip.ID, samples); !errors.Is(err, ErrTripNotActive) {
		t.Fatalf("RecordSamples after end: expected ErrTripNotActive, got %v", err)
	}
}

func TestEndTripWithoutSamples(t *testing.T) {
	tp := newTestProcessor(t)
	ctx := context.Background()
	trip, _ := tp.StartTrip(ctx, nil)

	done, err := tp.EndTrip(ctx, trip.ID, nil)
	if err != nil {
		t.Fatalf("EndTrip error: %v", err)
	}
	if done.Scores.Overall != 95 || done.Scores.Consistency != 50 {
		t.Fatalf("unexpected empty-trip scores %+v", done.Scores)
	}
	if len(done.Statistics.BehaviorDistribution) != 0 {
		t.Fatalf("expected empty distribution, got %v", done.Statistics.BehaviorDistribution)
	}
}

func TestEndTripPublishFailureIsNotFatal(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	tp := newTestProcessor(t, WithPublisher(pub))
	ctx := context.Background()
	trip, _ := tp.StartTrip(ctx, nil)

	if _, err := tp.EndTrip(ctx, trip.ID, nil); err != nil {
		t.Fatalf("EndTrip error: %v", err)
	}
	stored, _ := tp.GetTrip(ctx, trip.ID)
	if stored.Status != models.TripCompleted {
		t.Fatalf("trip should be completed despite publish failure")
	}
}

func TestEndTripTimeout(t *testing.T) {
	config := DefaultProcessorConfig()
	config.ProcessingTimeout = 10 * time.Millisecond
	tp := NewTripProcessor(store.NewMemoryStore(), &slowAnalyzer{delay: 200 * time.Millisecond}, config, zap.NewNop())
	defer tp.Shutdown()
	ctx := context.Background()
	trip, _ := tp.StartTrip(ctx, nil)

	if _, err := tp.EndTrip(ctx, trip.ID, nil); !errors.Is(err, ErrAnalysisTimeout) {
		t.Fatalf("expected ErrAnalysisTimeout, got %v", err)
	}
	stored, _ := tp.GetTrip(ctx, trip.ID)
	if !stored.Active() {
		t.Fatalf("a timed out trip must stay active")
	}
	if tp.GetStats().FailedAnalyses != 1 {
		t.Fatalf("expected one failed analysis, got %+v", tp.GetStats())
	}
}

func TestInjectEventScoredOnCompletion(t *testing.T) {
	tp := newTestProcessor(t)
	ctx := context.Background()
	trip, _ := tp.StartTrip(ctx, nil)

	event := models.Event{Kind: models.Speeding, Timestamp: 1, Value: 72}
	if err := tp.InjectEvent(ctx, trip.ID, event); err != nil {
		t.Fatalf("InjectEvent error: %v", err)
	}
	if err := tp.InjectEvent(ctx, trip.ID, models.Event{Kind: "drifting"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}

	done, err := tp.EndTrip(ctx, trip.ID, nil)
	if err != nil {
		t.Fatalf("EndTrip error: %v", err)
	}
	if len(done.Events.Speeding) != 1 {
		t.Fatalf("expected injected speeding event, got %+v", done.Events)
	}
	if done.Scores.Speeding == nil || *done.Scores.Speeding != 92 {
		t.Fatalf("expected speeding score 92, got %v", done.Scores.Speeding)
	}
	if done.Scores.Overall != 95 {
		t.Fatalf("speeding must not affect overall, got %v", done.Scores.Overall)
	}
}

func TestScores(t *testing.T) {
	tp := newTestProcessor(t)
	ctx := context.Background()
	trip, _ := tp.StartTrip(ctx, nil)

	if _, _, err := tp.Scores(ctx, trip.ID); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData before any sample, got %v", err)
	}

	tp.RecordSamples(ctx, trip.ID, samplesFrom(50, 0))
	prelim, final, err := tp.Scores(ctx, trip.ID)
	if err != nil || final {
		t.Fatalf("expected preliminary scores, got final=%v err=%v", final, err)
	}

	tp.EndTrip(ctx, trip.ID, nil)
	scores, final, err := tp.Scores(ctx, trip.ID)
	if err != nil || !final {
		t.Fatalf("expected final scores, got final=%v err=%v", final, err)
	}
	if scores.Overall != prelim.Overall {
		t.Fatalf("final %v differs from preliminary %v over the same samples", scores.Overall, prelim.Overall)
	}
}

func TestDeleteTripEvictsCache(t *testing.T) {
	c := cache.NewMemoryCache(16, time.Hour, zap.NewNop())
	defer c.Close()
	tp := newTestProcessor(t, WithCache(c))
	ctx := context.Background()

	trip, _ := tp.StartTrip(ctx, nil)
	tp.EndTrip(ctx, trip.ID, nil)
	if ok, _ := c.Exists(ctx, cache.TripAnalysisKey(trip.ID)); !ok {
		t.Fatalf("expected cached analysis")
	}

	if err := tp.DeleteTrip(ctx, trip.ID); err != nil {
		t.Fatalf("DeleteTrip error: %v", err)
	}
	if ok, _ := c.Exists(ctx, cache.TripAnalysisKey(trip.ID)); ok {
		t.Fatalf("cached analysis survived delete")
	}
	if _, err := tp.GetTrip(ctx, trip.ID); !errors.Is(err, store.ErrTripNotFound) {
		t.Fatalf("expected ErrTripNotFound, got %v", err)
	}
}

func TestConcurrentRecordSamples(t *testing.T) {
	tp := newTestProcessor(t)
	ctx := context.Background()
	trip, _ := tp.StartTrip(ctx, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tp.RecordSamples(ctx, trip.ID, samplesFrom(25, int64(i)*1000))
		}(i)
	}
	wg.Wait()

	stored, _ := tp.GetTrip(ctx, trip.ID)
	if len(stored.Samples) != 200 {
		t.Fatalf("lost writes: got %d samples, want 200", len(stored.Samples))
	}
}

func TestListTripsNewestFirst(t *testing.T) {
	now := int64(1000)
	tp := newTestProcessor(t, WithClock(func() time.Time { now += 1000; return time.UnixMilli(now) }))
	ctx := context.Background()

	a, _ := tp.StartTrip(ctx, nil)
	b, _ := tp.StartTrip(ctx, nil)

	trips, err := tp.ListTrips(ctx)
	if err != nil {
		t.Fatalf("ListTrips error: %v", err)
	}
	if len(trips) != 2 || trips[0].ID != b.ID || trips[1].ID != a.ID {
		t.Fatalf("unexpected order: %v, %v", trips[0].ID, trips[1].ID)
	}
}

type countingStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	gets    int
	puts    int
	appends int
}

func (s *countingStore) Get(ctx context.Context, id string) (*models.Trip, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	return s.MemoryStore.Get(ctx, id)
}

func (s *countingStore) Put(ctx context.Context, trip *models.Trip) error {
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	return s.MemoryStore.Put(ctx, trip)
}

func (s *countingStore) AppendSamples(ctx context.Context, id string, samples []models.Sample, tail int) ([]models.Sample, error) {
	s.mu.Lock()
	s.appends++
	s.mu.Unlock()
	return s.MemoryStore.AppendSamples(ctx, id, samples, tail)
}

func TestAddSamplesAppendsWithoutRewritingTrip(t *testing.T) {
	pipeline, err := analysis.NewPipeline(analysis.DefaultWindowConfig(), analysis.DefaultThresholds(), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPipeline error: %v", err)
	}
	s := &countingStore{MemoryStore: store.NewMemoryStore()}
	tp := NewTripProcessor(s, pipeline, DefaultProcessorConfig(), zap.NewNop())
	t.Cleanup(func() { tp.Shutdown() })
	ctx := context.Background()

	trip, _ := tp.StartTrip(ctx, nil)
	s.gets, s.puts = 0, 0

	for i := 0; i < 5; i++ {
		res, err := tp.AddSamples(ctx, trip.ID, samplesFrom(60, int64(i)*10_000))
		if err != nil {
			t.Fatalf("AddSamples error: %v", err)
		}
		if res == nil {
			t.Fatalf("expected realtime result")
		}
	}
	if err := tp.RecordSamples(ctx, trip.ID, samplesFrom(10, 100_000)); err != nil {
		t.Fatalf("RecordSamples error: %v", err)
	}

	if s.gets != 0 || s.puts != 0 || s.appends != 6 {
		t.Fatalf("expected 6 appends and no whole-trip reads or writes, got gets=%d puts=%d appends=%d", s.gets, s.puts, s.appends)
	}
	stored, _ := tp.GetTrip(ctx, trip.ID)
	if len(stored.Samples) != 310 {
		t.Fatalf("expected 310 stored samples, got %d", len(stored.Samples))
	}
}

func TestTripLocksReleasedAfterUse(t *testing.T) {
	tp := newTestProcessor(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		trip, _ := tp.StartTrip(ctx, nil)
		ids = append(ids, trip.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(id string, i int) {
				defer wg.Done()
				tp.RecordSamples(ctx, id, samplesFrom(10, int64(i)*1000))
			}(id, i)
		}
	}
	wg.Wait()

	if _, err := tp.EndTrip(ctx, ids[0], nil); err != nil {
		t.Fatalf("EndTrip error: %v", err)
	}
	if _, err := tp.EndTrip(ctx, ids[0], nil); !errors.Is(err, ErrTripNotActive) {
		t.Fatalf("second EndTrip: expected ErrTripNotActive, got %v", err)
	}
	if err := tp.DeleteTrip(ctx, ids[1]); err != nil {
		t.Fatalf("DeleteTrip error: %v", err)
	}

	tp.locksMu.Lock()
	held := len(tp.locks)
	tp.locksMu.Unlock()
	if held != 0 {
		t.Fatalf("expected no per-trip locks once idle, got %d", held)
	}
}
