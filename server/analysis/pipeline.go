package analysis

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/san-kum/drive-score/server/models"
)

// Classifier labels a window's features with a driving behavior. A nil
// Classifier, or one that fails, yields models.BehaviorUnknown.
type Classifier interface {
	Predict(ctx context.Context, features models.FeatureVector) (string, error)
}

// Pipeline runs windowing, feature extraction, detection and scoring over a
// sample sequence. It keeps no state between runs, so one Pipeline is shared
// by every session and trip.
type Pipeline struct {
	windows    WindowConfig
	detector   Detector
	classifier Classifier
	logger     *zap.Logger
}

// NewPipeline validates the window configuration. classifier may be nil.
func NewPipeline(cfg WindowConfig, thresholds Thresholds, classifier Classifier, logger *zap.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		windows:    cfg,
		detector:   NewDetector(thresholds),
		classifier: classifier,
		logger:     logger.Named("pipeline"),
	}, nil
}

// WindowConfig returns the configuration the pipeline was built with.
func (p *Pipeline) WindowConfig() WindowConfig {
	return p.windows
}

// pass is the per-window output of one run.
type pass struct {
	events    models.EventSet
	behaviors []string
}

func (p *Pipeline) run(ctx context.Context, samples []models.Sample) pass {
	out := pass{events: models.NewEventSet()}

	// Validated at construction, so the error is unreachable.
	seq, err := Windows(samples, p.windows)
	if err != nil {
		return out
	}
	for w := range seq {
		out.events.Append(p.detector.Detect(w)...)
		out.behaviors = append(out.behaviors, p.classify(ctx, ExtractFeatures(w)))
	}
	return out
}

func (p *Pipeline) classify(ctx context.Context, fv models.FeatureVector) string {
	if p.classifier == nil {
		return models.BehaviorUnknown
	}
	label, err := p.classifier.Predict(ctx, fv)
	if err != nil || label == "" {
		p.logger.Debug("classifier unavailable", zap.Int64("window_ts", fv.Timestamp), zap.Error(err))
		return models.BehaviorUnknown
	}
	return label
}

// Realtime analyses a chunk of samples with flat scoring. The behavior is the
// most common window label; ties go to the label seen first.
func (p *Pipeline) Realtime(ctx context.Context, samples []models.Sample) models.RealtimeResult {
	sorted := models.SortedCopy(samples)
	r := p.run(ctx, sorted)
	return models.RealtimeResult{
		CurrentScores:   ScoreFlat(r.events, sorted),
		CurrentEvents:   r.events,
		CurrentBehavior: mostCommon(r.behaviors),
	}
}

// AnalyzeTrip runs the full history of a trip with severity scoring.
// injected carries events produced outside the detector, such as speeding
// reports; they are scored with the detected ones.
func (p *Pipeline) AnalyzeTrip(ctx context.Context, samples []models.Sample, injected models.EventSet) models.TripAnalysis {
	sorted := models.SortedCopy(samples)
	r := p.run(ctx, sorted)
	events := r.events.Merge(injected)

	stats := models.TripStatistics{
		SampleCount:          len(sorted),
		EventCount:           events.Count(),
		BehaviorDistribution: distribution(r.behaviors),
	}
	if n := len(sorted); n > 0 {
		stats.TripDurationSeconds = float64(sorted[n-1].Timestamp-sorted[0].Timestamp) / 1000
	}

	return models.TripAnalysis{
		Scores:     ScoreSeverity(events, sorted),
		Events:     events,
		Statistics: stats,
	}
}

// Score scores samples in the given mode without building a full analysis.
func (p *Pipeline) Score(ctx context.Context, mode ScoreMode, samples []models.Sample) models.ScoreSet {
	sorted := models.SortedCopy(samples)
	return Score(mode, p.run(ctx, sorted).events, sorted)
}

func (p *Pipeline) String() string {
	return fmt.Sprintf("pipeline(window=%d overlap=%d)", p.windows.Size, p.windows.Overlap)
}

func mostCommon(labels []string) string {
	if len(labels) == 0 {
		return models.BehaviorUnknown
	}
	counts := make(map[string]int, len(labels))
	var order []string
	for _, l := range labels {
		if counts[l] == 0 {
			order = append(order, l)
		}
		counts[l]++
	}
	best := order[0]
	for _, l := range order[1:] {
		if counts[l] > counts[best] {
			best = l
		}
	}
	return best
}

func distribution(labels []string) map[string]float64 {
	out := make(map[string]float64)
	if len(labels) == 0 {
		return out
	}
	for _, l := range labels {
		out[l]++
	}
	for l := range out {
		out[l] /= float64(len(labels))
	}
	return out
}
