package models

// BehaviorUnknown is the label used whenever no classifier verdict exists.
const BehaviorUnknown = "UNKNOWN"

// FeatureVector is the statistics of one window keyed by feature name, e.g.
// "AccX_mean" or "Acc_mag_std". Timestamp is the window's midpoint sample.
type FeatureVector struct {
	Timestamp int64              `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// Feedback is the human-readable summary of a score set.
type Feedback struct {
	Summary             string   `json:"summary"`
	Strengths           []string `json:"strengths"`
	AreasForImprovement []string `json:"areas_for_improvement"`
	Tips                []string `json:"tips"`
}

// RealtimeResult is produced for every flush of buffered samples.
type RealtimeResult struct {
	CurrentScores   ScoreSet `json:"current_scores"`
	CurrentEvents   EventSet `json:"current_events"`
	CurrentBehavior string   `json:"current_behavior"`
}

// TripStatistics summarises the sample history of a trip.
type TripStatistics struct {
	TripDurationSeconds  float64            `json:"trip_duration"`
	SampleCount          int                `json:"data_points"`
	EventCount           int                `json:"event_count"`
	BehaviorDistribution map[string]float64 `json:"behavior_distribution"`
}

// TripAnalysis is the full-history result computed once a trip completes.
type TripAnalysis struct {
	Scores     ScoreSet       `json:"scores"`
	Events     EventSet       `json:"events"`
	Statistics TripStatistics `json:"statistics"`
}
