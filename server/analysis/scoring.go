package analysis

import (
	"math"

	"github.com/san-kum/drive-score/server/models"
)

// ScoreMode selects how events are turned into penalties.
type ScoreMode int

const (
	// ModeFlat charges a fixed penalty per event. Used for realtime feedback.
	ModeFlat ScoreMode = iota
	// ModeSeverity grades every event and charges per grade. Used once a
	// trip completes.
	ModeSeverity
)

func (m ScoreMode) String() string {
	if m == ModeSeverity {
		return "severity"
	}
	return "flat"
}

const (
	baseScore          = 100.0
	defaultConsistency = 50.0

	flatDrivingPenalty = 5.0
	phonePenalty       = 10.0
	speedingPenalty    = 8.0
)

// Weights of the categories that make up the overall score. Speeding is
// reported separately and never weighted.
var scoreWeights = map[string]float64{
	models.CategoryAcceleration: 0.2,
	models.CategoryBraking:      0.2,
	models.CategoryCornering:    0.2,
	models.CategoryPhoneUsage:   0.3,
	models.CategoryConsistency:  0.1,
}

// severityTier is a graded threshold triple. Values are compared signed, so
// braking carries negative limits and is graded downward.
type severityTier struct {
	mild, moderate, severe float64
}

var severityTiers = map[models.EventKind]severityTier{
	models.HarshAcceleration: {0.3, 0.5, 0.7},
	models.HarshBraking:      {-0.3, -0.5, -0.7},
	models.HarshCornering:    {0.3, 0.5, 0.7},
}

var severityPenalties = [...]float64{0, 2, 5, 10}

// severity returns 0 (below mild) through 3 (severe).
func severity(kind models.EventKind, value float64) int {
	tier, ok := severityTiers[kind]
	if !ok {
		return 0
	}
	if kind == models.HarshCornering {
		value = math.Abs(value)
	}
	if kind == models.HarshBraking {
		switch {
		case value <= tier.severe:
			return 3
		case value <= tier.moderate:
			return 2
		case value <= tier.mild:
			return 1
		}
		return 0
	}
	switch {
	case value >= tier.severe:
		return 3
	case value >= tier.moderate:
		return 2
	case value >= tier.mild:
		return 1
	}
	return 0
}

// ScoreFlat scores with a fixed per-event penalty and a consistency decay of 1.
func ScoreFlat(events models.EventSet, samples []models.Sample) models.ScoreSet {
	return Score(ModeFlat, events, samples)
}

// ScoreSeverity grades each event before penalising it and uses a
// consistency decay of 2. Speeding is reported but not weighted.
func ScoreSeverity(events models.EventSet, samples []models.Sample) models.ScoreSet {
	return Score(ModeSeverity, events, samples)
}

// Score computes a ScoreSet in the given mode. Categories are clamped to
// [0,100]; the overall score is derived from the unrounded categories and
// every output is then rounded to one decimal.
func Score(mode ScoreMode, events models.EventSet, samples []models.Sample) models.ScoreSet {
	penalty := func(kind models.EventKind) float64 {
		list := events.Of(kind)
		if mode == ModeFlat {
			return flatDrivingPenalty * float64(len(list))
		}
		total := 0.0
		for _, e := range list {
			total += severityPenalties[severity(kind, e.Value)]
		}
		return total
	}

	decay := 1.0
	if mode == ModeSeverity {
		decay = 2.0
	}

	raw := map[string]float64{
		models.CategoryAcceleration: clamp(baseScore-penalty(models.HarshAcceleration), 0, 100),
		models.CategoryBraking:      clamp(baseScore-penalty(models.HarshBraking), 0, 100),
		models.CategoryCornering:    clamp(baseScore-penalty(models.HarshCornering), 0, 100),
		models.CategoryPhoneUsage:   clamp(baseScore-phonePenalty*float64(len(events.PhoneUsage)), 0, 100),
		models.CategoryConsistency:  consistency(samples, decay),
	}

	var weighted, total float64
	for _, category := range models.Categories {
		w := scoreWeights[category]
		weighted += raw[category] * w
		total += w
	}
	overall := 0.0
	if total > 0 {
		overall = weighted / total
	}

	scores := models.ScoreSet{
		Overall:      round1(clamp(overall, 0, 100)),
		Acceleration: round1(raw[models.CategoryAcceleration]),
		Braking:      round1(raw[models.CategoryBraking]),
		Cornering:    round1(raw[models.CategoryCornering]),
		PhoneUsage:   round1(raw[models.CategoryPhoneUsage]),
		Consistency:  round1(raw[models.CategoryConsistency]),
	}
	if mode == ModeSeverity {
		speeding := round1(clamp(baseScore-speedingPenalty*float64(len(events.Speeding)), 0, 100))
		scores.Speeding = &speeding
	}
	return scores
}

// consistency maps the mean population std of the three acceleration axes
// onto [0,100]. Steadier driving scores higher.
func consistency(samples []models.Sample, decay float64) float64 {
	if len(samples) == 0 {
		return defaultConsistency
	}
	meanStd := (popStd(models.Series(samples, models.ChannelAccX)) +
		popStd(models.Series(samples, models.ChannelAccY)) +
		popStd(models.Series(samples, models.ChannelAccZ))) / 3
	return clamp(baseScore*math.Exp(-decay*meanStd), 0, 100)
}
