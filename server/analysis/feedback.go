package analysis

import (
	"fmt"

	"github.com/san-kum/drive-score/server/models"
)

type summaryBand struct {
	min  float64
	text string
}

// Bands are checked top down; a score equal to a boundary belongs to the
// upper band.
var summaryBands = []summaryBand{
	{90, "Excellent driving! You demonstrated safe and efficient driving behavior."},
	{80, "Very good driving. You showed good control with a few areas for improvement."},
	{70, "Good driving with some areas that need attention."},
	{60, "Average driving with several areas that need improvement."},
}

const summaryNeedsWork = "Your driving needs significant improvement in multiple areas."

const (
	strengthThreshold    = 90.0
	improvementThreshold = 70.0
)

var strengths = map[string]string{
	models.CategoryAcceleration: "Excellent acceleration control - smooth and gradual acceleration patterns.",
	models.CategoryBraking:      "Great braking technique - smooth and controlled braking.",
	models.CategoryCornering:    "Excellent cornering - smooth and controlled turns.",
	models.CategoryPhoneUsage:   "Minimal phone distractions - focused driving.",
	models.CategoryConsistency:  "Very consistent driving style - maintaining steady control.",
}

type advice struct {
	improvement string
	tip         string
}

var improvements = map[string]advice{
	models.CategoryAcceleration: {
		"Work on smoother acceleration - avoid sudden acceleration.",
		"Gradually press the accelerator instead of pushing it down quickly.",
	},
	models.CategoryBraking: {
		"Improve braking technique - avoid harsh braking.",
		"Anticipate stops earlier and brake gradually.",
	},
	models.CategoryCornering: {
		"Improve cornering technique - take turns more smoothly.",
		"Slow down before entering turns and accelerate gently when exiting.",
	},
	models.CategoryPhoneUsage: {
		"Reduce phone distractions while driving.",
		"Put your phone on 'Do Not Disturb' mode or keep it out of reach while driving.",
	},
	models.CategoryConsistency: {
		"Work on maintaining a more consistent driving style.",
		"Try to maintain steady speed and avoid frequent acceleration and braking.",
	},
}

// Speeding has no count sentence.
var eventCountFormats = []struct {
	kind   models.EventKind
	format string
}{
	{models.HarshAcceleration, "Reduce instances of harsh acceleration (detected %d times)."},
	{models.HarshBraking, "Reduce instances of harsh braking (detected %d times)."},
	{models.HarshCornering, "Reduce instances of harsh cornering (detected %d times)."},
	{models.PhoneUsage, "Reduce phone usage while driving (detected %d times)."},
}

// GenerateFeedback turns scores and events into fixed English advice. The
// output is deterministic for a given input.
func GenerateFeedback(scores models.ScoreSet, events models.EventSet) models.Feedback {
	fb := models.Feedback{
		Summary:             summaryNeedsWork,
		Strengths:           []string{},
		AreasForImprovement: []string{},
		Tips:                []string{},
	}

	for _, band := range summaryBands {
		if scores.Overall >= band.min {
			fb.Summary = band.text
			break
		}
	}

	for _, category := range models.Categories {
		if scores.Category(category) >= strengthThreshold {
			fb.Strengths = append(fb.Strengths, strengths[category])
		}
	}

	for _, category := range models.Categories {
		if scores.Category(category) < improvementThreshold {
			a := improvements[category]
			fb.AreasForImprovement = append(fb.AreasForImprovement, a.improvement)
			fb.Tips = append(fb.Tips, a.tip)
		}
	}

	for _, ec := range eventCountFormats {
		if n := len(events.Of(ec.kind)); n > 0 {
			fb.AreasForImprovement = append(fb.AreasForImprovement, fmt.Sprintf(ec.format, n))
		}
	}

	return fb
}
