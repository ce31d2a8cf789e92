package analysis

import (
	"strings"
	"testing"

	"github.com/san-kum/drive-score/server/models"
)

func TestFeedbackSummaryBands(t *testing.T) {
	cases := []struct {
		overall float64
		prefix  string
	}{
		{100, "Excellent driving!"},
		{90, "Excellent driving!"},
		{89.9, "Very good driving."},
		{80, "Very good driving."},
		{70, "Good driving with"},
		{60, "Average driving"},
		{59.9, "Your driving needs"},
		{0, "Your driving needs"},
	}
	for _, tc := range cases {
		fb := GenerateFeedback(models.ScoreSet{Overall: tc.overall}, models.NewEventSet())
		if !strings.HasPrefix(fb.Summary, tc.prefix) {
			t.Fatalf("overall %.1f: summary %q does not start with %q", tc.overall, fb.Summary, tc.prefix)
		}
	}
}

func TestFeedbackOrdering(t *testing.T) {
	scores := models.ScoreSet{
		Overall:      72,
		Acceleration: 95,
		Braking:      40,
		Cornering:    90,
		PhoneUsage:   69.9,
		Consistency:  70,
	}
	events := eventsOf(models.HarshBraking, -0.8, -0.9, -1)
	events.Append(eventsOf(models.PhoneUsage, 1).PhoneUsage...)
	events.Append(eventsOf(models.Speeding, 1).Speeding...)

	fb := GenerateFeedback(scores, events)

	wantStrengths := []string{
		"Excellent acceleration control - smooth and gradual acceleration patterns.",
		"Excellent cornering - smooth and controlled turns.",
	}
	wantAreas := []string{
		"Improve braking technique - avoid harsh braking.",
		"Reduce phone distractions while driving.",
		"Reduce instances of harsh braking (detected 3 times).",
		"Reduce phone usage while driving (detected 1 times).",
	}
	wantTips := []string{
		"Anticipate stops earlier and brake gradually.",
		"Put your phone on 'Do Not Disturb' mode or keep it out of reach while driving.",
	}
	assertLines(t, "strengths", fb.Strengths, wantStrengths)
	assertLines(t, "areas", fb.AreasForImprovement, wantAreas)
	assertLines(t, "tips", fb.Tips, wantTips)
}

func TestFeedbackEmptyListsAreNotNil(t *testing.T) {
	fb := GenerateFeedback(models.ScoreSet{Overall: 80, Acceleration: 80, Braking: 80, Cornering: 80, PhoneUsage: 80, Consistency: 80}, models.NewEventSet())
	if fb.Strengths == nil || fb.AreasForImprovement == nil || fb.Tips == nil {
		t.Fatalf("feedback lists must be empty, not nil: %+v", fb)
	}
	if len(fb.Strengths)+len(fb.AreasForImprovement)+len(fb.Tips) != 0 {
		t.Fatalf("expected no advice for mid-band scores, got %+v", fb)
	}
}

func assertLines(t *testing.T, label string, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %d lines %q want %d", label, len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("%s[%d]: got %q want %q", label, i, got[i], want[i])
		}
	}
}
