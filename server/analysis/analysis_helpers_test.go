package analysis

import "github.com/san-kum/drive-score/server/models"

// flatSamples returns n zero-valued samples 20ms apart starting at t0.
func flatSamples(n int, t0 int64) []models.Sample {
	out := make([]models.Sample, n)
	for i := range out {
		out[i] = models.Sample{Timestamp: t0 + int64(i)*20}
	}
	return out
}

func eventsOf(kind models.EventKind, values ...float64) models.EventSet {
	set := models.NewEventSet()
	for i, v := range values {
		set.Append(models.Event{Kind: kind, Timestamp: int64(i), Value: v, DurationSamples: 50})
	}
	return set
}
