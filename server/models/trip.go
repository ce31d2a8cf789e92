package models

import "encoding/json"

// TripStatus is the lifecycle state of a trip.
type TripStatus string

const (
	TripActive    TripStatus = "active"
	TripCompleted TripStatus = "completed"
)

// Trip is owned by whichever TripStore holds it. Locations are opaque
// client payloads and are never interpreted.
type Trip struct {
	ID            string          `json:"id"`
	StartTime     int64           `json:"start_time"`
	EndTime       *int64          `json:"end_time"`
	StartLocation json.RawMessage `json:"start_location"`
	EndLocation   json.RawMessage `json:"end_location"`
	Status        TripStatus      `json:"status"`
	Samples       []Sample        `json:"data"`
	Events        EventSet        `json:"events"`
	Scores        *ScoreSet       `json:"scores"`
	Feedback      *Feedback       `json:"feedback"`
	Statistics    *TripStatistics `json:"statistics,omitempty"`
}

// Active reports whether samples may still be appended.
func (t *Trip) Active() bool {
	return t.Status == TripActive
}

// Clone returns a deep copy so callers never share slices with a store.
func (t *Trip) Clone() *Trip {
	if t == nil {
		return nil
	}
	out := *t
	out.Samples = append([]Sample{}, t.Samples...)
	out.Events = t.Events.Clone()
	out.StartLocation = append(json.RawMessage(nil), t.StartLocation...)
	out.EndLocation = append(json.RawMessage(nil), t.EndLocation...)
	if t.EndTime != nil {
		end := *t.EndTime
		out.EndTime = &end
	}
	if t.Scores != nil {
		scores := *t.Scores
		if t.Scores.Speeding != nil {
			sp := *t.Scores.Speeding
			scores.Speeding = &sp
		}
		out.Scores = &scores
	}
	if t.Feedback != nil {
		fb := Feedback{
			Summary:             t.Feedback.Summary,
			Strengths:           append([]string{}, t.Feedback.Strengths...),
			AreasForImprovement: append([]string{}, t.Feedback.AreasForImprovement...),
			Tips:                append([]string{}, t.Feedback.Tips...),
		}
		out.Feedback = &fb
	}
	if t.Statistics != nil {
		st := *t.Statistics
		st.BehaviorDistribution = make(map[string]float64, len(t.Statistics.BehaviorDistribution))
		for k, v := range t.Statistics.BehaviorDistribution {
			st.BehaviorDistribution[k] = v
		}
		out.Statistics = &st
	}
	return &out
}
