package models

// EventKind is the closed set of driving events.
type EventKind string

const (
	HarshAcceleration EventKind = "harsh_acceleration"
	HarshBraking      EventKind = "harsh_braking"
	HarshCornering    EventKind = "harsh_cornering"
	PhoneUsage        EventKind = "phone_usage"
	Speeding          EventKind = "speeding"
)

// EventKinds lists every kind in reporting order.
var EventKinds = []EventKind{HarshAcceleration, HarshBraking, HarshCornering, PhoneUsage, Speeding}

// Valid reports whether k is one of the known kinds.
func (k EventKind) Valid() bool {
	for _, known := range EventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is a single detection. DurationSamples is the window length that
// produced it.
type Event struct {
	Kind            EventKind `json:"kind"`
	Timestamp       int64     `json:"timestamp"`
	Value           float64   `json:"value"`
	DurationSamples int       `json:"duration"`
}

// EventSet groups events by kind. Each list is append-only and keeps
// detection order. Lists are never nil so they encode as [] rather than null.
type EventSet struct {
	HarshAcceleration []Event `json:"harsh_acceleration"`
	HarshBraking      []Event `json:"harsh_braking"`
	HarshCornering    []Event `json:"harsh_cornering"`
	PhoneUsage        []Event `json:"phone_usage"`
	Speeding          []Event `json:"speeding"`
}

// NewEventSet returns an EventSet with empty, non-nil lists.
func NewEventSet() EventSet {
	return EventSet{
		HarshAcceleration: []Event{},
		HarshBraking:      []Event{},
		HarshCornering:    []Event{},
		PhoneUsage:        []Event{},
		Speeding:          []Event{},
	}
}

func (s *EventSet) list(kind EventKind) *[]Event {
	switch kind {
	case HarshAcceleration:
		return &s.HarshAcceleration
	case HarshBraking:
		return &s.HarshBraking
	case HarshCornering:
		return &s.HarshCornering
	case PhoneUsage:
		return &s.PhoneUsage
	case Speeding:
		return &s.Speeding
	}
	return nil
}

// Append adds events to the list of their kind. Events of unknown kind are
// dropped.
func (s *EventSet) Append(events ...Event) {
	for _, e := range events {
		if l := s.list(e.Kind); l != nil {
			*l = append(*l, e)
		}
	}
}

// Of returns the events of one kind.
func (s EventSet) Of(kind EventKind) []Event {
	if l := s.list(kind); l != nil {
		return *l
	}
	return nil
}

// Count returns the total number of events across all kinds.
func (s EventSet) Count() int {
	n := 0
	for _, kind := range EventKinds {
		n += len(s.Of(kind))
	}
	return n
}

// Merge returns a new set holding the events of s followed by those of other.
func (s EventSet) Merge(other EventSet) EventSet {
	out := NewEventSet()
	for _, kind := range EventKinds {
		out.Append(s.Of(kind)...)
		out.Append(other.Of(kind)...)
	}
	return out
}

// Clone returns a deep copy.
func (s EventSet) Clone() EventSet {
	return NewEventSet().Merge(s)
}
