package models

// Score categories that take part in the overall weighting, in feedback order.
const (
	CategoryAcceleration = "acceleration"
	CategoryBraking      = "braking"
	CategoryCornering    = "cornering"
	CategoryPhoneUsage   = "phone_usage"
	CategoryConsistency  = "consistency"
)

// Categories lists the weighted categories in feedback order.
var Categories = []string{
	CategoryAcceleration,
	CategoryBraking,
	CategoryCornering,
	CategoryPhoneUsage,
	CategoryConsistency,
}

// ScoreSet holds category scores in [0,100]. Speeding is only reported by
// severity scoring and never contributes to Overall.
type ScoreSet struct {
	Overall      float64  `json:"overall"`
	Acceleration float64  `json:"acceleration"`
	Braking      float64  `json:"braking"`
	Cornering    float64  `json:"cornering"`
	PhoneUsage   float64  `json:"phone_usage"`
	Consistency  float64  `json:"consistency"`
	Speeding     *float64 `json:"speeding,omitempty"`
}

// Category returns the score of a weighted category.
func (s ScoreSet) Category(name string) float64 {
	switch name {
	case CategoryAcceleration:
		return s.Acceleration
	case CategoryBraking:
		return s.Braking
	case CategoryCornering:
		return s.Cornering
	case CategoryPhoneUsage:
		return s.PhoneUsage
	case CategoryConsistency:
		return s.Consistency
	}
	return 0
}
