package analysis

import (
	"math"

	"github.com/san-kum/drive-score/server/models"
)

// Thresholds are the detection limits applied to every window. Units follow
// the sensor: m/s² for acceleration, rad/s for rotation.
type Thresholds struct {
	Acceleration float64 `json:"acceleration" yaml:"acceleration"`
	Braking      float64 `json:"braking" yaml:"braking"`
	Cornering    float64 `json:"cornering" yaml:"cornering"`
	PhoneJerkStd float64 `json:"phone_jerk_std" yaml:"phone_jerk_std"`
}

// DefaultThresholds returns the production detection limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Acceleration: 0.5,
		Braking:      -0.5,
		Cornering:    0.4,
		PhoneJerkStd: 0.2,
	}
}

// Detector turns a window into zero or more events. It holds no state
// between windows.
type Detector struct {
	Thresholds Thresholds
}

// NewDetector returns a Detector using the given limits.
func NewDetector(t Thresholds) Detector {
	return Detector{Thresholds: t}
}

// Detect applies every threshold to the window. Speeding is never emitted
// here because it needs road context the samples do not carry.
func (d Detector) Detect(w Window) []models.Event {
	if w.Len() == 0 {
		return nil
	}

	var events []models.Event
	emit := func(kind models.EventKind, value float64) {
		events = append(events, models.Event{
			Kind:            kind,
			Timestamp:       w.Timestamp(),
			Value:           value,
			DurationSamples: w.Len(),
		})
	}

	accX := w.Series(models.ChannelAccX)
	if hi := maxOf(accX); hi > d.Thresholds.Acceleration {
		emit(models.HarshAcceleration, hi)
	}
	if lo := minOf(accX); lo < d.Thresholds.Braking {
		emit(models.HarshBraking, lo)
	}

	gyroZ := w.Series(models.ChannelGyroZ)
	hi, lo := maxOf(gyroZ), minOf(gyroZ)
	if hi > d.Thresholds.Cornering || lo < -d.Thresholds.Cornering {
		value := lo
		if math.Abs(hi) > math.Abs(lo) {
			value = hi
		}
		emit(models.HarshCornering, value)
	}

	jx := popStd(diff(accX))
	jy := popStd(diff(w.Series(models.ChannelAccY)))
	jz := popStd(diff(w.Series(models.ChannelAccZ)))
	limit := d.Thresholds.PhoneJerkStd
	if jx > limit && jy > limit && jz > limit {
		emit(models.PhoneUsage, jx+jy+jz)
	}

	return events
}
