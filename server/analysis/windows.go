package analysis

import (
	"errors"
	"fmt"
	"iter"

	"github.com/san-kum/drive-score/server/models"
)

// ErrInvalidConfig marks configuration errors. They are fatal at startup and
// never produced per request.
var ErrInvalidConfig = errors.New("invalid pipeline configuration")

const (
	DefaultWindowSize = 50
	DefaultOverlap    = 25
)

// WindowConfig controls how a sample sequence is sliced.
type WindowConfig struct {
	Size    int `json:"window_size" yaml:"window_size"`
	Overlap int `json:"overlap" yaml:"overlap"`
}

// DefaultWindowConfig returns the 50/25 windowing used by both processing paths.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{Size: DefaultWindowSize, Overlap: DefaultOverlap}
}

// Validate rejects non-positive values and overlaps that would stall the step.
func (c WindowConfig) Validate() error {
	if c.Size <= 0 || c.Overlap <= 0 {
		return fmt.Errorf("%w: window size (%d) and overlap (%d) must be positive", ErrInvalidConfig, c.Size, c.Overlap)
	}
	if c.Overlap >= c.Size {
		return fmt.Errorf("%w: overlap (%d) must be smaller than window size (%d)", ErrInvalidConfig, c.Overlap, c.Size)
	}
	return nil
}

// Step is the number of samples between the starts of consecutive windows.
func (c WindowConfig) Step() int {
	return c.Size - c.Overlap
}

// Window is a contiguous, full-length slice of samples. Samples aliases the
// caller's slice and must not be modified.
type Window struct {
	Index   int
	Start   int
	Samples []models.Sample
}

// Timestamp is the window's representative time, the sample at len/2.
func (w Window) Timestamp() int64 {
	if len(w.Samples) == 0 {
		return 0
	}
	return w.Samples[len(w.Samples)/2].Timestamp
}

// Len returns the number of samples in the window.
func (w Window) Len() int {
	return len(w.Samples)
}

// Series returns one channel of the window.
func (w Window) Series(channel string) []float64 {
	return models.Series(w.Samples, channel)
}

// Windows slices samples into overlapping windows. The sequence is lazy and
// can be ranged over any number of times. A trailing remainder shorter than
// the window size is never produced.
func Windows(samples []models.Sample, cfg WindowConfig) (iter.Seq[Window], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	step := cfg.Step()
	return func(yield func(Window) bool) {
		index := 0
		for start := 0; start+cfg.Size <= len(samples); start += step {
			w := Window{
				Index:   index,
				Start:   start,
				Samples: samples[start : start+cfg.Size : start+cfg.Size],
			}
			if !yield(w) {
				return
			}
			index++
		}
	}, nil
}

// WindowCount returns how many windows Windows would produce.
func WindowCount(n int, cfg WindowConfig) int {
	if cfg.Validate() != nil || n < cfg.Size {
		return 0
	}
	return (n-cfg.Size)/cfg.Step() + 1
}
