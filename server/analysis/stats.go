package analysis

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Moments use the population (biased) estimators: variance m2, skewness
// m3/m2^1.5 and excess kurtosis m4/m2^2 - 3, where mk is the k-th central
// moment divided by n. A zero-variance series yields 0 for all three.

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(x, nil)
}

// constant reports whether every value is identical. Accumulated rounding in
// the mean would otherwise leave a tiny non-zero variance.
func constant(x []float64) bool {
	return len(x) == 0 || floats.Max(x) == floats.Min(x)
}

func popStd(x []float64) float64 {
	if constant(x) {
		return 0
	}
	return math.Sqrt(stat.Moment(2, x, nil))
}

func skewness(x []float64) float64 {
	if constant(x) {
		return 0
	}
	m2 := stat.Moment(2, x, nil)
	if m2 <= 0 || math.IsNaN(m2) {
		return 0
	}
	return stat.Moment(3, x, nil) / math.Pow(m2, 1.5)
}

func excessKurtosis(x []float64) float64 {
	if constant(x) {
		return 0
	}
	m2 := stat.Moment(2, x, nil)
	if m2 <= 0 || math.IsNaN(m2) {
		return 0
	}
	return stat.Moment(4, x, nil)/(m2*m2) - 3
}

func maxOf(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return floats.Max(x)
}

func minOf(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return floats.Min(x)
}

// median averages the two middle values of an even-length series.
func median(x []float64) float64 {
	n := len(x)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, x)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// zeroCrossings counts sign-bit changes between consecutive values, so a
// move between 0 and a negative value counts while 0 to positive does not.
func zeroCrossings(x []float64) int {
	count := 0
	for i := 1; i < len(x); i++ {
		if math.Signbit(x[i]) != math.Signbit(x[i-1]) {
			count++
		}
	}
	return count
}

// diff returns the first differences of x.
func diff(x []float64) []float64 {
	if len(x) < 2 {
		return nil
	}
	out := make([]float64, len(x)-1)
	for i := 1; i < len(x); i++ {
		out[i-1] = x[i] - x[i-1]
	}
	return out
}

func magnitude(x, y, z []float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = math.Sqrt(x[i]*x[i] + y[i]*y[i] + z[i]*z[i])
	}
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
