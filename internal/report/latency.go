package report

import (
	"errors"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// ErrEmpty is returned by Summarize for an empty sample.
var ErrEmpty = errors.New("report: no samples")

// Latency summarizes a set of durations.
type Latency struct {
	Count  int
	Mean   time.Duration
	StdDev time.Duration
	Min    time.Duration
	Median time.Duration
	Max    time.Duration
}

// Summarize computes Latency over samples. The standard deviation of a single
// sample is zero.
func Summarize(samples []time.Duration) (Latency, error) {
	if len(samples) == 0 {
		return Latency{}, ErrEmpty
	}
	xs := make([]float64, len(samples))
	for i, d := range samples {
		xs[i] = float64(d)
	}
	sort.Float64s(xs)

	mean, std := stat.MeanStdDev(xs, nil)
	if len(xs) < 2 || math.IsNaN(std) {
		std = 0
	}
	return Latency{
		Count:  len(xs),
		Mean:   time.Duration(mean),
		StdDev: time.Duration(std),
		Min:    time.Duration(xs[0]),
		Median: time.Duration(stat.Quantile(0.5, stat.Empirical, xs, nil)),
		Max:    time.Duration(xs[len(xs)-1]),
	}, nil
}
