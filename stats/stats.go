// Package stats has simple running statistics used to summarise training metrics and image data.
package stats

import (
	"fmt"
	"math"
)

// EMA is an exponential moving average.
type EMA float64

// Add returns the updated average for a window of n values. The first value seeds the average.
func (e EMA) Add(val, n float64) float64 {
	if e == 0 {
		return val
	}
	k := 2.0 / (n + 1.0)
	return val*k + float64(e)*(1-k)
}

// Running accumulates the mean and sample standard deviation of a stream of values using
// Welford's method.
type Running struct {
	Count  float64
	Mean   float64
	StdDev float64
	m2     float64
}

func (s *Running) Add(x float64) {
	s.Count++
	delta := x - s.Mean
	s.Mean += delta / s.Count
	s.m2 += delta * (x - s.Mean)
	if s.Count > 1 {
		s.StdDev = math.Sqrt(s.m2 / (s.Count - 1))
	}
}

// AddValues adds each of the values in turn.
func (s *Running) AddValues(vals []float32) {
	for _, v := range vals {
		s.Add(float64(v))
	}
}

// String formats the mean and deviation with a precision that depends on the magnitude of the mean.
func (s *Running) String() string {
	prec := 3
	if math.Abs(s.Mean) > 10 {
		prec = 1
	}
	if s.StdDev < math.Pow(10, -float64(prec)) {
		return fmt.Sprintf("%.*f", prec, s.Mean)
	}
	return fmt.Sprintf("%.*f±%.*f", prec, s.Mean, prec, s.StdDev)
}
