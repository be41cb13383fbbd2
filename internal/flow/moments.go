// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import "math"

// Welford's Algorithm: https://en.wikipedia.org/wiki/Algorithms_for_calculating_variance#Welford's_online_algorithm

// Moments is a running summary of a sample: count, sum, sum of squares,
// extremes and a Welford mean/M2 pair for stable variance.
type Moments struct {
	N     uint64  `json:"n"`
	Sum   float64 `json:"sum"`
	SumSq float64 `json:"sum_sq"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"` // Sum of squares of differences from the current mean
}

// Add folds x into the summary.
func (m *Moments) Add(x float64) {
	if m.N == 0 || x < m.Min {
		m.Min = x
	}
	if m.N == 0 || x > m.Max {
		m.Max = x
	}
	m.N++
	m.Sum += x
	m.SumSq += x * x

	delta := x - m.Mean
	m.Mean += delta / float64(m.N)
	m.M2 += delta * (x - m.Mean)
}

// Merge returns the summary of both samples combined (Chan et al.).
func (m Moments) Merge(o Moments) Moments {
	switch {
	case m.N == 0:
		return o
	case o.N == 0:
		return m
	}

	n := m.N + o.N
	delta := o.Mean - m.Mean
	out := Moments{
		N:     n,
		Sum:   m.Sum + o.Sum,
		SumSq: m.SumSq + o.SumSq,
		Min:   math.Min(m.Min, o.Min),
		Max:   math.Max(m.Max, o.Max),
	}
	out.Mean = m.Mean + delta*float64(o.N)/float64(n)
	out.M2 = m.M2 + o.M2 + delta*delta*float64(m.N)*float64(o.N)/float64(n)
	return out
}

// Variance returns the sample variance, zero below two observations.
func (m Moments) Variance() float64 {
	if m.N < 2 {
		return 0.0
	}
	return m.M2 / float64(m.N-1)
}

// StdDev returns the sample standard deviation.
func (m Moments) StdDev() float64 {
	return math.Sqrt(m.Variance())
}
