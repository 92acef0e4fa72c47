package scoring

import "sort"

// RobustScaler is a min-max scaler anchored at the cohort's 5th and 95th
// percentiles, so a single outlier cannot flatten everyone else's score.
type RobustScaler struct {
	bottom float64
	top    float64
}

// FitRobust fits the scaler to a cohort of raw feature values. A degenerate
// cohort (top <= bottom, e.g. all-equal input) widens the top by one so
// Scale stays defined and maps the constant to 0.
func FitRobust(values []float64) RobustScaler {
	if len(values) == 0 {
		return RobustScaler{bottom: 0, top: 1}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	bottom := percentile(sorted, 0.05)
	top := percentile(sorted, 0.95)
	if top <= bottom {
		top = bottom + 1
	}
	return RobustScaler{bottom: bottom, top: top}
}

// Scale maps v into [0,1] against the fitted percentile band.
func (s RobustScaler) Scale(v float64) float64 {
	return clamp((v-s.bottom)/(s.top-s.bottom), 0, 1)
}

// percentile reads p in [0,1] from an already-sorted slice, linearly
// interpolating between ranks when p lands between two samples.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lo := int(rank)
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
