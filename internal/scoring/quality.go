// Package scoring implements the admission math for trending candidates:
// the absolute quality gate and the cohort-relative statistics score built
// on a robust min-max scaler.
package scoring

import (
	"math"
	"time"

	"dextrend/internal/config"
	"dextrend/pkg/types"
)

// Quality-gate rejection codes, persisted verbatim into analytics reasons.
const (
	ReasonLowLiquidity   = "LOW_LIQUIDITY"
	ReasonLowVolume      = "LOW_VOLUME"
	ReasonAgeOutOfRange  = "AGE_OUT_OF_RANGE"
	ReasonExcessiveMove  = "EXCESSIVE_MOVE"
	ReasonNoIntradayBars = "NO_INTRADAY_BARS"
	ReasonQualityBelow   = "QUALITY_BELOW_MIN"
)

// QualityGate applies the absolute admission checks of a single candidate
// and, when it survives, computes its quality score in [0,100].
type QualityGate struct {
	sel config.SelectionConfig
	q   config.QualityConfig
}

func NewQualityGate(sel config.SelectionConfig, q config.QualityConfig) *QualityGate {
	return &QualityGate{sel: sel, q: q}
}

// Evaluate returns (score, "", true) on admission, or (0, reason, false)
// naming the first failed check.
func (g *QualityGate) Evaluate(row *types.NormalizedRow, now time.Time) (float64, string, bool) {
	if types.Deref(row.LiquidityUSD, 0) < g.sel.LiquidityMin {
		return 0, ReasonLowLiquidity, false
	}
	if types.Deref(row.Volume24h, 0) < g.sel.Volume24hMin {
		return 0, ReasonLowVolume, false
	}

	age := row.AgeHours(now)
	if age < 0 || age < g.q.AgeMinHours || age > g.q.AgeMaxHours {
		return 0, ReasonAgeOutOfRange, false
	}

	caps := []struct {
		v   *float64
		cap float64
	}{
		{row.Change5m, g.q.MaxAbsM5},
		{row.Change1h, g.q.MaxAbsH1},
		{row.Change6h, g.q.MaxAbsH6},
		{row.Change24h, g.q.MaxAbsH24},
	}
	for _, c := range caps {
		if c.v != nil && math.Abs(*c.v) > c.cap {
			return 0, ReasonExcessiveMove, false
		}
	}

	// Without both intraday change windows the chart proxy is unusable.
	if row.Change5m == nil || row.Change1h == nil {
		return 0, ReasonNoIntradayBars, false
	}

	score := g.Score(row)
	if score < g.q.QualityMin {
		return score, ReasonQualityBelow, false
	}
	return score, "", true
}

// Score blends momentum, liquidity depth, and volume saturation into [0,100].
func (g *QualityGate) Score(row *types.NormalizedRow) float64 {
	momentum := MomentumScore(row)

	liq := types.Deref(row.LiquidityUSD, 0)
	liqComponent := math.Min(1, liq/(4*g.sel.LiquidityMin))

	volComponent := 0.4*saturate(row.Volume5m, g.q.Volume5mMin) +
		0.3*saturate(row.Volume1h, g.q.Volume1hMin) +
		0.2*saturate(row.Volume6h, g.q.Volume6hMin) +
		0.1*saturate(row.Volume24h, g.sel.Volume24hMin)

	score := 100 * (0.45*momentum + 0.25*liqComponent + 0.30*volComponent)
	return clamp(score, 0, 100)
}

// MomentumScore is the sigmoid blend of the four change windows, shared by
// the quality gate and the statistics features.
func MomentumScore(row *types.NormalizedRow) float64 {
	return 0.6*sigmoid(types.Deref(row.Change5m, 0)) +
		0.4*sigmoid(types.Deref(row.Change1h, 0)) +
		0.25*sigmoid(types.Deref(row.Change6h, 0)) +
		0.1*sigmoid(types.Deref(row.Change24h, 0))
}

// sigmoid maps a percentage change to (0,1) with a 5-point half-width.
func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x/5))
}

// saturate maps a volume against 4x its floor, capped at 1.
func saturate(v *float64, min float64) float64 {
	if v == nil || min <= 0 {
		return 0
	}
	return math.Min(1, *v/(4*min))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
