package scoring

import (
	"dextrend/internal/config"
	"dextrend/pkg/types"
)

// Statistics computes cohort-relative scores: each feature is scaled with a
// robust min-max fit to the whole candidate batch, then combined with the
// configured weights into [0,100]. The score is only meaningful relative to
// the cycle's cohort and is recomputed from scratch every cycle.
type Statistics struct {
	cfg config.StatsConfig
}

func NewStatistics(cfg config.StatsConfig) *Statistics {
	return &Statistics{cfg: cfg}
}

// feature extraction order is fixed; the age feature is inverted after
// scaling so younger tokens score higher.
const (
	featLiquidity = iota
	featVolume
	featAge
	featMomentum
	featOrderFlow
	featCount
)

// ScoreCohort fills StatisticsScore on every candidate in place.
func (s *Statistics) ScoreCohort(cands []*types.Candidate) {
	if len(cands) == 0 {
		return
	}

	raw := make([][]float64, featCount)
	for i := range raw {
		raw[i] = make([]float64, len(cands))
	}
	for i, c := range cands {
		raw[featLiquidity][i] = types.Deref(c.LiquidityUSD, 0)
		raw[featVolume][i] = types.Deref(c.Volume24h, 0)
		raw[featAge][i] = c.TokenAgeHours
		raw[featMomentum][i] = MomentumScore(&c.NormalizedRow)
		raw[featOrderFlow][i] = c.BuyRatio()
	}

	scalers := make([]RobustScaler, featCount)
	for f := range scalers {
		scalers[f] = FitRobust(raw[f])
	}

	weights := []float64{
		s.cfg.WeightLiquidity,
		s.cfg.WeightVolume,
		s.cfg.WeightAge,
		s.cfg.WeightMomentum,
		s.cfg.WeightOrderFlow,
	}
	var weightSum float64
	for _, w := range weights {
		weightSum += w
	}
	if weightSum <= 0 {
		weightSum = 1
	}

	for i, c := range cands {
		var acc float64
		for f := 0; f < featCount; f++ {
			n := scalers[f].Scale(raw[f][i])
			if f == featAge {
				n = 1 - n
			}
			acc += weights[f] * n
		}
		c.StatisticsScore = clamp(100*acc/weightSum, 0, 100)
	}
}
