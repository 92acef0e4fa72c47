package scoring

import (
	"math"
	"testing"
	"time"

	"dextrend/internal/config"
	"dextrend/pkg/types"
)

func testSelection() config.SelectionConfig {
	return config.SelectionConfig{
		Volume24hMin: 100000,
		LiquidityMin: 50000,
	}
}

func testQuality() config.QualityConfig {
	return config.QualityConfig{
		AgeMinHours: 2,
		AgeMaxHours: 2160,
		MaxAbsM5:    30,
		MaxAbsH1:    80,
		MaxAbsH6:    200,
		MaxAbsH24:   400,
		Volume5mMin: 1000,
		Volume1hMin: 10000,
		Volume6hMin: 40000,
		QualityMin:  55,
	}
}

func healthyRow(now time.Time) *types.NormalizedRow {
	created := now.Add(-48 * time.Hour).UnixMilli()
	return &types.NormalizedRow{
		Chain:         "base",
		TokenAddress:  "0xa",
		PairAddress:   "0xp",
		PriceUSD:      types.Float(1.0),
		LiquidityUSD:  types.Float(400000),
		Volume5m:      types.Float(20000),
		Volume1h:      types.Float(80000),
		Volume6h:      types.Float(300000),
		Volume24h:     types.Float(900000),
		Change5m:      types.Float(4),
		Change1h:      types.Float(9),
		Change6h:      types.Float(15),
		Change24h:     types.Float(30),
		Txns1h:        &types.TxnWindow{Buys: 120, Sells: 60},
		PairCreatedAt: created,
	}
}

func TestQualityGateRejections(t *testing.T) {
	t.Parallel()
	now := time.Now()

	tests := []struct {
		name   string
		mutate func(*types.NormalizedRow)
		reason string
	}{
		{"low liquidity", func(r *types.NormalizedRow) { r.LiquidityUSD = types.Float(10) }, ReasonLowLiquidity},
		{"low volume", func(r *types.NormalizedRow) { r.Volume24h = types.Float(10) }, ReasonLowVolume},
		{"too young", func(r *types.NormalizedRow) { r.PairCreatedAt = now.Add(-30 * time.Minute).UnixMilli() }, ReasonAgeOutOfRange},
		{"unknown age", func(r *types.NormalizedRow) { r.PairCreatedAt = 0 }, ReasonAgeOutOfRange},
		{"spiked 5m", func(r *types.NormalizedRow) { r.Change5m = types.Float(45) }, ReasonExcessiveMove},
		{"crashed 24h", func(r *types.NormalizedRow) { r.Change24h = types.Float(-500) }, ReasonExcessiveMove},
		{"missing intraday", func(r *types.NormalizedRow) { r.Change5m = nil }, ReasonNoIntradayBars},
	}

	g := NewQualityGate(testSelection(), testQuality())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := healthyRow(now)
			tt.mutate(row)
			_, reason, ok := g.Evaluate(row, now)
			if ok {
				t.Fatal("expected rejection")
			}
			if reason != tt.reason {
				t.Errorf("reason = %q, want %q", reason, tt.reason)
			}
		})
	}
}

func TestQualityGateAdmitsHealthyRow(t *testing.T) {
	t.Parallel()
	now := time.Now()
	g := NewQualityGate(testSelection(), testQuality())

	score, reason, ok := g.Evaluate(healthyRow(now), now)
	if !ok {
		t.Fatalf("healthy row rejected: %s", reason)
	}
	if score < 55 || score > 100 {
		t.Errorf("score = %v, want within [55,100]", score)
	}
}

func TestQualityScoreBounds(t *testing.T) {
	t.Parallel()
	g := NewQualityGate(testSelection(), testQuality())

	// Saturated everything should push toward but never exceed 100.
	row := healthyRow(time.Now())
	row.LiquidityUSD = types.Float(1e9)
	row.Volume5m = types.Float(1e9)
	row.Volume1h = types.Float(1e9)
	row.Volume6h = types.Float(1e9)
	row.Volume24h = types.Float(1e9)
	row.Change5m = types.Float(29)
	row.Change1h = types.Float(79)

	s := g.Score(row)
	if s <= 80 || s > 100 {
		t.Errorf("saturated score = %v, want (80,100]", s)
	}
}

func TestSigmoid(t *testing.T) {
	t.Parallel()
	if got := sigmoid(0); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("sigmoid(0) = %v, want 0.5", got)
	}
	if sigmoid(50) < 0.99 {
		t.Error("sigmoid(50) should be near 1")
	}
	if sigmoid(-50) > 0.01 {
		t.Error("sigmoid(-50) should be near 0")
	}
}

func TestRobustScalerBounds(t *testing.T) {
	t.Parallel()
	values := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	s := FitRobust(values)

	for _, v := range []float64{-1000, 0, 55, 1000} {
		got := s.Scale(v)
		if got < 0 || got > 1 {
			t.Errorf("Scale(%v) = %v, out of [0,1]", v, got)
		}
	}
	if s.Scale(-1000) != 0 {
		t.Error("far-below input should clamp to 0")
	}
	if s.Scale(1000) != 1 {
		t.Error("far-above input should clamp to 1")
	}
}

func TestRobustScalerConstantCohort(t *testing.T) {
	t.Parallel()
	s := FitRobust([]float64{7, 7, 7, 7})
	if got := s.Scale(7); got != 0 {
		t.Errorf("constant cohort should scale to 0, got %v", got)
	}
	// The widened band keeps Scale monotone above the constant.
	if got := s.Scale(8); got != 1 {
		t.Errorf("Scale(bottom+1) = %v, want 1", got)
	}
}

func TestRobustScalerOutlierResistance(t *testing.T) {
	t.Parallel()
	cohort := make([]float64, 100)
	for i := range cohort {
		cohort[i] = float64(i)
	}
	cohort[99] = 1e12 // single wild outlier

	s := FitRobust(cohort)
	// The bulk of the cohort must still spread across the band instead of
	// collapsing near zero.
	if got := s.Scale(50); got < 0.3 {
		t.Errorf("Scale(median) = %v, outlier flattened the cohort", got)
	}
}

func TestPercentileInterpolation(t *testing.T) {
	t.Parallel()
	sorted := []float64{0, 10}
	if got := percentile(sorted, 0.5); got != 5 {
		t.Errorf("percentile(0.5) = %v, want 5", got)
	}
	if got := percentile(sorted, 0.95); got != 9.5 {
		t.Errorf("percentile(0.95) = %v, want 9.5", got)
	}
	if got := percentile([]float64{42}, 0.05); got != 42 {
		t.Errorf("single-sample percentile = %v, want 42", got)
	}
}

func TestStatisticsScoreCohort(t *testing.T) {
	t.Parallel()
	now := time.Now()
	cfg := config.StatsConfig{
		WeightLiquidity: 0.20,
		WeightVolume:    0.25,
		WeightAge:       0.10,
		WeightMomentum:  0.25,
		WeightOrderFlow: 0.20,
	}

	mk := func(liq, vol, chg float64, ageHours float64) *types.Candidate {
		row := healthyRow(now)
		row.LiquidityUSD = types.Float(liq)
		row.Volume24h = types.Float(vol)
		row.Change5m = types.Float(chg)
		row.Change1h = types.Float(chg)
		return &types.Candidate{NormalizedRow: *row, TokenAgeHours: ageHours}
	}

	strong := mk(900000, 2e6, 12, 10)
	weak := mk(60000, 120000, -8, 2000)
	mid := mk(300000, 600000, 2, 300)
	cohort := []*types.Candidate{weak, strong, mid}

	NewStatistics(cfg).ScoreCohort(cohort)

	for _, c := range cohort {
		if c.StatisticsScore < 0 || c.StatisticsScore > 100 {
			t.Errorf("score %v out of [0,100]", c.StatisticsScore)
		}
	}
	if !(strong.StatisticsScore > mid.StatisticsScore && mid.StatisticsScore > weak.StatisticsScore) {
		t.Errorf("ordering wrong: strong=%v mid=%v weak=%v",
			strong.StatisticsScore, mid.StatisticsScore, weak.StatisticsScore)
	}
}

func TestStatisticsEmptyCohort(t *testing.T) {
	t.Parallel()
	NewStatistics(config.StatsConfig{}).ScoreCohort(nil) // must not panic
}
