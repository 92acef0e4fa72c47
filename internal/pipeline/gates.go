package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"dextrend/internal/config"
	"dextrend/internal/guard"
	"dextrend/internal/scoring"
	"dextrend/pkg/types"
)

// Gate skip codes. Contradiction and anti-chase codes carry a namespace
// prefix so a pipe-joined reason stays parseable.
const (
	reasonStatBelowMin   = "STAT_BELOW_MIN"
	reasonCooldown       = "COOLDOWN"
	reasonNoFreshPrice   = "NO_FRESH_PRICE"
	reasonPriceDeviation = "PRICE_DEVIATION"

	contradFDVLtMcap       = "CONTRAD:FDV_LT_MARKETCAP"
	contradLiqGtMcap       = "CONTRAD:LIQUIDITY_GT_MARKETCAP"
	contradVolumeTxns      = "CONTRAD:VOLUME_TXNS_CONFLICT"
	contradTxnsNonMonotone = "CONTRAD:TXNS_NON_MONOTONIC"

	antichaseLowLiquidity = "ANTICHASE:LOW_LIQUIDITY"
	antichaseOverextended = "ANTICHASE:OVEREXTENDED_SPIKE"
	antichaseWeakBuyFlow  = "ANTICHASE:WEAK_BUY_FLOW"
)

type cooldownStore interface {
	LastBuyAt(chain, tokenAddress string) (time.Time, bool, error)
}

// gates runs the middle stage: single-snapshot contradictions, the
// cohort-relative statistics floor, then the per-candidate risk and price
// checks in statistics-score-descending order.
type gates struct {
	stats    *scoring.Statistics
	statMin  float64
	selCfg   config.SelectionConfig
	quality  config.QualityConfig
	exec     config.ExecutionConfig
	guard    *guard.Guard
	cooldown cooldownStore
	logger   *slog.Logger
}

func (g *gates) Apply(ctx context.Context, cands []*types.Candidate, prices map[string]float64, now time.Time) ([]*types.Candidate, []skip) {
	var skips []skip

	cohort := cands[:0]
	for _, c := range cands {
		if codes := contradictions(&c.NormalizedRow); len(codes) > 0 {
			skips = append(skips, skip{row: &c.NormalizedRow, reason: strings.Join(codes, "|"), quality: c.QualityScore})
			continue
		}
		cohort = append(cohort, c)
	}
	if len(cohort) == 0 {
		return nil, skips
	}

	g.stats.ScoreCohort(cohort)

	scored := cohort[:0]
	for _, c := range cohort {
		if c.StatisticsScore < g.statMin {
			skips = append(skips, g.skipOf(c, reasonStatBelowMin))
			continue
		}
		scored = append(scored, c)
	}

	// Descending statistics score, insertion order breaking ties.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].StatisticsScore > scored[j].StatisticsScore
	})

	var eligible []*types.Candidate
	for _, c := range scored {
		if reason, ok := g.admit(c, prices, now); !ok {
			skips = append(skips, g.skipOf(c, reason))
			continue
		}
		eligible = append(eligible, c)
	}
	return eligible, skips
}

// admit runs the per-candidate risk and price checks. The first failure
// names the skip.
func (g *gates) admit(c *types.Candidate, prices map[string]float64, now time.Time) (string, bool) {
	last, found, err := g.cooldown.LastBuyAt(c.Chain, c.TokenAddress)
	if err != nil {
		g.logger.Warn("cooldown lookup failed", "symbol", c.Symbol, "err", err)
	} else if found && now.Sub(last) < g.exec.RebuyCooldown {
		return reasonCooldown, false
	}

	if reason, ok := g.antiChase(&c.NormalizedRow); !ok {
		return reason, false
	}

	if verdict, reason := g.guard.Observe(&c.NormalizedRow); verdict != guard.OK {
		return "GUARD:" + reason, false
	}

	fresh, ok := prices[c.TokenAddress]
	if !ok || fresh <= 0 {
		return reasonNoFreshPrice, false
	}
	if quoted := types.Deref(c.PriceUSD, 0); quoted > 0 {
		ratio := fresh / quoted
		if ratio < 1 {
			ratio = 1 / ratio
		}
		if ratio > g.exec.MaxDeviationMultiplier {
			return reasonPriceDeviation, false
		}
	}
	return "", true
}

// antiChase rejects entries that look like chasing a spike.
func (g *gates) antiChase(row *types.NormalizedRow) (string, bool) {
	if types.Deref(row.LiquidityUSD, 0) < g.selCfg.LiquidityMin {
		return antichaseLowLiquidity, false
	}

	p5 := types.Deref(row.Change5m, 0)
	p1 := types.Deref(row.Change1h, 0)
	if abs(p5) > g.quality.MaxAbsM5 && p1 > 0.7*g.quality.MaxAbsH1 {
		return antichaseOverextended, false
	}
	if row.BuyRatio() < 0.48 && p5 > 6 {
		return antichaseWeakBuyFlow, false
	}
	return "", true
}

func (g *gates) skipOf(c *types.Candidate, reason string) skip {
	return skip{row: &c.NormalizedRow, reason: reason, quality: c.QualityScore, stat: c.StatisticsScore}
}

// contradictions runs the single-snapshot sanity checks and returns every
// failed code.
func contradictions(row *types.NormalizedRow) []string {
	var codes []string

	fdv := types.Deref(row.FDV, 0)
	mcap := types.Deref(row.MarketCap, 0)
	if fdv > 0 && mcap > 0 && mcap > 1.05*fdv {
		codes = append(codes, contradFDVLtMcap)
	}
	if mcap > 0 && types.Deref(row.LiquidityUSD, 0) > mcap {
		codes = append(codes, contradLiqGtMcap)
	}

	if row.Txns24h != nil && row.Volume24h != nil {
		vol, txns := *row.Volume24h, row.Txns24h.Total()
		if (vol > 0 && txns == 0) || (vol == 0 && txns > 0) {
			codes = append(codes, contradVolumeTxns)
		}
	}

	if !txnsMonotone(row) {
		codes = append(codes, contradTxnsNonMonotone)
	}
	return codes
}

// txnsMonotone checks that present cumulative txn counts never decrease
// across the (5m, 1h, 6h, 24h) windows.
func txnsMonotone(row *types.NormalizedRow) bool {
	prev := -1
	for _, w := range []*types.TxnWindow{row.Txns5m, row.Txns1h, row.Txns6h, row.Txns24h} {
		if w == nil {
			continue
		}
		total := w.Total()
		if prev >= 0 && total < prev {
			return false
		}
		prev = total
	}
	return true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
