package pipeline

import (
	"context"
	"log/slog"
	"time"

	"dextrend/internal/autosell"
	"dextrend/internal/capture"
	"dextrend/internal/config"
	"dextrend/internal/lifi"
	"dextrend/internal/trader"
	"dextrend/internal/vision"
	"dextrend/pkg/types"
)

// Execution skip codes.
const (
	reasonEntryBelowMin    = "ENTRY_SCORE_BELOW_MIN"
	reasonInsufficientCash = "INSUFFICIENT_CASH"
	reasonBuyFailed        = "BUY_FAILED"
)

// ChartSource captures the pair chart PNG for the AI overlay.
type ChartSource interface {
	Capture(ctx context.Context, req capture.Request) ([]byte, error)
}

// ChartJudge turns a chart PNG into a validated analysis, or absent.
type ChartJudge interface {
	Analyze(ctx context.Context, req vision.Request) (*vision.Analysis, error)
}

// RouteSource attaches a same-chain aggregator route to a live buy.
type RouteSource interface {
	Attach(ctx context.Context, cand *types.Candidate, notionalUSD float64) (*lifi.Route, error)
}

// DecisionLog rewrites an already-persisted decision row. The store
// implements it.
type DecisionLog interface {
	DemoteToSkip(analyticsID int64, reason string) error
}

// execution is the final stage: AI overlay, entry floor, sizing, cash
// floors, analytics, and the trader hand-off.
type execution struct {
	cfg       config.ExecutionConfig
	charts    ChartSource
	judge     ChartJudge
	routes    RouteSource
	buyer     Buyer
	decisions DecisionLog
	logger    *slog.Logger
}

// Execute walks eligible candidates in order and returns the number of
// buys placed. record persists each analytics row as it is produced.
func (e *execution) Execute(ctx context.Context, cands []*types.Candidate, cash float64, now time.Time, record func(*types.AnalyticsRow)) int {
	buys := 0
	for i, c := range cands {
		if buys >= e.cfg.BuysPerRun {
			break
		}

		if i < e.cfg.AITopK {
			e.overlay(ctx, c)
		}
		c.EntryScore = entryScore(c, e.cfg)

		if c.EntryScore < e.cfg.EntryMin {
			record(e.rowOf(c, now, types.DecisionSkip, reasonEntryBelowMin, 0, cash, cash))
			continue
		}

		perOrder := e.sizeOrder(c, cash)
		if cash < perOrder || cash-perOrder < e.cfg.MinFreeCash {
			record(e.rowOf(c, now, types.DecisionSkip, reasonInsufficientCash, perOrder, cash, cash))
			continue
		}

		fee := perOrder * e.cfg.FeePct
		row := e.rowOf(c, now, types.DecisionBuy, "", perOrder, cash, cash-perOrder-fee)
		record(row)

		req := trader.Request{
			Candidate:   c,
			NotionalUSD: perOrder,
			AnalyticsID: row.ID,
		}
		if e.routes != nil {
			route, err := e.routes.Attach(ctx, c, perOrder)
			if err != nil {
				e.logger.Warn("route attach failed", "symbol", c.Symbol, "err", err)
			} else {
				req.Route = route
			}
		}

		if _, err := e.buyer.Buy(ctx, req); err != nil {
			e.logger.Error("buy failed", "symbol", c.Symbol, "err", err)
			// The BUY row went in before the hand-off so the trader could
			// link the fill to it; with no fill it must not survive as a
			// BUY. Cash never moved.
			if derr := e.decisions.DemoteToSkip(row.ID, reasonBuyFailed); derr != nil {
				e.logger.Error("analytics demote failed", "id", row.ID, "err", derr)
			}
			continue
		}
		cash -= perOrder + fee
		buys++
	}
	return buys
}

// overlay runs the budgeted chart capture + vision pass, folding a
// successful analysis into the candidate. Any failure leaves the candidate
// unassisted.
func (e *execution) overlay(ctx context.Context, c *types.Candidate) {
	if e.charts == nil || e.judge == nil {
		return
	}

	interval := capture.IntervalForAge(c.TokenAgeHours)
	png, err := e.charts.Capture(ctx, capture.Request{
		Chain:    c.Chain,
		Pair:     c.PairAddress,
		Interval: interval,
		Tf:       string(interval),
		Lookback: 1,
	})
	if err != nil {
		e.logger.Warn("chart capture failed", "symbol", c.Symbol, "err", err)
		return
	}

	analysis, err := e.judge.Analyze(ctx, vision.Request{
		Symbol:   c.Symbol,
		Chain:    c.Chain,
		Pair:     c.PairAddress,
		Tf:       string(interval),
		Lookback: 1,
		PNG:      png,
	})
	if err != nil {
		e.logger.Warn("vision analysis failed", "symbol", c.Symbol, "err", err)
		return
	}
	if analysis == nil {
		return
	}
	c.AIQualityDelta = types.Float(analysis.QualityScoreDelta)
	c.AIBuyProbability = types.Float(analysis.TP1Probability)
}

// entryScore folds the bounded AI delta into the statistics score.
func entryScore(c *types.Candidate, cfg config.ExecutionConfig) float64 {
	score := c.StatisticsScore
	if c.AIQualityDelta != nil {
		score += clamp(*c.AIQualityDelta*cfg.AIMult, -cfg.AIMaxAbs, cfg.AIMaxAbs)
	}
	return clamp(score, 0, 100)
}

// sizeOrder computes the per-order notional: a cash fraction scaled down
// for high-volatility candidates.
func (e *execution) sizeOrder(c *types.Candidate, cash float64) float64 {
	base := cash * e.cfg.PerBuyFraction
	if base < 1 {
		base = 1
	}
	mult := clamp(e.cfg.TargetPosVol/autosell.VolProxy(&c.NormalizedRow), 0.5, 1.0)
	return base * mult
}

func (e *execution) rowOf(c *types.Candidate, now time.Time, decision types.Decision, reason string, size, before, after float64) *types.AnalyticsRow {
	return &types.AnalyticsRow{
		EvaluatedAt:      now,
		Symbol:           c.Symbol,
		Chain:            c.Chain,
		TokenAddress:     c.TokenAddress,
		PairAddress:      c.PairAddress,
		Decision:         decision,
		Reason:           reason,
		QualityScore:     c.QualityScore,
		StatisticsScore:  c.StatisticsScore,
		EntryScore:       c.EntryScore,
		AIQualityDelta:   c.AIQualityDelta,
		AIBuyProbability: c.AIBuyProbability,
		SizeUSD:          size,
		CashBefore:       before,
		CashAfter:        after,
		RawPayload:       rawPayload(&c.NormalizedRow),
	}
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
