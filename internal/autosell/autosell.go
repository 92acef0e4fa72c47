// Package autosell implements the per-position exit machine: stop loss,
// full take profit, and a one-shot partial take profit, evaluated in strict
// priority with at most one action per invocation.
package autosell

import (
	"math"
	"time"

	"dextrend/internal/config"
	"dextrend/pkg/types"
)

// Exit reasons recorded on the resulting SELL and in analytics outcomes.
const (
	ReasonStopLoss    = "STOP_LOSS"
	ReasonTakeProfit2 = "TAKE_PROFIT_2"
	ReasonTakeProfit1 = "TAKE_PROFIT_1"
)

// epsQty is the settle threshold: a remainder below this counts as zero.
const epsQty = 1e-9

// Action is one exit produced by an evaluation.
type Action struct {
	Trade  types.Trade
	Reason string
}

// Evaluator applies the SL > TP2 > TP1 machine to positions.
type Evaluator struct {
	cfg    config.AutosellConfig
	feePct float64
	now    func() time.Time
}

func New(cfg config.AutosellConfig, feePct float64) *Evaluator {
	return &Evaluator{cfg: cfg, feePct: feePct, now: time.Now}
}

// Config exposes the threshold configuration so callers can derive entry
// levels with Thresholds.
func (e *Evaluator) Config() config.AutosellConfig { return e.cfg }

// Evaluate checks the position against the last price and performs at most
// one action, mutating the position in place (quantity, phase, thresholds,
// timestamps). It returns nil when nothing fires. CLOSED and STALED
// positions are never touched.
func (e *Evaluator) Evaluate(pos *types.Position, price float64) *Action {
	if pos.Phase == types.PhaseClosed || pos.Phase == types.PhaseStaled {
		return nil
	}
	if pos.Qty <= epsQty || price <= 0 {
		return nil
	}

	switch {
	case pos.Stop > 0 && price <= pos.Stop:
		return e.closeFull(pos, price, ReasonStopLoss)

	case pos.TP2 > 0 && price >= pos.TP2:
		return e.closeFull(pos, price, ReasonTakeProfit2)

	case pos.Phase == types.PhaseOpen && pos.TP1 > 0 && price >= pos.TP1:
		return e.takePartial(pos, price)
	}
	return nil
}

// closeFull sells the entire remaining quantity and disarms the position.
func (e *Evaluator) closeFull(pos *types.Position, price float64, reason string) *Action {
	now := e.now()
	action := &Action{
		Trade:  e.sellTrade(pos, price, pos.Qty, now),
		Reason: reason,
	}

	pos.Qty = 0
	pos.TP1, pos.TP2, pos.Stop = 0, 0, 0
	pos.Phase = types.PhaseClosed
	pos.UpdatedAt = now
	pos.ClosedAt = &now
	return action
}

// takePartial sells the configured fraction at TP1 and moves the position to
// PARTIAL with SL/TP2 still armed. The stop ratchets up so the remainder can
// no longer round-trip to a loss. When the remainder settles to zero the
// position closes outright.
func (e *Evaluator) takePartial(pos *types.Position, price float64) *Action {
	now := e.now()
	sellQty := e.cfg.TP1TakeFraction * pos.Qty
	remainder := pos.Qty - sellQty

	if remainder <= epsQty {
		return e.closeFull(pos, price, ReasonTakeProfit1)
	}

	action := &Action{
		Trade:  e.sellTrade(pos, price, sellQty, now),
		Reason: ReasonTakeProfit1,
	}

	pos.Qty = remainder
	pos.Phase = types.PhasePartial
	pos.Stop = RatchetStop(pos.Stop, pos.Entry, pos.TP1)
	pos.UpdatedAt = now
	return action
}

func (e *Evaluator) sellTrade(pos *types.Position, price, qty float64, at time.Time) types.Trade {
	return types.Trade{
		Side:         types.SELL,
		Symbol:       pos.Symbol,
		Chain:        pos.Chain,
		TokenAddress: pos.TokenAddress,
		PairAddress:  pos.PairAddress,
		Price:        price,
		Qty:          qty,
		Fee:          price * qty * e.feePct,
		Status:       types.StatusPaper,
		CreatedAt:    at,
	}
}

// Thresholds derives the TP1/TP2/stop price levels for a fresh entry from
// the realized-volatility proxy.
func Thresholds(cfg config.AutosellConfig, entry, volProxy float64) (tp1, tp2, stop float64) {
	stopFrac := clamp(1.8*volProxy, cfg.StopFloor, cfg.StopCap)
	tp1Frac := math.Max(cfg.TP1Default, 0.9*stopFrac)
	tp2Frac := math.Max(cfg.TP2Default, 1.8*tp1Frac)

	tp1 = entry * (1 + tp1Frac)
	tp2 = entry * (1 + tp2Frac)
	stop = entry * (1 - stopFrac)
	return tp1, tp2, stop
}

// RatchetStop tightens the stop after TP1: at least entry plus a small
// buffer plus 35% of the entry-to-TP1 run. Never loosens an existing stop.
func RatchetStop(current, entry, tp1 float64) float64 {
	return math.Max(current, entry*1.002+0.35*(tp1-entry))
}

// VolProxy is the realized-volatility estimate used for sizing and
// threshold width: the mean absolute intraday move, clamped to [1%, 30%].
func VolProxy(row *types.NormalizedRow) float64 {
	p5 := math.Abs(types.Deref(row.Change5m, 0)) / 100
	p1 := math.Abs(types.Deref(row.Change1h, 0)) / 100
	return clamp((p5+p1)/2, 0.01, 0.30)
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
