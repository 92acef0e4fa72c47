// Package pnl implements FIFO lot matching over the trade journal. The
// journal is the source of truth: cash, realized PnL, and per-position cost
// basis are all recomputed by replaying trades in insertion order.
package pnl

import (
	"time"

	"github.com/shopspring/decimal"

	"dextrend/pkg/types"
)

// lot is one unconsumed slice of a BUY.
type lot struct {
	qty           float64
	unitPrice     float64
	buyFeePerUnit float64
}

// Book holds FIFO lots grouped by (chain, token, pair). The pair address is
// part of the key when present; trades without a pair fall back to the token
// alone so pre-pair-discovery fills still match.
type Book struct {
	lots map[string][]lot
}

func NewBook() *Book {
	return &Book{lots: make(map[string][]lot)}
}

func bookKey(chain, token, pair string) string {
	if pair != "" {
		return chain + "|" + token + "|" + pair
	}
	return chain + "|" + token
}

// ApplyBuy appends a lot with the buy fee amortized per unit.
func (b *Book) ApplyBuy(t *types.Trade) {
	if t.Qty <= 0 {
		return
	}
	key := bookKey(t.Chain, t.TokenAddress, t.PairAddress)
	b.lots[key] = append(b.lots[key], lot{
		qty:           t.Qty,
		unitPrice:     t.Price,
		buyFeePerUnit: t.Fee / t.Qty,
	})
}

// ApplySell consumes the oldest lots first and returns the realized PnL of
// this sell, net of the amortized buy fee and this sell's own fee. Quantity
// beyond the recorded lots realizes against a zero-cost basis.
func (b *Book) ApplySell(t *types.Trade) float64 {
	if t.Qty <= 0 {
		return 0
	}
	key := bookKey(t.Chain, t.TokenAddress, t.PairAddress)
	lots := b.lots[key]

	sellFeePerUnit := t.Fee / t.Qty
	remaining := t.Qty
	var realized float64

	for remaining > 0 && len(lots) > 0 {
		l := &lots[0]
		take := min(remaining, l.qty)
		realized += take * (t.Price - l.unitPrice - l.buyFeePerUnit - sellFeePerUnit)
		l.qty -= take
		remaining -= take
		if l.qty <= 1e-12 {
			lots = lots[1:]
		}
	}
	if remaining > 0 {
		realized += remaining * (t.Price - sellFeePerUnit)
	}

	b.lots[key] = lots
	return realized
}

// RemainingQty returns the total unconsumed quantity for a key.
func (b *Book) RemainingQty(chain, token, pair string) float64 {
	var total float64
	for _, l := range b.lots[bookKey(chain, token, pair)] {
		total += l.qty
	}
	return total
}

// Result is the replay outcome for a whole journal.
type Result struct {
	Cash           float64
	RealizedTotal  float64
	RealizedRecent float64

	// PnLBySellID maps each SELL trade id to its FIFO-realized PnL, so
	// persisted trades can be reconciled against the replay.
	PnLBySellID map[int64]float64
}

// Replay runs the full journal through a fresh book. recentCutoff bounds the
// RealizedRecent window; sells older than now-recentCutoff count only toward
// the total.
func Replay(trades []types.Trade, startCash float64, now time.Time, recentCutoff time.Duration) Result {
	book := NewBook()
	res := Result{
		Cash:        startCash,
		PnLBySellID: make(map[int64]float64),
	}
	horizon := now.Add(-recentCutoff)

	for i := range trades {
		t := &trades[i]
		switch t.Side {
		case types.BUY:
			book.ApplyBuy(t)
			res.Cash -= t.Notional() + t.Fee
		case types.SELL:
			pnl := book.ApplySell(t)
			res.Cash += t.Notional() - t.Fee
			res.RealizedTotal += pnl
			if !t.CreatedAt.Before(horizon) {
				res.RealizedRecent += pnl
			}
			res.PnLBySellID[t.ID] = pnl
		}
	}
	return res
}

// Valuation is the mark-to-market of the open book.
type Valuation struct {
	Holdings   float64
	Unrealized float64
}

// Value marks open positions against last prices keyed by token address.
// Positions with no fresh price are carried at entry (zero unrealized).
func Value(positions []types.Position, lastPrices map[string]float64) Valuation {
	var v Valuation
	for i := range positions {
		p := &positions[i]
		if p.Qty <= 0 {
			continue
		}
		price, ok := lastPrices[p.TokenAddress]
		if !ok || price <= 0 {
			price = p.Entry
		}
		v.Holdings += p.Qty * price
		v.Unrealized += p.Qty * (price - p.Entry)
	}
	return v
}

// Round2 rounds a money amount to 2 decimal places for the serialization
// boundary. Internal math stays at full float precision.
func Round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
