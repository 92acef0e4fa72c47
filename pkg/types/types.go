// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — token identities,
// normalized market snapshots, positions, trades, analytics rows, and
// portfolio snapshots. It has no dependencies on internal packages, so it
// can be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// TradeStatus distinguishes simulated fills from on-chain executions.
type TradeStatus string

const (
	StatusPaper TradeStatus = "PAPER"
	StatusLive  TradeStatus = "LIVE"
)

// Phase is the lifecycle state of a position.
//
//	OPEN    — full quantity held, all thresholds armed
//	PARTIAL — TP1 has fired, remainder held with SL/TP2 still armed
//	CLOSED  — quantity reached zero
//	STALED  — no fresh price for an extended period; excluded from autosell
type Phase string

const (
	PhaseOpen    Phase = "OPEN"
	PhasePartial Phase = "PARTIAL"
	PhaseClosed  Phase = "CLOSED"
	PhaseStaled  Phase = "STALED"
)

// Decision is the outcome of one pipeline evaluation for one candidate.
type Decision string

const (
	DecisionBuy  Decision = "BUY"
	DecisionSkip Decision = "SKIP"
)

// ————————————————————————————————————————————————————————————————————————
// Token identity
// ————————————————————————————————————————————————————————————————————————

// TokenKey identifies a token in a specific pool. Positions are keyed by
// TokenAddress but carry PairAddress for pool-aware pricing.
type TokenKey struct {
	Chain        string
	TokenAddress string
	PairAddress  string
	Symbol       string
}

// ————————————————————————————————————————————————————————————————————————
// Market snapshots
// ————————————————————————————————————————————————————————————————————————

// TxnWindow holds the buy/sell transaction counts for one time window.
type TxnWindow struct {
	Buys  int `json:"buys"`
	Sells int `json:"sells"`
}

// Total returns buys + sells.
func (w TxnWindow) Total() int { return w.Buys + w.Sells }

// NormalizedRow is a flattened snapshot of a pair from the aggregator.
// Optional fields are pointers: nil means the feed did not report them.
// Downstream consumers must be null-safe.
type NormalizedRow struct {
	Chain        string `json:"chain"`
	TokenAddress string `json:"token_address"`
	PairAddress  string `json:"pair_address"`
	Symbol       string `json:"symbol"`

	PriceUSD    *float64 `json:"price_usd,omitempty"`
	PriceNative *float64 `json:"price_native,omitempty"`

	Volume5m  *float64 `json:"volume_5m,omitempty"`
	Volume1h  *float64 `json:"volume_1h,omitempty"`
	Volume6h  *float64 `json:"volume_6h,omitempty"`
	Volume24h *float64 `json:"volume_24h,omitempty"`

	LiquidityUSD *float64 `json:"liquidity_usd,omitempty"`

	Change5m  *float64 `json:"change_5m,omitempty"`
	Change1h  *float64 `json:"change_1h,omitempty"`
	Change6h  *float64 `json:"change_6h,omitempty"`
	Change24h *float64 `json:"change_24h,omitempty"`

	Txns5m  *TxnWindow `json:"txns_5m,omitempty"`
	Txns1h  *TxnWindow `json:"txns_1h,omitempty"`
	Txns6h  *TxnWindow `json:"txns_6h,omitempty"`
	Txns24h *TxnWindow `json:"txns_24h,omitempty"`

	// PairCreatedAt is epoch milliseconds; 0 = unknown.
	PairCreatedAt int64 `json:"pair_created_at,omitempty"`

	FDV       *float64 `json:"fdv,omitempty"`
	MarketCap *float64 `json:"market_cap,omitempty"`
}

// Key returns the token identity tuple for this row.
func (r *NormalizedRow) Key() TokenKey {
	return TokenKey{
		Chain:        r.Chain,
		TokenAddress: r.TokenAddress,
		PairAddress:  r.PairAddress,
		Symbol:       r.Symbol,
	}
}

// AgeHours returns the pair age in hours at the given instant, or -1 if the
// creation timestamp is unknown.
func (r *NormalizedRow) AgeHours(now time.Time) float64 {
	if r.PairCreatedAt <= 0 {
		return -1
	}
	created := time.UnixMilli(r.PairCreatedAt)
	if created.After(now) {
		return 0
	}
	return now.Sub(created).Hours()
}

// BuyRatio returns buys/(buys+sells) for the 1h window, falling back to 24h.
// Returns 0.5 when no activity is recorded in either window.
func (r *NormalizedRow) BuyRatio() float64 {
	for _, w := range []*TxnWindow{r.Txns1h, r.Txns24h} {
		if w != nil && w.Total() > 0 {
			return float64(w.Buys) / float64(w.Total())
		}
	}
	return 0.5
}

// Candidate is a NormalizedRow enriched by the pipeline. Candidates are
// created by the selection stage, mutated only inside the pipeline, and
// discarded at the end of the cycle.
type Candidate struct {
	NormalizedRow

	TokenAgeHours   float64 `json:"token_age_hours"`
	QualityScore    float64 `json:"quality_score"`
	StatisticsScore float64 `json:"statistics_score"`
	EntryScore      float64 `json:"entry_score"`

	AIQualityDelta   *float64 `json:"ai_quality_delta,omitempty"`
	AIBuyProbability *float64 `json:"ai_buy_probability,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions and trades
// ————————————————————————————————————————————————————————————————————————

// Position is an open (or historical) holding for one token.
//
// Invariants: Qty >= 0; Phase == CLOSED iff Qty == 0 and ClosedAt is set.
// For an armed OPEN position: TP1 >= Entry, TP2 >= TP1, Stop <= Entry, all
// strictly positive. A threshold value of 0 means disarmed.
type Position struct {
	ID           int64      `json:"id"`
	Symbol       string     `json:"symbol"`
	Chain        string     `json:"chain"`
	TokenAddress string     `json:"token_address"`
	PairAddress  string     `json:"pair_address"`
	Qty          float64    `json:"qty"`
	Entry        float64    `json:"entry"`
	TP1          float64    `json:"tp1"`
	TP2          float64    `json:"tp2"`
	Stop         float64    `json:"stop"`
	Phase        Phase      `json:"phase"`
	OpenedAt     time.Time  `json:"opened_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// Key returns the token identity tuple for this position.
func (p *Position) Key() TokenKey {
	return TokenKey{
		Chain:        p.Chain,
		TokenAddress: p.TokenAddress,
		PairAddress:  p.PairAddress,
		Symbol:       p.Symbol,
	}
}

// Trade is one execution record. Immutable once inserted. PnL is filled
// only on SELL and is consistent with the FIFO engine against the journal.
type Trade struct {
	ID           int64       `json:"id"`
	Side         Side        `json:"side"`
	Symbol       string      `json:"symbol"`
	Chain        string      `json:"chain"`
	TokenAddress string      `json:"token_address"`
	PairAddress  string      `json:"pair_address"`
	Price        float64     `json:"price"`
	Qty          float64     `json:"qty"`
	Fee          float64     `json:"fee"`
	PnL          *float64    `json:"pnl,omitempty"`
	Status       TradeStatus `json:"status"`
	TxHash       string      `json:"tx_hash,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Notional returns Price * Qty.
func (t *Trade) Notional() float64 { return t.Price * t.Qty }

// PortfolioSnapshot is a point-in-time equity record.
// Equity == Cash + Holdings at snapshot time.
type PortfolioSnapshot struct {
	ID        int64     `json:"id"`
	Equity    float64   `json:"equity"`
	Cash      float64   `json:"cash"`
	Holdings  float64   `json:"holdings"`
	CreatedAt time.Time `json:"created_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Analytics
// ————————————————————————————————————————————————————————————————————————

// AnalyticsRow is the audit record for one candidate in one pipeline cycle.
// The outcome fields are attached at most once, after the associated trade
// closes.
type AnalyticsRow struct {
	ID          int64     `json:"id"`
	EvaluatedAt time.Time `json:"evaluated_at"`

	Symbol       string `json:"symbol"`
	Chain        string `json:"chain"`
	TokenAddress string `json:"token_address"`
	PairAddress  string `json:"pair_address"`

	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"` // pipe-joined machine codes on SKIP

	QualityScore     float64  `json:"quality_score"`
	StatisticsScore  float64  `json:"statistics_score"`
	EntryScore       float64  `json:"entry_score"`
	AIQualityDelta   *float64 `json:"ai_quality_delta,omitempty"`
	AIBuyProbability *float64 `json:"ai_buy_probability,omitempty"`

	SizeUSD    float64 `json:"size_usd"`
	CashBefore float64 `json:"cash_before"`
	CashAfter  float64 `json:"cash_after"`

	// RawPayload is the feed snapshot the decision was made on, as JSON.
	RawPayload string `json:"raw_payload,omitempty"`

	// TradeID links a BUY decision to the trade it produced, so a closed
	// trade maps back to exactly one analytics row.
	TradeID *int64 `json:"trade_id,omitempty"`

	HasOutcome     bool       `json:"has_outcome"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	HoldingMinutes *float64   `json:"holding_minutes,omitempty"`
	PnLPct         *float64   `json:"pnl_pct,omitempty"`
	PnLUSD         *float64   `json:"pnl_usd,omitempty"`
	WasProfit      *bool      `json:"was_profit,omitempty"`
	ExitReason     string     `json:"exit_reason,omitempty"`
}

// TradeOutcome is the realized result attached to an analytics row after the
// position for its BUY closes.
type TradeOutcome struct {
	TradeID        int64
	ClosedAt       time.Time
	HoldingMinutes float64
	PnLPct         float64
	PnLUSD         float64
	WasProfit      bool
	ExitReason     string
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

// Float returns a pointer to v. Convenience for optional fields.
func Float(v float64) *float64 { return &v }

// Deref returns *p, or def when p is nil.
func Deref(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
