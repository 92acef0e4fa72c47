package api

import (
	"context"
	"time"

	"dextrend/internal/pnl"
	"dextrend/pkg/types"
)

// Event is one outbound websocket frame.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Frame types, outbound.
const (
	EventInit      = "init"
	EventTrade     = "trade"
	EventPositions = "positions"
	EventPortfolio = "portfolio"
	EventTrades    = "trades"
	EventAnalytics = "analytics"
	EventPong      = "pong"
	EventError     = "error"
)

// Status describes the engine mode for clients.
type Status struct {
	Mode          string `json:"mode"` // PAPER | LIVE
	TrendInterval string `json:"trend_interval"`
	PriceInterval string `json:"price_interval"`
}

// Portfolio is the portfolio frame payload: the latest snapshot plus the
// realized breakdown and the equity curve.
type Portfolio struct {
	Equity         float64                   `json:"equity"`
	Cash           float64                   `json:"cash"`
	Holdings       float64                   `json:"holdings"`
	Unrealized     float64                   `json:"unrealized"`
	RealizedTotal  float64                   `json:"realized_total"`
	RealizedRecent float64                   `json:"realized_recent"`
	EquityCurve    []types.PortfolioSnapshot `json:"equity_curve"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// InitState is the consistent one-pass state sent on connect and refresh.
type InitState struct {
	Status    Status               `json:"status"`
	Portfolio Portfolio            `json:"portfolio"`
	Positions []types.Position     `json:"positions"`
	Trades    []types.Trade        `json:"trades"`
	Analytics []types.AnalyticsRow `json:"analytics"`
}

// Provider supplies hub state and accepts recompute requests. The engine
// implements it.
type Provider interface {
	InitState() InitState
	Recompute(ctx context.Context)
}

// roundTrade rounds the USD money fields for the wire; token prices keep
// full precision.
func roundTrade(t types.Trade) types.Trade {
	t.Fee = pnl.Round2(t.Fee)
	if t.PnL != nil {
		t.PnL = types.Float(pnl.Round2(*t.PnL))
	}
	return t
}

func roundPortfolio(p Portfolio) Portfolio {
	p.Equity = pnl.Round2(p.Equity)
	p.Cash = pnl.Round2(p.Cash)
	p.Holdings = pnl.Round2(p.Holdings)
	p.Unrealized = pnl.Round2(p.Unrealized)
	p.RealizedTotal = pnl.Round2(p.RealizedTotal)
	p.RealizedRecent = pnl.Round2(p.RealizedRecent)
	for i := range p.EquityCurve {
		p.EquityCurve[i].Equity = pnl.Round2(p.EquityCurve[i].Equity)
		p.EquityCurve[i].Cash = pnl.Round2(p.EquityCurve[i].Cash)
		p.EquityCurve[i].Holdings = pnl.Round2(p.EquityCurve[i].Holdings)
	}
	return p
}
