// Package engine is the central orchestrator of the trending trader.
//
// It runs two loops against the shared store:
//
//  1. Scanner: every trend interval the selection/gates/execution pipeline
//     runs one full pass over the trending universe.
//  2. Price: every price interval open positions are marked against fresh
//     pair prices and the autosell machine settles whatever fires.
//
// The engine is also the state provider for the API hub: the init frame and
// every recompute come from one consistent pass over the store.
//
// Lifecycle: New() → Run(ctx) → [runs until ctx is done]
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dextrend/internal/api"
	"dextrend/internal/autosell"
	"dextrend/internal/config"
	"dextrend/internal/pnl"
	"dextrend/internal/store"
	"dextrend/pkg/types"
)

const (
	tradeHistoryLimit = 50
	analyticsLimit    = 100
	equityCurveLimit  = 288
)

// PriceSource polls last prices for the open book.
type PriceSource interface {
	FetchPricesByAddresses(ctx context.Context, addresses []string) (map[string]float64, error)
}

// Scanner is one full selection-to-execution pass.
type Scanner interface {
	Run(ctx context.Context) error
}

// Settler persists autosell actions.
type Settler interface {
	SettleSell(pos *types.Position, action *autosell.Action, buyTradeID int64) (*types.Trade, error)
}

// Broadcaster fans bulk-state frames out to websocket clients.
type Broadcaster interface {
	BroadcastPositions(positions []types.Position)
	BroadcastPortfolio(p api.Portfolio)
	BroadcastTrades(trades []types.Trade)
}

// Deps are the wired subsystems the engine drives.
type Deps struct {
	Store    *store.Store
	Prices   PriceSource
	Scanner  Scanner
	Settler  Settler
	Autosell *autosell.Evaluator
	Hub      Broadcaster
	Logger   *slog.Logger
}

type Engine struct {
	cfg      *config.Config
	store    *store.Store
	prices   PriceSource
	scanner  Scanner
	settler  Settler
	autosell *autosell.Evaluator
	hub      Broadcaster
	logger   *slog.Logger
	now      func() time.Time

	// lastPrices carries the freshest mark per token address across ticks
	// so valuations between polls stay current.
	mu         sync.RWMutex
	lastPrices map[string]float64
}

func New(cfg *config.Config, deps Deps) *Engine {
	return &Engine{
		cfg:        cfg,
		store:      deps.Store,
		prices:     deps.Prices,
		scanner:    deps.Scanner,
		settler:    deps.Settler,
		autosell:   deps.Autosell,
		hub:        deps.Hub,
		logger:     deps.Logger.With("component", "engine"),
		now:        time.Now,
		lastPrices: make(map[string]float64),
	}
}

// Run drives both loops until ctx is done. Scan and price failures are
// logged and retried on the next tick; only ctx cancellation ends the run.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.scanLoop(ctx) })
	g.Go(func() error { return e.priceLoop(ctx) })
	return g.Wait()
}

func (e *Engine) scanLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Feeds.TrendInterval)
	defer ticker.Stop()

	e.scanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.scanOnce(ctx)
		}
	}
}

func (e *Engine) scanOnce(ctx context.Context) {
	start := e.now()
	if err := e.scanner.Run(ctx); err != nil {
		e.logger.Error("scan failed", "err", err)
		return
	}
	e.logger.Info("scan complete", "took", e.now().Sub(start))
}

func (e *Engine) priceLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Feeds.PriceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.priceTick(ctx)
		}
	}
}

// priceTick marks every open position against a fresh pair price, settles
// whatever the exit machine fires, and pushes the new state to clients.
func (e *Engine) priceTick(ctx context.Context) {
	positions, err := e.store.OpenPositions()
	if err != nil {
		e.logger.Error("open positions", "err", err)
		return
	}
	if len(positions) > 0 {
		e.markPositions(ctx, positions)
	}
	e.Recompute(ctx)
}

func (e *Engine) markPositions(ctx context.Context, positions []types.Position) {
	addrs := make([]string, 0, len(positions))
	seen := make(map[string]bool, len(positions))
	for i := range positions {
		if a := positions[i].TokenAddress; !seen[a] {
			seen[a] = true
			addrs = append(addrs, a)
		}
	}

	prices, err := e.prices.FetchPricesByAddresses(ctx, addrs)
	if err != nil {
		// Positions carry at entry until the next poll succeeds.
		e.logger.Warn("price poll failed", "addresses", len(addrs), "err", err)
		return
	}
	e.mergePrices(prices)

	for i := range positions {
		pos := &positions[i]
		price, ok := prices[pos.TokenAddress]
		if !ok || price <= 0 {
			continue
		}
		action := e.autosell.Evaluate(pos, price)
		if action == nil {
			continue
		}
		buyID, _, err := e.store.LastBuyTradeID(pos.Chain, pos.TokenAddress, pos.PairAddress)
		if err != nil {
			e.logger.Warn("buy lookup failed", "symbol", pos.Symbol, "err", err)
		}
		if _, err := e.settler.SettleSell(pos, action, buyID); err != nil {
			e.logger.Error("settle failed", "symbol", pos.Symbol, "reason", action.Reason, "err", err)
		}
	}
}

func (e *Engine) mergePrices(prices map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for addr, price := range prices {
		if price > 0 {
			e.lastPrices[addr] = price
		}
	}
}

func (e *Engine) marks() map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]float64, len(e.lastPrices))
	for addr, price := range e.lastPrices {
		out[addr] = price
	}
	return out
}

// Recompute rebuilds portfolio state from the journal, snapshots it, and
// broadcasts the bulk frames. The hub calls it after trades and resets.
func (e *Engine) Recompute(ctx context.Context) {
	positions, err := e.store.OpenPositions()
	if err != nil {
		e.logger.Error("open positions", "err", err)
		return
	}

	portfolio := e.buildPortfolio(positions)

	snap := types.PortfolioSnapshot{
		Equity:    portfolio.Equity,
		Cash:      portfolio.Cash,
		Holdings:  portfolio.Holdings,
		CreatedAt: portfolio.UpdatedAt,
	}
	if err := e.store.InsertSnapshot(&snap); err != nil {
		e.logger.Error("snapshot persist failed", "err", err)
	} else {
		portfolio.EquityCurve = append(portfolio.EquityCurve, snap)
	}

	trades, err := e.store.Trades(tradeHistoryLimit)
	if err != nil {
		e.logger.Error("trade history", "err", err)
	}

	e.hub.BroadcastPositions(positions)
	e.hub.BroadcastPortfolio(portfolio)
	e.hub.BroadcastTrades(trades)
}

// InitState builds the consistent snapshot sent on connect and refresh.
func (e *Engine) InitState() api.InitState {
	positions, err := e.store.OpenPositions()
	if err != nil {
		e.logger.Error("open positions", "err", err)
	}
	trades, err := e.store.Trades(tradeHistoryLimit)
	if err != nil {
		e.logger.Error("trade history", "err", err)
	}
	analytics, err := e.store.RecentAnalytics(analyticsLimit)
	if err != nil {
		e.logger.Error("recent analytics", "err", err)
	}

	return api.InitState{
		Status: api.Status{
			Mode:          e.mode(),
			TrendInterval: e.cfg.Feeds.TrendInterval.String(),
			PriceInterval: e.cfg.Feeds.PriceInterval.String(),
		},
		Portfolio: e.buildPortfolio(positions),
		Positions: positions,
		Trades:    trades,
		Analytics: analytics,
	}
}

func (e *Engine) mode() string {
	if e.cfg.Live {
		return "LIVE"
	}
	return "PAPER"
}

// buildPortfolio replays the full journal for realized state and marks the
// open book for the rest; the equity curve comes from stored snapshots.
func (e *Engine) buildPortfolio(positions []types.Position) api.Portfolio {
	now := e.now()

	journal, err := e.store.Journal()
	if err != nil {
		e.logger.Error("journal read failed", "err", err)
	}
	res := pnl.Replay(journal, e.cfg.StartingCash, now, e.cfg.Autosell.RealizedCutoff)
	val := pnl.Value(positions, e.marks())

	curve, err := e.store.Snapshots(equityCurveLimit)
	if err != nil {
		e.logger.Error("equity curve read failed", "err", err)
	}

	return api.Portfolio{
		Equity:         res.Cash + val.Holdings,
		Cash:           res.Cash,
		Holdings:       val.Holdings,
		Unrealized:     val.Unrealized,
		RealizedTotal:  res.RealizedTotal,
		RealizedRecent: res.RealizedRecent,
		EquityCurve:    curve,
		UpdatedAt:      now,
	}
}
