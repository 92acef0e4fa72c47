// Package trader executes BUY decisions handed over by the pipeline. Paper
// mode books the fill directly; live mode broadcasts the attached aggregator
// route through the matching signer first. Every buy is immediately re-run
// through the autosell evaluator against the just-paid price, so a fill that
// already sits past a threshold exits in the same breath.
package trader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dextrend/internal/autosell"
	"dextrend/internal/config"
	"dextrend/internal/lifi"
	"dextrend/internal/pnl"
	"dextrend/internal/signer"
	"dextrend/internal/store"
	"dextrend/pkg/types"
)

// PriceSource resolves the pair-exact aggregator price.
type PriceSource interface {
	FetchPairPrice(ctx context.Context, chain, tokenAddress, pairAddress string) (float64, error)
}

// Sink receives executed trades and recompute requests. The hub implements
// it; before the hub attaches every call is a no-op.
type Sink interface {
	OnTrade(trade types.Trade)
	ScheduleRecompute()
}

// Request is one BUY hand-off from the execution stage.
type Request struct {
	Candidate   *types.Candidate
	NotionalUSD float64
	AnalyticsID int64
	Route       *lifi.Route // required in live mode
}

// Result reports what the buy produced: the fill, the opened position, and
// any instant exit the post-buy autosell pass generated.
type Result struct {
	Buy         types.Trade
	Position    types.Position
	InstantSell *types.Trade
}

type Trader struct {
	cfg      config.ExecutionConfig
	live     bool
	store    *store.Store
	prices   PriceSource
	autosell *autosell.Evaluator
	evm      *signer.EVM
	spl      *signer.SPL
	sink     Sink
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg config.ExecutionConfig, live bool, st *store.Store, prices PriceSource,
	evaluator *autosell.Evaluator, evm *signer.EVM, spl *signer.SPL,
	sink Sink, logger *slog.Logger) *Trader {
	return &Trader{
		cfg:      cfg,
		live:     live,
		store:    st,
		prices:   prices,
		autosell: evaluator,
		evm:      evm,
		spl:      spl,
		sink:     sink,
		logger:   logger.With("component", "trader"),
		now:      time.Now,
	}
}

// Buy executes one BUY request end to end.
func (t *Trader) Buy(ctx context.Context, req Request) (*Result, error) {
	cand := req.Candidate
	if cand.Chain == "" || cand.PairAddress == "" {
		return nil, fmt.Errorf("buy %s: chain and pair required", cand.Symbol)
	}

	// Buys never average into an existing position: selection drops tokens
	// with a live position, so a repeat BUY here means a wiring fault
	// upstream. Refuse rather than double the book.
	if open, err := t.store.OpenPositionByToken(cand.Chain, cand.TokenAddress); err != nil {
		return nil, fmt.Errorf("buy %s: position lookup: %w", cand.Symbol, err)
	} else if open != nil {
		return nil, fmt.Errorf("buy %s: position %d already open", cand.Symbol, open.ID)
	}

	price, err := t.prices.FetchPairPrice(ctx, cand.Chain, cand.TokenAddress, cand.PairAddress)
	if err != nil {
		return nil, fmt.Errorf("buy %s: pair price: %w", cand.Symbol, err)
	}
	if price <= 0 {
		return nil, fmt.Errorf("buy %s: no fresh pair price", cand.Symbol)
	}

	// Abort when the scan-time price and the execution-time price diverge
	// past the allowed multiplier, whichever direction.
	if external := types.Deref(cand.PriceUSD, 0); external > 0 {
		ratio := price / external
		if ratio < 1 {
			ratio = 1 / ratio
		}
		if ratio > t.cfg.MaxDeviationMultiplier {
			return nil, fmt.Errorf("buy %s: price deviation %.3fx exceeds %.2fx",
				cand.Symbol, ratio, t.cfg.MaxDeviationMultiplier)
		}
	}

	qty := req.NotionalUSD / price
	tp1, tp2, stop := autosell.Thresholds(t.autosellCfg(), price, autosell.VolProxy(&cand.NormalizedRow))

	status := types.StatusPaper
	txHash := ""
	if t.live {
		if req.Route == nil {
			return nil, fmt.Errorf("buy %s: live mode requires an attached route", cand.Symbol)
		}
		sgn, err := signer.ForRoute(req.Route, t.evm, t.spl)
		if err != nil {
			return nil, fmt.Errorf("buy %s: %w", cand.Symbol, err)
		}
		txHash, err = sgn.SendRaw(ctx, req.Route)
		if err != nil {
			return nil, fmt.Errorf("buy %s: broadcast: %w", cand.Symbol, err)
		}
		status = types.StatusLive
	}

	now := t.now()
	buy := types.Trade{
		Side:         types.BUY,
		Symbol:       cand.Symbol,
		Chain:        cand.Chain,
		TokenAddress: cand.TokenAddress,
		PairAddress:  cand.PairAddress,
		Price:        price,
		Qty:          qty,
		Fee:          req.NotionalUSD * t.cfg.FeePct,
		Status:       status,
		TxHash:       txHash,
		CreatedAt:    now,
	}
	if err := t.store.InsertTrade(&buy); err != nil {
		return nil, fmt.Errorf("buy %s: persist trade: %w", cand.Symbol, err)
	}
	if req.AnalyticsID != 0 {
		if err := t.store.LinkTrade(req.AnalyticsID, buy.ID); err != nil {
			t.logger.Warn("analytics link failed", "trade", buy.ID, "err", err)
		}
	}

	pos := types.Position{
		Symbol:       cand.Symbol,
		Chain:        cand.Chain,
		TokenAddress: cand.TokenAddress,
		PairAddress:  cand.PairAddress,
		Qty:          qty,
		Entry:        price,
		TP1:          tp1,
		TP2:          tp2,
		Stop:         stop,
		Phase:        types.PhaseOpen,
		OpenedAt:     now,
		UpdatedAt:    now,
	}
	if err := t.store.InsertPosition(&pos); err != nil {
		return nil, fmt.Errorf("buy %s: persist position: %w", cand.Symbol, err)
	}

	t.logger.Info("bought",
		"symbol", cand.Symbol, "price", price, "qty", qty,
		"tp1", tp1, "tp2", tp2, "stop", stop, "status", status)
	t.sink.OnTrade(buy)

	result := &Result{Buy: buy, Position: pos}

	// Reconcile immediate-exit cases against the just-paid price.
	if action := t.autosell.Evaluate(&pos, price); action != nil {
		sell, err := t.SettleSell(&pos, action, buy.ID)
		if err != nil {
			t.logger.Error("instant exit persist failed", "symbol", cand.Symbol, "err", err)
		} else {
			result.InstantSell = sell
			result.Position = pos
		}
	}

	t.sink.ScheduleRecompute()
	return result, nil
}

// SettleSell persists an autosell action: fills the sell's FIFO-consistent
// PnL, journals it, updates the position, attaches the outcome to the buy's
// analytics row when the position closed, and emits the trade.
func (t *Trader) SettleSell(pos *types.Position, action *autosell.Action, buyTradeID int64) (*types.Trade, error) {
	sell := action.Trade

	// Buy fees are proportional to notional, so the per-unit buy fee equals
	// entry*feePct and the FIFO per-unit pnl reduces to this closed form.
	perUnit := sell.Price - pos.Entry - pos.Entry*t.cfg.FeePct
	sell.PnL = types.Float(pnl.Round2(perUnit*sell.Qty - sell.Fee))

	if err := t.store.InsertTrade(&sell); err != nil {
		return nil, fmt.Errorf("persist sell: %w", err)
	}
	if err := t.store.UpdatePosition(pos); err != nil {
		return nil, fmt.Errorf("update position: %w", err)
	}

	if pos.Phase == types.PhaseClosed && buyTradeID != 0 {
		closedAt := sell.CreatedAt
		entryNotional := pos.Entry * sell.Qty
		pnlPct := 0.0
		if entryNotional > 0 {
			pnlPct = *sell.PnL / entryNotional * 100
		}
		outcome := types.TradeOutcome{
			TradeID:        buyTradeID,
			ClosedAt:       closedAt,
			HoldingMinutes: closedAt.Sub(pos.OpenedAt).Minutes(),
			PnLPct:         pnlPct,
			PnLUSD:         *sell.PnL,
			WasProfit:      *sell.PnL > 0,
			ExitReason:     action.Reason,
		}
		if err := t.store.AttachOutcome(outcome); err != nil {
			t.logger.Warn("outcome attach failed", "trade", buyTradeID, "err", err)
		}
	}

	t.logger.Info("sold",
		"symbol", sell.Symbol, "reason", action.Reason,
		"price", sell.Price, "qty", sell.Qty, "pnl", *sell.PnL)
	t.sink.OnTrade(sell)
	return &sell, nil
}

// autosellCfg rebuilds the threshold inputs the evaluator was created with.
func (t *Trader) autosellCfg() config.AutosellConfig {
	return t.autosell.Config()
}
