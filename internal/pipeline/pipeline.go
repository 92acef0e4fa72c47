// Package pipeline runs the trending evaluation cycle: selection filters
// the raw universe down to scoreable candidates, gates drop the unsound
// ones, and execution sizes and hands off the survivors. Stages share one
// cycle context and no cross-cycle state; every drop past selection leaves
// an analytics SKIP row with a machine-readable reason.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"dextrend/internal/config"
	"dextrend/internal/guard"
	"dextrend/internal/pnl"
	"dextrend/internal/scoring"
	"dextrend/internal/store"
	"dextrend/internal/trader"
	"dextrend/pkg/types"
)

// Market is the aggregator read surface the pipeline consumes.
type Market interface {
	FetchTrendingCandidates(ctx context.Context, pageSize int) ([]types.NormalizedRow, error)
	FetchPricesByAddresses(ctx context.Context, addresses []string) (map[string]float64, error)
}

// Buyer executes the final BUY hand-off.
type Buyer interface {
	Buy(ctx context.Context, req trader.Request) (*trader.Result, error)
}

// Events receives analytics rows as they are persisted. The hub implements
// it; a nil Events drops them silently.
type Events interface {
	OnAnalytics(row types.AnalyticsRow)
}

// Deps wires the pipeline's collaborators. Charts, Judge, Routes, and
// Events are optional.
type Deps struct {
	Market Market
	Store  *store.Store
	Guard  *guard.Guard
	Buyer  Buyer
	Charts ChartSource
	Judge  ChartJudge
	Routes RouteSource
	Events Events
	Logger *slog.Logger
}

// Pipeline is the three-stage cycle runner.
type Pipeline struct {
	cfg    *config.Config
	deps   Deps
	sel    *selection
	gates  *gates
	exec   *execution
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg *config.Config, deps Deps) *Pipeline {
	logger := deps.Logger.With("component", "pipeline")
	p := &Pipeline{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}
	p.sel = &selection{
		cfg:     cfg.Selection,
		quality: scoring.NewQualityGate(cfg.Selection, cfg.Quality),
	}
	p.gates = &gates{
		stats:    scoring.NewStatistics(cfg.Stats),
		statMin:  cfg.Stats.StatMin,
		selCfg:   cfg.Selection,
		quality:  cfg.Quality,
		exec:     cfg.Execution,
		guard:    deps.Guard,
		cooldown: deps.Store,
		logger:   logger,
	}
	p.exec = &execution{
		cfg:       cfg.Execution,
		charts:    deps.Charts,
		judge:     deps.Judge,
		routes:    deps.Routes,
		buyer:     deps.Buyer,
		decisions: deps.Store,
		logger:    logger,
	}
	return p
}

// Run executes one full cycle. Feed failures abort the cycle with an error;
// everything downstream degrades per candidate.
func (p *Pipeline) Run(ctx context.Context) error {
	now := p.now()

	rows, err := p.deps.Market.FetchTrendingCandidates(ctx, p.cfg.Feeds.PageSize)
	if err != nil {
		return fmt.Errorf("pipeline: fetch universe: %w", err)
	}

	open, err := p.deps.Store.OpenPositions()
	if err != nil {
		return fmt.Errorf("pipeline: open positions: %w", err)
	}

	cands, selSkips := p.sel.Select(rows, open, now)
	for _, s := range selSkips {
		p.recordSkip(s, now)
	}
	p.logger.Info("selection done", "universe", len(rows), "kept", len(cands), "skipped", len(selSkips))
	if len(cands) == 0 {
		return nil
	}

	prices := p.fetchPrices(ctx, cands)

	eligible, gateSkips := p.gates.Apply(ctx, cands, prices, now)
	for _, s := range gateSkips {
		p.recordSkip(s, now)
	}
	p.logger.Info("gates done", "eligible", len(eligible), "skipped", len(gateSkips))
	if len(eligible) == 0 {
		return nil
	}

	cash, err := p.freeCash(now)
	if err != nil {
		return fmt.Errorf("pipeline: cash projection: %w", err)
	}

	bought := p.exec.Execute(ctx, eligible, cash, now, p.recordRow)
	p.logger.Info("execution done", "buys", bought, "cash", pnl.Round2(cash))
	return nil
}

// fetchPrices builds the shared best-price map for the gates stage. A feed
// failure degrades to an empty map; every candidate then skips on
// NO_FRESH_PRICE rather than the cycle dying.
func (p *Pipeline) fetchPrices(ctx context.Context, cands []*types.Candidate) map[string]float64 {
	addrs := make([]string, 0, len(cands))
	for _, c := range cands {
		addrs = append(addrs, c.TokenAddress)
	}
	prices, err := p.deps.Market.FetchPricesByAddresses(ctx, addrs)
	if err != nil {
		p.logger.Warn("price map fetch failed", "err", err)
		return map[string]float64{}
	}
	return prices
}

// freeCash replays the whole trade journal into the current cash balance.
func (p *Pipeline) freeCash(now time.Time) (float64, error) {
	journal, err := p.deps.Store.Journal()
	if err != nil {
		return 0, err
	}
	res := pnl.Replay(journal, p.cfg.StartingCash, now, p.cfg.Autosell.RealizedCutoff)
	return res.Cash, nil
}

// skip is one dropped candidate awaiting its analytics row.
type skip struct {
	row     *types.NormalizedRow
	reason  string
	quality float64
	stat    float64
}

func (p *Pipeline) recordSkip(s skip, now time.Time) {
	row := types.AnalyticsRow{
		EvaluatedAt:     now,
		Symbol:          s.row.Symbol,
		Chain:           s.row.Chain,
		TokenAddress:    s.row.TokenAddress,
		PairAddress:     s.row.PairAddress,
		Decision:        types.DecisionSkip,
		Reason:          s.reason,
		QualityScore:    s.quality,
		StatisticsScore: s.stat,
		RawPayload:      rawPayload(s.row),
	}
	p.recordRow(&row)
}

// recordRow persists one analytics row and emits it to the event sink.
// Persistence failures are logged; the cycle continues.
func (p *Pipeline) recordRow(row *types.AnalyticsRow) {
	if err := p.deps.Store.InsertAnalytics(row); err != nil {
		p.logger.Error("analytics insert failed", "symbol", row.Symbol, "err", err)
		return
	}
	if p.deps.Events != nil {
		p.deps.Events.OnAnalytics(*row)
	}
}

func rawPayload(row *types.NormalizedRow) string {
	b, err := json.Marshal(row)
	if err != nil {
		return ""
	}
	return string(b)
}
