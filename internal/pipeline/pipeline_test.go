package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dextrend/internal/capture"
	"dextrend/internal/config"
	"dextrend/internal/guard"
	"dextrend/internal/lifi"
	"dextrend/internal/store"
	"dextrend/internal/trader"
	"dextrend/internal/vision"
	"dextrend/pkg/types"
)

type fakeMarket struct {
	rows   []types.NormalizedRow
	prices map[string]float64
}

func (f *fakeMarket) FetchTrendingCandidates(ctx context.Context, pageSize int) ([]types.NormalizedRow, error) {
	return f.rows, nil
}

func (f *fakeMarket) FetchPricesByAddresses(ctx context.Context, addrs []string) (map[string]float64, error) {
	return f.prices, nil
}

type fakeBuyer struct {
	reqs []trader.Request
	err  error
}

func (f *fakeBuyer) Buy(ctx context.Context, req trader.Request) (*trader.Result, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &trader.Result{}, nil
}

type fakeCharts struct{ calls int }

func (f *fakeCharts) Capture(ctx context.Context, req capture.Request) ([]byte, error) {
	f.calls++
	return []byte("png"), nil
}

type fakeJudge struct {
	calls    int
	analysis *vision.Analysis
}

func (f *fakeJudge) Analyze(ctx context.Context, req vision.Request) (*vision.Analysis, error) {
	f.calls++
	return f.analysis, nil
}

func testConfig() *config.Config {
	return &config.Config{
		StartingCash: 10000,
		Feeds:        config.FeedsConfig{PageSize: 40},
		Selection: config.SelectionConfig{
			Interval:     "1h",
			Volume24hMin: 100000,
			LiquidityMin: 50000,
			Momentum5m:   2,
			Momentum1h:   5,
			Momentum24h:  10,
			MaxResults:   25,
			SoftMin:      0,
			OrderKey:     "vol24h",
		},
		Quality: config.QualityConfig{
			AgeMinHours: 2,
			AgeMaxHours: 2160,
			MaxAbsM5:    30,
			MaxAbsH1:    80,
			MaxAbsH6:    200,
			MaxAbsH24:   400,
			Volume5mMin: 2000,
			Volume1hMin: 10000,
			Volume6hMin: 40000,
			QualityMin:  55,
		},
		Stats: config.StatsConfig{
			WeightLiquidity: 0.20,
			WeightVolume:    0.25,
			WeightAge:       0.10,
			WeightMomentum:  0.25,
			WeightOrderFlow: 0.20,
			StatMin:         5,
		},
		Execution: config.ExecutionConfig{
			BuysPerRun:             2,
			EntryMin:               5,
			PerBuyFraction:         0.05,
			MinFreeCash:            50,
			TargetPosVol:           0.04,
			FeePct:                 0.003,
			RebuyCooldown:          45 * time.Minute,
			MaxDeviationMultiplier: 1.5,
			AITopK:                 1,
			AIMult:                 1.5,
			AIMaxAbs:               12,
		},
		Autosell: config.AutosellConfig{RealizedCutoff: 24 * time.Hour},
		Guard:    config.GuardConfig{JumpFactor: 5, AltCycles: 3, Horizon: 30 * time.Minute, Depth: 16},
	}
}

var testBase = time.Unix(1_700_000_000, 0).UTC()

// healthyRow passes every selection and quality check at testBase.
func healthyRow(symbol, addr string, vol24 float64) types.NormalizedRow {
	ageMs := testBase.Add(-12 * time.Hour).UnixMilli()
	return types.NormalizedRow{
		Symbol:        symbol,
		Chain:         "base",
		TokenAddress:  addr,
		PairAddress:   "0xpair-" + addr,
		PriceUSD:      types.Float(1.0),
		PriceNative:   types.Float(0.0004),
		Volume5m:      types.Float(20000),
		Volume1h:      types.Float(80000),
		Volume6h:      types.Float(200000),
		Volume24h:     types.Float(vol24),
		LiquidityUSD:  types.Float(200000),
		Change5m:      types.Float(6),
		Change1h:      types.Float(6),
		Change6h:      types.Float(10),
		Change24h:     types.Float(20),
		Txns1h:        &types.TxnWindow{Buys: 80, Sells: 20},
		Txns24h:       &types.TxnWindow{Buys: 800, Sells: 200},
		PairCreatedAt: ageMs,
		FDV:           types.Float(1_000_000),
		MarketCap:     types.Float(900_000),
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.Open(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPipeline(t *testing.T, cfg *config.Config, market *fakeMarket, deps Deps) (*Pipeline, *store.Store, *fakeBuyer) {
	t.Helper()
	st := newTestStore(t)
	buyer := &fakeBuyer{}
	deps.Market = market
	deps.Store = st
	deps.Guard = guard.New(cfg.Guard)
	deps.Buyer = buyer
	deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(cfg, deps)
	p.now = func() time.Time { return testBase }
	return p, st, buyer
}

func pricesFor(rows ...types.NormalizedRow) map[string]float64 {
	m := make(map[string]float64, len(rows))
	for _, r := range rows {
		m[r.TokenAddress] = types.Deref(r.PriceUSD, 0)
	}
	return m
}

func TestContradictionCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		edit func(*types.NormalizedRow)
		want string
	}{
		{
			"mcap above fdv",
			func(r *types.NormalizedRow) { r.FDV = types.Float(100_000); r.MarketCap = types.Float(150_000) },
			contradFDVLtMcap,
		},
		{
			"liquidity above mcap",
			func(r *types.NormalizedRow) { r.MarketCap = types.Float(100_000) },
			contradLiqGtMcap,
		},
		{
			"volume without txns",
			func(r *types.NormalizedRow) { r.Txns24h = &types.TxnWindow{} },
			contradVolumeTxns,
		},
		{
			"txns shrink over windows",
			func(r *types.NormalizedRow) { r.Txns1h = &types.TxnWindow{Buys: 900, Sells: 200} },
			contradTxnsNonMonotone,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			row := healthyRow("TST", "0xaaa", 500000)
			tt.edit(&row)
			codes := contradictions(&row)
			joined := strings.Join(codes, "|")
			if !strings.Contains(joined, tt.want) {
				t.Errorf("codes = %q, want %s", joined, tt.want)
			}
		})
	}

	t.Run("clean row", func(t *testing.T) {
		t.Parallel()
		row := healthyRow("TST", "0xaaa", 500000)
		if codes := contradictions(&row); len(codes) != 0 {
			t.Errorf("clean row tripped: %v", codes)
		}
	})
}

func TestSelectionMomentumFloors(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	sel := New(cfg, Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Guard: guard.New(cfg.Guard)}).sel

	tests := []struct {
		name string
		edit func(*types.NormalizedRow)
		kept bool
	}{
		{"healthy", func(r *types.NormalizedRow) {}, true},
		{"thin volume", func(r *types.NormalizedRow) { r.Volume24h = types.Float(50000) }, false},
		{"thin liquidity", func(r *types.NormalizedRow) { r.LiquidityUSD = types.Float(10000) }, false},
		{"no momentum either window", func(r *types.NormalizedRow) {
			r.Change1h = types.Float(1)
			r.Change24h = types.Float(2)
		}, false},
		{"1h flat but 24h strong", func(r *types.NormalizedRow) { r.Change1h = types.Float(1) }, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			row := healthyRow("TST", "0xaaa", 500000)
			tt.edit(&row)
			cands, _ := sel.Select([]types.NormalizedRow{row}, nil, testBase)
			if got := len(cands) == 1; got != tt.kept {
				t.Errorf("kept = %v, want %v", got, tt.kept)
			}
		})
	}
}

func TestSelectionSoftFill(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Selection.SoftMin = 2
	sel := New(cfg, Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Guard: guard.New(cfg.Guard)}).sel

	strong := healthyRow("STRONG", "0xaaa", 500000)
	// Fails momentum but has non-negative 24h move and meets the floors.
	flat := healthyRow("FLAT", "0xbbb", 400000)
	flat.Change1h = types.Float(1)
	flat.Change24h = types.Float(3)
	// Negative on both windows: never soft-filled.
	bleeding := healthyRow("DOWN", "0xccc", 300000)
	bleeding.Change1h = types.Float(-5)
	bleeding.Change24h = types.Float(-10)

	cands, _ := sel.Select([]types.NormalizedRow{strong, flat, bleeding}, nil, testBase)
	if len(cands) != 2 {
		t.Fatalf("kept %d, want strong + soft-filled flat", len(cands))
	}
	syms := []string{cands[0].Symbol, cands[1].Symbol}
	if syms[0] != "STRONG" || syms[1] != "FLAT" {
		t.Errorf("kept %v, want [STRONG FLAT]", syms)
	}
}

func TestSelectionDedupeOpenPositions(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	sel := New(cfg, Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Guard: guard.New(cfg.Guard)}).sel

	held := healthyRow("HELD", "0xaaa", 500000)
	fresh := healthyRow("FRESH", "0xbbb", 400000)
	open := []types.Position{{Symbol: "held", TokenAddress: "0xAAA", Phase: types.PhaseOpen}}

	cands, _ := sel.Select([]types.NormalizedRow{held, fresh}, open, testBase)
	if len(cands) != 1 || cands[0].Symbol != "FRESH" {
		t.Errorf("cands = %v, want only FRESH", cands)
	}
}

func TestSelectionDeterministic(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	sel := New(cfg, Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Guard: guard.New(cfg.Guard)}).sel

	rows := []types.NormalizedRow{
		healthyRow("A", "0xaaa", 300000),
		healthyRow("B", "0xbbb", 500000),
		healthyRow("C", "0xccc", 400000),
	}
	first, _ := sel.Select(rows, nil, testBase)
	second, _ := sel.Select(rows, nil, testBase)
	if len(first) != len(second) {
		t.Fatalf("runs disagree: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Symbol != second[i].Symbol {
			t.Errorf("position %d: %s vs %s", i, first[i].Symbol, second[i].Symbol)
		}
	}
	if first[0].Symbol != "B" || first[1].Symbol != "C" || first[2].Symbol != "A" {
		t.Errorf("order = %v, want vol24h descending", []string{first[0].Symbol, first[1].Symbol, first[2].Symbol})
	}
}

func TestEntryScoreClamp(t *testing.T) {
	t.Parallel()
	cfg := testConfig().Execution

	tests := []struct {
		name  string
		stat  float64
		delta *float64
		want  float64
	}{
		{"no overlay", 60, nil, 60},
		{"modest lift", 60, types.Float(4), 66},
		{"delta capped", 60, types.Float(20), 72},
		{"negative capped", 60, types.Float(-20), 48},
		{"clamped to 100", 96, types.Float(20), 100},
	}
	for _, tt := range tests {
		c := &types.Candidate{StatisticsScore: tt.stat, AIQualityDelta: tt.delta}
		if got := entryScore(c, cfg); got != tt.want {
			t.Errorf("%s: entryScore = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRunBuysInStatOrder(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	strong := healthyRow("STRONG", "0xaaa", 900000)
	strong.LiquidityUSD = types.Float(400000)
	mid := healthyRow("MID", "0xbbb", 500000)
	weak := healthyRow("WEAK", "0xccc", 200000)
	weak.Change1h = types.Float(5.5)

	market := &fakeMarket{
		rows:   []types.NormalizedRow{weak, strong, mid},
		prices: pricesFor(weak, strong, mid),
	}
	p, st, buyer := newTestPipeline(t, cfg, market, Deps{})

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(buyer.reqs) != cfg.Execution.BuysPerRun {
		t.Fatalf("buys = %d, want %d", len(buyer.reqs), cfg.Execution.BuysPerRun)
	}
	if buyer.reqs[0].Candidate.Symbol != "STRONG" {
		t.Errorf("first buy = %s, want STRONG", buyer.reqs[0].Candidate.Symbol)
	}
	for _, req := range buyer.reqs {
		if req.AnalyticsID == 0 {
			t.Error("buy request missing analytics link")
		}
		if req.NotionalUSD <= 0 {
			t.Errorf("notional = %v", req.NotionalUSD)
		}
	}

	rows, err := st.RecentAnalytics(50)
	if err != nil {
		t.Fatalf("RecentAnalytics: %v", err)
	}
	buys := 0
	for _, r := range rows {
		if r.Decision == types.DecisionBuy {
			buys++
			if r.CashAfter >= r.CashBefore {
				t.Errorf("BUY row cash did not decrease: %v -> %v", r.CashBefore, r.CashAfter)
			}
		}
	}
	if buys != cfg.Execution.BuysPerRun {
		t.Errorf("BUY analytics rows = %d, want %d", buys, cfg.Execution.BuysPerRun)
	}
}

func TestRunFailedBuyLeavesNoBuyRow(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	row := healthyRow("FAIL", "0xaaa", 500000)
	market := &fakeMarket{rows: []types.NormalizedRow{row}, prices: pricesFor(row)}
	p, st, buyer := newTestPipeline(t, cfg, market, Deps{})
	buyer.err = errors.New("route broadcast rejected")

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(buyer.reqs) != 1 {
		t.Fatalf("hand-offs = %d, want 1", len(buyer.reqs))
	}

	rows, err := st.RecentAnalytics(10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("RecentAnalytics = %v, %v", rows, err)
	}
	got := rows[0]
	if got.Decision != types.DecisionSkip || got.Reason != reasonBuyFailed {
		t.Errorf("row = %s/%q, want SKIP(BUY_FAILED)", got.Decision, got.Reason)
	}
	if got.TradeID != nil {
		t.Errorf("failed buy linked to trade %d", *got.TradeID)
	}
	if got.CashAfter != got.CashBefore {
		t.Errorf("failed buy moved cash: %v -> %v", got.CashBefore, got.CashAfter)
	}
}

func TestRunSkipsContradiction(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	row := healthyRow("SUS", "0xaaa", 500000)
	row.FDV = types.Float(100_000)
	row.MarketCap = types.Float(150_000)
	row.LiquidityUSD = types.Float(60_000)

	market := &fakeMarket{rows: []types.NormalizedRow{row}, prices: pricesFor(row)}
	p, st, buyer := newTestPipeline(t, cfg, market, Deps{})

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(buyer.reqs) != 0 {
		t.Fatalf("contradicted candidate was bought: %v", buyer.reqs)
	}

	rows, _ := st.RecentAnalytics(10)
	if len(rows) != 1 || rows[0].Decision != types.DecisionSkip {
		t.Fatalf("analytics = %+v, want one SKIP", rows)
	}
	if !strings.Contains(rows[0].Reason, "CONTRAD:FDV_LT_MARKETCAP") {
		t.Errorf("reason = %q, want CONTRAD:FDV_LT_MARKETCAP", rows[0].Reason)
	}
}

func TestRunCooldownSkip(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	row := healthyRow("COOL", "0xaaa", 500000)
	market := &fakeMarket{rows: []types.NormalizedRow{row}, prices: pricesFor(row)}
	p, st, buyer := newTestPipeline(t, cfg, market, Deps{})

	prior := types.Trade{
		Side:         types.BUY,
		Symbol:       "COOL",
		Chain:        "base",
		TokenAddress: "0xaaa",
		Price:        1.0,
		Qty:          10,
		Status:       types.StatusPaper,
		CreatedAt:    testBase.Add(-10 * time.Minute),
	}
	if err := st.InsertTrade(&prior); err != nil {
		t.Fatalf("InsertTrade: %v", err)
	}

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(buyer.reqs) != 0 {
		t.Fatal("cooled-down address was bought")
	}
	rows, _ := st.RecentAnalytics(10)
	if len(rows) != 1 || rows[0].Reason != reasonCooldown {
		t.Fatalf("analytics = %+v, want SKIP(COOLDOWN)", rows)
	}
}

func TestRunInsufficientCash(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.StartingCash = 40 // below min_free_cash after any order
	row := healthyRow("POOR", "0xaaa", 500000)
	market := &fakeMarket{rows: []types.NormalizedRow{row}, prices: pricesFor(row)}
	p, st, buyer := newTestPipeline(t, cfg, market, Deps{})

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(buyer.reqs) != 0 {
		t.Fatal("bought with insufficient cash")
	}
	rows, _ := st.RecentAnalytics(10)
	if len(rows) != 1 || rows[0].Reason != reasonInsufficientCash {
		t.Fatalf("analytics = %+v, want SKIP(INSUFFICIENT_CASH)", rows)
	}
	if rows[0].CashBefore != rows[0].CashAfter {
		t.Errorf("SKIP row mutated cash: %v -> %v", rows[0].CashBefore, rows[0].CashAfter)
	}
}

func TestRunPriceDeviationSkip(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	row := healthyRow("DEV", "0xaaa", 500000)
	market := &fakeMarket{
		rows:   []types.NormalizedRow{row},
		prices: map[string]float64{"0xaaa": 2.0}, // quoted 1.0, fresh 2.0 > 1.5x
	}
	p, st, buyer := newTestPipeline(t, cfg, market, Deps{})

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(buyer.reqs) != 0 {
		t.Fatal("deviated candidate was bought")
	}
	rows, _ := st.RecentAnalytics(10)
	if len(rows) != 1 || rows[0].Reason != reasonPriceDeviation {
		t.Fatalf("analytics = %+v, want SKIP(PRICE_DEVIATION)", rows)
	}
}

func TestRunAIOverlayBudget(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Execution.EntryMin = 95 // the penalized top candidate cannot reach it
	charts := &fakeCharts{}
	judge := &fakeJudge{analysis: &vision.Analysis{
		TP1Probability:    0.2,
		TrendState:        "downtrend",
		MomentumBias:      "bearish",
		QualityScoreDelta: -20,
	}}

	strong := healthyRow("STRONG", "0xaaa", 900000)
	strong.LiquidityUSD = types.Float(400000)
	mid := healthyRow("MID", "0xbbb", 500000)
	market := &fakeMarket{rows: []types.NormalizedRow{strong, mid}, prices: pricesFor(strong, mid)}
	p, st, _ := newTestPipeline(t, cfg, market, Deps{Charts: charts, Judge: judge})

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if judge.calls != 1 || charts.calls != 1 {
		t.Errorf("overlay calls = %d/%d, want exactly the top-K budget of 1", charts.calls, judge.calls)
	}

	rows, _ := st.RecentAnalytics(10)
	var top *types.AnalyticsRow
	for i := range rows {
		if rows[i].Symbol == "STRONG" {
			top = &rows[i]
		}
	}
	if top == nil {
		t.Fatal("no analytics row for STRONG")
	}
	if top.Decision != types.DecisionSkip || top.Reason != reasonEntryBelowMin {
		t.Errorf("top row = %s/%q, want SKIP(ENTRY_SCORE_BELOW_MIN)", top.Decision, top.Reason)
	}
	if top.AIQualityDelta == nil || *top.AIQualityDelta != -20 {
		t.Errorf("ai delta = %v, want -20", top.AIQualityDelta)
	}
	if top.EntryScore >= top.StatisticsScore {
		t.Errorf("entry %v not reduced from stat %v", top.EntryScore, top.StatisticsScore)
	}
}

type fakeQuoter struct {
	evmCalls []string // chainID|token|amount|wallet
	solCalls []string
}

func (f *fakeQuoter) EVMNativeBuy(ctx context.Context, chainID int64, token, amount, wallet string, slippage float64) (*lifi.Route, error) {
	f.evmCalls = append(f.evmCalls, strings.Join([]string{token, amount, wallet}, "|"))
	return &lifi.Route{ID: "evm"}, nil
}

func (f *fakeQuoter) SolBuy(ctx context.Context, mint, amount, wallet string, slippage float64) (*lifi.Route, error) {
	f.solCalls = append(f.solCalls, strings.Join([]string{mint, amount, wallet}, "|"))
	return &lifi.Route{ID: "sol"}, nil
}

func TestRouteAttacher(t *testing.T) {
	t.Parallel()
	quoter := &fakeQuoter{}
	attacher := NewRouteAttacher(quoter, "0xwallet", "SolWallet", 1.0)

	evmCand := &types.Candidate{NormalizedRow: healthyRow("EVM", "0xtoken", 500000)}
	route, err := attacher.Attach(context.Background(), evmCand, 500)
	if err != nil || route.ID != "evm" {
		t.Fatalf("evm attach = %v, %v", route, err)
	}
	// 500 USD at 1.0 USD and 0.0004 native per token = 0.2 native = 2e17 wei.
	if len(quoter.evmCalls) != 1 || !strings.Contains(quoter.evmCalls[0], "|200000000000000000|") {
		t.Errorf("evm call = %v, want 2e17 wei", quoter.evmCalls)
	}

	solRow := healthyRow("SOL", "MintAddr", 500000)
	solRow.Chain = "solana"
	route, err = attacher.Attach(context.Background(), &types.Candidate{NormalizedRow: solRow}, 500)
	if err != nil || route.ID != "sol" {
		t.Fatalf("sol attach = %v, %v", route, err)
	}
	// Same 0.2 native in lamports.
	if len(quoter.solCalls) != 1 || !strings.Contains(quoter.solCalls[0], "|200000000|") {
		t.Errorf("sol call = %v, want 2e8 lamports", quoter.solCalls)
	}

	unsupported := healthyRow("ODD", "0xzzz", 500000)
	unsupported.Chain = "tron"
	if _, err := attacher.Attach(context.Background(), &types.Candidate{NormalizedRow: unsupported}, 500); err == nil {
		t.Error("unsupported chain should fail")
	}
}
