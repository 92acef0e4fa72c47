package store

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"dextrend/internal/config"
	"dextrend/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func samplePosition() *types.Position {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &types.Position{
		Symbol:       "TST",
		Chain:        "base",
		TokenAddress: "0xtoken",
		PairAddress:  "0xpair",
		Qty:          500,
		Entry:        1.0,
		TP1:          1.15,
		TP2:          1.30,
		Stop:         0.892,
		Phase:        types.PhaseOpen,
		OpenedAt:     now,
		UpdatedAt:    now,
	}
}

func TestPositionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	p := samplePosition()
	if err := s.InsertPosition(p); err != nil {
		t.Fatalf("InsertPosition: %v", err)
	}
	if p.ID == 0 {
		t.Fatal("ID not filled")
	}

	got, err := s.OpenPositionByToken("base", "0xtoken")
	if err != nil {
		t.Fatalf("OpenPositionByToken: %v", err)
	}
	if got == nil || got.Qty != 500 || got.Phase != types.PhaseOpen {
		t.Fatalf("got %+v", got)
	}
	if !got.OpenedAt.Equal(p.OpenedAt) {
		t.Errorf("OpenedAt = %v, want %v", got.OpenedAt, p.OpenedAt)
	}
}

func TestUpdatePositionClose(t *testing.T) {
	s := newTestStore(t)

	p := samplePosition()
	s.InsertPosition(p)

	now := time.Now().UTC()
	p.Qty = 0
	p.TP1, p.TP2, p.Stop = 0, 0, 0
	p.Phase = types.PhaseClosed
	p.UpdatedAt = now
	p.ClosedAt = &now
	if err := s.UpdatePosition(p); err != nil {
		t.Fatalf("UpdatePosition: %v", err)
	}

	if got, _ := s.OpenPositionByToken("base", "0xtoken"); got != nil {
		t.Error("closed position still returned as open")
	}
	all, err := s.AllPositions()
	if err != nil || len(all) != 1 {
		t.Fatalf("AllPositions = %v, %v", all, err)
	}
	if all[0].ClosedAt == nil || all[0].Phase != types.PhaseClosed {
		t.Errorf("closed row = %+v", all[0])
	}
}

func TestTradeJournalOrderAndPnL(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	buy := &types.Trade{
		Side: types.BUY, Symbol: "TST", Chain: "base",
		TokenAddress: "0xtoken", PairAddress: "0xpair",
		Price: 1.0, Qty: 500, Fee: 1.5,
		Status: types.StatusPaper, CreatedAt: now,
	}
	sell := &types.Trade{
		Side: types.SELL, Symbol: "TST", Chain: "base",
		TokenAddress: "0xtoken", PairAddress: "0xpair",
		Price: 1.3, Qty: 500, Fee: 1.95, PnL: types.Float(145.05),
		Status: types.StatusPaper, CreatedAt: now.Add(time.Minute),
	}
	if err := s.InsertTrade(buy); err != nil {
		t.Fatalf("insert buy: %v", err)
	}
	if err := s.InsertTrade(sell); err != nil {
		t.Fatalf("insert sell: %v", err)
	}

	journal, err := s.Journal()
	if err != nil {
		t.Fatalf("Journal: %v", err)
	}
	if len(journal) != 2 || journal[0].Side != types.BUY || journal[1].Side != types.SELL {
		t.Fatalf("journal order wrong: %+v", journal)
	}
	if journal[0].PnL != nil {
		t.Error("buy should have no pnl")
	}
	if journal[1].PnL == nil || *journal[1].PnL != 145.05 {
		t.Errorf("sell pnl = %v, want 145.05", journal[1].PnL)
	}

	recent, _ := s.Trades(1)
	if len(recent) != 1 || recent[0].Side != types.SELL {
		t.Error("Trades(1) should return the newest trade")
	}
}

func TestLastBuyAt(t *testing.T) {
	s := newTestStore(t)

	if _, ok, err := s.LastBuyAt("base", "0xnever"); err != nil || ok {
		t.Fatalf("LastBuyAt on empty journal = ok=%v err=%v", ok, err)
	}

	at := time.Now().UTC().Truncate(time.Millisecond)
	s.InsertTrade(&types.Trade{
		Side: types.BUY, Symbol: "TST", Chain: "base", TokenAddress: "0xtoken",
		Price: 1, Qty: 1, Status: types.StatusPaper, CreatedAt: at,
	})

	got, ok, err := s.LastBuyAt("base", "0xtoken")
	if err != nil || !ok {
		t.Fatalf("LastBuyAt: ok=%v err=%v", ok, err)
	}
	if !got.Equal(at) {
		t.Errorf("LastBuyAt = %v, want %v", got, at)
	}
}

func TestSnapshotLatest(t *testing.T) {
	s := newTestStore(t)

	if snap, err := s.LatestSnapshot(); err != nil || snap != nil {
		t.Fatalf("empty LatestSnapshot = %v, %v", snap, err)
	}

	now := time.Now().UTC()
	s.InsertSnapshot(&types.PortfolioSnapshot{Equity: 10000, Cash: 10000, CreatedAt: now})
	s.InsertSnapshot(&types.PortfolioSnapshot{Equity: 10155, Cash: 9655, Holdings: 500, CreatedAt: now.Add(time.Minute)})

	snap, err := s.LatestSnapshot()
	if err != nil || snap == nil {
		t.Fatalf("LatestSnapshot: %v, %v", snap, err)
	}
	if snap.Equity != 10155 {
		t.Errorf("equity = %v, want 10155", snap.Equity)
	}
}

func TestAnalyticsOutcomeAttach(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	row := &types.AnalyticsRow{
		EvaluatedAt: now, Symbol: "TST", Chain: "base",
		TokenAddress: "0xtoken", PairAddress: "0xpair",
		Decision: types.DecisionBuy, QualityScore: 70, StatisticsScore: 60,
		EntryScore: 65, SizeUSD: 500, CashBefore: 10000, CashAfter: 9500,
	}
	if err := s.InsertAnalytics(row); err != nil {
		t.Fatalf("InsertAnalytics: %v", err)
	}
	if err := s.LinkTrade(row.ID, 42); err != nil {
		t.Fatalf("LinkTrade: %v", err)
	}

	outcome := types.TradeOutcome{
		TradeID:        42,
		ClosedAt:       now.Add(30 * time.Minute),
		HoldingMinutes: 30,
		PnLPct:         15.5,
		PnLUSD:         77.5,
		WasProfit:      true,
		ExitReason:     "TAKE_PROFIT_1",
	}
	if err := s.AttachOutcome(outcome); err != nil {
		t.Fatalf("AttachOutcome: %v", err)
	}

	rows, err := s.RecentAnalytics(10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("RecentAnalytics: %v, %v", rows, err)
	}
	got := rows[0]
	if !got.HasOutcome || got.WasProfit == nil || !*got.WasProfit {
		t.Errorf("outcome not attached: %+v", got)
	}
	if got.ExitReason != "TAKE_PROFIT_1" || got.PnLUSD == nil || *got.PnLUSD != 77.5 {
		t.Errorf("outcome fields wrong: %+v", got)
	}

	// Second attach for the same trade must not overwrite.
	outcome.PnLUSD = -1
	s.AttachOutcome(outcome)
	rows, _ = s.RecentAnalytics(10)
	if *rows[0].PnLUSD != 77.5 {
		t.Error("second attach overwrote the outcome")
	}
}

func TestSkipRowKeepsReason(t *testing.T) {
	s := newTestStore(t)

	row := &types.AnalyticsRow{
		EvaluatedAt: time.Now().UTC(), Symbol: "TST", Chain: "base",
		TokenAddress: "0xtoken",
		Decision:     types.DecisionSkip,
		Reason:       "CONTRAD:FDV_LT_MARKETCAP|STAT_BELOW_MIN",
	}
	s.InsertAnalytics(row)

	rows, _ := s.RecentAnalytics(1)
	if rows[0].Decision != types.DecisionSkip || rows[0].Reason != row.Reason {
		t.Errorf("skip row = %+v", rows[0])
	}
}

func TestReset(t *testing.T) {
	s := newTestStore(t)

	s.InsertPosition(samplePosition())
	s.InsertTrade(&types.Trade{Side: types.BUY, Symbol: "TST", Chain: "base",
		TokenAddress: "0xtoken", Price: 1, Qty: 1, Status: types.StatusPaper,
		CreatedAt: time.Now()})
	s.InsertSnapshot(&types.PortfolioSnapshot{Equity: 1, CreatedAt: time.Now()})

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if all, _ := s.AllPositions(); len(all) != 0 {
		t.Error("positions survived reset")
	}
	if journal, _ := s.Journal(); len(journal) != 0 {
		t.Error("trades survived reset")
	}
	if snap, _ := s.LatestSnapshot(); snap != nil {
		t.Error("snapshots survived reset")
	}
}
