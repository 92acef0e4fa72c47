package sentinel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"dextrend/internal/config"
)

type fakeReader struct {
	account  AccountData
	balance  float64
	reserves map[common.Address]*ReserveData
	prices   map[common.Address]float64
	balances map[common.Address]float64
}

func (f *fakeReader) UserAccountData(ctx context.Context, wallet common.Address) (*AccountData, error) {
	a := f.account
	return &a, nil
}

func (f *fakeReader) ReserveData(ctx context.Context, asset common.Address) (*ReserveData, error) {
	if r, ok := f.reserves[asset]; ok {
		return r, nil
	}
	return nil, errors.New("no reserve")
}

func (f *fakeReader) AssetPrice(ctx context.Context, asset common.Address) (float64, error) {
	if p, ok := f.prices[asset]; ok {
		return p, nil
	}
	return 0, errors.New("no price")
}

func (f *fakeReader) TokenBalance(ctx context.Context, token, wallet common.Address) (float64, error) {
	if b, ok := f.balances[token]; ok {
		return b, nil
	}
	return f.balance, nil
}

type fakeNotifier struct {
	sent []string
}

func (f *fakeNotifier) Send(ctx context.Context, text string) error {
	f.sent = append(f.sent, text)
	return nil
}

type fakeRescuer struct {
	supplied []float64
}

func (f *fakeRescuer) Supply(ctx context.Context, amountUSD float64) (string, error) {
	f.supplied = append(f.supplied, amountUSD)
	return "0xrescuehash", nil
}

func testSentinelConfig() config.SentinelConfig {
	return config.SentinelConfig{
		Enabled:       true,
		WalletAddress: "0x1111111111111111111111111111111111111111",
		USDCAddress:   "0x2222222222222222222222222222222222222222",
		PollInterval:  time.Minute,

		ReloopHF:    2.0,
		WarningHF:   1.6,
		DangerHF:    1.3,
		EmergencyHF: 1.1,
		TargetHF:    1.5,

		SignificantDeviationHF:        0.1,
		SignificantDeviationEquityPct: 10,
		AlertCooldown:                 time.Hour,

		RescueMin:    50,
		RescueMaxCap: 5000,
	}
}

func newTestSentinel(reader *fakeReader, notifier *fakeNotifier, live bool) *Sentinel {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := newWith(testSentinelConfig(), live, reader, notifier, logger)
	base := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return base }
	return s
}

func healthyAccount() AccountData {
	return AccountData{
		TotalCollateralUSD: 20000,
		TotalDebtUSD:       8000,
		LiqThresholdBps:    8000,
		HealthFactor:       2.0,
	}
}

func TestStatusLadder(t *testing.T) {
	t.Parallel()
	s := newTestSentinel(&fakeReader{}, &fakeNotifier{}, false)

	tests := []struct {
		hf   float64
		want Status
	}{
		{2.5, StatusOptimal},
		{2.0, StatusOptimal},
		{1.8, StatusNeutral},
		{1.5, StatusWarning},
		{1.2, StatusDanger},
		{1.05, StatusCritical},
	}
	for _, tt := range tests {
		if got := s.statusOf(tt.hf); got != tt.want {
			t.Errorf("statusOf(%v) = %s, want %s", tt.hf, got, tt.want)
		}
	}
}

func TestNotifyOnStatusChange(t *testing.T) {
	t.Parallel()
	reader := &fakeReader{account: healthyAccount()}
	notifier := &fakeNotifier{}
	s := newTestSentinel(reader, notifier, false)

	// First evaluation announces itself.
	s.Evaluate(context.Background())
	if len(notifier.sent) != 1 {
		t.Fatalf("first evaluation sent %d alerts, want 1", len(notifier.sent))
	}

	// Stable status inside cooldown: quiet.
	s.Evaluate(context.Background())
	if len(notifier.sent) != 1 {
		t.Fatalf("stable evaluation sent extra alerts: %v", notifier.sent)
	}

	// Degraded status: alert.
	reader.account.HealthFactor = 1.5
	s.Evaluate(context.Background())
	if len(notifier.sent) != 2 {
		t.Fatalf("status change sent %d alerts, want 2", len(notifier.sent))
	}
	if !strings.Contains(notifier.sent[1], "OPTIMAL") || !strings.Contains(notifier.sent[1], "WARNING") {
		t.Errorf("alert text = %q, want status transition", notifier.sent[1])
	}
}

func TestNotifyOnHFDrop(t *testing.T) {
	t.Parallel()
	reader := &fakeReader{account: healthyAccount()}
	notifier := &fakeNotifier{}
	s := newTestSentinel(reader, notifier, false)

	reader.account.HealthFactor = 1.5 // WARNING
	s.Evaluate(context.Background())
	before := len(notifier.sent)

	// Small wobble: quiet.
	reader.account.HealthFactor = 1.45
	s.Evaluate(context.Background())
	if len(notifier.sent) != before {
		t.Error("insignificant HF drop should not alert")
	}

	// Significant drop within the same status: alert.
	reader.account.HealthFactor = 1.33
	s.Evaluate(context.Background())
	if len(notifier.sent) != before+1 {
		t.Errorf("significant HF drop sent %d alerts, want %d", len(notifier.sent), before+1)
	}
}

func TestHeartbeatAfterCooldown(t *testing.T) {
	t.Parallel()
	reader := &fakeReader{account: healthyAccount()}
	notifier := &fakeNotifier{}
	s := newTestSentinel(reader, notifier, false)

	reader.account.HealthFactor = 1.5
	s.Evaluate(context.Background())
	count := len(notifier.sent)

	// Advance past the cooldown; same state should heartbeat.
	base := time.Unix(1_700_000_000, 0).Add(2 * time.Hour)
	s.now = func() time.Time { return base }
	s.Evaluate(context.Background())
	if len(notifier.sent) != count+1 {
		t.Errorf("heartbeat missing: %d alerts, want %d", len(notifier.sent), count+1)
	}
	if !strings.Contains(notifier.sent[len(notifier.sent)-1], "heartbeat") {
		t.Errorf("last alert = %q, want heartbeat", notifier.sent[len(notifier.sent)-1])
	}
}

func TestRequiredInjection(t *testing.T) {
	t.Parallel()

	// HF = collateral·LT/debt = 20000·0.8/16000 = 1.0. Lifting to 1.5 needs
	// collateral 1.5·16000/0.8 = 30000, so a 10000 injection.
	account := &AccountData{
		TotalCollateralUSD: 20000,
		TotalDebtUSD:       16000,
		LiqThresholdBps:    8000,
		HealthFactor:       1.0,
	}
	if got := requiredInjection(account, 1.5); math.Abs(got-10000) > 1e-9 {
		t.Errorf("requiredInjection = %v, want 10000", got)
	}

	// Already above target: nothing required.
	account.TotalCollateralUSD = 40000
	if got := requiredInjection(account, 1.5); got != 0 {
		t.Errorf("requiredInjection above target = %v, want 0", got)
	}
}

func TestPaperRescueNotifiesOnly(t *testing.T) {
	t.Parallel()
	reader := &fakeReader{
		account: AccountData{
			TotalCollateralUSD: 20000,
			TotalDebtUSD:       16000,
			LiqThresholdBps:    8000,
			HealthFactor:       1.0,
		},
		balance: 50000,
	}
	notifier := &fakeNotifier{}
	s := newTestSentinel(reader, notifier, false)

	s.Evaluate(context.Background())

	var rescueAlert string
	for _, msg := range notifier.sent {
		if strings.Contains(msg, "PAPER RESCUE") {
			rescueAlert = msg
		}
	}
	if rescueAlert == "" {
		t.Fatalf("no paper rescue alert in %v", notifier.sent)
	}
	// inject = min(required 10000, wallet 50000, cap 5000) = 5000.
	if !strings.Contains(rescueAlert, "5000") {
		t.Errorf("rescue alert = %q, want capped 5000", rescueAlert)
	}
}

func TestLiveRescueSuppliesAndBacksOff(t *testing.T) {
	t.Parallel()
	reader := &fakeReader{
		account: AccountData{
			TotalCollateralUSD: 20000,
			TotalDebtUSD:       16000,
			LiqThresholdBps:    8000,
			HealthFactor:       1.0,
		},
		balance: 3000,
	}
	notifier := &fakeNotifier{}
	rescuerStub := &fakeRescuer{}
	s := newTestSentinel(reader, notifier, true)
	s.rescuer = rescuerStub

	s.Evaluate(context.Background())
	// inject = min(10000, 3000, 5000) = wallet-bound 3000.
	if len(rescuerStub.supplied) != 1 || rescuerStub.supplied[0] != 3000 {
		t.Fatalf("supplied = %v, want [3000]", rescuerStub.supplied)
	}

	// Within the backoff window nothing fires again.
	s.Evaluate(context.Background())
	if len(rescuerStub.supplied) != 1 {
		t.Errorf("rescue fired during backoff: %v", rescuerStub.supplied)
	}

	// After the backoff it may fire again.
	base := time.Unix(1_700_000_000, 0).Add(11 * time.Minute)
	s.now = func() time.Time { return base }
	s.Evaluate(context.Background())
	if len(rescuerStub.supplied) != 2 {
		t.Errorf("rescue did not resume after backoff: %v", rescuerStub.supplied)
	}
}

func TestRescueBelowMinimumNotifies(t *testing.T) {
	t.Parallel()
	reader := &fakeReader{
		account: AccountData{
			TotalCollateralUSD: 20000,
			TotalDebtUSD:       16000,
			LiqThresholdBps:    8000,
			HealthFactor:       1.0,
		},
		balance: 20, // below RescueMin
	}
	notifier := &fakeNotifier{}
	rescuerStub := &fakeRescuer{}
	s := newTestSentinel(reader, notifier, true)
	s.rescuer = rescuerStub

	s.Evaluate(context.Background())
	if len(rescuerStub.supplied) != 0 {
		t.Errorf("rescue fired below minimum: %v", rescuerStub.supplied)
	}
	joined := strings.Join(notifier.sent, "\n")
	if !strings.Contains(joined, "rescue not possible") {
		t.Errorf("missing impossibility alert in %v", notifier.sent)
	}
}

func TestStrategyOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a    AccountData
		want Strategy
	}{
		{"no debt", AccountData{TotalCollateralUSD: 1000}, StrategyNeutral},
		{"leveraged long", AccountData{TotalCollateralUSD: 20000, TotalDebtUSD: 8000}, StrategyLong},
		{"underwater short", AccountData{TotalCollateralUSD: 5000, TotalDebtUSD: 8000}, StrategyShort},
	}
	for _, tt := range tests {
		if got := strategyOf(&tt.a); got != tt.want {
			t.Errorf("%s: strategyOf = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestLiquidationPrice(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		price float64
		hf    float64
		want  float64
	}{
		{"half headroom", 3000, 1.5, 2000},
		{"at the edge", 2000, 1.0, 2000},
		{"no health factor", 3000, 0, 0},
		{"no price", 0, 1.5, 0},
	}
	for _, tt := range tests {
		if got := liquidationPrice(tt.price, tt.hf); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s: liquidationPrice(%v, %v) = %v, want %v", tt.name, tt.price, tt.hf, got, tt.want)
		}
	}
}

func TestNetAPY(t *testing.T) {
	t.Parallel()
	assets := []AssetPosition{
		{Symbol: "WETH", SuppliedUSD: 20000, SupplyAPR: 0.03},
		{Symbol: "USDC", DebtUSD: 8000, BorrowAPR: 0.06},
	}
	// (20000·0.03 − 8000·0.06) / 12000 = 0.01.
	if got := netAPY(assets, 12000); math.Abs(got-0.01) > 1e-9 {
		t.Errorf("netAPY = %v, want 0.01", got)
	}
	if got := netAPY(assets, 0); got != 0 {
		t.Errorf("netAPY with no equity = %v, want 0", got)
	}
}

func TestAlertAssetBreakdown(t *testing.T) {
	t.Parallel()
	cfg := testSentinelConfig()
	cfg.MainAssetAddress = "0x3333333333333333333333333333333333333333"
	cfg.MainAssetSymbol = "WETH"

	weth := common.HexToAddress(cfg.MainAssetAddress)
	usdc := common.HexToAddress(cfg.USDCAddress)
	aWeth := common.HexToAddress("0x4444444444444444444444444444444444444444")
	dWeth := common.HexToAddress("0x5555555555555555555555555555555555555555")
	aUsdc := common.HexToAddress("0x6666666666666666666666666666666666666666")
	dUsdc := common.HexToAddress("0x7777777777777777777777777777777777777777")

	reader := &fakeReader{
		account: healthyAccount(),
		reserves: map[common.Address]*ReserveData{
			weth: {SupplyAPR: 0.03, BorrowAPR: 0.06, AToken: aWeth, VariableDebtToken: dWeth},
			usdc: {SupplyAPR: 0.05, BorrowAPR: 0.08, AToken: aUsdc, VariableDebtToken: dUsdc},
		},
		prices: map[common.Address]float64{weth: 2000, usdc: 1},
		balances: map[common.Address]float64{
			aWeth: 10, dWeth: 0, weth: 0.5,
			aUsdc: 0, dUsdc: 8000, usdc: 250,
		},
	}
	notifier := &fakeNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := newWith(cfg, false, reader, notifier, logger)
	s.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	if err := s.Evaluate(context.Background()); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("sent %d alerts, want 1", len(notifier.sent))
	}

	text := notifier.sent[0]
	// HF 2.0 at 2000 USD puts the liquidation estimate at 1000 USD.
	for _, want := range []string{
		"Liq. price WETH: 1000.00 USD (now 2000.00)",
		"Net APY: -0.33%",
		"WETH: supplied 20000 (3.00%), debt 0 (6.00%), wallet 1000 USD",
		"USDC: supplied 0 (5.00%), debt 8000 (8.00%), wallet 250 USD",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("alert missing %q:\n%s", want, text)
		}
	}
}

func TestAlertWithoutMainAssetStaysAggregate(t *testing.T) {
	t.Parallel()
	reader := &fakeReader{account: healthyAccount()}
	notifier := &fakeNotifier{}
	s := newTestSentinel(reader, notifier, false)

	if err := s.Evaluate(context.Background()); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("sent %d alerts, want 1", len(notifier.sent))
	}
	if strings.Contains(notifier.sent[0], "Liq. price") || strings.Contains(notifier.sent[0], "Net APY") {
		t.Errorf("unconfigured breakdown leaked into alert:\n%s", notifier.sent[0])
	}
}

func TestSnapshotFormat(t *testing.T) {
	t.Parallel()
	reader := &fakeReader{account: healthyAccount()}
	s := newTestSentinel(reader, &fakeNotifier{}, false)

	text := s.Snapshot(context.Background())
	for _, want := range []string{"OPTIMAL", "HF: 2.000", "Collateral: 20000", "Debt: 8000", "Equity: 12000"} {
		if !strings.Contains(text, want) {
			t.Errorf("snapshot missing %q:\n%s", want, text)
		}
	}
}
