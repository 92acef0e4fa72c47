// Package sentinel watches a lending-pool position's health factor and
// raises alerts before liquidation can happen. Below the emergency threshold
// it attempts a rescue supply of stablecoin collateral; in paper mode the
// rescue is a notification only.
package sentinel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"dextrend/internal/config"
)

// Status is the health ladder, from healthiest down.
type Status string

const (
	StatusOptimal  Status = "OPTIMAL"
	StatusNeutral  Status = "NEUTRAL"
	StatusWarning  Status = "WARNING"
	StatusDanger   Status = "DANGER"
	StatusCritical Status = "CRITICAL"
)

// rescueBackoff pauses rescue attempts after one fires so the transaction
// can land before the next evaluation re-triggers.
const rescueBackoff = 10 * time.Minute

// PoolReader is the on-chain read surface, swapped in tests.
type PoolReader interface {
	UserAccountData(ctx context.Context, wallet common.Address) (*AccountData, error)
	ReserveData(ctx context.Context, asset common.Address) (*ReserveData, error)
	AssetPrice(ctx context.Context, asset common.Address) (float64, error)
	TokenBalance(ctx context.Context, token, wallet common.Address) (float64, error)
}

// Notifier delivers alert text; in production the Telegram client.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Rescuer executes a live rescue supply, returning the tx hash.
type Rescuer interface {
	Supply(ctx context.Context, amountUSD float64) (string, error)
}

// Sentinel is the monitor loop plus its alert state machine.
type Sentinel struct {
	cfg      config.SentinelConfig
	live     bool
	reader   PoolReader
	notifier Notifier
	rescuer  Rescuer
	logger   *slog.Logger

	wallet    common.Address
	usdc      common.Address
	mainAsset common.Address

	// alert state
	lastStatus       Status
	lastAlertHF      float64
	lastAlertEquity  float64
	lastAlertAt      time.Time
	rescueBlockedTil time.Time

	now func() time.Time
}

// New builds the sentinel with the production pool reader.
func New(cfg config.SentinelConfig, live bool, notifier Notifier, logger *slog.Logger) (*Sentinel, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("sentinel: disabled")
	}
	reader, err := newPoolReader(cfg.RPCURL, cfg.PoolAddress, cfg.OracleAddress)
	if err != nil {
		return nil, fmt.Errorf("sentinel: %w", err)
	}

	s := newWith(cfg, live, reader, notifier, logger)
	if live && cfg.PrivateKey != "" {
		rescuer, err := newRescuer(cfg)
		if err != nil {
			return nil, fmt.Errorf("sentinel: %w", err)
		}
		s.rescuer = rescuer
	}
	return s, nil
}

func newWith(cfg config.SentinelConfig, live bool, reader PoolReader, notifier Notifier, logger *slog.Logger) *Sentinel {
	return &Sentinel{
		cfg:       cfg,
		live:      live,
		reader:    reader,
		notifier:  notifier,
		logger:    logger.With("component", "sentinel"),
		wallet:    common.HexToAddress(cfg.WalletAddress),
		usdc:      common.HexToAddress(cfg.USDCAddress),
		mainAsset: common.HexToAddress(cfg.MainAssetAddress),
		now:       time.Now,
	}
}

// Run polls until ctx is done. Evaluation errors are logged and the cadence
// continues.
func (s *Sentinel) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info("sentinel started", "interval", s.cfg.PollInterval, "live", s.live)
	for {
		if err := s.Evaluate(ctx); err != nil {
			s.logger.Error("evaluation failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Evaluate performs one read-judge-act cycle.
func (s *Sentinel) Evaluate(ctx context.Context) error {
	account, err := s.reader.UserAccountData(ctx, s.wallet)
	if err != nil {
		return fmt.Errorf("read account: %w", err)
	}

	status := s.statusOf(account.HealthFactor)
	s.maybeNotify(ctx, status, account, s.readAssets(ctx))

	if account.HealthFactor < s.cfg.EmergencyHF && account.TotalDebtUSD > 0 {
		s.maybeRescue(ctx, account)
	}

	s.lastStatus = status
	return nil
}

// statusOf maps a health factor onto the ladder.
func (s *Sentinel) statusOf(hf float64) Status {
	switch {
	case hf >= s.cfg.ReloopHF:
		return StatusOptimal
	case hf >= s.cfg.WarningHF:
		return StatusNeutral
	case hf >= s.cfg.DangerHF:
		return StatusWarning
	case hf >= s.cfg.EmergencyHF:
		return StatusDanger
	default:
		return StatusCritical
	}
}

// maybeNotify fires an alert when (a) the status changed, (b) the health
// factor dropped significantly while not OPTIMAL, (c) equity dropped
// significantly, or (d) the heartbeat cooldown lapsed while not OPTIMAL.
func (s *Sentinel) maybeNotify(ctx context.Context, status Status, account *AccountData, view *assetView) {
	now := s.now()
	equity := account.Equity()

	var reason string
	switch {
	case status != s.lastStatus && s.lastStatus != "":
		reason = fmt.Sprintf("status %s → %s", s.lastStatus, status)
	case s.lastStatus == "":
		reason = "sentinel online"
	case status != StatusOptimal && s.lastAlertHF-account.HealthFactor >= s.cfg.SignificantDeviationHF:
		reason = fmt.Sprintf("health factor fell %.2f → %.2f", s.lastAlertHF, account.HealthFactor)
	case s.lastAlertEquity > 0 && (s.lastAlertEquity-equity)/s.lastAlertEquity*100 >= s.cfg.SignificantDeviationEquityPct:
		reason = fmt.Sprintf("equity fell %.0f → %.0f USD", s.lastAlertEquity, equity)
	case status != StatusOptimal && now.Sub(s.lastAlertAt) >= s.cfg.AlertCooldown:
		reason = "heartbeat"
	default:
		return
	}

	text := s.formatAlert(status, account, view, reason)
	if err := s.notifier.Send(ctx, text); err != nil {
		s.logger.Warn("alert delivery failed", "err", err)
		return
	}
	s.lastAlertHF = account.HealthFactor
	s.lastAlertEquity = equity
	s.lastAlertAt = now
}

// maybeRescue computes and executes (or simulates) the emergency supply.
func (s *Sentinel) maybeRescue(ctx context.Context, account *AccountData) {
	now := s.now()
	if now.Before(s.rescueBlockedTil) {
		return
	}

	required := requiredInjection(account, s.cfg.TargetHF)
	wallet, err := s.reader.TokenBalance(ctx, s.usdc, s.wallet)
	if err != nil {
		s.logger.Error("rescue aborted: wallet balance read failed", "err", err)
		return
	}

	inject := min3(required, wallet, s.cfg.RescueMaxCap)
	if inject < s.cfg.RescueMin {
		s.notify(ctx, fmt.Sprintf(
			"🆘 CRITICAL: HF %.3f below emergency %.2f but rescue not possible (need %.0f, wallet %.0f, min %.0f USD)",
			account.HealthFactor, s.cfg.EmergencyHF, required, wallet, s.cfg.RescueMin))
		s.rescueBlockedTil = now.Add(rescueBackoff)
		return
	}

	if !s.live || s.rescuer == nil {
		s.notify(ctx, fmt.Sprintf(
			"🛟 PAPER RESCUE: would supply %.0f USDC to lift HF %.3f toward %.2f",
			inject, account.HealthFactor, s.cfg.TargetHF))
		s.rescueBlockedTil = now.Add(rescueBackoff)
		return
	}

	txHash, err := s.rescuer.Supply(ctx, inject)
	if err != nil {
		s.logger.Error("rescue supply failed", "err", err)
		s.notify(ctx, fmt.Sprintf("🆘 rescue supply of %.0f USDC FAILED: %v", inject, err))
	} else {
		s.logger.Info("rescue supplied", "amount", inject, "tx", txHash)
		s.notify(ctx, fmt.Sprintf("🛟 RESCUE: supplied %.0f USDC (tx %s)", inject, shortAddr(txHash)))
	}
	s.rescueBlockedTil = now.Add(rescueBackoff)
}

// requiredInjection is the collateral add that lifts the health factor to
// target: HF = collateral·LT / debt, so collateral_needed = target·debt/LT.
func requiredInjection(account *AccountData, targetHF float64) float64 {
	lt := account.LiqThresholdBps / 10000
	if lt <= 0 || account.TotalDebtUSD <= 0 {
		return 0
	}
	needed := targetHF*account.TotalDebtUSD/lt - account.TotalCollateralUSD
	if needed < 0 {
		return 0
	}
	return needed
}

func (s *Sentinel) notify(ctx context.Context, text string) {
	if err := s.notifier.Send(ctx, text); err != nil {
		s.logger.Warn("notification failed", "err", err)
	}
}

// assetView carries the per-asset breakdown behind one evaluation: the
// positions plus the main asset's spot price for the liquidation estimate.
type assetView struct {
	assets    []AssetPosition
	mainPrice float64
}

// readAssets builds the per-asset breakdown for the main asset and USDC.
// Without a configured main asset, or when any read fails, it returns nil
// and the alert falls back to the aggregate account view.
func (s *Sentinel) readAssets(ctx context.Context) *assetView {
	if s.mainAsset == (common.Address{}) {
		return nil
	}

	main, mainPrice, err := s.readAsset(ctx, s.cfg.MainAssetSymbol, s.mainAsset)
	if err != nil {
		s.logger.Warn("asset breakdown unavailable", "asset", s.cfg.MainAssetSymbol, "err", err)
		return nil
	}
	view := &assetView{assets: []AssetPosition{main}, mainPrice: mainPrice}

	if s.usdc != (common.Address{}) {
		usdc, _, err := s.readAsset(ctx, "USDC", s.usdc)
		if err != nil {
			s.logger.Warn("asset breakdown unavailable", "asset", "USDC", "err", err)
			return nil
		}
		view.assets = append(view.assets, usdc)
	}
	return view
}

// readAsset resolves one asset's supply, variable debt and idle wallet
// balances into USD at the oracle price, with the reserve's current rates.
func (s *Sentinel) readAsset(ctx context.Context, symbol string, token common.Address) (AssetPosition, float64, error) {
	reserve, err := s.reader.ReserveData(ctx, token)
	if err != nil {
		return AssetPosition{}, 0, err
	}
	price, err := s.reader.AssetPrice(ctx, token)
	if err != nil {
		return AssetPosition{}, 0, err
	}
	supplied, err := s.reader.TokenBalance(ctx, reserve.AToken, s.wallet)
	if err != nil {
		return AssetPosition{}, 0, err
	}
	debt, err := s.reader.TokenBalance(ctx, reserve.VariableDebtToken, s.wallet)
	if err != nil {
		return AssetPosition{}, 0, err
	}
	wallet, err := s.reader.TokenBalance(ctx, token, s.wallet)
	if err != nil {
		return AssetPosition{}, 0, err
	}
	return AssetPosition{
		Symbol:      symbol,
		SuppliedUSD: supplied * price,
		DebtUSD:     debt * price,
		WalletUSD:   wallet * price,
		SupplyAPR:   reserve.SupplyAPR,
		BorrowAPR:   reserve.BorrowAPR,
	}, price, nil
}

func (s *Sentinel) formatAlert(status Status, account *AccountData, view *assetView, reason string) string {
	icon := map[Status]string{
		StatusOptimal:  "✅",
		StatusNeutral:  "ℹ️",
		StatusWarning:  "⚠️",
		StatusDanger:   "🔶",
		StatusCritical: "🆘",
	}[status]
	text := fmt.Sprintf(
		"%s <b>%s</b> (%s)\nHF: %.3f\nCollateral: %.0f USD\nDebt: %.0f USD\nEquity: %.0f USD\nStrategy: %s\nWallet: %s",
		icon, status, reason,
		account.HealthFactor,
		account.TotalCollateralUSD,
		account.TotalDebtUSD,
		account.Equity(),
		strategyOf(account),
		shortAddr(s.cfg.WalletAddress))
	if view == nil {
		return text
	}

	if liq := liquidationPrice(view.mainPrice, account.HealthFactor); liq > 0 {
		text += fmt.Sprintf("\nLiq. price %s: %.2f USD (now %.2f)",
			s.cfg.MainAssetSymbol, liq, view.mainPrice)
	}
	text += fmt.Sprintf("\nNet APY: %.2f%%", netAPY(view.assets, account.Equity())*100)
	for _, a := range view.assets {
		if a.SuppliedUSD < 0.01 && a.DebtUSD < 0.01 && a.WalletUSD < 0.01 {
			continue
		}
		text += fmt.Sprintf("\n%s: supplied %.0f (%.2f%%), debt %.0f (%.2f%%), wallet %.0f USD",
			a.Symbol, a.SuppliedUSD, a.SupplyAPR*100, a.DebtUSD, a.BorrowAPR*100, a.WalletUSD)
	}
	return text
}

// Snapshot renders the current pool state for the /snapshot bot command.
func (s *Sentinel) Snapshot(ctx context.Context) string {
	account, err := s.reader.UserAccountData(ctx, s.wallet)
	if err != nil {
		return fmt.Sprintf("snapshot unavailable: %v", err)
	}
	return s.formatAlert(s.statusOf(account.HealthFactor), account, s.readAssets(ctx), "on demand")
}

func min3(a, b, c float64) float64 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
