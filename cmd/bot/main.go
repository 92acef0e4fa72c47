// DexTrend — a trending-token trader that scans DexScreener, scores the
// cohort, and runs a paper or live book with automatic exits.
//
// Architecture:
//
//	main.go               — entry point: loads config, wires subsystems, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: scanner loop + price/autosell loop, API state provider
//	pipeline/             — one scan cycle: selection → gates → execution, analytics on every decision
//	scoring/              — quality gate and cohort-relative statistics score
//	dexscreener/client.go — aggregator client: trending universe, batch prices, pair-exact quotes
//	trader/trader.go      — BUY hand-off and autosell settlement, paper or on-chain
//	autosell/             — SL > TP2 > TP1 exit machine with the ratcheting stop
//	guard/                — per-pair feed consistency guard
//	pnl/                  — FIFO journal replay and mark-to-market
//	lifi/                 — meta-aggregator route quotes for live buys
//	signer/               — EVM and Solana transaction signing
//	sentinel/             — lending health-factor monitor with Telegram alerts
//	api/                  — HTTP + WebSocket surface for the dashboard
//	store/store.go        — SQLite persistence (trades, positions, analytics, snapshots)
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"dextrend/internal/api"
	"dextrend/internal/autosell"
	"dextrend/internal/capture"
	"dextrend/internal/config"
	"dextrend/internal/dexscreener"
	"dextrend/internal/engine"
	"dextrend/internal/guard"
	"dextrend/internal/lifi"
	"dextrend/internal/pipeline"
	"dextrend/internal/sentinel"
	"dextrend/internal/signer"
	"dextrend/internal/store"
	"dextrend/internal/telegram"
	"dextrend/internal/trader"
	"dextrend/internal/vision"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("DEXTREND_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err, "path", cfg.Store.Path)
		os.Exit(1)
	}
	defer st.Close()

	dex := dexscreener.New(cfg.Feeds, logger)
	quoter := lifi.New(cfg.Feeds, logger)
	evaluator := autosell.New(cfg.Autosell, cfg.Execution.FeePct)

	var evm *signer.EVM
	var spl *signer.SPL
	if cfg.Live {
		if cfg.Wallet.EVMPrivateKey != "" {
			if evm, err = signer.NewEVM(cfg.Wallet); err != nil {
				logger.Error("evm signer", "error", err)
				os.Exit(1)
			}
		}
		if cfg.Wallet.SolPrivateKey != "" {
			if spl, err = signer.NewSPL(cfg.Wallet); err != nil {
				logger.Error("sol signer", "error", err)
				os.Exit(1)
			}
		}
	}

	// The store doubles as the health pinger and the paper-book resetter.
	srv := api.NewServer(cfg.API, st, st, logger)
	hub := srv.Hub()

	trd := trader.New(cfg.Execution, cfg.Live, st, dex, evaluator, evm, spl, hub, logger)

	deps := pipeline.Deps{
		Market: dex,
		Store:  st,
		Guard:  guard.New(cfg.Guard),
		Buyer:  trd,
		Events: hub,
		Logger: logger,
	}
	if cfg.Capture.Enabled {
		deps.Charts = capture.New(cfg.Capture, logger)
	}
	if cfg.Vision.Enabled {
		deps.Judge = vision.New(cfg.Vision, logger)
	}
	if cfg.Live {
		var evmAddr, solAddr string
		if evm != nil {
			evmAddr = evm.Address()
		}
		if spl != nil {
			solAddr = spl.Address()
		}
		deps.Routes = pipeline.NewRouteAttacher(quoter, evmAddr, solAddr, cfg.Feeds.SlippagePct)
	}
	pipe := pipeline.New(cfg, deps)

	eng := engine.New(cfg, engine.Deps{
		Store:    st,
		Prices:   dex,
		Scanner:  pipe,
		Settler:  trd,
		Autosell: evaluator,
		Hub:      hub,
		Logger:   logger,
	})
	hub.BindProvider(eng)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Sentinel.Enabled {
		tg := telegram.New(cfg.Telegram, logger)
		snt, err := sentinel.New(cfg.Sentinel, cfg.Live, tg, logger)
		if err != nil {
			logger.Error("sentinel init failed", "error", err)
			os.Exit(1)
		}
		tg.Register("/snapshot", snt.Snapshot)
		go tg.Run(ctx)
		go snt.Run(ctx)
	}

	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	mode := "paper"
	if cfg.Live {
		mode = "live"
	}
	logger.Info("dextrend started",
		"mode", mode,
		"trend_interval", cfg.Feeds.TrendInterval,
		"price_interval", cfg.Feeds.PriceInterval,
		"starting_cash", cfg.StartingCash,
	)

	if err := eng.Run(ctx); err != nil {
		logger.Error("engine stopped", "error", err)
	}

	if err := srv.Stop(); err != nil {
		logger.Error("api shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
