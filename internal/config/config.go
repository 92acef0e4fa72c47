// Package config defines all configuration for the trending trader.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// every threshold overridable via DEXTREND_* environment variables. The
// record is read once at startup and threaded through constructors; nothing
// re-reads the environment after that.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	// Live switches the trader from paper fills to on-chain execution.
	Live         bool    `mapstructure:"live"`
	StartingCash float64 `mapstructure:"starting_cash"`

	API       APIConfig       `mapstructure:"api"`
	Feeds     FeedsConfig     `mapstructure:"feeds"`
	Selection SelectionConfig `mapstructure:"selection"`
	Quality   QualityConfig   `mapstructure:"quality"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Autosell  AutosellConfig  `mapstructure:"autosell"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Vision    VisionConfig    `mapstructure:"vision"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Sentinel  SentinelConfig  `mapstructure:"sentinel"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// APIConfig binds the HTTP/WebSocket server.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// FeedsConfig holds the external data endpoints and polling cadence.
type FeedsConfig struct {
	DexScreenerBaseURL string        `mapstructure:"dexscreener_base_url"`
	LiFiBaseURL        string        `mapstructure:"lifi_base_url"`
	ChunkSize          int           `mapstructure:"chunk_size"`    // max addresses per aggregator call
	MaxAddresses       int           `mapstructure:"max_addresses"` // cap on total addresses per fetch
	HTTPTimeout        time.Duration `mapstructure:"http_timeout"`
	TrendInterval      time.Duration `mapstructure:"trend_interval"` // scanner cadence
	PriceInterval      time.Duration `mapstructure:"price_interval"` // autosell price-poll cadence
	PageSize           int           `mapstructure:"page_size"`      // trending universe truncation
	SlippagePct        float64       `mapstructure:"slippage_pct"`   // meta-aggregator quote slippage
}

// SelectionConfig controls the hard filter and soft-fill of the selection stage.
//
// Momentum floors by interval: a 5m row passes if pct_5m >= T5 or
// pct_24h >= T24; a 1h row if pct_1h >= T1 or pct_24h >= T24; otherwise
// pct_24h >= T24 alone decides.
type SelectionConfig struct {
	Interval     string  `mapstructure:"interval"` // 5m | 1h | 24h
	Volume24hMin float64 `mapstructure:"volume_24h_min"`
	LiquidityMin float64 `mapstructure:"liquidity_min"`
	Momentum5m   float64 `mapstructure:"momentum_5m"`  // T5
	Momentum1h   float64 `mapstructure:"momentum_1h"`  // T1
	Momentum24h  float64 `mapstructure:"momentum_24h"` // T24
	MaxResults   int     `mapstructure:"max_results"`
	SoftMin      int     `mapstructure:"soft_min"`
	OrderKey     string  `mapstructure:"order_key"` // vol24h | liqUsd
}

// QualityConfig tunes the pre-ranking quality gate.
type QualityConfig struct {
	AgeMinHours float64 `mapstructure:"age_min_hours"`
	AgeMaxHours float64 `mapstructure:"age_max_hours"`
	MaxAbsM5    float64 `mapstructure:"max_abs_m5"` // absolute % caps per window
	MaxAbsH1    float64 `mapstructure:"max_abs_h1"`
	MaxAbsH6    float64 `mapstructure:"max_abs_h6"`
	MaxAbsH24   float64 `mapstructure:"max_abs_h24"`
	Volume5mMin float64 `mapstructure:"volume_5m_min"` // saturation references for the volume blend
	Volume1hMin float64 `mapstructure:"volume_1h_min"`
	Volume6hMin float64 `mapstructure:"volume_6h_min"`
	QualityMin  float64 `mapstructure:"quality_min"`
}

// StatsConfig holds the feature weights for the cohort-relative statistics
// score and its admission floor.
type StatsConfig struct {
	WeightLiquidity float64 `mapstructure:"weight_liquidity"`
	WeightVolume    float64 `mapstructure:"weight_volume"`
	WeightAge       float64 `mapstructure:"weight_age"`
	WeightMomentum  float64 `mapstructure:"weight_momentum"`
	WeightOrderFlow float64 `mapstructure:"weight_order_flow"`
	StatMin         float64 `mapstructure:"stat_min"`
}

// ExecutionConfig controls the execution stage: buy caps, AI overlay budget,
// sizing, and the price-sanity checks before any order is handed off.
type ExecutionConfig struct {
	BuysPerRun             int           `mapstructure:"buys_per_run"`
	EntryMin               float64       `mapstructure:"entry_min"`
	PerBuyFraction         float64       `mapstructure:"per_buy_fraction"`
	MinFreeCash            float64       `mapstructure:"min_free_cash"`
	TargetPosVol           float64       `mapstructure:"target_pos_vol"`
	FeePct                 float64       `mapstructure:"fee_pct"`
	RebuyCooldown          time.Duration `mapstructure:"rebuy_cooldown"`
	MaxDeviationMultiplier float64       `mapstructure:"max_deviation_multiplier"`
	AITopK                 int           `mapstructure:"ai_top_k"`
	AIMult                 float64       `mapstructure:"ai_mult"`
	AIMaxAbs               float64       `mapstructure:"ai_max_abs"`
}

// AutosellConfig tunes threshold computation and the partial-exit machine.
type AutosellConfig struct {
	StopFloor       float64 `mapstructure:"stop_floor"` // SL_FLOOR as fraction, e.g. 0.06
	StopCap         float64 `mapstructure:"stop_cap"`   // SL_CAP
	TP1Default      float64 `mapstructure:"tp1_default"`
	TP2Default      float64 `mapstructure:"tp2_default"`
	TP1TakeFraction float64 `mapstructure:"tp1_take_fraction"`
	RealizedCutoff  time.Duration `mapstructure:"realized_cutoff"` // "recent" realized PnL horizon
}

// GuardConfig tunes the per-pair consistency guard.
type GuardConfig struct {
	JumpFactor float64       `mapstructure:"jump_factor"`
	AltCycles  int           `mapstructure:"alt_cycles"`
	Horizon    time.Duration `mapstructure:"horizon"` // observations older than this only re-anchor
	Depth      int           `mapstructure:"depth"`   // fingerprint window length
}

// VisionConfig controls the chart-inference overlay.
type VisionConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Model         string        `mapstructure:"model"`
	RequestsPerMin float64      `mapstructure:"requests_per_min"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// CaptureConfig controls headless chart screenshots.
type CaptureConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// WalletConfig holds signing keys and RPC endpoints for live execution.
// Keys are only required when live mode is on.
type WalletConfig struct {
	EVMPrivateKey string `mapstructure:"evm_private_key"`
	EVMRPCURL     string `mapstructure:"evm_rpc_url"`
	EVMChainID    int64  `mapstructure:"evm_chain_id"`
	SolPrivateKey string `mapstructure:"sol_private_key"`
	SolRPCURL     string `mapstructure:"sol_rpc_url"`
}

// SentinelConfig tunes the lending health-factor monitor.
// Thresholds are health-factor levels, from healthiest down:
// Reloop > Warning > Danger > Emergency.
type SentinelConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	RPCURL        string        `mapstructure:"rpc_url"`
	PoolAddress   string        `mapstructure:"pool_address"`
	OracleAddress string        `mapstructure:"oracle_address"`
	USDCAddress   string        `mapstructure:"usdc_address"`
	WalletAddress string        `mapstructure:"wallet_address"`
	PrivateKey    string        `mapstructure:"private_key"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`

	// MainAssetAddress enables the per-asset breakdown (supplied/debt/wallet
	// per asset, liquidation price, net APY) in alerts. Empty keeps alerts to
	// the aggregate account view.
	MainAssetAddress string `mapstructure:"main_asset_address"`
	MainAssetSymbol  string `mapstructure:"main_asset_symbol"`

	ReloopHF    float64 `mapstructure:"reloop_hf"`
	WarningHF   float64 `mapstructure:"warning_hf"`
	DangerHF    float64 `mapstructure:"danger_hf"`
	EmergencyHF float64 `mapstructure:"emergency_hf"`
	TargetHF    float64 `mapstructure:"target_hf"` // rescue aims to restore HF to this

	SignificantDeviationHF        float64       `mapstructure:"significant_deviation_hf"`
	SignificantDeviationEquityPct float64       `mapstructure:"significant_deviation_equity_pct"`
	AlertCooldown                 time.Duration `mapstructure:"alert_cooldown"`

	RescueMin    float64 `mapstructure:"rescue_min"`
	RescueMaxCap float64 `mapstructure:"rescue_max_cap"`
}

// TelegramConfig holds the notification bot credentials.
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID string `mapstructure:"chat_id"`
}

// StoreConfig sets where the SQLite database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: DEXTREND_EVM_PRIVATE_KEY,
// DEXTREND_SOL_PRIVATE_KEY, DEXTREND_VISION_API_KEY, DEXTREND_TELEGRAM_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DEXTREND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults + env cover every field.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("DEXTREND_EVM_PRIVATE_KEY"); key != "" {
		cfg.Wallet.EVMPrivateKey = key
	}
	if key := os.Getenv("DEXTREND_SOL_PRIVATE_KEY"); key != "" {
		cfg.Wallet.SolPrivateKey = key
	}
	if key := os.Getenv("DEXTREND_VISION_API_KEY"); key != "" {
		cfg.Vision.APIKey = key
	}
	if tok := os.Getenv("DEXTREND_TELEGRAM_TOKEN"); tok != "" {
		cfg.Telegram.Token = tok
	}
	if os.Getenv("DEXTREND_LIVE") == "true" || os.Getenv("DEXTREND_LIVE") == "1" {
		cfg.Live = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("live", false)
	v.SetDefault("starting_cash", 10000.0)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)

	v.SetDefault("feeds.dexscreener_base_url", "https://api.dexscreener.com")
	v.SetDefault("feeds.lifi_base_url", "https://li.quest")
	v.SetDefault("feeds.chunk_size", 30)
	v.SetDefault("feeds.max_addresses", 300)
	v.SetDefault("feeds.http_timeout", 15*time.Second)
	v.SetDefault("feeds.trend_interval", 5*time.Minute)
	v.SetDefault("feeds.price_interval", 30*time.Second)
	v.SetDefault("feeds.page_size", 40)
	v.SetDefault("feeds.slippage_pct", 1.0)

	v.SetDefault("selection.interval", "1h")
	v.SetDefault("selection.volume_24h_min", 100000.0)
	v.SetDefault("selection.liquidity_min", 50000.0)
	v.SetDefault("selection.momentum_5m", 2.0)
	v.SetDefault("selection.momentum_1h", 5.0)
	v.SetDefault("selection.momentum_24h", 10.0)
	v.SetDefault("selection.max_results", 25)
	v.SetDefault("selection.soft_min", 8)
	v.SetDefault("selection.order_key", "vol24h")

	v.SetDefault("quality.age_min_hours", 2.0)
	v.SetDefault("quality.age_max_hours", 2160.0) // 90 days
	v.SetDefault("quality.max_abs_m5", 30.0)
	v.SetDefault("quality.max_abs_h1", 80.0)
	v.SetDefault("quality.max_abs_h6", 200.0)
	v.SetDefault("quality.max_abs_h24", 400.0)
	v.SetDefault("quality.volume_5m_min", 2000.0)
	v.SetDefault("quality.volume_1h_min", 10000.0)
	v.SetDefault("quality.volume_6h_min", 40000.0)
	v.SetDefault("quality.quality_min", 55.0)

	v.SetDefault("stats.weight_liquidity", 0.20)
	v.SetDefault("stats.weight_volume", 0.25)
	v.SetDefault("stats.weight_age", 0.10)
	v.SetDefault("stats.weight_momentum", 0.25)
	v.SetDefault("stats.weight_order_flow", 0.20)
	v.SetDefault("stats.stat_min", 45.0)

	v.SetDefault("execution.buys_per_run", 2)
	v.SetDefault("execution.entry_min", 50.0)
	v.SetDefault("execution.per_buy_fraction", 0.05)
	v.SetDefault("execution.min_free_cash", 50.0)
	v.SetDefault("execution.target_pos_vol", 0.04)
	v.SetDefault("execution.fee_pct", 0.003)
	v.SetDefault("execution.rebuy_cooldown", 45*time.Minute)
	v.SetDefault("execution.max_deviation_multiplier", 1.05)
	v.SetDefault("execution.ai_top_k", 3)
	v.SetDefault("execution.ai_mult", 1.5)
	v.SetDefault("execution.ai_max_abs", 12.0)

	v.SetDefault("autosell.stop_floor", 0.06)
	v.SetDefault("autosell.stop_cap", 0.25)
	v.SetDefault("autosell.tp1_default", 0.15)
	v.SetDefault("autosell.tp2_default", 0.30)
	v.SetDefault("autosell.tp1_take_fraction", 0.35)
	v.SetDefault("autosell.realized_cutoff", 24*time.Hour)

	v.SetDefault("guard.jump_factor", 5.0)
	v.SetDefault("guard.alt_cycles", 3)
	v.SetDefault("guard.horizon", 30*time.Minute)
	v.SetDefault("guard.depth", 16)

	v.SetDefault("vision.enabled", false)
	v.SetDefault("vision.requests_per_min", 10.0)
	v.SetDefault("vision.cache_ttl", 5*time.Minute)
	v.SetDefault("vision.timeout", 30*time.Second)

	v.SetDefault("capture.enabled", false)
	v.SetDefault("capture.timeout", 45*time.Second)
	v.SetDefault("capture.cache_ttl", 3*time.Minute)

	v.SetDefault("wallet.evm_chain_id", 8453)

	v.SetDefault("sentinel.enabled", false)
	v.SetDefault("sentinel.poll_interval", time.Minute)
	v.SetDefault("sentinel.main_asset_symbol", "WETH")
	v.SetDefault("sentinel.reloop_hf", 2.0)
	v.SetDefault("sentinel.warning_hf", 1.6)
	v.SetDefault("sentinel.danger_hf", 1.3)
	v.SetDefault("sentinel.emergency_hf", 1.1)
	v.SetDefault("sentinel.target_hf", 1.5)
	v.SetDefault("sentinel.significant_deviation_hf", 0.1)
	v.SetDefault("sentinel.significant_deviation_equity_pct", 5.0)
	v.SetDefault("sentinel.alert_cooldown", 30*time.Minute)
	v.SetDefault("sentinel.rescue_min", 10.0)
	v.SetDefault("sentinel.rescue_max_cap", 2000.0)

	v.SetDefault("store.path", "dextrend.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.StartingCash <= 0 {
		return fmt.Errorf("starting_cash must be > 0")
	}
	if c.Feeds.DexScreenerBaseURL == "" {
		return fmt.Errorf("feeds.dexscreener_base_url is required")
	}
	if c.Feeds.ChunkSize <= 0 {
		return fmt.Errorf("feeds.chunk_size must be > 0")
	}
	if c.Execution.PerBuyFraction <= 0 || c.Execution.PerBuyFraction > 1 {
		return fmt.Errorf("execution.per_buy_fraction must be in (0, 1]")
	}
	if c.Execution.MaxDeviationMultiplier < 1 {
		return fmt.Errorf("execution.max_deviation_multiplier must be >= 1")
	}
	if c.Autosell.TP1TakeFraction <= 0 || c.Autosell.TP1TakeFraction >= 1 {
		return fmt.Errorf("autosell.tp1_take_fraction must be in (0, 1)")
	}
	if c.Autosell.StopFloor <= 0 || c.Autosell.StopCap < c.Autosell.StopFloor {
		return fmt.Errorf("autosell stop bounds invalid: floor=%v cap=%v", c.Autosell.StopFloor, c.Autosell.StopCap)
	}
	if c.Guard.JumpFactor <= 1 {
		return fmt.Errorf("guard.jump_factor must be > 1")
	}
	switch c.Selection.OrderKey {
	case "vol24h", "liqUsd":
	default:
		return fmt.Errorf("selection.order_key must be vol24h or liqUsd")
	}
	if c.Live {
		if c.Wallet.EVMPrivateKey == "" && c.Wallet.SolPrivateKey == "" {
			return fmt.Errorf("live mode requires at least one signer key (set DEXTREND_EVM_PRIVATE_KEY or DEXTREND_SOL_PRIVATE_KEY)")
		}
	}
	if c.Sentinel.Enabled {
		if c.Sentinel.RPCURL == "" {
			return fmt.Errorf("sentinel.rpc_url is required when sentinel is enabled")
		}
		if c.Sentinel.PoolAddress == "" {
			return fmt.Errorf("sentinel.pool_address is required when sentinel is enabled")
		}
		if !(c.Sentinel.EmergencyHF < c.Sentinel.DangerHF &&
			c.Sentinel.DangerHF < c.Sentinel.WarningHF &&
			c.Sentinel.WarningHF < c.Sentinel.ReloopHF) {
			return fmt.Errorf("sentinel thresholds must be strictly ordered: emergency < danger < warning < reloop")
		}
	}
	return nil
}
