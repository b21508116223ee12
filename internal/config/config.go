// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables. A missing
// file is not an error: every field has a built-in default, so the bot can
// run from env vars and CLI flags alone.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Bankroll   float64          `mapstructure:"bankroll"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	API        APIConfig        `mapstructure:"api"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Arb        ArbConfig        `mapstructure:"arb"`
	Hedge      HedgeConfig      `mapstructure:"hedge"`
	LateWindow LateWindowConfig `mapstructure:"late_window"`
	Maker      MakerConfig      `mapstructure:"maker"`
	FiveMin    FiveMinConfig    `mapstructure:"five_min"`
	Timing     TimingConfig     `mapstructure:"timing"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from
// the signer when using a proxy wallet).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
	RPCURL        string `mapstructure:"rpc_url"`
}

// APIConfig holds venue and data-source endpoints plus optional pre-derived
// L2 credentials. If ApiKey/Secret/Passphrase are empty, the bot derives
// them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL      string `mapstructure:"clob_base_url"`
	GammaBaseURL     string `mapstructure:"gamma_base_url"`
	DataBaseURL      string `mapstructure:"data_base_url"`
	StreamURL        string `mapstructure:"stream_url"`
	BinanceBaseURL   string `mapstructure:"binance_base_url"`
	CoinGeckoBaseURL string `mapstructure:"coingecko_base_url"`
	ApiKey           string `mapstructure:"api_key"`
	Secret           string `mapstructure:"secret"`
	Passphrase       string `mapstructure:"passphrase"`
}

// OracleConfig tunes the price feed subsystem.
//
//   - MaxPriceAge: a source older than this is excluded from consensus.
//   - CacheTolerance: how long a stale consensus may be served as fallback.
//   - MinConsensus: sources needed for full confidence (fewer lowers it).
//   - CandleCount: history bars requested per strategy run.
type OracleConfig struct {
	MaxPriceAge    time.Duration `mapstructure:"max_price_age"`
	CacheTolerance time.Duration `mapstructure:"cache_tolerance"`
	MinConsensus   int           `mapstructure:"min_consensus"`
	CandleCount    int           `mapstructure:"candle_count"`
	WatchdogEvery  time.Duration `mapstructure:"watchdog_every"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	PingEvery      time.Duration `mapstructure:"ping_every"`
}

// StrategyConfig tunes the multi-indicator signal engine.
type StrategyConfig struct {
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	RSIPeriod           int     `mapstructure:"rsi_period"`
	RSIOverbought       float64 `mapstructure:"rsi_overbought"`
	RSIOversold         float64 `mapstructure:"rsi_oversold"`
	EMAFast             int     `mapstructure:"ema_fast"`
	EMASlow             int     `mapstructure:"ema_slow"`
	MACDFast            int     `mapstructure:"macd_fast"`
	MACDSlow            int     `mapstructure:"macd_slow"`
	MACDSignal          int     `mapstructure:"macd_signal"`
	MomentumLookback    int     `mapstructure:"momentum_lookback"`
	MinVolatilityPct    float64 `mapstructure:"min_volatility_pct"`
	MaxVolatilityPct    float64 `mapstructure:"max_volatility_pct"`
	WeightMomentum      float64 `mapstructure:"weight_momentum"`
	WeightRSI           float64 `mapstructure:"weight_rsi"`
	WeightMACD          float64 `mapstructure:"weight_macd"`
	WeightEMACross      float64 `mapstructure:"weight_ema_cross"`
	FeeFallbackPct      float64 `mapstructure:"fee_fallback_pct"`
}

// RiskConfig sets the main directional engine's limits. The late-window and
// 5m engines carry their own budgets and share only KellyFraction.
type RiskConfig struct {
	MaxTradePct          float64       `mapstructure:"max_trade_pct"`
	MaxDailyTrades       int           `mapstructure:"max_daily_trades"`
	MaxDailyLossPct      float64       `mapstructure:"max_daily_loss_pct"`
	MaxConsecutiveLosses int           `mapstructure:"max_consecutive_losses"`
	LossStreakCooldown   time.Duration `mapstructure:"loss_streak_cooldown"`
	KellyFraction        float64       `mapstructure:"kelly_fraction"`
	MinTradeUSD          float64       `mapstructure:"min_trade_usd"`
	MaxTradeUSD          float64       `mapstructure:"max_trade_usd"`
}

// ArbConfig controls the independent arbitrage scanner.
type ArbConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Threshold      float64       `mapstructure:"threshold"`    // buy both sides if UP+DOWN < this
	MinEdgePct     float64       `mapstructure:"min_edge_pct"` // skip tiny edges
	SizePerSideUSD float64       `mapstructure:"size_per_side_usd"`
	MaxDailyTrades int           `mapstructure:"max_daily_trades"`
	MaxDailyBudget float64       `mapstructure:"max_daily_budget"`
	Cooldown       time.Duration `mapstructure:"cooldown"` // per-market re-entry guard
	Timeframes     []string      `mapstructure:"timeframes"`
}

// HedgeConfig controls the optional hedge pass in the main cycle.
type HedgeConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	MinConfidence float64 `mapstructure:"min_confidence"`
}

// LateWindowConfig controls drift-conviction trading near window expiry.
// Confidence scales linearly: MinDriftPct maps to BaseConfidence,
// DriftScalePct and beyond map to MaxConfidence.
type LateWindowConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	LeadTime       time.Duration `mapstructure:"lead_time"` // how early before close to start scanning
	MinDriftPct    float64       `mapstructure:"min_drift_pct"`
	BaseConfidence float64       `mapstructure:"base_confidence"`
	MaxConfidence  float64       `mapstructure:"max_confidence"`
	DriftScalePct  float64       `mapstructure:"drift_scale_pct"`
	MaxEntryPrice  float64       `mapstructure:"max_entry_price"`
	MaxDailyTrades int           `mapstructure:"max_daily_trades"`
	BudgetPct      float64       `mapstructure:"budget_pct"`
	MaxTradeUSD    float64       `mapstructure:"max_trade_usd"`
}

// MakerConfig controls the post-only quoting engine.
type MakerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	SpreadBps       int           `mapstructure:"spread_bps"`
	OrderSizeUSD    float64       `mapstructure:"order_size_usd"`
	NumLevels       int           `mapstructure:"num_levels"`
	LevelSpacingBps int           `mapstructure:"level_spacing_bps"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	MaxImbalanceUSD float64       `mapstructure:"max_imbalance_usd"`
	PullBeforeClose time.Duration `mapstructure:"pull_before_close"`
	MaxDailyBudget  float64       `mapstructure:"max_daily_budget"`
	MaxOpenOrders   int           `mapstructure:"max_open_orders"`
	Timeframes      []string      `mapstructure:"timeframes"`
}

// FiveMinConfig controls the parallel 5-minute directional loop.
// Its budget is independent of the 15m engine's.
type FiveMinConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	BudgetPct            float64       `mapstructure:"budget_pct"`
	MaxDailyTrades       int           `mapstructure:"max_daily_trades"`
	MaxTradeUSD          float64       `mapstructure:"max_trade_usd"`
	MaxDailyLossPct      float64       `mapstructure:"max_daily_loss_pct"`
	MaxConsecutiveLosses int           `mapstructure:"max_consecutive_losses"`
	LossStreakCooldown   time.Duration `mapstructure:"loss_streak_cooldown"`
	StrategyDelay        time.Duration `mapstructure:"strategy_delay"`
	EntryLead            time.Duration `mapstructure:"entry_lead"`
	EntryWindow          time.Duration `mapstructure:"entry_window"`
}

// TimingConfig is the main loop's clock-sync timing.
//
// The bot enters EntryLead before each window boundary, inside an
// EntryWindow tolerance. StrategyDelay is slept after anchor capture so the
// price can drift away from the open before the anchor signal is evaluated.
type TimingConfig struct {
	IntervalMins         int           `mapstructure:"interval_mins"`
	EntryLead            time.Duration `mapstructure:"entry_lead"`
	EntryWindow          time.Duration `mapstructure:"entry_window"`
	SleepPoll            time.Duration `mapstructure:"sleep_poll"`
	StrategyDelay        time.Duration `mapstructure:"strategy_delay"`
	MinLiquidityUSD      float64       `mapstructure:"min_liquidity_usd"`
	MaxSlippagePct       float64       `mapstructure:"max_slippage_pct"`
	SyncLiveBankroll     bool          `mapstructure:"sync_live_bankroll"`
	LiveBankrollPoll     time.Duration `mapstructure:"live_bankroll_poll"`
	FeeCacheTTL          time.Duration `mapstructure:"fee_cache_ttl"`
	IntervalRefreshEvery time.Duration `mapstructure:"interval_refresh_every"`
}

// StoreConfig sets where JSONL logs and the performance snapshot land.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the web dashboard server.
type DashboardConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	PricePushEvery time.Duration `mapstructure:"price_push_every"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", false)
	v.SetDefault("bankroll", 500.0)

	v.SetDefault("wallet.chain_id", 137)
	v.SetDefault("wallet.signature_type", 0)
	v.SetDefault("wallet.rpc_url", "https://polygon-rpc.com")

	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.data_base_url", "https://data-api.polymarket.com")
	v.SetDefault("api.stream_url", "wss://ws-live-data.polymarket.com")
	v.SetDefault("api.binance_base_url", "https://api.binance.com")
	v.SetDefault("api.coingecko_base_url", "https://api.coingecko.com/api/v3")

	v.SetDefault("oracle.max_price_age", 30*time.Second)
	v.SetDefault("oracle.cache_tolerance", 60*time.Second)
	v.SetDefault("oracle.min_consensus", 2)
	v.SetDefault("oracle.candle_count", 100)
	v.SetDefault("oracle.watchdog_every", 10*time.Second)
	v.SetDefault("oracle.stale_after", 30*time.Second)
	v.SetDefault("oracle.ping_every", 5*time.Second)

	v.SetDefault("strategy.confidence_threshold", 0.60)
	v.SetDefault("strategy.rsi_period", 14)
	v.SetDefault("strategy.rsi_overbought", 70.0)
	v.SetDefault("strategy.rsi_oversold", 30.0)
	v.SetDefault("strategy.ema_fast", 5)
	v.SetDefault("strategy.ema_slow", 15)
	v.SetDefault("strategy.macd_fast", 12)
	v.SetDefault("strategy.macd_slow", 26)
	v.SetDefault("strategy.macd_signal", 9)
	v.SetDefault("strategy.momentum_lookback", 3)
	v.SetDefault("strategy.min_volatility_pct", 0.03)
	v.SetDefault("strategy.max_volatility_pct", 3.0)
	v.SetDefault("strategy.weight_momentum", 0.30)
	v.SetDefault("strategy.weight_rsi", 0.25)
	v.SetDefault("strategy.weight_macd", 0.25)
	v.SetDefault("strategy.weight_ema_cross", 0.20)
	v.SetDefault("strategy.fee_fallback_pct", 1.56)

	v.SetDefault("risk.max_trade_pct", 5.0)
	v.SetDefault("risk.max_daily_trades", 20)
	v.SetDefault("risk.max_daily_loss_pct", 25.0)
	v.SetDefault("risk.max_consecutive_losses", 5)
	v.SetDefault("risk.loss_streak_cooldown", 60*time.Minute)
	v.SetDefault("risk.kelly_fraction", 0.25)
	v.SetDefault("risk.min_trade_usd", 1.0)
	v.SetDefault("risk.max_trade_usd", 25.0)

	v.SetDefault("arb.poll_interval", 8*time.Second)
	v.SetDefault("arb.threshold", 0.98)
	v.SetDefault("arb.min_edge_pct", 1.0)
	v.SetDefault("arb.size_per_side_usd", 10.0)
	v.SetDefault("arb.max_daily_trades", 50)
	v.SetDefault("arb.max_daily_budget", 200.0)
	v.SetDefault("arb.cooldown", 120*time.Second)
	v.SetDefault("arb.timeframes", []string{"5m", "15m", "30m", "1h"})

	v.SetDefault("hedge.min_confidence", 0.65)

	v.SetDefault("late_window.lead_time", 150*time.Second)
	v.SetDefault("late_window.min_drift_pct", 0.08)
	v.SetDefault("late_window.base_confidence", 0.80)
	v.SetDefault("late_window.max_confidence", 0.95)
	v.SetDefault("late_window.drift_scale_pct", 0.25)
	v.SetDefault("late_window.max_entry_price", 0.80)
	v.SetDefault("late_window.max_daily_trades", 12)
	v.SetDefault("late_window.budget_pct", 25.0)
	v.SetDefault("late_window.max_trade_usd", 8.0)

	v.SetDefault("maker.spread_bps", 400)
	v.SetDefault("maker.order_size_usd", 3.0)
	v.SetDefault("maker.num_levels", 1)
	v.SetDefault("maker.level_spacing_bps", 100)
	v.SetDefault("maker.refresh_interval", 15*time.Second)
	v.SetDefault("maker.max_imbalance_usd", 10.0)
	v.SetDefault("maker.pull_before_close", 60*time.Second)
	v.SetDefault("maker.max_daily_budget", 50.0)
	v.SetDefault("maker.max_open_orders", 4)
	v.SetDefault("maker.timeframes", []string{"15m", "5m"})

	v.SetDefault("five_min.budget_pct", 30.0)
	v.SetDefault("five_min.max_daily_trades", 30)
	v.SetDefault("five_min.max_trade_usd", 10.0)
	v.SetDefault("five_min.max_daily_loss_pct", 15.0)
	v.SetDefault("five_min.max_consecutive_losses", 4)
	v.SetDefault("five_min.loss_streak_cooldown", 30*time.Minute)
	v.SetDefault("five_min.strategy_delay", 45*time.Second)
	v.SetDefault("five_min.entry_lead", 55*time.Second)
	v.SetDefault("five_min.entry_window", 20*time.Second)

	v.SetDefault("timing.interval_mins", 15)
	v.SetDefault("timing.entry_lead", 60*time.Second)
	v.SetDefault("timing.entry_window", 30*time.Second)
	v.SetDefault("timing.sleep_poll", 5*time.Second)
	v.SetDefault("timing.strategy_delay", 45*time.Second)
	v.SetDefault("timing.min_liquidity_usd", 50.0)
	v.SetDefault("timing.max_slippage_pct", 2.0)
	v.SetDefault("timing.live_bankroll_poll", 60*time.Second)
	v.SetDefault("timing.fee_cache_ttl", 60*time.Second)
	v.SetDefault("timing.interval_refresh_every", 45*time.Second)

	v.SetDefault("store.data_dir", "data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("dashboard.port", 8765)
	v.SetDefault("dashboard.price_push_every", 2*time.Second)
}

// Load reads config from a YAML file with env var overrides. A missing file
// falls back to defaults. Sensitive fields use env vars: POLY_PRIVATE_KEY,
// POLY_FUNDER, POLY_SIG_TYPE, POLYGON_RPC_URL, POLY_API_KEY,
// POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if funder := os.Getenv("POLY_FUNDER"); funder != "" {
		cfg.Wallet.FunderAddress = funder
	}
	if st := os.Getenv("POLY_SIG_TYPE"); st != "" {
		if n, err := strconv.Atoi(st); err == nil {
			cfg.Wallet.SignatureType = n
		}
	}
	if rpc := os.Getenv("POLYGON_RPC_URL"); rpc != "" {
		cfg.Wallet.RPCURL = rpc
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" && !c.DryRun {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY, or enable dry_run)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.StreamURL == "" {
		return fmt.Errorf("api.stream_url is required")
	}
	if c.Bankroll < 0 {
		return fmt.Errorf("bankroll must be >= 0")
	}
	if c.Strategy.ConfidenceThreshold <= 0 || c.Strategy.ConfidenceThreshold >= 1 {
		return fmt.Errorf("strategy.confidence_threshold must be in (0, 1)")
	}
	if c.Strategy.EMAFast >= c.Strategy.EMASlow {
		return fmt.Errorf("strategy.ema_fast must be < strategy.ema_slow")
	}
	if c.Risk.KellyFraction <= 0 || c.Risk.KellyFraction > 1 {
		return fmt.Errorf("risk.kelly_fraction must be in (0, 1]")
	}
	if c.Risk.MaxTradeUSD < c.Risk.MinTradeUSD {
		return fmt.Errorf("risk.max_trade_usd must be >= risk.min_trade_usd")
	}
	if c.Arb.Threshold <= 0 || c.Arb.Threshold >= 1 {
		return fmt.Errorf("arb.threshold must be in (0, 1)")
	}
	if c.Maker.NumLevels <= 0 {
		return fmt.Errorf("maker.num_levels must be > 0")
	}
	if c.Timing.IntervalMins <= 0 || 60%c.Timing.IntervalMins != 0 {
		return fmt.Errorf("timing.interval_mins must divide 60 evenly")
	}
	return nil
}
