// Package config defines all configuration for the market-making engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via PERP_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"perp-mm/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool                     `mapstructure:"dry_run"`
	Accounts  map[string]AccountConfig `mapstructure:"accounts"`
	Strategy  StrategyConfig           `mapstructure:"strategy"`
	Hedge     HedgeConfig              `mapstructure:"hedge"`
	Monitor   MonitorConfig            `mapstructure:"monitor"`
	Arbitrage ArbitrageConfig          `mapstructure:"arbitrage"`
	Store     StoreConfig              `mapstructure:"store"`
	Logging   LoggingConfig            `mapstructure:"logging"`
	API       APIConfig                `mapstructure:"api"`
}

// AccountConfig holds one venue account's credentials and endpoints.
// Venue selects the adapter implementation ("standx", "binance").
type AccountConfig struct {
	Venue     string `mapstructure:"venue"`
	APIToken  string `mapstructure:"api_token"` // standx bearer token
	APIKey    string `mapstructure:"api_key"`   // binance key pair
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
	WSURL     string `mapstructure:"ws_url"`
	Testnet   bool   `mapstructure:"testnet"`
	ProxyURL  string `mapstructure:"proxy_url"` // optional egress proxy for this account
}

// StrategyConfig tunes the market-maker executor for one symbol.
//
//   - OrderDistanceBps:     base quote distance from best on each side (uptime mode).
//   - CancelDistanceBps:    cancel a quote once it drifts this close to mid (uptime mode).
//   - RebalanceDistanceBps: cancel both sides if either drifts this far from best.
//   - MaxPosition:          soft cap — suppress the side that would grow exposure.
//   - HardStopPosition:     hard cap — cancel all and PAUSE until position decays.
//   - ResumePosition:       hard-stop exit threshold, checked ResumeCheckCount ticks.
type StrategyConfig struct {
	PrimaryAccount string               `mapstructure:"primary_account"`
	HedgeAccount   string               `mapstructure:"hedge_account"` // empty = no hedging
	Symbol         string               `mapstructure:"symbol"`
	HedgeSymbol    string               `mapstructure:"hedge_symbol"`
	Mode           types.StrategyMode   `mapstructure:"strategy_mode"`
	Aggressiveness types.Aggressiveness `mapstructure:"aggressiveness"`

	OrderDistanceBps     float64 `mapstructure:"order_distance_bps"`
	CancelDistanceBps    float64 `mapstructure:"cancel_distance_bps"`
	RebalanceDistanceBps float64 `mapstructure:"rebalance_distance_bps"`

	OrderSize           float64 `mapstructure:"order_size"`
	MaxPosition         float64 `mapstructure:"max_position"`
	HardStopPosition    float64 `mapstructure:"hard_stop_position"`
	ResumePosition      float64 `mapstructure:"resume_position"`
	HardStopCooldownSec int     `mapstructure:"hard_stop_cooldown_sec"`
	ResumeCheckCount    int     `mapstructure:"resume_check_count"`

	InventorySkew SkewConfig       `mapstructure:"inventory_skew"`
	Volatility    VolatilityConfig `mapstructure:"volatility"`
	Breakeven     BreakevenConfig  `mapstructure:"breakeven"`
	Fees          FeeConfig        `mapstructure:"fees"`

	TickInterval     time.Duration `mapstructure:"tick_interval"`
	DisappearTimeSec int           `mapstructure:"disappear_time_sec"`

	PostOnly         bool                   `mapstructure:"post_only"`
	FillCancelPolicy types.FillCancelPolicy `mapstructure:"fill_cancel_policy"`
	MinSpreadTicks   int                    `mapstructure:"min_spread_ticks"`
	UsePushStream    bool                   `mapstructure:"use_push_stream"`
}

// SkewConfig shapes inventory-skew quote adjustment. When long, the bid is
// pushed away by up to MaxBps and the ask pulled closer by up to PullBps
// (capped at 70% of the ratio); symmetric when short.
type SkewConfig struct {
	Enabled              bool    `mapstructure:"enabled"`
	MaxBps               float64 `mapstructure:"max_bps"`
	PullBps              float64 `mapstructure:"pull_bps"`
	MinQuoteBps          float64 `mapstructure:"min_quote_bps"`
	MinReversionQuoteBps float64 `mapstructure:"min_reversion_quote_bps"`
}

// VolatilityConfig is the volatility pause gate with hysteresis.
// Pause when vol > ThresholdBps; resume only after vol ≤ ResumeThresholdBps
// continuously for StableSeconds.
type VolatilityConfig struct {
	WindowSec          int     `mapstructure:"window_sec"`
	ThresholdBps       float64 `mapstructure:"threshold_bps"`
	ResumeThresholdBps float64 `mapstructure:"resume_threshold_bps"`
	StableSeconds      float64 `mapstructure:"stable_seconds"`
	DistanceMultiplier float64 `mapstructure:"distance_multiplier"`
}

// BreakevenConfig controls breakeven-reversion quoting of the closing side
// at entry price ± OffsetBps, plus the stale-reversion escape hatch.
type BreakevenConfig struct {
	Enabled               bool    `mapstructure:"enabled"`
	OffsetBps             float64 `mapstructure:"offset_bps"`
	StaleOrderTimeoutSec  int     `mapstructure:"stale_order_timeout_sec"`
	StaleRepriceBps       float64 `mapstructure:"stale_reprice_bps"`
	MinRepriceIntervalSec int     `mapstructure:"min_reprice_interval_sec"`
}

// FeeConfig holds fee rates in bps; negative means a rebate.
type FeeConfig struct {
	MakerBps float64 `mapstructure:"maker_bps"`
	TakerBps float64 `mapstructure:"taker_bps"`
	HedgeBps float64 `mapstructure:"hedge_bps"`
}

// HedgeConfig tunes the hedge engine retry/fallback machine.
type HedgeConfig struct {
	MaxRetries          int               `mapstructure:"max_retries"`
	RetryDelay          time.Duration     `mapstructure:"retry_delay"`
	Timeout             time.Duration     `mapstructure:"timeout"`
	MaxUnhedgedPosition float64           `mapstructure:"max_unhedged_position"`
	SymbolMap           map[string]string `mapstructure:"symbol_map"`
}

// MonitorConfig controls the multi-exchange orderbook monitor.
type MonitorConfig struct {
	Symbols        []string      `mapstructure:"symbols"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	MinProfitPct   float64       `mapstructure:"min_profit_pct"`
}

// ArbitrageConfig controls the arbitrage executor. AutoExecute must be set
// explicitly; DryRun on the top-level config additionally suppresses real orders.
type ArbitrageConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	AutoExecute      bool          `mapstructure:"auto_execute"`
	MaxPositionSize  float64       `mapstructure:"max_position_size"`
	MinProfitUSD     float64       `mapstructure:"min_profit_usd"`
	MinQty           float64       `mapstructure:"min_qty"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
}

// StoreConfig sets where position snapshots are persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig controls the read-only status HTTP server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: PERP_STANDX_API_TOKEN, PERP_BINANCE_API_KEY,
// PERP_BINANCE_API_SECRET, PERP_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PERP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	for name, acct := range cfg.Accounts {
		switch acct.Venue {
		case "standx":
			if tok := os.Getenv("PERP_STANDX_API_TOKEN"); tok != "" {
				acct.APIToken = tok
			}
		case "binance":
			if key := os.Getenv("PERP_BINANCE_API_KEY"); key != "" {
				acct.APIKey = key
			}
			if secret := os.Getenv("PERP_BINANCE_API_SECRET"); secret != "" {
				acct.APISecret = secret
			}
		}
		cfg.Accounts[name] = acct
	}
	if os.Getenv("PERP_DRY_RUN") == "true" || os.Getenv("PERP_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills zero-valued tuning knobs with their documented defaults.
func (c *Config) applyDefaults() {
	if c.Strategy.TickInterval == 0 {
		c.Strategy.TickInterval = 100 * time.Millisecond
	}
	if c.Strategy.DisappearTimeSec == 0 {
		c.Strategy.DisappearTimeSec = 3
	}
	if c.Strategy.ResumeCheckCount == 0 {
		c.Strategy.ResumeCheckCount = 3
	}
	if c.Strategy.Mode == "" {
		c.Strategy.Mode = types.ModeUptime
	}
	if c.Strategy.Aggressiveness == "" {
		c.Strategy.Aggressiveness = types.Moderate
	}
	if c.Strategy.FillCancelPolicy == "" {
		c.Strategy.FillCancelPolicy = types.CancelOpposite
	}
	if c.Strategy.Volatility.DistanceMultiplier == 0 {
		c.Strategy.Volatility.DistanceMultiplier = 2.0
	}
	if c.Hedge.MaxRetries == 0 {
		c.Hedge.MaxRetries = 3
	}
	if c.Hedge.RetryDelay == 0 {
		c.Hedge.RetryDelay = 500 * time.Millisecond
	}
	if c.Hedge.Timeout == 0 {
		c.Hedge.Timeout = 5 * time.Second
	}
	if c.Monitor.UpdateInterval == 0 {
		c.Monitor.UpdateInterval = 2 * time.Second
	}
	if c.Monitor.MinProfitPct == 0 {
		c.Monitor.MinProfitPct = 0.1
	}
	if c.Arbitrage.ExecutionTimeout == 0 {
		c.Arbitrage.ExecutionTimeout = 5 * time.Second
	}
	if c.Arbitrage.MinProfitUSD == 0 {
		c.Arbitrage.MinProfitUSD = 5.0
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	for name, acct := range c.Accounts {
		switch acct.Venue {
		case "standx":
			if acct.APIToken == "" && !c.DryRun {
				return fmt.Errorf("accounts.%s.api_token is required (set PERP_STANDX_API_TOKEN)", name)
			}
		case "binance":
			if (acct.APIKey == "" || acct.APISecret == "") && !c.DryRun {
				return fmt.Errorf("accounts.%s needs api_key and api_secret (set PERP_BINANCE_API_KEY / PERP_BINANCE_API_SECRET)", name)
			}
		default:
			return fmt.Errorf("accounts.%s.venue %q is not supported", name, acct.Venue)
		}
	}
	s := &c.Strategy
	if s.PrimaryAccount == "" {
		return fmt.Errorf("strategy.primary_account is required")
	}
	if _, ok := c.Accounts[s.PrimaryAccount]; !ok {
		return fmt.Errorf("strategy.primary_account %q has no matching account", s.PrimaryAccount)
	}
	if s.HedgeAccount != "" {
		if _, ok := c.Accounts[s.HedgeAccount]; !ok {
			return fmt.Errorf("strategy.hedge_account %q has no matching account", s.HedgeAccount)
		}
	}
	if s.Symbol == "" {
		return fmt.Errorf("strategy.symbol is required")
	}
	if s.Mode != types.ModeUptime && s.Mode != types.ModeRebate {
		return fmt.Errorf("strategy.strategy_mode must be %q or %q", types.ModeUptime, types.ModeRebate)
	}
	if s.OrderSize <= 0 {
		return fmt.Errorf("strategy.order_size must be > 0")
	}
	if s.MaxPosition <= 0 {
		return fmt.Errorf("strategy.max_position must be > 0")
	}
	if s.HardStopPosition < s.MaxPosition {
		return fmt.Errorf("strategy.hard_stop_position must be >= strategy.max_position")
	}
	if s.ResumePosition <= 0 || s.ResumePosition >= s.HardStopPosition {
		return fmt.Errorf("strategy.resume_position must be in (0, hard_stop_position)")
	}
	if s.Volatility.ResumeThresholdBps > s.Volatility.ThresholdBps {
		return fmt.Errorf("strategy.volatility.resume_threshold_bps must be <= threshold_bps")
	}
	switch s.FillCancelPolicy {
	case types.CancelAll, types.CancelOpposite, types.CancelNone:
	default:
		return fmt.Errorf("strategy.fill_cancel_policy must be one of: all, opposite, none")
	}
	if c.Arbitrage.Enabled && len(c.Monitor.Symbols) == 0 {
		return fmt.Errorf("monitor.symbols is required when arbitrage is enabled")
	}
	return nil
}
