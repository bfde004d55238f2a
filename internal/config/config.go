// Package config defines all configuration for the macro sleeve engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MACRO_* environment variables.
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
	Profile    string           `mapstructure:"profile"` // "paper" or "live"
	DryRun     bool             `mapstructure:"dry_run"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Allocator  AllocatorConfig  `mapstructure:"allocator"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Hedge      HedgeConfig      `mapstructure:"hedge"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// BrokerConfig holds connection details for the broker port adapter.
// The concrete adapter lives outside this package; this only
// carries the knobs needed to construct whichever one is wired in at startup.
type BrokerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ClientID        int           `mapstructure:"client_id"`
	ReadinessTimeout time.Duration `mapstructure:"readiness_timeout"`
	ReadinessBudget  time.Duration `mapstructure:"readiness_budget"`
	ReadinessRetries int           `mapstructure:"readiness_retries"`
	HeartbeatEvery   time.Duration `mapstructure:"heartbeat_every"`
}

// RiskConfig tunes the Risk & Sizing Engine.
type RiskConfig struct {
	TargetVol    float64         `mapstructure:"target_vol"`
	VolFloor     float64         `mapstructure:"vol_floor"`
	InitialPrior float64         `mapstructure:"initial_prior"`
	BurnInDays   int             `mapstructure:"burn_in_days"`
	FMin         float64         `mapstructure:"f_min"`
	FMax         float64         `mapstructure:"f_max"`
	MaxDDPct     float64         `mapstructure:"max_dd_pct"` // emergency-derisk trigger
	VIXCrisis    float64         `mapstructure:"vix_crisis"`
	VIXElevated  float64         `mapstructure:"vix_elevated"`
	VIXRecovery  float64         `mapstructure:"vix_recovery"`
	Sovereign    SovereignConfig `mapstructure:"sovereign_rates_short"`
}

// SovereignConfig tunes the DV01-neutral BTP-short/Bund-long fragility sleeve.
type SovereignConfig struct {
	Enabled          bool               `mapstructure:"enabled"`
	BaseWeights      map[string]float64 `mapstructure:"base_weights"` // keyed by regime, lowercase
	MaxWeights       map[string]float64 `mapstructure:"max_weights"`
	BTPSymbol        string             `mapstructure:"btp_symbol"`
	BundSymbol       string             `mapstructure:"bund_symbol"`
	DV01BudgetPerNAV float64            `mapstructure:"dv01_budget_per_nav"`
	DV01PerContract  map[string]float64 `mapstructure:"dv01_per_contract"`

	FragMultZLow  float64 `mapstructure:"frag_mult_z_low"`
	FragMultZMid  float64 `mapstructure:"frag_mult_z_mid"`
	FragMultZHigh float64 `mapstructure:"frag_mult_z_high"`

	RatesMultLowBps  float64 `mapstructure:"rates_mult_low_bps"`
	RatesMultHighBps float64 `mapstructure:"rates_mult_high_bps"`

	DeflationBypassZ       float64 `mapstructure:"deflation_fragmentation_bypass_z"`
	DeflationTier1VIX      float64 `mapstructure:"deflation_tier1_vix"`
	DeflationTier1Bund5d   float64 `mapstructure:"deflation_tier1_bund_5d_bps"`
	DeflationTier2VIX      float64 `mapstructure:"deflation_tier2_vix"`
	DeflationTier2Bund5d   float64 `mapstructure:"deflation_tier2_bund_5d_bps"`
	DeflationTier3VIX      float64 `mapstructure:"deflation_tier3_vix"`
	DeflationTier3Bund5d   float64 `mapstructure:"deflation_tier3_bund_5d_bps"`

	HardKillDailyLossPct    float64 `mapstructure:"hard_kill_daily_loss_pct"`
	HardKill10dDrawdownPct  float64 `mapstructure:"hard_kill_10d_drawdown_pct"`
	SoftKillSpreadZ         float64 `mapstructure:"soft_kill_spread_z"`
	SoftKillBundMom20dBps   float64 `mapstructure:"soft_kill_bund_mom_20d_bps"`
	ReenableDays            int     `mapstructure:"reenable_days"`

	TakeProfitSpreadZ           float64 `mapstructure:"take_profit_spread_z"`
	TakeProfitSpreadWideningBps float64 `mapstructure:"take_profit_spread_widening_bps"`
	ProfitTakePct               float64 `mapstructure:"profit_take_pct"`
	RecycleWaitDays             int     `mapstructure:"recycle_wait_days"`
}

// AllocatorConfig tunes the Sleeve Allocator.
type AllocatorConfig struct {
	VolFloor      float64           `mapstructure:"vol_floor"`
	VolCeiling    float64           `mapstructure:"vol_ceiling"`
	MinWeight     float64           `mapstructure:"min_weight"`
	MaxWeight     float64           `mapstructure:"max_weight"`
	MaxHedgePct   float64           `mapstructure:"max_hedge_pct"`
	TargetVol     float64           `mapstructure:"target_vol"`
	Correlation   float64           `mapstructure:"correlation"`
	ScalingMin    float64           `mapstructure:"scaling_min"`
	ScalingMax    float64           `mapstructure:"scaling_max"`
	BlendAlpha    float64           `mapstructure:"blend_alpha"`
	OverrideMode  bool              `mapstructure:"override_mode"`
	MaxGrossLeverage float64        `mapstructure:"max_gross_leverage"`
	DriftThreshold float64          `mapstructure:"drift_threshold"`
	Cadence       string            `mapstructure:"cadence"` // daily/weekly/monthly/quarterly
	SleevePriors  map[string]float64 `mapstructure:"sleeve_priors"`
}

// StrategyConfig tunes sleeve order generation and the legacy-unwind
// glidepath.
type StrategyConfig struct {
	MinShares       float64         `mapstructure:"min_shares"`
	MinNotionalUSD  float64         `mapstructure:"min_notional_usd"`
	TopNSingleName  int             `mapstructure:"top_n_single_name"`
	EUShortFraction float64         `mapstructure:"eu_short_fraction"`
	Glidepath       GlidepathConfig `mapstructure:"legacy_unwind"`
}

// GlidepathConfig tunes the legacy-unwind glidepath blend.
type GlidepathConfig struct {
	Enabled      bool            `mapstructure:"enabled"`
	UnwindDays   int             `mapstructure:"unwind_days"`
	SnapshotPath string          `mapstructure:"snapshot_file"`
	Sleeves      map[string]bool `mapstructure:"sleeves"`
}

// ExecutionConfig tunes the execution stack.
type ExecutionConfig struct {
	QuoteMaxAgeLive     time.Duration `mapstructure:"quote_max_age_live"`
	QuoteMaxAgePricing  time.Duration `mapstructure:"quote_max_age_pricing"`
	AllowMarketOrders   bool          `mapstructure:"allow_market_orders"`
	ADVFractionForAlgo  float64       `mapstructure:"adv_fraction_for_algo"`
	OrderTTLSeconds     int           `mapstructure:"order_ttl_seconds"`
	ReplaceInterval     time.Duration `mapstructure:"replace_interval"`
	MaxReplaces         int           `mapstructure:"max_replaces"`
	MinTradeNotionalUSD float64       `mapstructure:"min_trade_notional_usd"`
	MaxSingleOrderPct   float64       `mapstructure:"max_single_order_pct"`
	MaxTurnoverPct      float64       `mapstructure:"max_turnover_pct"`
	MaxPostTradeGross   float64       `mapstructure:"max_post_trade_gross"`
	PairTriggerFillPct  float64       `mapstructure:"pair_trigger_fill_pct"`
	PairMaxLeggingSecs  int           `mapstructure:"pair_max_legging_secs"`
	PairUndoOptIn       bool          `mapstructure:"pair_undo_opt_in"`
	SlippageWindow      int           `mapstructure:"slippage_window"`
	SlippageMinSamples  int           `mapstructure:"slippage_min_samples"`
	SlippageDefaultBps  float64       `mapstructure:"slippage_default_bps"`
	GateMinDrift        float64       `mapstructure:"gate_min_drift"`
	GateCostMult        float64       `mapstructure:"gate_cost_mult"`
}

// HedgeConfig tunes the Tail-Hedge Manager.
type HedgeConfig struct {
	AnnualBudgetPct      float64            `mapstructure:"annual_budget_pct"`
	MinDTE               int                `mapstructure:"min_dte"`
	RollAtDTE            int                `mapstructure:"roll_at_dte"`
	PnLSpikeThreshold    float64            `mapstructure:"pnl_spike_threshold"`
	CrisisRedeployFrac   float64            `mapstructure:"crisis_redeploy_fraction"`
	TargetAllocations    map[string]float64 `mapstructure:"target_allocations"`
}

// SchedulerConfig tunes the Run Ledger's scheduler.
type SchedulerConfig struct {
	Slots            []SlotConfig  `mapstructure:"slots"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	DeferRetries     int           `mapstructure:"defer_retries"`
	DeferInterval    time.Duration `mapstructure:"defer_interval"`
	DeferBudget      time.Duration `mapstructure:"defer_budget"`
}

// SlotConfig is one scheduled execution window (e.g. EU_open, US_open).
type SlotConfig struct {
	Name     string `mapstructure:"name"`
	Hour     int    `mapstructure:"hour"`
	Minute   int    `mapstructure:"minute"`
	Exchanges []string `mapstructure:"exchanges"`
}

// StoreConfig sets where run state is persisted.
type StoreConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	LedgerPath string `mapstructure:"ledger_path"` // sqlite file
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MACRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if host := os.Getenv("MACRO_BROKER_HOST"); host != "" {
		cfg.Broker.Host = host
	}
	if os.Getenv("MACRO_DRY_RUN") == "true" || os.Getenv("MACRO_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Profile != "paper" && c.Profile != "live" {
		return fmt.Errorf("profile must be 'paper' or 'live', got %q", c.Profile)
	}
	if len(c.Scheduler.Slots) == 0 {
		return fmt.Errorf("scheduler.slots must have at least one entry")
	}
	if c.Risk.TargetVol <= 0 {
		return fmt.Errorf("risk.target_vol must be > 0")
	}
	if c.Risk.FMin <= 0 || c.Risk.FMax <= c.Risk.FMin {
		return fmt.Errorf("risk.f_min/f_max must satisfy 0 < f_min < f_max")
	}
	if c.Allocator.MinWeight < 0 || c.Allocator.MaxWeight <= c.Allocator.MinWeight {
		return fmt.Errorf("allocator.min_weight/max_weight must satisfy 0 <= min_weight < max_weight")
	}
	if c.Allocator.MaxGrossLeverage <= 0 {
		return fmt.Errorf("allocator.max_gross_leverage must be > 0")
	}
	if c.Execution.MinTradeNotionalUSD < 0 {
		return fmt.Errorf("execution.min_trade_notional_usd must be >= 0")
	}
	if c.Hedge.AnnualBudgetPct < 0 {
		return fmt.Errorf("hedge.annual_budget_pct must be >= 0")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	if c.Store.LedgerPath == "" {
		return fmt.Errorf("store.ledger_path is required")
	}
	return nil
}
