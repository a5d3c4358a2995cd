// Package config defines all configuration for the execution core. Config
// is loaded from a YAML file (default: configs/config.yaml) with sensitive
// fields overridable via BOT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure via mapstructure tags.
type Config struct {
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Anomaly   AnomalyConfig   `mapstructure:"anomaly"`
	Execution ExecutionConfig `mapstructure:"execution"`
	State     StateConfig     `mapstructure:"state"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ExchangeConfig identifies the venue, its fee schedule, and request quotas.
type ExchangeConfig struct {
	Symbol          string  `mapstructure:"symbol"`
	MarginMode      bool    `mapstructure:"margin_mode"`
	FeeRateMaker    float64 `mapstructure:"fee_rate_maker"` // may be negative (rebate)
	FeeRateTaker    float64 `mapstructure:"fee_rate_taker"`
	BaseURL         string  `mapstructure:"base_url"`
	WSURL           string  `mapstructure:"ws_url"` // public market-data WebSocket endpoint
	APIKey          string  `mapstructure:"api_key"`
	APISecret       string  `mapstructure:"api_secret"`
	RateLimitGet    int     `mapstructure:"rate_limit_get"`  // requests per window
	RateLimitPost   int     `mapstructure:"rate_limit_post"` // requests per window; DELETE shares this budget, see SPEC_FULL.md §9.1
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	MarginDailyInterestRate float64 `mapstructure:"margin_daily_interest_rate"`

	// Breaker tunes the gateway's circuit breaker and retry/back-off
	// schedule — spec.md §4.2 names these as configuration
	// (failure_count_trigger, recovery_timeout) without fixing a group.
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	FailureThreshold  uint32        `mapstructure:"failure_threshold"`
	RecoveryTimeout   time.Duration `mapstructure:"recovery_timeout"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
}

// RiskConfig tunes the Kelly sizer, drawdown guard, and fee/confidence
// gates enforced by the Risk Evaluator.
type RiskConfig struct {
	MaxDrawdownRatio        float64       `mapstructure:"max_drawdown_ratio"`
	ConsecutiveLossLimit    int           `mapstructure:"consecutive_loss_limit"`
	CooldownHours           float64       `mapstructure:"cooldown_hours"`
	KellySafetyFactor       float64       `mapstructure:"kelly_safety_factor"`
	KellyCap                float64       `mapstructure:"kelly_cap"`
	MinTradesForKelly       int           `mapstructure:"min_trades_for_kelly"`
	MinMLConfidence         float64       `mapstructure:"min_ml_confidence"`
	MaxCapitalUsage         float64       `mapstructure:"max_capital_usage"`
	KellyLookbackDays       int           `mapstructure:"kelly_lookback_days"`
	InitialPositionSize     float64       `mapstructure:"initial_position_size"`
	FeeSafetyMultiplier     float64       `mapstructure:"fee_safety_multiplier"`
	InterestAvoidanceBuffer time.Duration `mapstructure:"interest_avoidance_buffer"`
	DenyScoreThreshold      float64       `mapstructure:"deny_score_threshold"`
	ConditionalScoreThreshold float64     `mapstructure:"conditional_score_threshold"`
}

// AnomalyConfig sets the thresholds for the rolling-window market checks.
type AnomalyConfig struct {
	SpreadWarning    float64 `mapstructure:"spread_warning"`
	SpreadCritical   float64 `mapstructure:"spread_critical"`
	LatencyWarningMS float64 `mapstructure:"latency_warning_ms"`
	LatencyCriticalMS float64 `mapstructure:"latency_critical_ms"`
	ZScoreThreshold  float64 `mapstructure:"zscore_threshold"`
	WindowSize       int     `mapstructure:"window_size"`
}

// ExecutionConfig tunes the orchestrator and order manager.
type ExecutionConfig struct {
	MaxConcurrentExecutions int           `mapstructure:"max_concurrent_executions"`
	ExecutionTimeout        time.Duration `mapstructure:"execution_timeout"`
	SubmitTimeout           time.Duration `mapstructure:"submit_timeout"`
	TakerAvoidDeadline      time.Duration `mapstructure:"taker_avoid_deadline"`
	MaxRetries              int           `mapstructure:"max_retries"`
	QueueCapacity           int           `mapstructure:"queue_capacity"`
	MaxWaitBeforeBoost      time.Duration `mapstructure:"max_wait_before_boost"`
	MakerUrgencyCap         float64       `mapstructure:"maker_urgency_cap"` // u_maker: signal.urgency below this favors a maker route
	TickSize                float64       `mapstructure:"tick_size"`
	AdverseMoveTolerance    float64       `mapstructure:"adverse_move_tolerance"` // fraction of touch price the planner tolerates before abandoning the maker leg
}

// Mode selects where persisted positions and orders are routed.
type Mode string

const (
	ModeLive     Mode = "live"
	ModePaper    Mode = "paper"
	ModeBacktest Mode = "backtest"
)

// StateConfig controls persistence and the timezone applied to every
// schedule (forced-close, interest accrual) in the process.
type StateConfig struct {
	PersistencePath string `mapstructure:"persistence_path"`
	Mode            Mode   `mapstructure:"mode"`
	Timezone        string `mapstructure:"timezone"`
	// ForcedCloseTime is the daily wall-clock moment (HH:MM, in Timezone)
	// the Position Tracker's forced-close scheduler wakes at, e.g. a half
	// hour before the venue's margin interest accrual cutoff.
	ForcedCloseTime string `mapstructure:"forced_close_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: BOT_API_KEY, BOT_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("BOT_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("BOT_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}

	return &cfg, nil
}

// Location resolves the configured timezone, defaulting to Asia/Tokyo — the
// venue this bot trades against is Japanese, and every forced-close and
// interest-accrual schedule in internal/position uses this single
// location (see SPEC_FULL.md §9.2).
func (c *Config) Location() (*time.Location, error) {
	tz := c.State.Timezone
	if tz == "" {
		tz = "Asia/Tokyo"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Validate checks all required fields and value ranges. A failure here is
// a ConfigError and is fatal at start-up (spec.md §7).
func (c *Config) Validate() error {
	if c.Exchange.Symbol == "" {
		return fmt.Errorf("exchange.symbol is required")
	}
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if c.Exchange.APIKey == "" {
		return fmt.Errorf("exchange.api_key is required (set BOT_API_KEY)")
	}
	if c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange.api_secret is required (set BOT_API_SECRET)")
	}
	if c.Exchange.RateLimitGet <= 0 {
		return fmt.Errorf("exchange.rate_limit_get must be > 0")
	}
	if c.Exchange.RateLimitPost <= 0 {
		return fmt.Errorf("exchange.rate_limit_post must be > 0")
	}
	if c.Exchange.RateLimitWindow <= 0 {
		return fmt.Errorf("exchange.rate_limit_window must be > 0")
	}
	if c.Risk.MaxDrawdownRatio <= 0 || c.Risk.MaxDrawdownRatio > 1 {
		return fmt.Errorf("risk.max_drawdown_ratio must be in (0, 1]")
	}
	if c.Risk.ConsecutiveLossLimit <= 0 {
		return fmt.Errorf("risk.consecutive_loss_limit must be > 0")
	}
	if c.Risk.KellySafetyFactor < 0.1 || c.Risk.KellySafetyFactor > 1.0 {
		return fmt.Errorf("risk.kelly_safety_factor must be in [0.1, 1.0]")
	}
	if c.Risk.KellyCap < 0.001 || c.Risk.KellyCap > 0.1 {
		return fmt.Errorf("risk.kelly_cap must be in [0.001, 0.1]")
	}
	if c.Risk.MinTradesForKelly < 5 || c.Risk.MinTradesForKelly > 100 {
		return fmt.Errorf("risk.min_trades_for_kelly must be in [5, 100]")
	}
	if c.Execution.MaxConcurrentExecutions <= 0 {
		return fmt.Errorf("execution.max_concurrent_executions must be > 0")
	}
	if c.Execution.ExecutionTimeout <= 0 {
		return fmt.Errorf("execution.execution_timeout must be > 0")
	}
	if c.State.PersistencePath == "" {
		return fmt.Errorf("state.persistence_path is required")
	}
	switch c.State.Mode {
	case ModeLive, ModePaper, ModeBacktest:
	default:
		return fmt.Errorf("state.mode must be one of: live, paper, backtest")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
