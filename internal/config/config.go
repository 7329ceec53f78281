// Package config loads and validates spotguard's YAML configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"spotguard/pkg/apperrors"
)

func parseDecimalStrict(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// Decimal parses a config string field as decimal.Decimal, returning
// decimal.Zero for an empty string. Callers that already validated the
// field via Validate() can treat the error as unreachable.
func Decimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Config is the complete configuration structure (spec.md §6.3).
type Config struct {
	App         AppConfig         `yaml:"app"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Safety      SafetyConfig      `yaml:"safety"`
	Risk        RiskConfig        `yaml:"risk"`
	Capital     CapitalConfig     `yaml:"capital"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Transport   TransportConfig   `yaml:"transport"`
	RulesPolicy RulesPolicyConfig `yaml:"rules_policy"`
	System      SystemConfig      `yaml:"system"`
}

// AppConfig identifies the process and its traded universe.
type AppConfig struct {
	Symbol        string `yaml:"symbol"`          // e.g. "BTCTRY"
	AccountKey    string `yaml:"account_key"`     // single-writer lock key
	StateDBPath   string `yaml:"state_db_path"`
	CycleSeconds  int    `yaml:"cycle_seconds"`   // cadence, 1-60s (spec.md §1)
	ProcessRole   string `yaml:"process_role"`    // folded into cycle_id derivation
}

// ExchangeConfig holds exchange API credentials. Secrets are redacting.
type ExchangeConfig struct {
	APIKey    Secret `yaml:"api_key"`
	APISecret Secret `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// SafetyConfig is the four-gate triple-arming configuration (spec.md §4.7).
type SafetyConfig struct {
	KillSwitch     bool   `yaml:"kill_switch"`
	DryRun         bool   `yaml:"dry_run"`
	LiveTrading    bool   `yaml:"live_trading"`
	LiveTradingAck string `yaml:"live_trading_ack"`
	SafeMode       bool   `yaml:"safe_mode"`
	StageEnabled   bool   `yaml:"stage_enabled"`
}

// RiskConfig holds the pre-trade filter and mode-decision thresholds
// (spec.md §4.4, §6.3).
type RiskConfig struct {
	MaxOrdersPerCycle        int     `yaml:"max_orders_per_cycle"`
	MaxOpenOrdersPerSymbol   int     `yaml:"max_open_orders_per_symbol"`
	CooldownSeconds          int64   `yaml:"cooldown_seconds"`
	MaxNotionalPerOrderTRY   string  `yaml:"max_notional_per_order_try"`
	NotionalCapPerCycleTRY   string  `yaml:"notional_cap_per_cycle_try"`
	MinOrderNotionalTRY      string  `yaml:"min_order_notional_try"`
	MinProfitBps             int64   `yaml:"min_profit_bps"`
	FeeBpsTaker              int64   `yaml:"fee_bps_taker"`
	SlippageBpsBuffer        int64   `yaml:"slippage_bps_buffer"`
	MaxDailyLossTRY          string  `yaml:"max_daily_loss_try"`
	MaxDrawdown              string  `yaml:"max_drawdown"`
	MaxGrossExposureTRY      string  `yaml:"max_gross_exposure_try"`
	MaxPositionPct           string  `yaml:"max_position_pct"`
	MaxFeePerDayTRY          string  `yaml:"max_fee_per_day_try"`
	MaxConsecutiveLosses     int     `yaml:"max_consecutive_losses"`
	ConsecutiveLossToObserve bool    `yaml:"consecutive_loss_to_observe"`
	CashReserveTargetTRY     string  `yaml:"cash_reserve_target_try"`
	MarketDataMaxAgeMs       int64   `yaml:"market_data_max_age_ms"`
	SpreadBpsSpike           int64   `yaml:"spread_bps_spike"`
	ModeCooldownSeconds      int64   `yaml:"mode_cooldown_seconds"`
}

// CapitalConfig configures the self-financing profit split (spec.md §4.4).
type CapitalConfig struct {
	ProfitCompoundRatio string `yaml:"profit_compound_ratio"` // default 0.60
	ProfitTreasuryRatio string `yaml:"profit_treasury_ratio"` // default 0.40
}

// ExecutionConfig configures the execution engine's lifecycle handling
// (spec.md §4.2, §6.3).
type ExecutionConfig struct {
	TTLSeconds                    int64 `yaml:"ttl_seconds"`
	MaxReconcileAttempts          int   `yaml:"max_reconcile_attempts"`
	ReconcileWallClockCeilingSecs int64 `yaml:"reconcile_wall_clock_ceiling_seconds"`
	UnknownOrderEscalationThreshold int64 `yaml:"unknown_order_escalation_threshold"`
	ActionDedupeBucketSeconds     int64 `yaml:"action_dedupe_bucket_seconds"`
	SafetyBufferRatio             string `yaml:"safety_buffer_ratio"`
}

// TransportConfig configures transport-wide rate limiting and retries
// (spec.md §5, §6.3).
type TransportConfig struct {
	RateLimitRPS     float64 `yaml:"rate_limit_rps"`
	RateLimitBurst   int     `yaml:"rate_limit_burst"`
	RestMaxRetries   int     `yaml:"rest_max_retries"`
	RestBaseDelayMs  int64   `yaml:"rest_base_delay_ms"`
	RestMaxDelayMs   int64   `yaml:"rest_max_delay_ms"`
}

// RulesPolicyConfig configures ExchangeRules failure handling (spec.md §4.5).
type RulesPolicyConfig struct {
	RequireMetadata         bool   `yaml:"rules_require_metadata"`
	InvalidMetadataPolicy   string `yaml:"rules_invalid_metadata_policy"` // skip_symbol | observe_only_cycle
	SafeMinNotionalTRY      string `yaml:"rules_safe_min_notional_try"`
}

// SystemConfig holds process-level ambient settings.
type SystemConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "console" | "json"
}

var envVarPattern = regexp.MustCompile(`\$\{(\w+)\}`)

func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// Load reads, expands, parses, and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.App.CycleSeconds == 0 {
		c.App.CycleSeconds = 5
	}
	if c.App.ProcessRole == "" {
		c.App.ProcessRole = "primary"
	}
	if c.Capital.ProfitCompoundRatio == "" {
		c.Capital.ProfitCompoundRatio = "0.60"
	}
	if c.Capital.ProfitTreasuryRatio == "" {
		c.Capital.ProfitTreasuryRatio = "0.40"
	}
	if c.RulesPolicy.InvalidMetadataPolicy == "" {
		c.RulesPolicy.InvalidMetadataPolicy = "skip_symbol"
	}
	if c.Execution.ActionDedupeBucketSeconds == 0 {
		c.Execution.ActionDedupeBucketSeconds = 5
	}
	if c.Execution.SafetyBufferRatio == "" {
		c.Execution.SafetyBufferRatio = "0.98"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.System.LogFormat == "" {
		c.System.LogFormat = "json"
	}
}

// Validate aggregates every configuration violation instead of failing
// on the first, so an operator can fix everything in one pass.
func (c *Config) Validate() error {
	var violations []string

	if c.App.Symbol == "" {
		violations = append(violations, "app.symbol is required")
	}
	if c.App.AccountKey == "" {
		violations = append(violations, "app.account_key is required")
	}
	if c.App.StateDBPath == "" {
		violations = append(violations, "app.state_db_path is required")
	}
	if c.App.CycleSeconds < 1 || c.App.CycleSeconds > 60 {
		violations = append(violations, "app.cycle_seconds must be in [1, 60]")
	}

	if !c.Safety.DryRun && c.Safety.LiveTrading {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			violations = append(violations, "exchange.api_key/api_secret are required when live_trading is enabled")
		}
		if c.Safety.LiveTradingAck != "I_UNDERSTAND" {
			violations = append(violations, "safety.live_trading_ack must equal \"I_UNDERSTAND\" exactly when live_trading is enabled")
		}
	}

	if c.Risk.MaxOrdersPerCycle < 1 {
		violations = append(violations, "risk.max_orders_per_cycle must be >= 1")
	}
	if c.Risk.MaxOpenOrdersPerSymbol < 1 {
		violations = append(violations, "risk.max_open_orders_per_symbol must be >= 1")
	}
	if c.Risk.MinProfitBps < 0 {
		violations = append(violations, "risk.min_profit_bps must be >= 0")
	}
	if err := requireDecimal("capital.profit_compound_ratio", c.Capital.ProfitCompoundRatio); err != nil {
		violations = append(violations, err.Error())
	}
	if err := requireDecimal("capital.profit_treasury_ratio", c.Capital.ProfitTreasuryRatio); err != nil {
		violations = append(violations, err.Error())
	}

	if c.Execution.MaxReconcileAttempts < 1 {
		violations = append(violations, "execution.max_reconcile_attempts must be >= 1")
	}
	if c.Execution.UnknownOrderEscalationThreshold < 1 {
		violations = append(violations, "execution.unknown_order_escalation_threshold must be >= 1")
	}

	if c.Transport.RateLimitRPS <= 0 {
		violations = append(violations, "transport.rate_limit_rps must be > 0")
	}
	if c.Transport.RateLimitBurst < 1 {
		violations = append(violations, "transport.rate_limit_burst must be >= 1")
	}

	switch c.RulesPolicy.InvalidMetadataPolicy {
	case "skip_symbol", "observe_only_cycle":
	default:
		violations = append(violations, fmt.Sprintf("rules_policy.rules_invalid_metadata_policy must be skip_symbol or observe_only_cycle, got %q", c.RulesPolicy.InvalidMetadataPolicy))
	}

	switch strings.ToUpper(c.System.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		violations = append(violations, fmt.Sprintf("system.log_level must be one of DEBUG/INFO/WARN/ERROR/FATAL, got %q", c.System.LogLevel))
	}

	if len(violations) > 0 {
		return &apperrors.ConfigurationError{Violations: violations}
	}
	return nil
}

func requireDecimal(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if _, err := parseDecimalStrict(value); err != nil {
		return fmt.Errorf("%s: invalid decimal %q: %w", field, value, err)
	}
	return nil
}
