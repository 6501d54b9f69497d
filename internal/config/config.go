// Package config loads and validates the engine's settings from a YAML
// file with environment-variable expansion, the way the teacher's own
// config package does it (os.Expand over the raw file content, struct-tag
// driven per-section validators, a masked String() for safe logging).
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode is the engine's run mode.
type Mode string

const (
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
	ModeBacktest Mode = "backtest"
)

// Config is the complete settings structure, re-keyed to the engine's
// enumerated minimum configuration surface.
type Config struct {
	Mode     Mode     `yaml:"mode" validate:"required,oneof=paper live backtest"`
	Exchange string   `yaml:"exchange" validate:"required"`
	Symbols  []string `yaml:"symbols" validate:"required,min=1"`

	FixedAmount float64 `yaml:"fixed_amount" validate:"required,min=0"`

	Intervals   IntervalsConfig   `yaml:"intervals"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	HTTP        HTTPConfig        `yaml:"http"`
	Risk        RiskConfig        `yaml:"risk"`
	Exits       ExitsConfig       `yaml:"exits"`
	AutoPause   AutoPauseConfig   `yaml:"auto_pause"`
	AutoResume  AutoResumeConfig  `yaml:"auto_resume"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Log         LogConfig         `yaml:"log"`
	Storage     StorageConfig     `yaml:"storage"`
}

// IntervalsConfig holds the four orchestrator loop periods.
type IntervalsConfig struct {
	EvalSec      int `yaml:"eval_interval_sec" validate:"required,min=1"`
	ExitsSec     int `yaml:"exits_interval_sec" validate:"required,min=1"`
	ReconcileSec int `yaml:"reconcile_interval_sec" validate:"required,min=1"`
	WatchdogSec  int `yaml:"watchdog_interval_sec" validate:"required,min=1"`
}

// IdempotencyConfig controls key bucketing and claim TTL. Both fields are
// expressed in the unit their name carries; mixing a ms-named bucket with
// a sec-named TTL is intentional (the bucket must subdivide evaluation
// ticks finely, the TTL only needs to outlive one broker round trip) but
// Validate rejects a bucket width of zero, which would silently degrade
// every key to the current-millisecond (see Validate).
type IdempotencyConfig struct {
	BucketMs int `yaml:"bucket_ms" validate:"required,min=1"`
	TTLSec   int `yaml:"ttl_sec" validate:"required,min=1"`
}

// HTTPConfig controls broker HTTP client timeouts.
type HTTPConfig struct {
	TimeoutSec int `yaml:"timeout_sec" validate:"required,min=1,max=300"`
}

// RiskConfig carries every RISK_* limit from the risk pipeline's twelve
// ordered rules.
type RiskConfig struct {
	MaxDriftMs         int64   `yaml:"max_drift_ms" validate:"min=0"`
	TradingHoursUTC    string  `yaml:"trading_hours_utc"` // e.g. "00:00-23:59", empty disables rule 2
	TradingDays        []int   `yaml:"trading_days"`      // 0=Sunday..6=Saturday, empty disables rule 2
	CooldownSec        int     `yaml:"cooldown_sec" validate:"min=0"`
	MaxSpreadPct       float64 `yaml:"max_spread_pct" validate:"min=0"`
	MaxPositionBase    float64 `yaml:"max_position_base" validate:"min=0"`
	MaxOrdersPerHour   int     `yaml:"max_orders_per_hour" validate:"min=0"`
	MaxTurnover5mQuote float64 `yaml:"max_turnover_5m_quote" validate:"min=0"`
	MaxLossStreak      int     `yaml:"max_loss_streak" validate:"min=0"`
	MaxDrawdownPct     float64 `yaml:"max_drawdown_pct" validate:"min=0"`
	DailyLossLimit     float64 `yaml:"daily_loss_limit_quote" validate:"min=0"`
	CorrelationGroups  map[string][]string `yaml:"correlation_groups"` // rule 12, optional
}

// ExitsConfig carries the protective-exit parameters.
type ExitsConfig struct {
	Mode          string  `yaml:"mode" validate:"oneof=hard trailing both off"`
	StopPct       float64 `yaml:"stop_pct" validate:"min=0"`
	TakePct       float64 `yaml:"take_pct" validate:"min=0"`
	TrailingPct   float64 `yaml:"trailing_pct" validate:"min=0"`
	MinBaseToExit float64 `yaml:"min_base_to_exit" validate:"min=0"`
}

// AutoPauseConfig holds SLA thresholds that trigger the watchdog's
// auto-pause action.
type AutoPauseConfig struct {
	ErrorRate5m    float64 `yaml:"error_rate_5m" validate:"min=0,max=1"`
	AvgLatencyMs5m float64 `yaml:"avg_latency_ms_5m" validate:"min=0"`
	DMSTimeoutMs   int64   `yaml:"dms_timeout_ms" validate:"required,min=1"`
	DMSAction      string  `yaml:"dms_action" validate:"oneof=close alert"`
}

// AutoResumeConfig holds the thresholds the watchdog requires before it
// will automatically resume a symbol it auto-paused.
type AutoResumeConfig struct {
	ErrorRate5m    float64 `yaml:"error_rate_5m" validate:"min=0,max=1"`
	AvgLatencyMs5m float64 `yaml:"avg_latency_ms_5m" validate:"min=0"`
	SustainedSec   int     `yaml:"sustained_sec" validate:"min=0"`
}

// CredentialsConfig holds exchange credentials. Each field may be supplied
// directly, via *_FILE (path to a file containing the value) or *_BASE64
// (base64-encoded value) — never logged, always wrapped in Secret.
type CredentialsConfig struct {
	APIKey      Secret `yaml:"api_key"`
	APISecret   Secret `yaml:"api_secret"`
	APIPassword Secret `yaml:"api_password"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL debug info warn error fatal"`
}

// StorageConfig points at the sqlite database file. DatabaseURL is optional:
// when set, Execute-Trade runs as a DBOS-durable workflow backed by that
// Postgres connection instead of running directly against sqlite-only
// state, the same engine_type: simple/dbos switch the teacher's config
// exposes.
type StorageConfig struct {
	Path        string `yaml:"path" validate:"required"`
	DatabaseURL string `yaml:"database_url"`
}

// ValidationError represents one configuration validation failure.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %q (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig reads filename, expands ${VAR} references against the
// process environment, and validates the result.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := resolveCredentialIndirection(&cfg); err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate performs comprehensive validation, collecting every failure
// rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []string

	validators := []func() error{
		c.validateMode,
		c.validateSymbols,
		c.validateIdempotency,
		c.validateCredentials,
		c.validateExits,
		c.validateDMSAction,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateMode() error {
	switch c.Mode {
	case ModePaper, ModeLive, ModeBacktest:
		return nil
	default:
		return ValidationError{Field: "mode", Value: c.Mode, Message: "must be one of: paper, live, backtest"}
	}
}

func (c *Config) validateSymbols() error {
	if len(c.Symbols) == 0 {
		return ValidationError{Field: "symbols", Message: "at least one symbol is required"}
	}
	return nil
}

// validateIdempotency rejects the mixed-unit configuration mistake the
// original implementation was silently vulnerable to: a bucket width
// small enough to look like it was specified in seconds collapses every
// evaluation tick into its own key, defeating the dedup the bucket exists
// for.
func (c *Config) validateIdempotency() error {
	if c.Idempotency.BucketMs < 1000 {
		return ValidationError{
			Field:   "idempotency.bucket_ms",
			Value:   c.Idempotency.BucketMs,
			Message: "bucket_ms must be expressed in milliseconds (e.g. 60000 for a one-minute bucket); a value under 1000 almost certainly means seconds were entered by mistake",
		}
	}
	return nil
}

func (c *Config) validateCredentials() error {
	if c.Mode != ModeLive {
		return nil
	}
	if c.Credentials.APIKey == "" {
		return ValidationError{Field: "credentials.api_key", Message: "required in live mode"}
	}
	if c.Credentials.APISecret == "" {
		return ValidationError{Field: "credentials.api_secret", Message: "required in live mode"}
	}
	return nil
}

func (c *Config) validateExits() error {
	switch c.Exits.Mode {
	case "", "hard", "trailing", "both", "off":
		return nil
	default:
		return ValidationError{Field: "exits.mode", Value: c.Exits.Mode, Message: "must be one of: hard, trailing, both, off"}
	}
}

func (c *Config) validateDMSAction() error {
	switch c.AutoPause.DMSAction {
	case "", "close", "alert":
		return nil
	default:
		return ValidationError{Field: "auto_pause.dms_action", Value: c.AutoPause.DMSAction, Message: "must be one of: close, alert"}
	}
}

// String renders the config with every Secret field redacted, safe to log.
func (c *Config) String() string {
	cp := *c
	data, _ := yaml.Marshal(cp)
	return string(data)
}

// EvalInterval returns the evaluation loop period as a time.Duration.
func (c *Config) EvalInterval() time.Duration {
	return time.Duration(c.Intervals.EvalSec) * time.Second
}

// expandEnvVars substitutes ${VAR} / $VAR references against the process
// environment, leaving unset critical variables blank rather than
// erroring so that LoadConfig's own validation can report a clean,
// field-scoped error instead of a raw env-var name.
func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

// resolveCredentialIndirection loads API_KEY_FILE / API_KEY_BASE64 style
// indirection for the three credential fields, per spec: "Credentials
// must be loadable from file or base64 indirection, never logged."
func resolveCredentialIndirection(c *Config) error {
	resolve := func(direct *Secret, fileEnv, base64Env string) error {
		if *direct != "" {
			return nil
		}
		if path := os.Getenv(fileEnv); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", fileEnv, err)
			}
			*direct = Secret(strings.TrimSpace(string(data)))
			return nil
		}
		if enc := os.Getenv(base64Env); enc != "" {
			data, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return fmt.Errorf("decode %s: %w", base64Env, err)
			}
			*direct = Secret(strings.TrimSpace(string(data)))
		}
		return nil
	}

	if err := resolve(&c.Credentials.APIKey, "API_KEY_FILE", "API_KEY_BASE64"); err != nil {
		return err
	}
	if err := resolve(&c.Credentials.APISecret, "API_SECRET_FILE", "API_SECRET_BASE64"); err != nil {
		return err
	}
	return resolve(&c.Credentials.APIPassword, "API_PASSWORD_FILE", "API_PASSWORD_BASE64")
}

// DefaultConfig returns a conservative paper-mode default, used by tests
// and as the starting point for a generated config file.
func DefaultConfig() *Config {
	return &Config{
		Mode:        ModePaper,
		Exchange:    "binance",
		Symbols:     []string{"BTC/USDT"},
		FixedAmount: 25,
		Intervals: IntervalsConfig{
			EvalSec:      5,
			ExitsSec:     5,
			ReconcileSec: 60,
			WatchdogSec:  15,
		},
		Idempotency: IdempotencyConfig{
			BucketMs: 60000,
			TTLSec:   120,
		},
		HTTP: HTTPConfig{TimeoutSec: 10},
		Risk: RiskConfig{
			MaxDriftMs:         2000,
			CooldownSec:        30,
			MaxSpreadPct:       0.5,
			MaxPositionBase:    1.0,
			MaxOrdersPerHour:   20,
			MaxTurnover5mQuote: 5000,
			MaxLossStreak:      5,
			MaxDrawdownPct:     0.2,
			DailyLossLimit:     500,
		},
		Exits: ExitsConfig{
			Mode:          "both",
			StopPct:       0.02,
			TakePct:       0.04,
			TrailingPct:   0.015,
			MinBaseToExit: 0.0001,
		},
		AutoPause: AutoPauseConfig{
			ErrorRate5m:    0.2,
			AvgLatencyMs5m: 2000,
			DMSTimeoutMs:   60000,
			DMSAction:      "alert",
		},
		AutoResume: AutoResumeConfig{
			ErrorRate5m:    0.05,
			AvgLatencyMs5m: 800,
			SustainedSec:   300,
		},
		Log:     LogConfig{Level: "INFO"},
		Storage: StorageConfig{Path: "./engine.db"},
	}
}
