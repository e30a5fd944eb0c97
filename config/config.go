/*
Package config loads engine configuration from YAML with environment
overrides.

PURPOSE:
  Single place the server reads tunables: HTTP listen address, database
  path, the active premium policy, the penalty schedule, scheduler cron
  expressions, and posting retry limits.

PRECEDENCE:
  defaults < YAML file < environment variables

  Environment variables use the PREMIUM_ prefix, e.g. PREMIUM_HTTP_ADDR,
  PREMIUM_DB_PATH. Only operational knobs are env-overridable; policy
  numbers come from the file so they stay reviewable.
*/
package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/premium-engine/engine"
)

// Config is the full server configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Policy    PolicyConfig    `yaml:"policy"`
	Penalty   PenaltyConfig   `yaml:"penalty"`
	Posting   PostingConfig   `yaml:"posting"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
	Seed bool   `yaml:"seed"`
}

// PolicyConfig mirrors engine.PremiumPolicy in YAML-friendly types.
// Rates are decimal strings to avoid float drift in review diffs.
type PolicyConfig struct {
	Kind           string `yaml:"kind"`
	BaseRate       string `yaml:"base_rate"`
	RiskMultiplier string `yaml:"risk_multiplier"`
	MaxRiskScore   string `yaml:"max_risk_score"`
	MaxRate        string `yaml:"max_rate"`
}

type PenaltyConfig struct {
	GracePeriodDays int    `yaml:"grace_period_days"`
	BaseRate        string `yaml:"base_rate"`
	EscalationRate  string `yaml:"escalation_rate"`
	StepDays        int    `yaml:"step_days"`
	MaxRate         string `yaml:"max_rate"`
}

type PostingConfig struct {
	MaxAttempts     int    `yaml:"max_attempts"`
	InitialInterval string `yaml:"initial_interval"`
}

// SchedulerConfig holds cron expressions for the background jobs.
type SchedulerConfig struct {
	OverdueSweep string `yaml:"overdue_sweep"`
	PenaltySweep string `yaml:"penalty_sweep"`
	PostingRetry string `yaml:"posting_retry"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		HTTP:     HTTPConfig{Addr: ":8080"},
		Database: DatabaseConfig{Path: "./data/premium.db"},
		Policy: PolicyConfig{
			Kind:           "risk_based",
			BaseRate:       "0.0015",
			RiskMultiplier: "1.5",
			MaxRiskScore:   "5",
			MaxRate:        "0.01",
		},
		Penalty: PenaltyConfig{
			GracePeriodDays: 5,
			BaseRate:        "0.05",
			EscalationRate:  "0.01",
			StepDays:        30,
			MaxRate:         "0.15",
		},
		Posting: PostingConfig{
			MaxAttempts:     3,
			InitialInterval: "2s",
		},
		Scheduler: SchedulerConfig{
			OverdueSweep: "0 1 * * *",
			PenaltySweep: "30 1 * * *",
			PostingRetry: "*/15 * * * *",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if v := os.Getenv("PREMIUM_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("PREMIUM_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("PREMIUM_DB_SEED"); v == "1" || v == "true" {
		cfg.Database.Seed = true
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if _, err := c.PremiumPolicy(); err != nil {
		return err
	}
	if _, err := c.PenaltyPolicy(); err != nil {
		return err
	}
	if c.Posting.MaxAttempts < 1 {
		return fmt.Errorf("posting.max_attempts must be at least 1")
	}
	return nil
}

// PremiumPolicy builds the engine policy from the config strings.
func (c Config) PremiumPolicy() (engine.PremiumPolicy, error) {
	kind := engine.PolicyKind(c.Policy.Kind)
	if kind != engine.PolicyFlatRate && kind != engine.PolicyRiskBased {
		return engine.PremiumPolicy{}, fmt.Errorf("unknown policy kind %q", c.Policy.Kind)
	}

	baseRate, err := parseRate("policy.base_rate", c.Policy.BaseRate)
	if err != nil {
		return engine.PremiumPolicy{}, err
	}
	riskMult, err := parseRate("policy.risk_multiplier", c.Policy.RiskMultiplier)
	if err != nil {
		return engine.PremiumPolicy{}, err
	}
	maxRisk, err := parseRate("policy.max_risk_score", c.Policy.MaxRiskScore)
	if err != nil {
		return engine.PremiumPolicy{}, err
	}
	maxRate, err := parseRate("policy.max_rate", c.Policy.MaxRate)
	if err != nil {
		return engine.PremiumPolicy{}, err
	}

	return engine.PremiumPolicy{
		Kind:           kind,
		BaseRate:       baseRate,
		RiskMultiplier: riskMult,
		MaxRiskScore:   maxRisk,
		MaxRate:        maxRate,
		Active:         true,
	}, nil
}

// PenaltyPolicy builds the engine penalty schedule from the config strings.
func (c Config) PenaltyPolicy() (engine.PenaltyPolicy, error) {
	if c.Penalty.GracePeriodDays < 0 {
		return engine.PenaltyPolicy{}, fmt.Errorf("penalty.grace_period_days must not be negative")
	}
	if c.Penalty.StepDays < 1 {
		return engine.PenaltyPolicy{}, fmt.Errorf("penalty.step_days must be at least 1")
	}

	baseRate, err := parseRate("penalty.base_rate", c.Penalty.BaseRate)
	if err != nil {
		return engine.PenaltyPolicy{}, err
	}
	escalation, err := parseRate("penalty.escalation_rate", c.Penalty.EscalationRate)
	if err != nil {
		return engine.PenaltyPolicy{}, err
	}
	maxRate, err := parseRate("penalty.max_rate", c.Penalty.MaxRate)
	if err != nil {
		return engine.PenaltyPolicy{}, err
	}

	return engine.PenaltyPolicy{
		GracePeriodDays: c.Penalty.GracePeriodDays,
		BaseRate:        baseRate,
		EscalationRate:  escalation,
		StepDays:        c.Penalty.StepDays,
		MaxRate:         maxRate,
	}, nil
}

func parseRate(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}
