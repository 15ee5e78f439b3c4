// Package config loads the daemon configuration from YAML, an optional .env
// file and ESCROWFLOW_* environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"escrowflow/council"
	"escrowflow/dividend"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/logging"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Service   string          `yaml:"service"`
	Env       string          `yaml:"env"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Escrow    EscrowConfig    `yaml:"escrow"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Council   CouncilConfig   `yaml:"council"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dividend  DividendConfig  `yaml:"dividend"`
	Review    ReviewConfig    `yaml:"review"`
	Notify    NotifyConfig    `yaml:"notify"`
}

type DatabaseConfig struct {
	URL            string `yaml:"url"`
	MaxConns       int32  `yaml:"max_conns"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type EscrowConfig struct {
	AutoReleaseWindow Duration           `yaml:"auto_release_window"`
	MinDisputeReason  int                `yaml:"min_dispute_reason"`
	SettlementLease   Duration           `yaml:"settlement_lease"`
	Fees              ledger.FeeSchedule `yaml:"fees"`
}

type BackendConfig struct {
	Name            string   `yaml:"name"`
	BaseURL         string   `yaml:"base_url"`
	APIKey          string   `yaml:"api_key"`
	Commission      string   `yaml:"commission"`
	PlatformAccount string   `yaml:"platform_account"`
	Timeout         Duration `yaml:"timeout"`
}

type GatewayConfig struct {
	TestMode        bool              `yaml:"test_mode"`
	Default         string            `yaml:"default"`
	Regions         map[string]string `yaml:"regions"`
	CheckoutSecret  string            `yaml:"checkout_secret"`
	CheckoutBaseURL string            `yaml:"checkout_base_url"`
	CheckoutTTL     Duration          `yaml:"checkout_ttl"`
	Backends        []BackendConfig   `yaml:"backends"`
}

type CouncilConfig struct {
	Timeout       Duration                  `yaml:"timeout"`
	MaxPrecedents int                       `yaml:"max_precedents"`
	Judges        []council.HTTPJudgeConfig `yaml:"judges"`
	// SweepSpec schedules arbitration of the dispute backlog.
	SweepSpec  string `yaml:"sweep_spec"`
	SweepBatch int    `yaml:"sweep_batch"`
}

type SchedulerConfig struct {
	Spec      string `yaml:"spec"`
	BatchSize int    `yaml:"batch_size"`
	Workers   int    `yaml:"workers"`
}

type DividendConfig struct {
	Spec     string           `yaml:"spec"`
	TimeZone string           `yaml:"time_zone"`
	Weights  map[string]int64 `yaml:"weights"`
}

type ReviewConfig struct {
	// Backend is "redis" or "sql".
	Backend    string `yaml:"backend"`
	RedisAddr  string `yaml:"redis_addr"`
	RedisKey   string `yaml:"redis_key"`
	SQLitePath string `yaml:"sqlite_path"`
}

type NotifyConfig struct {
	Spec        string `yaml:"spec"`
	BatchSize   int    `yaml:"batch_size"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// overrides lists the settings that may come from the environment.
type overrides struct {
	DatabaseURL     string        `env:"DATABASE_URL"`
	Env             string        `env:"ESCROWFLOW_ENV"`
	LogLevel        string        `env:"ESCROWFLOW_LOG_LEVEL"`
	MetricsListen   string        `env:"ESCROWFLOW_METRICS_LISTEN"`
	TestMode        string        `env:"ESCROWFLOW_GATEWAY_TEST_MODE"`
	CheckoutSecret  string        `env:"ESCROWFLOW_CHECKOUT_SECRET"`
	CouncilTimeout  time.Duration `env:"ESCROWFLOW_COUNCIL_TIMEOUT"`
	ReviewBackend   string        `env:"ESCROWFLOW_REVIEW_BACKEND"`
	RedisAddr       string        `env:"ESCROWFLOW_REDIS_ADDR"`
	SchedulerSpec   string        `env:"ESCROWFLOW_SCHEDULER_SPEC"`
	DividendSpec    string        `env:"ESCROWFLOW_DIVIDEND_SPEC"`
	DividendTZ      string        `env:"ESCROWFLOW_DIVIDEND_TZ"`
	JudgeAPIKeyVars string        `env:"ESCROWFLOW_JUDGE_KEYS"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Service: "escrowd",
		Env:     "development",
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrateOnStart: true,
		},
		Log:     LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Listen: ":9102"},
		Escrow: EscrowConfig{
			AutoReleaseWindow: Duration{72 * time.Hour},
			MinDisputeReason:  10,
			SettlementLease:   Duration{2 * time.Minute},
			Fees:              ledger.DefaultFeeSchedule(),
		},
		Gateway: GatewayConfig{
			TestMode:    true,
			CheckoutTTL: Duration{30 * time.Minute},
		},
		Council: CouncilConfig{
			Timeout:       Duration{council.DefaultTimeout},
			MaxPrecedents: council.DefaultMaxPrecedents,
			SweepSpec:     "@every 1m",
			SweepBatch:    20,
		},
		Scheduler: SchedulerConfig{Spec: "@every 5m", BatchSize: 100, Workers: 4},
		Dividend:  DividendConfig{Spec: dividend.DefaultSpec, TimeZone: "UTC"},
		Review:    ReviewConfig{Backend: "sql", SQLitePath: "review.db"},
		Notify:    NotifyConfig{Spec: "@every 30s", BatchSize: 50, MaxAttempts: 8},
	}
}

// Load reads path (optional), then .env, then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var env overrides
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("config: decode environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&c.Database.URL, env.DatabaseURL)
	set(&c.Env, env.Env)
	set(&c.Log.Level, env.LogLevel)
	set(&c.Metrics.Listen, env.MetricsListen)
	set(&c.Gateway.CheckoutSecret, env.CheckoutSecret)
	set(&c.Review.Backend, env.ReviewBackend)
	set(&c.Review.RedisAddr, env.RedisAddr)
	set(&c.Scheduler.Spec, env.SchedulerSpec)
	set(&c.Dividend.Spec, env.DividendSpec)
	set(&c.Dividend.TimeZone, env.DividendTZ)
	if env.CouncilTimeout > 0 {
		c.Council.Timeout = Duration{env.CouncilTimeout}
	}
	switch strings.ToLower(strings.TrimSpace(env.TestMode)) {
	case "":
	case "1", "true", "yes":
		c.Gateway.TestMode = true
	case "0", "false", "no":
		c.Gateway.TestMode = false
	default:
		return fmt.Errorf("config: ESCROWFLOW_GATEWAY_TEST_MODE: invalid boolean %q", env.TestMode)
	}
	// ESCROWFLOW_JUDGE_KEYS is "name=ENV_VAR,..." so keys stay out of YAML.
	for _, pair := range strings.Split(env.JudgeAPIKeyVars, ",") {
		name, variable, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		for i := range c.Council.Judges {
			if c.Council.Judges[i].Name == strings.TrimSpace(name) {
				c.Council.Judges[i].APIKey = os.Getenv(strings.TrimSpace(variable))
			}
		}
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return errors.New("config: database url required (DATABASE_URL)")
	}
	if err := c.Escrow.Fees.Validate(); err != nil {
		return fmt.Errorf("config: escrow fees: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.DividendWeights(); err != nil {
		return err
	}
	switch c.Review.Backend {
	case "redis":
		if c.Review.RedisAddr == "" {
			return errors.New("config: review.redis_addr required for redis backend")
		}
	case "sql":
		if c.Review.SQLitePath == "" {
			return errors.New("config: review.sqlite_path required for sql backend")
		}
	default:
		return fmt.Errorf("config: unknown review backend %q", c.Review.Backend)
	}
	if !c.Gateway.TestMode && c.Gateway.Default == "" {
		return errors.New("config: gateway.default required outside test mode")
	}
	return nil
}

// Location resolves the dividend time zone.
func (c Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Dividend.TimeZone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("config: dividend time zone: %w", err)
	}
	return loc, nil
}

// DividendWeights merges configured weights over the defaults.
func (c Config) DividendWeights() (dividend.Weights, error) {
	w := dividend.DefaultWeights()
	for kind, weight := range c.Dividend.Weights {
		w[dividend.Kind(kind)] = weight
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return w, nil
}

// LoggingOptions maps the log section onto logging.Options.
func (c Config) LoggingOptions() logging.Options {
	return logging.Options{
		Service:    c.Service,
		Env:        c.Env,
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// GatewayPolicy maps the gateway section onto the registry policy.
func (c Config) GatewayPolicy() gateway.Policy {
	return gateway.Policy{
		Default:  c.Gateway.Default,
		TestMode: c.Gateway.TestMode,
		Regions:  c.Gateway.Regions,
	}
}

// RESTBackends maps configured rails onto gateway configs.
func (c Config) RESTBackends() []gateway.RESTConfig {
	out := make([]gateway.RESTConfig, 0, len(c.Gateway.Backends))
	for _, b := range c.Gateway.Backends {
		out = append(out, gateway.RESTConfig{
			Name:            b.Name,
			BaseURL:         b.BaseURL,
			APIKey:          b.APIKey,
			Commission:      gateway.CommissionStyle(b.Commission),
			PlatformAccount: b.PlatformAccount,
			Timeout:         b.Timeout.Duration,
		})
	}
	return out
}
