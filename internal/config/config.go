// Package config loads and validates the soldcomp configuration.
//
// Sources, lowest precedence first: built-in defaults, the YAML config file,
// SOLDCOMP_* environment variables, then command-line flags bound by the CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// ErrInvalid marks configuration that failed validation.
var ErrInvalid = errors.New("invalid configuration")

const (
	EnvPrefix         = "SOLDCOMP"
	DefaultConfigFile = "soldcomp.yaml"
)

// Exchange modes.
const (
	ExchangeFixed = "fixed"
	ExchangeAPI   = "api"
)

// Checkpoint backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type Config struct {
	Input      InputConfig      `mapstructure:"input"`
	Pricing    PricingConfig    `mapstructure:"pricing"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Market     MarketConfig     `mapstructure:"market"`
	Extract    ExtractConfig    `mapstructure:"extract"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Output     OutputConfig     `mapstructure:"output"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
	Advise     AdviseConfig     `mapstructure:"advise"`
}

type InputConfig struct {
	Path string `mapstructure:"path"`
	// Encoding is auto, utf-8 or shift_jis.
	Encoding string `mapstructure:"encoding"`
}

type PricingConfig struct {
	// MarkupRate is kept as text so "0.2" stays exact.
	MarkupRate       string `mapstructure:"markup_rate"`
	FixedProfitMinor int64  `mapstructure:"fixed_profit"`

	markup decimal.Decimal
}

// Markup is MarkupRate parsed by Load.
func (p PricingConfig) Markup() decimal.Decimal {
	return p.markup
}

type ExchangeConfig struct {
	Mode           string        `mapstructure:"mode"`
	Rate           string        `mapstructure:"rate"`
	APIURL         string        `mapstructure:"api_url"`
	SourceCurrency string        `mapstructure:"source_currency"`
	TargetExponent int32         `mapstructure:"target_exponent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`

	rate decimal.Decimal
}

// FixedRate is Rate parsed by Load.
func (e ExchangeConfig) FixedRate() decimal.Decimal {
	return e.rate
}

type PriceFilterConfig struct {
	Enabled  bool  `mapstructure:"enabled"`
	MinMinor int64 `mapstructure:"min_minor"`
	MaxMinor int64 `mapstructure:"max_minor"`
}

type MarketConfig struct {
	BaseURL           string            `mapstructure:"base_url"`
	Marketplace       string            `mapstructure:"marketplace"`
	SearchDays        int               `mapstructure:"search_days"`
	MinWait           time.Duration     `mapstructure:"min_wait"`
	MaxWait           time.Duration     `mapstructure:"max_wait"`
	MaxWaitCap        time.Duration     `mapstructure:"max_wait_cap"`
	MaxRetry          int               `mapstructure:"max_retry"`
	SearchesPerMinute float64           `mapstructure:"searches_per_minute"`
	RequestTimeout    time.Duration     `mapstructure:"request_timeout"`
	CookieFile        string            `mapstructure:"cookie_file"`
	UserAgent         string            `mapstructure:"user_agent"`
	Currency          string            `mapstructure:"currency"`
	PriceFilter       PriceFilterConfig `mapstructure:"price_filter"`
}

type ExtractConfig struct {
	PatternsFile  string   `mapstructure:"patterns_file"`
	StripChars    string   `mapstructure:"strip_chars"`
	StripSuffixes []string `mapstructure:"strip_suffixes"`
}

type CheckpointConfig struct {
	Path     string `mapstructure:"path"`
	Backend  string `mapstructure:"backend"`
	Interval int    `mapstructure:"interval"`
	// RetryFailed re-plans records that failed on the marketplace (retries
	// exhausted or session expired) in a previous run.
	RetryFailed bool `mapstructure:"retry_failed"`
}

type OutputConfig struct {
	Dir                string `mapstructure:"dir"`
	XLSX               bool   `mapstructure:"xlsx"`
	ProfitableOnlyFile bool   `mapstructure:"profitable_only_file"`
}

type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables the server.
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

type AdviseConfig struct {
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxTitles bounds how many fallback titles are sent per request.
	MaxTitles int `mapstructure:"max_titles"`
}

// NewViper returns a viper instance with defaults, environment binding and,
// when present, the config file. An explicit configFile must exist; the
// default file is optional.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := strings.TrimSpace(configFile)
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
		if _, err := os.Stat(path); err != nil {
			return v, nil
		}
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}
	return v, nil
}

// Load decodes v into a validated Config.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field and parses decimal values. All problems are
// reported together.
func (c *Config) Validate() error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	markup, err := decimal.NewFromString(strings.TrimSpace(c.Pricing.MarkupRate))
	switch {
	case err != nil:
		addf("pricing.markup_rate %q is not a number", c.Pricing.MarkupRate)
	case markup.IsNegative() || markup.GreaterThan(decimal.NewFromInt(10)):
		addf("pricing.markup_rate must be within [0, 10], got %s", markup)
	default:
		c.Pricing.markup = markup
	}
	if c.Pricing.FixedProfitMinor < 0 {
		addf("pricing.fixed_profit must be >= 0, got %d", c.Pricing.FixedProfitMinor)
	}

	switch c.Exchange.Mode {
	case ExchangeFixed:
		rate, err := decimal.NewFromString(strings.TrimSpace(c.Exchange.Rate))
		switch {
		case err != nil:
			addf("exchange.rate %q is not a number", c.Exchange.Rate)
		case !rate.IsPositive():
			addf("exchange.rate must be > 0, got %s", rate)
		default:
			c.Exchange.rate = rate
		}
	case ExchangeAPI:
		if strings.TrimSpace(c.Exchange.APIURL) == "" {
			addf("exchange.api_url is required when exchange.mode is %q", ExchangeAPI)
		}
		if strings.TrimSpace(c.Exchange.SourceCurrency) == "" {
			addf("exchange.source_currency is required when exchange.mode is %q", ExchangeAPI)
		}
	default:
		addf("exchange.mode must be %q or %q, got %q", ExchangeFixed, ExchangeAPI, c.Exchange.Mode)
	}
	if c.Exchange.TargetExponent < 0 || c.Exchange.TargetExponent > 4 {
		addf("exchange.target_exponent must be within [0, 4], got %d", c.Exchange.TargetExponent)
	}

	m := c.Market
	if strings.TrimSpace(m.BaseURL) == "" {
		addf("market.base_url is required")
	}
	if m.SearchDays < 1 {
		addf("market.search_days must be >= 1, got %d", m.SearchDays)
	}
	if m.MinWait < 0 {
		addf("market.min_wait must be >= 0, got %s", m.MinWait)
	}
	if m.MinWait > m.MaxWait {
		addf("market.min_wait (%s) must not exceed market.max_wait (%s)", m.MinWait, m.MaxWait)
	}
	if m.MaxWaitCap < m.MaxWait {
		addf("market.max_wait_cap (%s) must be >= market.max_wait (%s)", m.MaxWaitCap, m.MaxWait)
	}
	if m.MaxRetry < 0 {
		addf("market.max_retry must be >= 0, got %d", m.MaxRetry)
	}
	if m.SearchesPerMinute < 0 {
		addf("market.searches_per_minute must be >= 0, got %g", m.SearchesPerMinute)
	}
	if f := m.PriceFilter; f.Enabled && f.MaxMinor > 0 && f.MinMinor > f.MaxMinor {
		addf("market.price_filter.min_minor (%d) exceeds max_minor (%d)", f.MinMinor, f.MaxMinor)
	}

	switch c.Checkpoint.Backend {
	case BackendFile, BackendSQLite:
	default:
		addf("checkpoint.backend must be %q or %q, got %q", BackendFile, BackendSQLite, c.Checkpoint.Backend)
	}
	if c.Checkpoint.Interval < 1 {
		addf("checkpoint.interval must be >= 1, got %d", c.Checkpoint.Interval)
	}

	switch strings.ToLower(strings.TrimSpace(c.Input.Encoding)) {
	case "", "auto", "utf-8", "shift_jis":
	default:
		addf("input.encoding must be auto, utf-8 or shift_jis, got %q", c.Input.Encoding)
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.Mark(errors.Newf("%s", strings.Join(problems, "; ")), ErrInvalid)
}

// CheckpointPath resolves the checkpoint location, defaulting into the output dir.
func (c Config) CheckpointPath() string {
	if p := strings.TrimSpace(c.Checkpoint.Path); p != "" {
		return p
	}
	name := "checkpoint.json"
	if c.Checkpoint.Backend == BackendSQLite {
		name = "checkpoint.db"
	}
	return filepath.Join(strings.TrimSpace(c.Output.Dir), name)
}
