package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/shpitdev/soldcomp/internal/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	return v
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(defaults(t))
	require.NoError(t, err)

	assert.True(t, cfg.Pricing.Markup().Equal(decimal.RequireFromString("0.2")))
	assert.Equal(t, int64(3000), cfg.Pricing.FixedProfitMinor)
	assert.True(t, cfg.Exchange.FixedRate().Equal(decimal.NewFromInt(150)))
	assert.Equal(t, int32(2), cfg.Exchange.TargetExponent)
	assert.Equal(t, 2*time.Second, cfg.Market.MinWait)
	assert.Equal(t, 5*time.Second, cfg.Market.MaxWait)
	assert.Equal(t, 60*time.Second, cfg.Market.MaxWaitCap)
	assert.Equal(t, 3, cfg.Market.MaxRetry)
	assert.Equal(t, 90, cfg.Market.SearchDays)
	assert.Equal(t, 10, cfg.Checkpoint.Interval)
	assert.Equal(t, config.BackendFile, cfg.Checkpoint.Backend)
	assert.Equal(t, filepath.Join("output", "checkpoint.json"), cfg.CheckpointPath())
	assert.NotEmpty(t, cfg.Extract.StripSuffixes)
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	// t.Setenv forbids t.Parallel.
	path := filepath.Join(t.TempDir(), "soldcomp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pricing:
  markup_rate: 0.35
  fixed_profit: 5000
market:
  max_retry: 5
checkpoint:
  backend: sqlite
`), 0o600))
	t.Setenv("SOLDCOMP_MARKET_MAX_RETRY", "7")

	v, err := config.NewViper(path)
	require.NoError(t, err)
	cfg, err := config.Load(v)
	require.NoError(t, err)

	assert.True(t, cfg.Pricing.Markup().Equal(decimal.RequireFromString("0.35")))
	assert.Equal(t, int64(5000), cfg.Pricing.FixedProfitMinor)
	assert.Equal(t, 7, cfg.Market.MaxRetry, "env overrides file")
	assert.Equal(t, config.BackendSQLite, cfg.Checkpoint.Backend)
	assert.Equal(t, filepath.Join("output", "checkpoint.db"), cfg.CheckpointPath())
}

func TestNewViper_MissingExplicitFile(t *testing.T) {
	t.Parallel()

	_, err := config.NewViper(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		key  string
		val  any
		want string
	}{
		{name: "zero exchange rate", key: "exchange.rate", val: "0", want: "exchange.rate must be > 0"},
		{name: "negative exchange rate", key: "exchange.rate", val: "-150", want: "exchange.rate must be > 0"},
		{name: "markup above range", key: "pricing.markup_rate", val: "10.5", want: "markup_rate must be within"},
		{name: "markup not a number", key: "pricing.markup_rate", val: "lots", want: "is not a number"},
		{name: "negative fixed profit", key: "pricing.fixed_profit", val: -1, want: "fixed_profit must be >= 0"},
		{name: "min wait above max", key: "market.min_wait", val: "10s", want: "must not exceed market.max_wait"},
		{name: "zero interval", key: "checkpoint.interval", val: 0, want: "checkpoint.interval"},
		{name: "unknown backend", key: "checkpoint.backend", val: "redis", want: "checkpoint.backend"},
		{name: "unknown exchange mode", key: "exchange.mode", val: "guess", want: "exchange.mode"},
		{name: "api mode needs url", key: "exchange.mode", val: "api", want: "exchange.api_url is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := defaults(t)
			v.Set(tt.key, tt.val)
			_, err := config.Load(v)
			require.Error(t, err)
			assert.True(t, errors.Is(err, config.ErrInvalid))
			assert.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}
}
