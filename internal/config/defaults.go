package config

import (
	"github.com/shpitdev/soldcomp/internal/extract"
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("input.encoding", "auto")

	v.SetDefault("pricing.markup_rate", "0.2")
	v.SetDefault("pricing.fixed_profit", 3000)

	v.SetDefault("exchange.mode", ExchangeFixed)
	v.SetDefault("exchange.rate", "150")
	v.SetDefault("exchange.api_url", "")
	v.SetDefault("exchange.source_currency", "JPY")
	v.SetDefault("exchange.target_exponent", 2)
	v.SetDefault("exchange.timeout", "10s")
	v.SetDefault("exchange.max_retries", 3)

	v.SetDefault("market.base_url", "https://www.ebay.com")
	v.SetDefault("market.marketplace", "EBAY-US")
	v.SetDefault("market.search_days", 90)
	v.SetDefault("market.min_wait", "2s")
	v.SetDefault("market.max_wait", "5s")
	v.SetDefault("market.max_wait_cap", "60s")
	v.SetDefault("market.max_retry", 3)
	v.SetDefault("market.searches_per_minute", 10)
	v.SetDefault("market.request_timeout", "30s")
	v.SetDefault("market.cookie_file", "")
	v.SetDefault("market.user_agent", "")
	v.SetDefault("market.currency", "USD")
	v.SetDefault("market.price_filter.enabled", false)
	v.SetDefault("market.price_filter.min_minor", 0)
	v.SetDefault("market.price_filter.max_minor", 0)

	v.SetDefault("extract.patterns_file", "")
	v.SetDefault("extract.strip_chars", extract.DefaultStripChars)
	v.SetDefault("extract.strip_suffixes", extract.DefaultStripSuffixes)

	v.SetDefault("checkpoint.path", "")
	v.SetDefault("checkpoint.backend", BackendFile)
	v.SetDefault("checkpoint.interval", 10)
	v.SetDefault("checkpoint.retry_failed", false)

	v.SetDefault("output.dir", "output")
	v.SetDefault("output.xlsx", false)
	v.SetDefault("output.profitable_only_file", true)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("advise.model", "gemini-2.5-flash")
	v.SetDefault("advise.timeout", "60s")
	v.SetDefault("advise.max_titles", 50)
}
