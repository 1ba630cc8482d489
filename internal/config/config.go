// Package config loads the service's environment configuration, grounded
// on forgequant-context8-mcp/mcp/internal/config/config.go's
// caarlos0/env struct-tag pattern.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-provided setting the service needs:
// storage, bus, per-upstream ingester credentials, and the ambient
// logging/metrics/cache knobs.
type Config struct {
	// Storage
	DatabaseURL  string `env:"DATABASE_URL,required"`
	DBMaxOpenConns int  `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`

	// HTTP / WebSocket
	Port        int    `env:"PORT" envDefault:"3000"`
	FrontendURL string `env:"FRONTEND_URL"`

	// Polymarket
	AlchemyWSURL       string `env:"ALCHEMY_WS_URL"`
	PolymarketMarkets  string `env:"POLYMARKET_MARKETS"`

	// Kalshi
	KalshiAPIKeyID   string `env:"KALSHI_API_KEY_ID"`
	KalshiPrivateKey string `env:"KALSHI_PRIVATE_KEY"`
	KalshiMarkets    string `env:"KALSHI_MARKETS"`

	// Market metadata cache. When unset, market titles are cached
	// in-process only.
	RedisURL            string `env:"REDIS_URL"`
	MarketTitleCacheTTL int    `env:"MARKET_TITLE_CACHE_TTL_SECONDS" envDefault:"3600"`

	// Observability
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`

	// Shutdown
	ShutdownGraceSeconds int `env:"SHUTDOWN_GRACE_SECONDS" envDefault:"10"`
}

// Load reads the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks structural constraints on the loaded configuration.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid METRICS_PORT: %d", c.MetricsPort)
	}
	if c.DBMaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be at least 1, got %d", c.DBMaxOpenConns)
	}
	if c.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("SHUTDOWN_GRACE_SECONDS must not be negative, got %d", c.ShutdownGraceSeconds)
	}
	if c.MarketTitleCacheTTL < 1 {
		return fmt.Errorf("MARKET_TITLE_CACHE_TTL_SECONDS must be at least 1, got %d", c.MarketTitleCacheTTL)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid LOG_LEVEL: %s", c.LogLevel)
	}

	if c.KalshiAPIKeyID != "" && c.KalshiPrivateKey == "" {
		return fmt.Errorf("KALSHI_API_KEY_ID set without KALSHI_PRIVATE_KEY")
	}

	return nil
}

// ShutdownGrace returns the configured per-stage shutdown grace period.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// MarketTitleTTL returns the configured market-title cache TTL.
func (c *Config) MarketTitleTTL() time.Duration {
	return time.Duration(c.MarketTitleCacheTTL) * time.Second
}

// KalshiMarketList splits KALSHI_MARKETS into tickers, trimming
// whitespace and dropping empties.
func (c *Config) KalshiMarketList() []string {
	return splitNonEmpty(c.KalshiMarkets)
}

// PolymarketMarketList splits POLYMARKET_MARKETS into outcome token ids.
func (c *Config) PolymarketMarketList() []string {
	return splitNonEmpty(c.PolymarketMarkets)
}

func splitNonEmpty(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MaskedDatabaseURL returns DatabaseURL with credentials redacted, safe to
// log. Mirrors the masking helper pattern the pack's Keshy31 config uses
// for its Alchemy key.
func (c *Config) MaskedDatabaseURL() string {
	at := strings.Index(c.DatabaseURL, "@")
	scheme := strings.Index(c.DatabaseURL, "://")
	if at == -1 || scheme == -1 || at < scheme {
		return c.DatabaseURL
	}
	return c.DatabaseURL[:scheme+3] + "***" + c.DatabaseURL[at:]
}
