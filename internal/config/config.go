// Package config loads the p2pboard configuration from TOML, .env and
// P2PBOARD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	Source    SourceConfig    `toml:"source"`
	Bybit     BybitConfig     `toml:"bybit"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Scraper   ScraperConfig   `toml:"scraper"`
	Dashboard DashboardConfig `toml:"dashboard"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// SourceConfig points the dashboard at the data-source backend. In full mode
// an empty APIURL means the backend served by this process.
type SourceConfig struct {
	APIURL       string   `toml:"api_url"`
	APIKey       string   `toml:"api_key"`
	FetchTimeout duration `toml:"fetch_timeout"`
}

// BybitConfig configures the upstream P2P listing client.
type BybitConfig struct {
	BaseURL      string            `toml:"base_url"`
	TokenID      string            `toml:"token_id"`
	CurrencyID   string            `toml:"currency_id"`
	PageSize     int               `toml:"page_size"`
	MaxPages     int               `toml:"max_pages"`
	Timeout      duration          `toml:"timeout"`
	Retries      int               `toml:"retries"`
	RetryBackoff duration          `toml:"retry_backoff"`
	Proxies      []string          `toml:"proxies"`
	PaymentNames map[string]string `toml:"payment_names"`
}

type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
	PreferIPv4    bool   `toml:"prefer_ipv4"`
}

// RedisConfig configures the cache, lock, limiter and signal bus. URL takes
// precedence over Addr, Password and DB.
type RedisConfig struct {
	URL        string   `toml:"url"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	OfferTTL   duration `toml:"offer_ttl"`
}

type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// ScraperConfig drives the backend scrape loop.
type ScraperConfig struct {
	Interval           duration `toml:"interval"`
	MinInterval        duration `toml:"min_interval"`
	LockTTL            duration `toml:"lock_ttl"`
	ScrapesPerMinute   int      `toml:"scrapes_per_minute"`
	DefaultAutoRefresh bool     `toml:"default_auto_refresh"`
}

// DashboardConfig drives the refresh session.
type DashboardConfig struct {
	Interval        duration `toml:"interval"`
	HighlightWindow duration `toml:"highlight_window"`
	SeenCapacity    int      `toml:"seen_capacity"`
	DailyCallLimit  int      `toml:"daily_call_limit"`
	// BackendInterval is the backend scrape interval shown in the call
	// budget. Zero uses scraper.interval.
	BackendInterval duration `toml:"backend_interval"`
}

type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// duration wraps time.Duration so TOML strings like "60s" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible defaults for local
// development.
func Defaults() Config {
	return Config{
		Source: SourceConfig{
			FetchTimeout: duration{30 * time.Second},
		},
		Bybit: BybitConfig{
			BaseURL:      "https://api2.bybit.com",
			TokenID:      "USDT",
			CurrencyID:   "RUB",
			PageSize:     100,
			MaxPages:     10,
			Timeout:      duration{10 * time.Second},
			Retries:      3,
			RetryBackoff: duration{2 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "p2pboard:",
			OfferTTL:   duration{10 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "p2pboard-archive",
			ForcePathStyle: true,
			Prefix:         "archive/offers",
		},
		Scraper: ScraperConfig{
			Interval:           duration{3 * time.Minute},
			MinInterval:        duration{90 * time.Second},
			LockTTL:            duration{time.Minute},
			ScrapesPerMinute:   6,
			DefaultAutoRefresh: true,
		},
		Dashboard: DashboardConfig{
			Interval:        duration{60 * time.Second},
			HighlightWindow: duration{3 * time.Second},
			SeenCapacity:    50_000,
			DailyCallLimit:  30_000,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:   []string{"fetch.rate_limited", "fetch.upstream_unavailable", "scrape.failed"},
			Cooldown: duration{5 * time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"backend":   true,
	"dashboard": true,
	"full":      true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration for the selected mode and returns every
// problem found as one joined error.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: backend, dashboard, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if mode == "backend" || mode == "full" {
		if c.Bybit.BaseURL == "" {
			add("bybit: base_url must not be empty")
		}
		if c.Bybit.TokenID == "" || c.Bybit.CurrencyID == "" {
			add("bybit: token_id and currency_id must be set")
		}
		if c.Bybit.PageSize <= 0 || c.Bybit.MaxPages <= 0 {
			add("bybit: page_size and max_pages must be positive")
		}
		for _, p := range c.Bybit.Proxies {
			if _, err := url.Parse(p); err != nil {
				add("bybit: invalid proxy %q: %v", p, err)
			}
		}
		if c.Postgres.DSN == "" && c.Postgres.Host == "" {
			add("postgres: dsn or host must be set for mode %s", mode)
		}
		if c.Redis.URL == "" && c.Redis.Addr == "" {
			add("redis: url or addr must be set for mode %s", mode)
		}
		if c.Scraper.Interval.Duration <= 0 {
			add("scraper: interval must be positive")
		}
		if c.Scraper.MinInterval.Duration < 0 {
			add("scraper: min_interval must not be negative")
		}
		if c.S3.Enabled && c.S3.Bucket == "" {
			add("s3: bucket is required when enabled")
		}
	}

	if mode == "dashboard" {
		if c.Source.APIURL == "" {
			add("source: api_url is required for mode dashboard")
		} else if u, err := url.Parse(c.Source.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("source: api_url %q is not an absolute URL", c.Source.APIURL)
		}
	}

	if mode == "dashboard" || mode == "full" {
		if c.Dashboard.Interval.Duration <= 0 {
			add("dashboard: interval must be positive")
		}
		if c.Dashboard.HighlightWindow.Duration <= 0 {
			add("dashboard: highlight_window must be positive")
		}
		if c.Dashboard.SeenCapacity < 0 {
			add("dashboard: seen_capacity must not be negative")
		}
		if c.Dashboard.DailyCallLimit <= 0 {
			add("dashboard: daily_call_limit must be positive")
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server: port %d out of range", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		add("server: rate_limit must not be negative")
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
