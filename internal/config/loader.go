package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies P2PBOARD_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known P2PBOARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file. Platform aliases are read first so the P2PBOARD_* names win.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "P2PBOARD_MODE")
	setStr(&cfg.LogLevel, "P2PBOARD_LOG_LEVEL")

	// ── Source ──
	setStr(&cfg.Source.APIURL, "P2PBOARD_SOURCE_API_URL")
	setStr(&cfg.Source.APIKey, "P2PBOARD_SOURCE_API_KEY")
	setDuration(&cfg.Source.FetchTimeout, "P2PBOARD_SOURCE_FETCH_TIMEOUT")

	// ── Bybit ──
	setStr(&cfg.Bybit.BaseURL, "P2PBOARD_BYBIT_BASE_URL")
	setStr(&cfg.Bybit.TokenID, "P2PBOARD_BYBIT_TOKEN_ID")
	setStr(&cfg.Bybit.CurrencyID, "P2PBOARD_BYBIT_CURRENCY_ID")
	setInt(&cfg.Bybit.PageSize, "P2PBOARD_BYBIT_PAGE_SIZE")
	setInt(&cfg.Bybit.MaxPages, "P2PBOARD_BYBIT_MAX_PAGES")
	setDuration(&cfg.Bybit.Timeout, "P2PBOARD_BYBIT_TIMEOUT")
	setInt(&cfg.Bybit.Retries, "P2PBOARD_BYBIT_RETRIES")
	setDuration(&cfg.Bybit.RetryBackoff, "P2PBOARD_BYBIT_RETRY_BACKOFF")
	setStringSlice(&cfg.Bybit.Proxies, "P2PBOARD_BYBIT_PROXIES")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.DSN, "P2PBOARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "P2PBOARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "P2PBOARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "P2PBOARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "P2PBOARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "P2PBOARD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "P2PBOARD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "P2PBOARD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "P2PBOARD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "P2PBOARD_POSTGRES_RUN_MIGRATIONS")
	setBool(&cfg.Postgres.PreferIPv4, "P2PBOARD_POSTGRES_PREFER_IPV4")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL") // platform alias
	setStr(&cfg.Redis.URL, "P2PBOARD_REDIS_URL")
	setStr(&cfg.Redis.Addr, "P2PBOARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "P2PBOARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "P2PBOARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "P2PBOARD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "P2PBOARD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "P2PBOARD_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "P2PBOARD_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.OfferTTL, "P2PBOARD_REDIS_OFFER_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "P2PBOARD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "P2PBOARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "P2PBOARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "P2PBOARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "P2PBOARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "P2PBOARD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "P2PBOARD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "P2PBOARD_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "P2PBOARD_S3_PREFIX")

	// ── Scraper ──
	setDuration(&cfg.Scraper.Interval, "P2PBOARD_SCRAPER_INTERVAL")
	setDuration(&cfg.Scraper.MinInterval, "P2PBOARD_SCRAPER_MIN_INTERVAL")
	setDuration(&cfg.Scraper.LockTTL, "P2PBOARD_SCRAPER_LOCK_TTL")
	setInt(&cfg.Scraper.ScrapesPerMinute, "P2PBOARD_SCRAPER_SCRAPES_PER_MINUTE")
	setBool(&cfg.Scraper.DefaultAutoRefresh, "P2PBOARD_SCRAPER_DEFAULT_AUTO_REFRESH")

	// ── Dashboard ──
	setDuration(&cfg.Dashboard.Interval, "P2PBOARD_DASHBOARD_INTERVAL")
	setDuration(&cfg.Dashboard.HighlightWindow, "P2PBOARD_DASHBOARD_HIGHLIGHT_WINDOW")
	setInt(&cfg.Dashboard.SeenCapacity, "P2PBOARD_DASHBOARD_SEEN_CAPACITY")
	setInt(&cfg.Dashboard.DailyCallLimit, "P2PBOARD_DASHBOARD_DAILY_CALL_LIMIT")
	setDuration(&cfg.Dashboard.BackendInterval, "P2PBOARD_DASHBOARD_BACKEND_INTERVAL")

	// ── Server ──
	setInt(&cfg.Server.Port, "PORT") // platform alias
	setInt(&cfg.Server.Port, "P2PBOARD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "P2PBOARD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "P2PBOARD_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "P2PBOARD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "P2PBOARD_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "P2PBOARD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "P2PBOARD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "P2PBOARD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "P2PBOARD_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "P2PBOARD_NOTIFY_COOLDOWN")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
