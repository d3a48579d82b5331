package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/p2pboard/internal/blob/s3"
	"github.com/alanyoungcy/p2pboard/internal/cache/memory"
	"github.com/alanyoungcy/p2pboard/internal/cache/redis"
	"github.com/alanyoungcy/p2pboard/internal/config"
	"github.com/alanyoungcy/p2pboard/internal/domain"
	"github.com/alanyoungcy/p2pboard/internal/notify"
	"github.com/alanyoungcy/p2pboard/internal/server/handler"
	"github.com/alanyoungcy/p2pboard/internal/store/postgres"
)

// Dependencies bundles the infrastructure the modes run on. It is constructed
// by Wire and torn down by the returned cleanup function. Fields a mode does
// not need stay nil.
type Dependencies struct {
	// Stores
	OfferStore    domain.OfferStore
	SettingsStore domain.SettingsStore

	// Caches
	OfferCache  domain.OfferCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	Archiver domain.SnapshotArchiver

	// Notifications
	Notifier *notify.Notifier

	// Checks are the dependency probes reported by /api/health.
	Checks map[string]handler.Check
}

// needsBackendStores returns true for modes that scrape and persist offers.
func needsBackendStores(mode string) bool {
	switch mode {
	case ModeBackend, ModeFull:
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	if needsBackendStores(mode) {
		// --- PostgreSQL ---
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:        cfg.Postgres.DSN,
			Host:       cfg.Postgres.Host,
			Port:       cfg.Postgres.Port,
			Database:   cfg.Postgres.Database,
			User:       cfg.Postgres.User,
			Password:   cfg.Postgres.Password,
			SSLMode:    cfg.Postgres.SSLMode,
			MaxConns:   cfg.Postgres.PoolMaxConns,
			MinConns:   cfg.Postgres.PoolMinConns,
			PreferIPv4: cfg.Postgres.PreferIPv4,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.OfferStore = postgres.NewOfferStore(pool)
		deps.SettingsStore = postgres.NewSettingsStore(pool, cfg.Scraper.DefaultAutoRefresh)
		deps.Checks["postgres"] = pgClient.Ping

		// --- Redis ---
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.OfferCache = redis.NewOfferCache(redisClient, cfg.Redis.OfferTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping

		// --- S3 archive ---
		if cfg.S3.Enabled {
			s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
				Endpoint:       cfg.S3.Endpoint,
				Region:         cfg.S3.Region,
				Bucket:         cfg.S3.Bucket,
				AccessKey:      cfg.S3.AccessKey,
				SecretKey:      cfg.S3.SecretKey,
				UseSSL:         cfg.S3.UseSSL,
				ForcePathStyle: cfg.S3.ForcePathStyle,
			})
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: s3: %w", err)
			}
			deps.Archiver = s3blob.NewSnapshotArchiver(s3blob.NewWriter(s3Client), cfg.S3.Prefix)
			deps.Checks["s3"] = s3Client.Health
		}
	} else {
		// A standalone dashboard only needs pub/sub between the session and
		// its own websocket hub.
		deps.SignalBus = memory.NewSignalBus()
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	senders = append(senders, notify.NewBusSender(deps.SignalBus, domain.ChannelBoardUpdates))
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	logger.InfoContext(ctx, "dependencies wired",
		slog.String("mode", mode),
		slog.Int("health_checks", len(deps.Checks)),
		slog.Bool("archive", deps.Archiver != nil),
		slog.Int("notify_senders", len(senders)),
	)

	return deps, cleanup, nil
}
