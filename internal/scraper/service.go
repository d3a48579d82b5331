// Package scraper is the data-source backend: it scrapes the upstream
// exchange on demand or on a schedule, persists each side wholesale and
// serves the latest snapshot with its cache provenance.
package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/p2pboard/internal/domain"
	"github.com/alanyoungcy/p2pboard/internal/notify"
)

const (
	// DefaultMinInterval is how old a stored side must be before a
	// non-forced request scrapes again.
	DefaultMinInterval = 90 * time.Second

	DefaultLockTTL = time.Minute

	rateLimitKey = "upstream:scrape"
)

// Fetcher scrapes one side from the upstream exchange.
type Fetcher interface {
	FetchSide(ctx context.Context, side domain.Side) ([]domain.Offer, error)
}

// Notifier receives operator notices.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notice) error
}

// Config tunes the Service.
type Config struct {
	MinInterval time.Duration
	LockTTL     time.Duration
	// ScrapesPerMinute caps upstream scrapes across all replicas. Zero
	// disables the limit.
	ScrapesPerMinute int
}

// Deps are the collaborators of a Service. Fetcher, Store and Settings are
// required; the rest may be nil.
type Deps struct {
	Fetcher  Fetcher
	Store    domain.OfferStore
	Settings domain.SettingsStore
	Cache    domain.OfferCache
	Locks    domain.LockManager
	Limiter  domain.RateLimiter
	Archiver domain.SnapshotArchiver
	Bus      domain.SignalBus
	Notifier Notifier
}

// Service implements the data-source contract consumed by dashboards.
type Service struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(deps Deps, cfg Config, logger *slog.Logger) *Service {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &Service{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "scraper")),
		now:    time.Now,
	}
}

// UpdateEvent is published on domain.ChannelOffersUpdated after a scrape.
type UpdateEvent struct {
	Side       domain.Side `json:"side"`
	UpdatedAt  time.Time   `json:"updated_at"`
	OfferCount int         `json:"offer_count"`
}

// Offers returns the snapshot of side. It scrapes upstream when force is set
// or the stored side is older than the minimum interval; otherwise, or when
// another replica is already scraping, it serves the cached or stored copy.
func (s *Service) Offers(ctx context.Context, side domain.Side, force bool) (domain.SideSnapshot, error) {
	if !side.Valid() {
		return domain.SideSnapshot{}, fmt.Errorf("scraper: offers: %w: %q", domain.ErrUnknownSide, side)
	}

	auto, err := s.deps.Settings.AutoRefresh(ctx)
	if err != nil {
		return domain.SideSnapshot{}, fmt.Errorf("scraper: offers: %w", err)
	}

	scrape := force
	if !scrape {
		if scrape, err = s.stale(ctx, side); err != nil {
			return domain.SideSnapshot{}, fmt.Errorf("scraper: offers: %w", err)
		}
	}

	if scrape {
		snap, err := s.scrape(ctx, side, auto)
		switch {
		case err == nil:
			return snap, nil
		case errors.Is(err, domain.ErrLockHeld):
			s.logger.DebugContext(ctx, "scrape in progress elsewhere, serving stored",
				slog.String("side", string(side)),
			)
		default:
			return domain.SideSnapshot{}, fmt.Errorf("scraper: offers: %w", err)
		}
	}

	snap, err := s.stored(ctx, side, auto)
	if err != nil {
		return domain.SideSnapshot{}, fmt.Errorf("scraper: offers: %w", err)
	}
	return snap, nil
}

// Status returns the last update time and offer count of side without the
// offers themselves.
func (s *Service) Status(ctx context.Context, side domain.Side) (domain.SideStatus, error) {
	if !side.Valid() {
		return domain.SideStatus{}, fmt.Errorf("scraper: status: %w: %q", domain.ErrUnknownSide, side)
	}

	auto, err := s.deps.Settings.AutoRefresh(ctx)
	if err != nil {
		return domain.SideStatus{}, fmt.Errorf("scraper: status: %w", err)
	}

	at, count, err := s.deps.Store.LastUpdate(ctx, side)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.SideStatus{}, fmt.Errorf("scraper: status: %w", err)
	}
	return domain.SideStatus{Side: side, UpdatedAt: at, OfferCount: count, AutoRefresh: auto}, nil
}

// AutoRefresh reports the global background-refresh flag.
func (s *Service) AutoRefresh(ctx context.Context) (bool, error) {
	v, err := s.deps.Settings.AutoRefresh(ctx)
	if err != nil {
		return false, fmt.Errorf("scraper: auto refresh: %w", err)
	}
	return v, nil
}

// SetAutoRefresh stores the flag and returns the value the store reports.
func (s *Service) SetAutoRefresh(ctx context.Context, enabled bool) (bool, error) {
	v, err := s.deps.Settings.SetAutoRefresh(ctx, enabled)
	if err != nil {
		return false, fmt.Errorf("scraper: set auto refresh: %w", err)
	}

	s.logger.InfoContext(ctx, "auto refresh changed", slog.Bool("enabled", v))
	state := "disabled"
	if v {
		state = "enabled"
	}
	s.notify(ctx, notify.Notice{
		Event:   notify.EventAutoRefreshChanged,
		Level:   notify.LevelInfo,
		Title:   "Auto refresh " + state,
		Message: "Scheduled background scraping is now " + state + ".",
	})
	return v, nil
}

// RunOnce refreshes every stale side concurrently. Failures are logged and
// reported; one side failing does not stop the other.
func (s *Service) RunOnce(ctx context.Context) error {
	auto, err := s.deps.Settings.AutoRefresh(ctx)
	if err != nil {
		return fmt.Errorf("scraper: run: %w", err)
	}
	if !auto {
		s.logger.DebugContext(ctx, "auto refresh disabled, skipping scheduled scrape")
		return nil
	}

	var g errgroup.Group
	for _, side := range domain.Sides {
		g.Go(func() error {
			if _, err := s.Offers(ctx, side, false); err != nil {
				s.logger.ErrorContext(ctx, "scheduled scrape failed",
					slog.String("side", string(side)),
					slog.String("error", err.Error()),
				)
				s.notify(ctx, notify.Notice{
					Event:   notify.EventScrapeFailed,
					Level:   notify.LevelError,
					Side:    side,
					Title:   "Scrape failed",
					Message: err.Error(),
				})
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// RunLoop runs RunOnce immediately and then on every interval until ctx is
// cancelled.
func (s *Service) RunLoop(ctx context.Context, interval time.Duration) error {
	s.logger.InfoContext(ctx, "scrape loop starting", slog.Duration("interval", interval))
	_ = s.RunOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scrape loop stopped")
			return ctx.Err()
		case <-ticker.C:
			_ = s.RunOnce(ctx)
		}
	}
}

func (s *Service) stale(ctx context.Context, side domain.Side) (bool, error) {
	at, _, err := s.deps.Store.LastUpdate(ctx, side)
	if errors.Is(err, domain.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return s.now().Sub(at) >= s.cfg.MinInterval, nil
}

func (s *Service) scrape(ctx context.Context, side domain.Side, auto bool) (domain.SideSnapshot, error) {
	if s.deps.Locks != nil {
		unlock, err := s.deps.Locks.Acquire(ctx, "scrape:"+string(side), s.cfg.LockTTL)
		if err != nil {
			return domain.SideSnapshot{}, err
		}
		defer unlock()
	}

	if s.deps.Limiter != nil && s.cfg.ScrapesPerMinute > 0 {
		ok, err := s.deps.Limiter.Allow(ctx, rateLimitKey, s.cfg.ScrapesPerMinute, time.Minute)
		switch {
		case err != nil:
			// Fail open: a limiter outage must not stop scraping.
			s.logger.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
		case !ok:
			return domain.SideSnapshot{}, fmt.Errorf("scrape %s: %w: local scrape budget exhausted", side, domain.ErrRateLimited)
		}
	}

	start := s.now()
	offers, err := s.deps.Fetcher.FetchSide(ctx, side)
	if err != nil {
		return domain.SideSnapshot{}, fmt.Errorf("scrape %s: %w", side, err)
	}

	// Postgres keeps microseconds; the snapshot, the cache copy and Status
	// must all report the same instant.
	updatedAt := s.now().UTC().Truncate(time.Microsecond)
	if err := s.deps.Store.ReplaceSide(ctx, side, offers, updatedAt); err != nil {
		return domain.SideSnapshot{}, fmt.Errorf("scrape %s: %w", side, err)
	}

	snap := domain.SideSnapshot{
		Side:        side,
		Offers:      offers,
		AutoRefresh: auto,
		CacheSource: domain.CacheSourceFresh,
		UpdatedAt:   updatedAt,
	}
	s.logger.InfoContext(ctx, "side scraped",
		slog.String("side", string(side)),
		slog.Int("offers", len(offers)),
		slog.Duration("took", s.now().Sub(start)),
	)

	s.afterScrape(ctx, snap)
	return snap, nil
}

// afterScrape refreshes the cache, archives and announces snap. Failures
// here are logged only; the scrape itself already succeeded.
func (s *Service) afterScrape(ctx context.Context, snap domain.SideSnapshot) {
	if s.deps.Cache != nil {
		if err := s.deps.Cache.SetSnapshot(ctx, snap); err != nil {
			s.logger.WarnContext(ctx, "cache snapshot failed",
				slog.String("side", string(snap.Side)),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.deps.Archiver != nil {
		key, err := s.deps.Archiver.ArchiveSnapshot(ctx, snap)
		if err != nil {
			s.logger.WarnContext(ctx, "archive snapshot failed",
				slog.String("side", string(snap.Side)),
				slog.String("error", err.Error()),
			)
		} else if key != "" {
			s.logger.DebugContext(ctx, "snapshot archived", slog.String("key", key))
		}
	}

	if s.deps.Bus != nil {
		payload, _ := json.Marshal(UpdateEvent{Side: snap.Side, UpdatedAt: snap.UpdatedAt, OfferCount: len(snap.Offers)})
		if err := s.deps.Bus.Publish(ctx, domain.ChannelOffersUpdated, payload); err != nil {
			s.logger.WarnContext(ctx, "publish offers update failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Service) stored(ctx context.Context, side domain.Side, auto bool) (domain.SideSnapshot, error) {
	if s.deps.Cache != nil {
		snap, err := s.deps.Cache.GetSnapshot(ctx, side)
		if err == nil {
			snap.AutoRefresh = auto
			snap.CacheSource = domain.CacheSourceCache
			return snap, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "cache read failed, using database",
				slog.String("side", string(side)),
				slog.String("error", err.Error()),
			)
		}
	}

	offers, err := s.deps.Store.ListBySide(ctx, side)
	if err != nil {
		return domain.SideSnapshot{}, err
	}
	at, _, err := s.deps.Store.LastUpdate(ctx, side)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.SideSnapshot{}, err
	}

	snap := domain.SideSnapshot{
		Side:        side,
		Offers:      offers,
		AutoRefresh: auto,
		CacheSource: domain.CacheSourceDatabase,
		UpdatedAt:   at,
	}
	if s.deps.Cache != nil && !at.IsZero() {
		if err := s.deps.Cache.SetSnapshot(ctx, snap); err != nil {
			s.logger.WarnContext(ctx, "cache refill failed", slog.String("error", err.Error()))
		}
	}
	return snap, nil
}

func (s *Service) notify(ctx context.Context, n notify.Notice) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Notify(ctx, n); err != nil {
		s.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
}
