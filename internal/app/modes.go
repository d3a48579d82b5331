package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/p2pboard/internal/domain"
	"github.com/alanyoungcy/p2pboard/internal/platform/bybit"
	"github.com/alanyoungcy/p2pboard/internal/platform/p2papi"
	"github.com/alanyoungcy/p2pboard/internal/refresh"
	"github.com/alanyoungcy/p2pboard/internal/scraper"
	"github.com/alanyoungcy/p2pboard/internal/server"
	"github.com/alanyoungcy/p2pboard/internal/server/handler"
	"github.com/alanyoungcy/p2pboard/internal/server/ws"
)

const shutdownTimeout = 5 * time.Second

// BackendMode scrapes the upstream on a schedule and serves the data-source
// API dashboards poll.
func (a *App) BackendMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting backend mode")

	g, ctx := errgroup.WithContext(ctx)

	svc, upstream := a.buildScraper(deps)
	g.Go(func() error {
		return svc.RunLoop(ctx, a.cfg.Scraper.Interval.Duration)
	})

	offers := handler.NewOffersHandler(svc, a.logger).
		WithUpstreamStats(func() any { return upstream.Stats() })
	a.startHTTPServer(ctx, g, deps, server.Handlers{Offers: offers})

	return g.Wait()
}

// DashboardMode polls a remote data source and serves the board API and the
// websocket feed.
func (a *App) DashboardMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting dashboard mode",
		slog.String("source", a.cfg.Source.APIURL),
	)

	g, ctx := errgroup.WithContext(ctx)

	source := p2papi.NewClient(a.cfg.Source.APIURL, a.cfg.Source.APIKey, a.cfg.Source.FetchTimeout.Duration, a.logger)
	session := a.startSession(ctx, g, deps, source)

	a.startHTTPServer(ctx, g, deps, server.Handlers{
		Board: handler.NewBoardHandler(session, a.logger),
	})

	return g.Wait()
}

// FullMode runs the backend and the dashboard in one process. The dashboard
// reads the local scraper directly unless source.api_url points elsewhere.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	svc, upstream := a.buildScraper(deps)
	g.Go(func() error {
		return svc.RunLoop(ctx, a.cfg.Scraper.Interval.Duration)
	})

	var source refresh.Source = localSource{svc}
	if a.cfg.Source.APIURL != "" {
		source = p2papi.NewClient(a.cfg.Source.APIURL, a.cfg.Source.APIKey, a.cfg.Source.FetchTimeout.Duration, a.logger)
	}
	session := a.startSession(ctx, g, deps, source)

	offers := handler.NewOffersHandler(svc, a.logger).
		WithUpstreamStats(func() any { return upstream.Stats() })
	a.startHTTPServer(ctx, g, deps, server.Handlers{
		Offers: offers,
		Board:  handler.NewBoardHandler(session, a.logger),
	})

	return g.Wait()
}

// localSource adapts the in-process scraper to the session's source contract.
type localSource struct {
	*scraper.Service
}

func (l localSource) FetchOffers(ctx context.Context, side domain.Side, force bool) (domain.SideSnapshot, error) {
	return l.Offers(ctx, side, force)
}

func (a *App) buildScraper(deps *Dependencies) (*scraper.Service, *bybit.Client) {
	b := a.cfg.Bybit
	upstream := bybit.NewClient(bybit.Config{
		BaseURL:      b.BaseURL,
		TokenID:      b.TokenID,
		CurrencyID:   b.CurrencyID,
		PageSize:     b.PageSize,
		MaxPages:     b.MaxPages,
		Timeout:      b.Timeout.Duration,
		PaymentNames: b.PaymentNames,
		Retries:      b.Retries,
		RetryBackoff: b.RetryBackoff.Duration,
		Proxies:      b.Proxies,
	}, a.logger)

	svc := scraper.NewService(scraper.Deps{
		Fetcher:  upstream,
		Store:    deps.OfferStore,
		Settings: deps.SettingsStore,
		Cache:    deps.OfferCache,
		Locks:    deps.LockManager,
		Limiter:  deps.RateLimiter,
		Archiver: deps.Archiver,
		Bus:      deps.SignalBus,
		Notifier: deps.Notifier,
	}, scraper.Config{
		MinInterval:      a.cfg.Scraper.MinInterval.Duration,
		LockTTL:          a.cfg.Scraper.LockTTL.Duration,
		ScrapesPerMinute: a.cfg.Scraper.ScrapesPerMinute,
	}, a.logger)

	return svc, upstream
}

// startSession starts a refresh session and stops it when ctx ends.
func (a *App) startSession(ctx context.Context, g *errgroup.Group, deps *Dependencies, source refresh.Source) *refresh.Session {
	d := a.cfg.Dashboard
	backendInterval := d.BackendInterval.Duration
	if backendInterval <= 0 {
		backendInterval = a.cfg.Scraper.Interval.Duration
	}

	session := refresh.NewSession(source, deps.Notifier, deps.SignalBus, refresh.Config{
		Interval:        d.Interval.Duration,
		FetchTimeout:    a.cfg.Source.FetchTimeout.Duration,
		BackendInterval: backendInterval,
		DailyCallLimit:  d.DailyCallLimit,
		HighlightWindow: d.HighlightWindow.Duration,
		SeenCapacity:    d.SeenCapacity,
	}, a.logger)

	session.Start(ctx)
	g.Go(func() error {
		<-ctx.Done()
		session.Stop()
		return nil
	})
	return session
}

// startHTTPServer serves handlers plus health and the websocket hub until ctx
// ends.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, handlers server.Handlers) {
	handlers.Health = handler.NewHealthHandler(a.cfg.Mode, deps.Checks, a.logger)

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
