// Package refresh owns the dashboard's polling state: it fetches each side
// from the data source, runs change detection against the previous
// snapshot and commits the new one, all under a per-side serialization.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/p2pboard/internal/board"
	"github.com/alanyoungcy/p2pboard/internal/domain"
	"github.com/alanyoungcy/p2pboard/internal/notify"
)

const (
	DefaultInterval     = 60 * time.Second
	DefaultFetchTimeout = 30 * time.Second
)

// Source is the remote data source a Session polls.
type Source interface {
	FetchOffers(ctx context.Context, side domain.Side, force bool) (domain.SideSnapshot, error)
	Status(ctx context.Context, side domain.Side) (domain.SideStatus, error)
	AutoRefresh(ctx context.Context) (bool, error)
	SetAutoRefresh(ctx context.Context, enabled bool) (bool, error)
}

// Notifier receives user-facing notices about failed refreshes.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notice) error
}

// Phase is the refresh state of one side.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseFetching  Phase = "fetching"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
)

// Config tunes a Session.
type Config struct {
	// Interval is the scheduled tick period.
	Interval     time.Duration
	FetchTimeout time.Duration
	// BackendInterval and DailyCallLimit only feed Budget.
	BackendInterval time.Duration
	DailyCallLimit  int

	HighlightWindow time.Duration
	SeenCapacity    int
}

// SideState describes the last refresh of one side.
type SideState struct {
	Side        domain.Side        `json:"side"`
	Phase       Phase              `json:"phase"`
	UpdatedAt   time.Time          `json:"updated_at"`
	CacheSource domain.CacheSource `json:"cache_source,omitempty"`
	OfferCount  int                `json:"offer_count"`
	LastAttempt time.Time          `json:"last_attempt"`
	LastError   string             `json:"last_error,omitempty"`
}

// Status is the session-wide state reported to clients.
type Status struct {
	AutoRefresh     bool        `json:"auto_refresh"`
	IntervalSeconds int         `json:"interval_seconds"`
	Sides           []SideState `json:"sides"`
}

// Event types published on domain.ChannelBoardUpdates.
const (
	EventRefreshed          = "board.refreshed"
	EventRefreshFailed      = "board.refresh_failed"
	EventAnnotationsExpired = "board.annotations_expired"
	EventAutoRefresh        = "board.auto_refresh"
)

// Event is the payload published on domain.ChannelBoardUpdates.
type Event struct {
	Type        string      `json:"type"`
	Side        domain.Side `json:"side,omitempty"`
	At          time.Time   `json:"at"`
	OfferCount  int         `json:"offer_count,omitempty"`
	Annotated   int         `json:"annotated,omitempty"`
	AutoRefresh *bool       `json:"auto_refresh,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Session is one dashboard's polling state. Create it with NewSession,
// then Start it; Stop releases the ticker and pending expiry timers.
type Session struct {
	source   Source
	notifier Notifier
	bus      domain.SignalBus
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	snapshots *board.SnapshotStore
	detector  *board.Detector

	// mu guards the committed offers and side states so a reader never sees
	// offers from one pass with annotations from another.
	mu          sync.RWMutex
	offers      map[domain.Side][]domain.Offer
	states      map[domain.Side]*SideState
	autoRefresh bool

	runs map[domain.Side]*sideRun

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// sideRun serializes refresh cycles of one side. A request arriving while a
// cycle is in flight is queued; queued force flags are OR-merged.
type sideRun struct {
	mu           sync.Mutex
	fetching     bool
	pending      bool
	pendingForce bool
}

// NewSession creates a Session. notifier and bus may be nil.
func NewSession(source Source, notifier Notifier, bus domain.SignalBus, cfg Config, logger *slog.Logger) *Session {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.DailyCallLimit <= 0 {
		cfg.DailyCallLimit = board.DefaultDailyCallLimit
	}

	s := &Session{
		source:      source,
		notifier:    notifier,
		bus:         bus,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "refresh")),
		now:         time.Now,
		snapshots:   board.NewSnapshotStore(),
		offers:      make(map[domain.Side][]domain.Offer),
		states:      make(map[domain.Side]*SideState),
		autoRefresh: true,
		runs:        make(map[domain.Side]*sideRun),
	}
	for _, side := range domain.Sides {
		s.offers[side] = []domain.Offer{}
		s.states[side] = &SideState{Side: side, Phase: PhaseIdle}
		s.runs[side] = &sideRun{}
	}
	s.detector = board.NewDetector(
		board.WithHighlightWindow(cfg.HighlightWindow),
		board.WithSeenCapacity(cfg.SeenCapacity),
		board.WithExpireHook(s.onAnnotationsExpired),
	)
	return s
}

// Start loads both sides and then ticks every Interval until Stop or ctx
// cancellation. Calling Start on a running session is a no-op.
func (s *Session) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop ends the tick loop and cancels pending annotation expiry. Live
// annotations and offers remain readable.
func (s *Session) Stop() {
	s.lifeMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.detector.Stop()
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	s.logger.InfoContext(ctx, "session starting", slog.Duration("interval", s.cfg.Interval))

	if v, err := s.source.AutoRefresh(ctx); err != nil {
		s.logger.WarnContext(ctx, "auto refresh flag unavailable", slog.String("error", err.Error()))
	} else {
		s.setAutoRefresh(v)
	}
	_ = s.RefreshAll(ctx, false)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick asks each side for its status and refetches only the sides whose
// data changed. Nothing is fetched while the source reports auto refresh
// off.
func (s *Session) tick(ctx context.Context) {
	var g errgroup.Group
	for _, side := range domain.Sides {
		g.Go(func() error {
			if !s.changed(ctx, side) {
				return nil
			}
			return s.RefreshSide(ctx, side, false)
		})
	}
	_ = g.Wait()
}

func (s *Session) changed(ctx context.Context, side domain.Side) bool {
	st, err := s.source.Status(ctx, side)
	if err != nil {
		s.logger.DebugContext(ctx, "status check failed, fetching",
			slog.String("side", string(side)),
			slog.String("error", err.Error()),
		)
		return s.AutoRefreshEnabled()
	}

	s.setAutoRefresh(st.AutoRefresh)
	if !st.AutoRefresh {
		s.logger.DebugContext(ctx, "auto refresh off, skipping tick", slog.String("side", string(side)))
		return false
	}

	s.mu.RLock()
	cur := *s.states[side]
	s.mu.RUnlock()

	if cur.Phase == PhaseSucceeded && st.UpdatedAt.Equal(cur.UpdatedAt) {
		return false
	}
	return true
}

// RefreshAll refreshes both sides concurrently. One side failing neither
// blocks nor rolls back the other; the errors are joined.
func (s *Session) RefreshAll(ctx context.Context, force bool) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, side := range domain.Sides {
		g.Go(func() error {
			if err := s.RefreshSide(ctx, side, force); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// RefreshSide fetches side and commits the result. When a cycle for side is
// already in flight the request is queued and RefreshSide returns nil at
// once; the in-flight caller runs one more cycle, forced if any queued
// request was.
func (s *Session) RefreshSide(ctx context.Context, side domain.Side, force bool) error {
	if !side.Valid() {
		return fmt.Errorf("refresh: %w: %q", domain.ErrUnknownSide, side)
	}

	run := s.runs[side]
	run.mu.Lock()
	if run.fetching {
		run.pending = true
		run.pendingForce = run.pendingForce || force
		run.mu.Unlock()
		s.logger.DebugContext(ctx, "refresh queued",
			slog.String("side", string(side)),
			slog.Bool("force", force),
		)
		return nil
	}
	run.fetching = true
	run.mu.Unlock()

	for {
		err := s.cycle(ctx, side, force)

		run.mu.Lock()
		if !run.pending || ctx.Err() != nil {
			run.fetching = false
			run.pending, run.pendingForce = false, false
			run.mu.Unlock()
			return err
		}
		force = run.pendingForce
		run.pending, run.pendingForce = false, false
		run.mu.Unlock()
	}
}

// cycle runs one fetch, detect and commit pass. On failure nothing but the
// side's phase and error changes.
func (s *Session) cycle(ctx context.Context, side domain.Side, force bool) error {
	s.mu.Lock()
	st := s.states[side]
	st.Phase = PhaseFetching
	st.LastAttempt = s.now().UTC()
	s.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	snap, err := s.source.FetchOffers(fctx, side, force)
	cancel()
	if err != nil {
		s.fail(ctx, side, err)
		return fmt.Errorf("refresh: %s: %w", side, err)
	}

	offers := make([]domain.Offer, 0, len(snap.Offers))
	for _, o := range snap.Offers {
		if o.Side == "" {
			o.Side = side
		}
		if err := o.ValidateFor(side); err != nil {
			s.logger.WarnContext(ctx, "dropping invalid offer",
				slog.String("side", string(side)),
				slog.String("error", err.Error()),
			)
			continue
		}
		offers = append(offers, o)
	}

	// Detect reads the previous mapping before Replace overwrites it; both
	// happen under mu so readers see one consistent pass.
	s.mu.Lock()
	prev := s.snapshots.Get(side)
	ann := s.detector.Detect(side, offers, prev)
	s.snapshots.Replace(side, offers)
	s.offers[side] = offers

	st.Phase = PhaseSucceeded
	st.UpdatedAt = snap.UpdatedAt
	st.CacheSource = snap.CacheSource
	st.OfferCount = len(offers)
	st.LastError = ""
	s.autoRefresh = snap.AutoRefresh
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "side refreshed",
		slog.String("side", string(side)),
		slog.Int("offers", len(offers)),
		slog.Int("annotated", len(ann)),
		slog.String("cache_source", string(snap.CacheSource)),
		slog.Bool("force", force),
	)
	s.publish(ctx, Event{Type: EventRefreshed, Side: side, OfferCount: len(offers), Annotated: len(ann)})
	return nil
}

func (s *Session) fail(ctx context.Context, side domain.Side, err error) {
	s.mu.Lock()
	st := s.states[side]
	st.Phase = PhaseFailed
	st.LastError = err.Error()
	s.mu.Unlock()

	s.logger.ErrorContext(ctx, "refresh failed",
		slog.String("side", string(side)),
		slog.String("error", err.Error()),
	)
	if s.notifier != nil {
		if nerr := s.notifier.Notify(ctx, notify.FetchFailure(side, err)); nerr != nil {
			s.logger.WarnContext(ctx, "notify failed", slog.String("error", nerr.Error()))
		}
	}
	s.publish(ctx, Event{Type: EventRefreshFailed, Side: side, Error: err.Error()})
}

// View returns the filtered board of side with its live annotations.
func (s *Session) View(side domain.Side, cfg board.FilterConfig) (board.View, error) {
	if !side.Valid() {
		return board.View{}, fmt.Errorf("refresh: view: %w: %q", domain.ErrUnknownSide, side)
	}

	s.mu.RLock()
	offers := s.offers[side]
	ann := s.detector.Annotations(side)
	s.mu.RUnlock()

	// BuildView filters into a new slice, so the committed offers stay
	// untouched by its sort.
	return board.BuildView(side, offers, cfg, ann), nil
}

// Status returns the state of both sides.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Status{AutoRefresh: s.autoRefresh, IntervalSeconds: int(s.cfg.Interval / time.Second)}
	for _, side := range domain.Sides {
		out.Sides = append(out.Sides, *s.states[side])
	}
	return out
}

// AutoRefreshEnabled reports the last flag value the source reported.
func (s *Session) AutoRefreshEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoRefresh
}

// SetAutoRefresh asks the source to change the global flag and adopts the
// value it reports back.
func (s *Session) SetAutoRefresh(ctx context.Context, enabled bool) (bool, error) {
	v, err := s.source.SetAutoRefresh(ctx, enabled)
	if err != nil {
		return s.AutoRefreshEnabled(), fmt.Errorf("refresh: set auto refresh: %w", err)
	}
	s.setAutoRefresh(v)
	s.logger.InfoContext(ctx, "auto refresh set", slog.Bool("requested", enabled), slog.Bool("reported", v))
	s.publish(ctx, Event{Type: EventAutoRefresh, AutoRefresh: &v})
	return v, nil
}

// Budget estimates the daily data-source call usage of the current setup.
func (s *Session) Budget() board.Budget {
	return board.CallBudget(s.cfg.Interval, s.cfg.BackendInterval, s.cfg.DailyCallLimit, s.AutoRefreshEnabled())
}

func (s *Session) setAutoRefresh(v bool) {
	s.mu.Lock()
	s.autoRefresh = v
	s.mu.Unlock()
}

func (s *Session) onAnnotationsExpired(side domain.Side) {
	s.publish(context.Background(), Event{Type: EventAnnotationsExpired, Side: side})
}

func (s *Session) publish(ctx context.Context, ev Event) {
	if s.bus == nil {
		return
	}
	ev.At = s.now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.ChannelBoardUpdates, payload); err != nil {
		s.logger.WarnContext(ctx, "publish board update failed", slog.String("error", err.Error()))
	}
}
