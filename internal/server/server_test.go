package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pboard/internal/board"
	"github.com/alanyoungcy/p2pboard/internal/domain"
	"github.com/alanyoungcy/p2pboard/internal/platform/p2papi"
	"github.com/alanyoungcy/p2pboard/internal/refresh"
	"github.com/alanyoungcy/p2pboard/internal/scraper"
	"github.com/alanyoungcy/p2pboard/internal/server/handler"
)

type stubFetcher struct {
	mu     sync.Mutex
	prices map[domain.Side][]string
}

func (f *stubFetcher) FetchSide(_ context.Context, side domain.Side) ([]domain.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.Offer{}
	for i, p := range f.prices[side] {
		out = append(out, domain.Offer{
			ID:         string(side) + "-" + string(rune('a'+i)),
			Side:       side,
			Price:      decimal.RequireFromString(p),
			Quantity:   decimal.NewFromInt(100),
			MinAmount:  decimal.NewFromInt(1000),
			MaxAmount:  decimal.NewFromInt(10000),
			IsMerchant: i%2 == 0,
		})
	}
	return out, nil
}

type memStore struct {
	mu      sync.Mutex
	offers  map[domain.Side][]domain.Offer
	updated map[domain.Side]time.Time
}

func (m *memStore) ReplaceSide(_ context.Context, side domain.Side, offers []domain.Offer, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[side], m.updated[side] = offers, at.Truncate(time.Microsecond)
	return nil
}

func (m *memStore) ListBySide(_ context.Context, side domain.Side) ([]domain.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Offer{}, m.offers[side]...), nil
}

func (m *memStore) LastUpdate(_ context.Context, side domain.Side) (time.Time, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.updated[side]
	if !ok {
		return time.Time{}, 0, domain.ErrNotFound
	}
	return at, len(m.offers[side]), nil
}

type memSettings struct {
	mu   sync.Mutex
	auto bool
}

func (s *memSettings) AutoRefresh(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auto, nil
}

func (s *memSettings) SetAutoRefresh(_ context.Context, v bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auto = v
	return v, nil
}

// TestBackendAndDashboard wires a backend server and a dashboard session
// talking to it over HTTP, the way full mode runs them.
func TestBackendAndDashboard(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fetcher := &stubFetcher{prices: map[domain.Side][]string{
		domain.SideSell: {"96", "95"},
		domain.SideBuy:  {"94", "93.5"},
	}}

	svc := scraper.NewService(scraper.Deps{
		Fetcher:  fetcher,
		Store:    &memStore{offers: map[domain.Side][]domain.Offer{}, updated: map[domain.Side]time.Time{}},
		Settings: &memSettings{auto: true},
	}, scraper.Config{}, logger)

	backend := NewServer(Config{APIKey: "k"}, Handlers{
		Health: handler.NewHealthHandler("backend", nil, logger),
		Offers: handler.NewOffersHandler(svc, logger),
	}, nil, nil, logger)
	backendSrv := httptest.NewServer(backend.Handler())
	defer backendSrv.Close()

	source := p2papi.NewClient(backendSrv.URL, "k", time.Second, logger)
	session := refresh.NewSession(source, nil, nil,
		refresh.Config{Interval: time.Hour, HighlightWindow: time.Hour}, logger)
	defer session.Stop()

	dashboard := NewServer(Config{}, Handlers{
		Health: handler.NewHealthHandler("dashboard", nil, logger),
		Board:  handler.NewBoardHandler(session, logger),
	}, nil, nil, logger)
	dashSrv := httptest.NewServer(dashboard.Handler())
	defer dashSrv.Close()

	resp, err := http.Post(dashSrv.URL+"/api/board/refresh", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fetcher.mu.Lock()
	fetcher.prices[domain.SideSell] = []string{"97", "95"}
	fetcher.mu.Unlock()

	resp, err = http.Post(dashSrv.URL+"/api/board/refresh?side=sell&force=true", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(dashSrv.URL + "/api/board/sell")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view board.View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	require.Len(t, view.Offers, 2)
	assert.Equal(t, "sell-b", view.Offers[0].ID, "cheapest sell first")
	assert.Equal(t, domain.AnnotationNone, view.Offers[0].Annotation)
	assert.Equal(t, "sell-a", view.Offers[1].ID)
	assert.Equal(t, domain.AnnotationPriceIncreased, view.Offers[1].Annotation)
	assert.True(t, view.Stats.AveragePrice.Equal(decimal.NewFromInt(96)))

	st := session.Status()
	assert.Equal(t, domain.CacheSourceFresh, st.Sides[0].CacheSource)

	// The backend status must report the instant the session committed,
	// otherwise every tick refetches an unchanged side.
	remote, err := source.Status(context.Background(), domain.SideSell)
	require.NoError(t, err)
	assert.True(t, remote.UpdatedAt.Equal(st.Sides[0].UpdatedAt),
		"status %s, session %s", remote.UpdatedAt, st.Sides[0].UpdatedAt)
}

func TestAuthAndRoutes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(Config{APIKey: "k"}, Handlers{
		Health: handler.NewHealthHandler("dashboard", nil, logger),
	}, nil, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is public")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/offers", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("X-API-Key", "k")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "offers routes absent in dashboard mode")
}
