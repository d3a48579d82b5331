package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pboard/internal/board"
	"github.com/alanyoungcy/p2pboard/internal/domain"
	"github.com/alanyoungcy/p2pboard/internal/refresh"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeOffers struct {
	gotSide  domain.Side
	gotForce bool
	err      error
	auto     bool
}

func (f *fakeOffers) Offers(_ context.Context, side domain.Side, force bool) (domain.SideSnapshot, error) {
	f.gotSide, f.gotForce = side, force
	if f.err != nil {
		return domain.SideSnapshot{}, f.err
	}
	return domain.SideSnapshot{
		Side: side,
		Offers: []domain.Offer{{
			ID: "1", Side: side, Price: decimal.RequireFromString("95.5"),
			MinAmount: decimal.NewFromInt(1), MaxAmount: decimal.NewFromInt(2),
		}},
		AutoRefresh: f.auto,
		CacheSource: domain.CacheSourceCache,
		UpdatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeOffers) Status(_ context.Context, side domain.Side) (domain.SideStatus, error) {
	return domain.SideStatus{Side: side, OfferCount: 7, AutoRefresh: f.auto}, f.err
}

func (f *fakeOffers) AutoRefresh(context.Context) (bool, error) { return f.auto, f.err }

func (f *fakeOffers) SetAutoRefresh(_ context.Context, v bool) (bool, error) {
	f.auto = v
	return f.auto, f.err
}

func TestGetOffers(t *testing.T) {
	svc := &fakeOffers{auto: true}
	h := NewOffersHandler(svc, discardLogger())

	rec := httptest.NewRecorder()
	h.GetOffers(rec, httptest.NewRequest(http.MethodGet, "/api/offers?side=0&force=true", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get("X-Cache-Source"))
	assert.Equal(t, domain.SideBuy, svc.gotSide)
	assert.True(t, svc.gotForce)

	var body domain.SideSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Offers, 1)
	assert.True(t, body.AutoRefresh)
	assert.Contains(t, rec.Body.String(), `"price":"95.5"`)
}

func TestGetOffers_ErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("scrape: %w", domain.ErrRateLimited), http.StatusTooManyRequests},
		{domain.ErrUpstreamUnavailable, http.StatusServiceUnavailable},
		{domain.ErrMalformedResponse, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := NewOffersHandler(&fakeOffers{err: tt.err}, discardLogger())
			rec := httptest.NewRecorder()
			h.GetOffers(rec, httptest.NewRequest(http.MethodGet, "/api/offers?side=1", nil))

			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestGetOffers_BadSide(t *testing.T) {
	h := NewOffersHandler(&fakeOffers{}, discardLogger())
	rec := httptest.NewRecorder()
	h.GetOffers(rec, httptest.NewRequest(http.MethodGet, "/api/offers?side=7", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAutoRefreshEndpoints(t *testing.T) {
	svc := &fakeOffers{auto: true}
	h := NewOffersHandler(svc, discardLogger())

	rec := httptest.NewRecorder()
	h.SetAutoRefresh(rec, httptest.NewRequest(http.MethodPost, "/api/auto-refresh", strings.NewReader(`{"auto_refresh":false}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"auto_refresh":false}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.GetAutoRefresh(rec, httptest.NewRequest(http.MethodGet, "/api/auto-refresh", nil))
	assert.JSONEq(t, `{"auto_refresh":false}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.SetAutoRefresh(rec, httptest.NewRequest(http.MethodPost, "/api/auto-refresh", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUpstreamStats(t *testing.T) {
	h := NewOffersHandler(&fakeOffers{}, discardLogger())
	rec := httptest.NewRecorder()
	h.GetUpstreamStats(rec, httptest.NewRequest(http.MethodGet, "/api/offers/upstream", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.WithUpstreamStats(func() any { return map[string]int{"total": 3} })
	rec = httptest.NewRecorder()
	h.GetUpstreamStats(rec, httptest.NewRequest(http.MethodGet, "/api/offers/upstream", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total":3}`, rec.Body.String())
}

type fakeSession struct {
	gotFilter board.FilterConfig
	refreshed []string
	err       error
}

func (f *fakeSession) View(side domain.Side, cfg board.FilterConfig) (board.View, error) {
	f.gotFilter = cfg
	return board.BuildView(side, nil, cfg, nil), nil
}

func (f *fakeSession) Status() refresh.Status {
	return refresh.Status{AutoRefresh: true, Sides: []refresh.SideState{{Side: domain.SideSell, Phase: refresh.PhaseIdle}}}
}

func (f *fakeSession) RefreshSide(_ context.Context, side domain.Side, force bool) error {
	f.refreshed = append(f.refreshed, fmt.Sprintf("%s:%t", side, force))
	return f.err
}

func (f *fakeSession) RefreshAll(_ context.Context, force bool) error {
	f.refreshed = append(f.refreshed, fmt.Sprintf("all:%t", force))
	return f.err
}

func (f *fakeSession) SetAutoRefresh(_ context.Context, v bool) (bool, error) { return v, nil }

func (f *fakeSession) Budget() board.Budget {
	return board.CallBudget(time.Minute, time.Minute, 0, true)
}

func TestGetBoard_ParsesFilters(t *testing.T) {
	sess := &fakeSession{}
	h := NewBoardHandler(sess, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/board/buy?merchants_only=true&online_only=1&exclude_triangle=yes&payment=SBP&amount=5%20000", nil)
	req.SetPathValue("side", "buy")
	rec := httptest.NewRecorder()
	h.GetBoard(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, board.FilterConfig{
		MerchantsOnly: true,
		OnlineOnly:    true,
		PaymentMethod: "SBP",
		CounterAmount: "5 000",
	}, sess.gotFilter, "unparsable booleans stay off")

	var view board.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, domain.SideBuy, view.Side)
	assert.NotNil(t, view.Offers)
}

func TestGetBoard_UnknownSide(t *testing.T) {
	h := NewBoardHandler(&fakeSession{}, discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/board/both", nil)
	req.SetPathValue("side", "both")
	rec := httptest.NewRecorder()
	h.GetBoard(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefresh(t *testing.T) {
	sess := &fakeSession{}
	h := NewBoardHandler(sess, discardLogger())

	rec := httptest.NewRecorder()
	h.Refresh(rec, httptest.NewRequest(http.MethodPost, "/api/board/refresh?force=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.Refresh(rec, httptest.NewRequest(http.MethodPost, "/api/board/refresh?side=sell", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"all:true", "sell:false"}, sess.refreshed)

	sess.err = fmt.Errorf("refresh: sell: %w", domain.ErrRateLimited)
	rec = httptest.NewRecorder()
	h.Refresh(rec, httptest.NewRequest(http.MethodPost, "/api/board/refresh", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status"`)
}

func TestBudget(t *testing.T) {
	h := NewBoardHandler(&fakeSession{}, discardLogger())
	rec := httptest.NewRecorder()
	h.GetBudget(rec, httptest.NewRequest(http.MethodGet, "/api/board/budget", nil))

	var b board.Budget
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	assert.Equal(t, 2880, b.TotalPerDay)
	assert.Equal(t, 90, b.RemainingPercent)
}

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler("backend", map[string]Check{
		"postgres": func(context.Context) error { return nil },
	}, discardLogger())
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"postgres":"ok"`)

	h = NewHealthHandler("backend", map[string]Check{
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
	}, discardLogger())
	rec = httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}
