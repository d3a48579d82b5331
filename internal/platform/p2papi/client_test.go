package p2papi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "secret", time.Second, discardLogger())
}

const offersBody = `{
	"side": "sell",
	"auto_refresh": true,
	"cache_source": "database",
	"updated_at": "2026-03-01T12:00:00Z",
	"offers": [
		{"id":"a","price":"95.10","maker":"alice","quantity":"100","min_amount":"1000","max_amount":"5000","payment_methods":["SBP"],"side":"sell","merchant_type":"gold","is_online":true},
		{"id":"b","price":"95.20","maker":"bob","quantity":"100","min_amount":"9000","max_amount":"5000","side":"sell"},
		{"id":"c","price":"95.30","maker":"carol","quantity":"50","min_amount":"100","max_amount":"500"},
		{"id":"d","price":"94.00","maker":"dave","quantity":"50","min_amount":"100","max_amount":"500","side":"buy"}
	]
}`

func TestFetchOffers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/offers", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("side"))
		assert.Equal(t, "true", r.URL.Query().Get("force"))
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))

		w.Header().Set(HeaderCacheSource, "fresh")
		_, _ = io.WriteString(w, offersBody)
	})

	snap, err := c.FetchOffers(context.Background(), domain.SideSell, true)
	require.NoError(t, err)

	assert.Equal(t, domain.SideSell, snap.Side)
	assert.True(t, snap.AutoRefresh)
	assert.Equal(t, domain.CacheSourceFresh, snap.CacheSource, "header wins over body")
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), snap.UpdatedAt.UTC())

	require.Len(t, snap.Offers, 2, "invalid range and buy offer dropped")
	assert.Equal(t, "a", snap.Offers[0].ID)
	assert.Equal(t, domain.TierGold, snap.Offers[0].MerchantTier)
	assert.Equal(t, "c", snap.Offers[1].ID)
	assert.Equal(t, domain.SideSell, snap.Offers[1].Side, "missing side defaults to requested")
}

func TestFetchOffers_BodyCacheSource(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("force"))
		assert.Equal(t, "0", r.URL.Query().Get("side"))
		_, _ = io.WriteString(w, `{"offers":null,"cache_source":"cache","auto_refresh":false}`)
	})

	snap, err := c.FetchOffers(context.Background(), domain.SideBuy, false)
	require.NoError(t, err)
	assert.Equal(t, domain.CacheSourceCache, snap.CacheSource)
	assert.NotNil(t, snap.Offers)
	assert.Empty(t, snap.Offers)
	assert.False(t, snap.AutoRefresh)
}

func TestFetchOffers_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, domain.ErrRateLimited},
		{"gateway timeout", http.StatusGatewayTimeout, `{"error":"Request timeout"}`, domain.ErrUpstreamUnavailable},
		{"bad gateway", http.StatusBadGateway, `oops`, domain.ErrUpstreamUnavailable},
		{"error payload", http.StatusOK, `{"error":"parser exploded"}`, domain.ErrMalformedResponse},
		{"rate limit payload", http.StatusOK, `{"error":"upstream rate limit hit"}`, domain.ErrRateLimited},
		{"not json", http.StatusOK, `<html>`, domain.ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.FetchOffers(context.Background(), domain.SideSell, false)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFetchOffers_TransportErrorIsUnclassified(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", 200*time.Millisecond, discardLogger())

	_, err := c.FetchOffers(context.Background(), domain.SideSell, false)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrRateLimited)
	assert.NotErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/offers/status", r.URL.Path)
		assert.Equal(t, "0", r.URL.Query().Get("side"))
		_, _ = io.WriteString(w, `{"updated_at":"2026-03-01T12:00:00Z","offer_count":12,"auto_refresh":true}`)
	})

	st, err := c.Status(context.Background(), domain.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, domain.SideBuy, st.Side)
	assert.Equal(t, 12, st.OfferCount)
	assert.True(t, st.AutoRefresh)
}

func TestAutoRefresh(t *testing.T) {
	stored := true
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auto-refresh", r.URL.Path)
		if r.Method == http.MethodPost {
			var in map[string]bool
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			// The server refuses to turn it off.
			stored = stored || in["auto_refresh"]
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"auto_refresh": stored})
	})
	ctx := context.Background()

	v, err := c.AutoRefresh(ctx)
	require.NoError(t, err)
	assert.True(t, v)

	v, err = c.SetAutoRefresh(ctx, false)
	require.NoError(t, err)
	assert.True(t, v, "server-reported value wins")
}

func TestAutoRefresh_MissingField(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})

	_, err := c.AutoRefresh(context.Background())
	assert.ErrorIs(t, err, domain.ErrMalformedResponse)
}

func TestUnknownSide(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", time.Second, discardLogger())

	_, err := c.FetchOffers(context.Background(), domain.Side("both"), false)
	assert.ErrorIs(t, err, domain.ErrUnknownSide)
	_, err = c.Status(context.Background(), domain.Side("both"))
	assert.ErrorIs(t, err, domain.ErrUnknownSide)
}
