package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decimalOf(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func item(id int, price string) map[string]any {
	return map[string]any{
		"id":                strconv.Itoa(id),
		"userId":            1000 + id,
		"nickName":          fmt.Sprintf("maker-%d", id),
		"price":             price,
		"lastQuantity":      "150.5",
		"minAmount":         "1000",
		"maxAmount":         "50000",
		"payments":          []any{map[string]any{"name": "Tinkoff"}, "75"},
		"recentOrderNum":    321,
		"recentExecuteRate": 98,
		"isOnline":          true,
		"authTag":           []string{"VA", "GA"},
	}
}

func page(items ...map[string]any) map[string]any {
	return map[string]any{
		"ret_code": 0,
		"ret_msg":  "SUCCESS",
		"result":   map[string]any{"count": len(items), "items": items},
	}
}

func TestFetchSide_MapsAndPaginates(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, listPath, r.URL.Path)

		var req ListRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "1", req.Side)
		assert.Equal(t, "2", req.Size)

		switch req.Page {
		case "1":
			_ = json.NewEncoder(w).Encode(page(item(1, "95.10"), item(2, "95.20")))
		case "2":
			_ = json.NewEncoder(w).Encode(page(item(3, "95.30")))
		default:
			t.Errorf("unexpected page %s", req.Page)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, PageSize: 2, PaymentNames: map[string]string{"75": "SBP"}}, discardLogger())

	offers, err := c.FetchSide(context.Background(), domain.SideSell)
	require.NoError(t, err)
	require.Len(t, offers, 3)
	assert.Equal(t, int32(2), calls.Load(), "short page stops paging")

	o := offers[0]
	assert.Equal(t, "1", o.ID)
	assert.Equal(t, "1001", o.MakerID)
	assert.Equal(t, "maker-1", o.MakerName)
	assert.Equal(t, domain.SideSell, o.Side)
	assert.True(t, o.Price.Equal(decimalOf(t, "95.1")))
	assert.True(t, o.CompletionRate.Equal(decimalOf(t, "98")))
	assert.Equal(t, 321, o.TotalOrders)
	assert.Equal(t, []string{"Tinkoff", "SBP"}, o.PaymentMethods)
	assert.Equal(t, domain.TierGold, o.MerchantTier)
	assert.True(t, o.IsMerchant)
	assert.True(t, o.IsOnline)
	assert.False(t, o.IsTriangleFlagged)
}

func TestFetchSide_StopsAtMaxPages(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		_ = json.NewEncoder(w).Encode(page(item(n, "90")))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, PageSize: 1, MaxPages: 3}, discardLogger())

	offers, err := c.FetchSide(context.Background(), domain.SideBuy)
	require.NoError(t, err)
	assert.Len(t, offers, 3)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchSide_DropsInvalidRows(t *testing.T) {
	bad := item(2, "95")
	bad["minAmount"] = "90000"
	dup := item(1, "96")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(page(item(1, "95"), bad, dup, item(3, "-1")))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, discardLogger())

	offers, err := c.FetchSide(context.Background(), domain.SideBuy)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "1", offers[0].ID)
	assert.True(t, offers[0].Price.Equal(decimalOf(t, "95")))
}

func TestFetchSide_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, domain.ErrRateLimited},
		{"unavailable", http.StatusServiceUnavailable, `down`, domain.ErrUpstreamUnavailable},
		{"ret code", http.StatusOK, `{"ret_code":10001,"ret_msg":"params error"}`, domain.ErrMalformedResponse},
		{"garbage", http.StatusOK, `<html>`, domain.ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := NewClient(Config{BaseURL: srv.URL}, discardLogger())
			offers, err := c.FetchSide(context.Background(), domain.SideSell)

			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, offers)
		})
	}
}

func TestFetchSide_EmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ret_code":0,"result":{"count":0,"items":[]}}`)
	}))
	defer srv.Close()

	offers, err := NewClient(Config{BaseURL: srv.URL}, discardLogger()).FetchSide(context.Background(), domain.SideSell)
	require.NoError(t, err)
	assert.NotNil(t, offers)
	assert.Empty(t, offers)
}

func TestFetchSide_UnknownSide(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1"}, discardLogger())

	_, err := c.FetchSide(context.Background(), domain.Side("both"))
	assert.ErrorIs(t, err, domain.ErrUnknownSide)
}

func TestFlexBool(t *testing.T) {
	for in, want := range map[string]bool{`true`: true, `"true"`: true, `"1"`: true, `1`: true, `0`: false, `"no"`: false} {
		var b flexBool
		require.NoError(t, json.Unmarshal([]byte(in), &b), in)
		assert.Equal(t, want, bool(b), in)
	}
}

func TestFetchSide_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(page(item(1, "95")))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Retries: 3, RetryBackoff: time.Millisecond}, discardLogger())

	offers, err := c.FetchSide(context.Background(), domain.SideSell)
	require.NoError(t, err)
	assert.Len(t, offers, 1)

	st := c.Stats()
	assert.Equal(t, int64(2), st.Total)
	assert.Equal(t, int64(1), st.Successful)
	assert.Equal(t, int64(1), st.Failed)
	assert.InDelta(t, 50.0, st.SuccessRate, 1e-9)
}

func TestFetchSide_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Retries: 3, RetryBackoff: time.Millisecond}, discardLogger())

	_, err := c.FetchSide(context.Background(), domain.SideSell)
	assert.ErrorContains(t, err, "HTTP 400")
	assert.Equal(t, int32(1), calls.Load())
}
