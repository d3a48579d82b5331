// Package bybit is the REST client for the Bybit P2P (OTC) advertisement
// listing, the upstream the backend scrapes offers from.
package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

const (
	DefaultBaseURL  = "https://api2.bybit.com"
	DefaultPageSize = 100
	DefaultMaxPages = 10
	DefaultTimeout  = 10 * time.Second

	listPath = "/fiat/otc/item/online"
)

// Config configures a Client. Zero fields fall back to the package defaults.
type Config struct {
	BaseURL    string
	TokenID    string
	CurrencyID string
	PageSize   int
	MaxPages   int
	Timeout    time.Duration
	// PaymentNames maps payment-type identifiers to display names.
	PaymentNames map[string]string
	// Retries is the number of attempts per page request (default 1).
	Retries int
	// RetryBackoff is the base pause between attempts; a 429 waits twice as
	// long. Jitter of up to one base interval is added.
	RetryBackoff time.Duration
	// Proxies are HTTP proxy URLs picked at random per attempt. The last
	// attempt always goes direct.
	Proxies []string
}

// Stats counts upstream requests since the client was created.
type Stats struct {
	Total       int64   `json:"total"`
	Successful  int64   `json:"successful"`
	Failed      int64   `json:"failed"`
	RateLimited int64   `json:"rate_limited"`
	ViaProxy    int64   `json:"via_proxy"`
	ProxyErrors int64   `json:"proxy_errors"`
	SuccessRate float64 `json:"success_rate"`
}

// Client pages through the online advertisements of one token/currency pair.
type Client struct {
	cfg        Config
	httpClient *http.Client
	proxied    []*http.Client
	logger     *slog.Logger

	total, ok, failed, limited, viaProxy, proxyErrs atomic.Int64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewClient creates a new upstream client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TokenID == "" {
		cfg.TokenID = "USDT"
	}
	if cfg.CurrencyID == "" {
		cfg.CurrencyID = "RUB"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}

	logger = logger.With(slog.String("component", "bybit"))
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		rng:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	for _, raw := range cfg.Proxies {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			logger.Warn("ignoring invalid proxy", slog.String("proxy", raw))
			continue
		}
		c.proxied = append(c.proxied, &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &http.Transport{Proxy: http.ProxyURL(u)},
		})
	}
	return c
}

// Stats returns a snapshot of the request counters.
func (c *Client) Stats() Stats {
	st := Stats{
		Total:       c.total.Load(),
		Successful:  c.ok.Load(),
		Failed:      c.failed.Load(),
		RateLimited: c.limited.Load(),
		ViaProxy:    c.viaProxy.Load(),
		ProxyErrors: c.proxyErrs.Load(),
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Successful) / float64(st.Total) * 100
	}
	return st
}

// FetchSide returns every online offer of side, walking pages until a short
// or empty page or the page limit. Rows that fail validation are dropped and
// logged; a failed page request fails the whole fetch.
func (c *Client) FetchSide(ctx context.Context, side domain.Side) ([]domain.Offer, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("bybit: fetch side: %w: %q", domain.ErrUnknownSide, side)
	}

	var (
		offers  []domain.Offer
		dropped int
		seen    = make(map[string]struct{})
	)
	for page := 1; page <= c.cfg.MaxPages; page++ {
		items, err := c.fetchPage(ctx, side, page)
		if err != nil {
			return nil, fmt.Errorf("bybit: fetch %s page %d: %w", side, page, err)
		}

		for i := range items {
			o, err := items[i].ToDomainOffer(side, c.cfg.PaymentNames)
			if err != nil {
				dropped++
				c.logger.DebugContext(ctx, "dropping invalid offer",
					slog.String("side", string(side)),
					slog.String("error", err.Error()),
				)
				continue
			}
			// Listings shift while paging; keep the first copy of an ID.
			if _, dup := seen[o.ID]; dup {
				continue
			}
			seen[o.ID] = struct{}{}
			offers = append(offers, o)
		}

		if len(items) < c.cfg.PageSize {
			break
		}
	}

	if dropped > 0 {
		c.logger.WarnContext(ctx, "invalid offers dropped",
			slog.String("side", string(side)),
			slog.Int("dropped", dropped),
			slog.Int("kept", len(offers)),
		)
	}
	if offers == nil {
		offers = []domain.Offer{}
	}
	return offers, nil
}

func (c *Client) fetchPage(ctx context.Context, side domain.Side, page int) ([]APIItem, error) {
	reqBody := ListRequest{
		TokenID:    c.cfg.TokenID,
		CurrencyID: c.cfg.CurrencyID,
		Payment:    []string{},
		Side:       side.Token(),
		Size:       strconv.Itoa(c.cfg.PageSize),
		Page:       strconv.Itoa(page),
	}

	body, err := c.doPost(ctx, listPath, reqBody)
	if err != nil {
		return nil, err
	}

	var resp ListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", domain.ErrMalformedResponse, err)
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("%w: ret_code %d: %s", domain.ErrMalformedResponse, resp.RetCode, resp.RetMsg)
	}
	if resp.Result == nil {
		return nil, nil
	}
	return resp.Result.Items, nil
}

// doPost sends a JSON POST request to the OTC API, retrying up to
// cfg.Retries times on transport errors, 429 and 5xx responses.
func (c *Client) doPost(ctx context.Context, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		if attempt > 0 {
			wait := c.backoff(errors.Is(lastErr, domain.ErrRateLimited))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w (after: %v)", ctx.Err(), lastErr)
			case <-time.After(wait):
			}
		}

		client, proxied := c.pickClient(attempt)
		body, err := c.attempt(ctx, client, path, raw)
		c.total.Add(1)
		if proxied {
			c.viaProxy.Add(1)
		}
		if err == nil {
			c.ok.Add(1)
			return body, nil
		}

		c.failed.Add(1)
		if errors.Is(err, domain.ErrRateLimited) {
			c.limited.Add(1)
		}
		if proxied && !isHTTPStatusError(err) {
			c.proxyErrs.Add(1)
		}
		c.logger.DebugContext(ctx, "upstream attempt failed",
			slog.Int("attempt", attempt+1),
			slog.Bool("proxied", proxied),
			slog.String("error", err.Error()),
		)

		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, client *http.Client, path string, raw []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Origin", "https://www.bybit.com")
	req.Header.Set("Referer", "https://www.bybit.com/")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
		}
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// pickClient returns a random proxied client, or the direct one on the last
// attempt and when no proxies are configured.
func (c *Client) pickClient(attempt int) (*http.Client, bool) {
	if len(c.proxied) == 0 || (attempt == c.cfg.Retries-1 && c.cfg.Retries > 1) {
		return c.httpClient, false
	}
	c.rngMu.Lock()
	i := c.rng.IntN(len(c.proxied))
	c.rngMu.Unlock()
	return c.proxied[i], true
}

func (c *Client) backoff(rateLimited bool) time.Duration {
	base := c.cfg.RetryBackoff
	if rateLimited {
		base *= 2
	}
	c.rngMu.Lock()
	jitter := time.Duration(c.rng.Int64N(int64(c.cfg.RetryBackoff)))
	c.rngMu.Unlock()
	return base + jitter
}

// httpStatusError marks a non-2xx answer that carries no domain sentinel.
type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

func isHTTPStatusError(err error) bool {
	var se *httpStatusError
	return errors.As(err, &se) ||
		errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, domain.ErrNotFound)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return true
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	if len(bodyStr) > 256 {
		bodyStr = bodyStr[:256]
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrUpstreamUnavailable, statusCode, bodyStr)
	default:
		return &httpStatusError{code: statusCode, body: bodyStr}
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
