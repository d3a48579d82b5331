// Package p2papi is the dashboard's HTTP client for the data-source backend.
package p2papi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/p2pboard/internal/domain"
)

// DefaultTimeout bounds one fetch.
const DefaultTimeout = 30 * time.Second

// HeaderCacheSource carries the snapshot provenance on offer responses.
const HeaderCacheSource = "X-Cache-Source"

// Client talks to the backend's /api/offers and /api/auto-refresh endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the backend rooted at baseURL. apiKey may
// be empty.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(slog.String("component", "p2papi")),
	}
}

// offersResponse is the body of GET /api/offers. An error field on a 200
// response still means the fetch failed.
type offersResponse struct {
	domain.SideSnapshot
	Error string `json:"error,omitempty"`
}

type autoRefreshResponse struct {
	AutoRefresh *bool  `json:"auto_refresh"`
	Error       string `json:"error,omitempty"`
}

// FetchOffers returns the current snapshot of side. force asks the backend
// to bypass its own cache.
func (c *Client) FetchOffers(ctx context.Context, side domain.Side, force bool) (domain.SideSnapshot, error) {
	if !side.Valid() {
		return domain.SideSnapshot{}, fmt.Errorf("p2papi: fetch offers: %w: %q", domain.ErrUnknownSide, side)
	}

	q := url.Values{"side": {side.Token()}}
	if force {
		q.Set("force", "true")
	}

	var resp offersResponse
	hdr, err := c.do(ctx, http.MethodGet, "/api/offers", q, nil, &resp)
	if err != nil {
		return domain.SideSnapshot{}, fmt.Errorf("p2papi: fetch offers %s: %w", side, err)
	}
	if resp.Error != "" {
		return domain.SideSnapshot{}, fmt.Errorf("p2papi: fetch offers %s: %w", side, payloadError(resp.Error))
	}

	snap := resp.SideSnapshot
	snap.Side = side
	if snap.Offers == nil {
		snap.Offers = []domain.Offer{}
	}
	if src := hdr.Get(HeaderCacheSource); src != "" {
		snap.CacheSource = domain.CacheSource(src)
	}

	valid := snap.Offers[:0]
	for _, o := range snap.Offers {
		if o.Side == "" {
			o.Side = side
		}
		if err := o.ValidateFor(side); err != nil {
			c.logger.WarnContext(ctx, "dropping invalid offer",
				slog.String("side", string(side)),
				slog.String("error", err.Error()),
			)
			continue
		}
		valid = append(valid, o)
	}
	snap.Offers = valid
	return snap, nil
}

// Status asks for the last update time of side without the offers.
func (c *Client) Status(ctx context.Context, side domain.Side) (domain.SideStatus, error) {
	if !side.Valid() {
		return domain.SideStatus{}, fmt.Errorf("p2papi: status: %w: %q", domain.ErrUnknownSide, side)
	}

	var resp struct {
		domain.SideStatus
		Error string `json:"error,omitempty"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/offers/status", url.Values{"side": {side.Token()}}, nil, &resp); err != nil {
		return domain.SideStatus{}, fmt.Errorf("p2papi: status %s: %w", side, err)
	}
	if resp.Error != "" {
		return domain.SideStatus{}, fmt.Errorf("p2papi: status %s: %w", side, payloadError(resp.Error))
	}
	resp.SideStatus.Side = side
	return resp.SideStatus, nil
}

// AutoRefresh reads the backend's global background-refresh flag.
func (c *Client) AutoRefresh(ctx context.Context) (bool, error) {
	var resp autoRefreshResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/auto-refresh", nil, nil, &resp); err != nil {
		return false, fmt.Errorf("p2papi: auto refresh: %w", err)
	}
	return resp.value("auto refresh")
}

// SetAutoRefresh writes the flag and returns the value the backend reports,
// which is not necessarily enabled.
func (c *Client) SetAutoRefresh(ctx context.Context, enabled bool) (bool, error) {
	body := map[string]bool{"auto_refresh": enabled}
	var resp autoRefreshResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/auto-refresh", nil, body, &resp); err != nil {
		return false, fmt.Errorf("p2papi: set auto refresh: %w", err)
	}
	return resp.value("set auto refresh")
}

func (r autoRefreshResponse) value(action string) (bool, error) {
	if r.Error != "" {
		return false, fmt.Errorf("p2papi: %s: %w", action, payloadError(r.Error))
	}
	if r.AutoRefresh == nil {
		return false, fmt.Errorf("p2papi: %s: %w: missing auto_refresh", action, domain.ErrMalformedResponse)
	}
	return *r.AutoRefresh, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) (http.Header, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	// Transport errors and timeouts stay unclassified: they are transient.
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkStatus(resp.StatusCode, raw); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", domain.ErrMalformedResponse, err)
	}
	return resp.Header, nil
}

func checkStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}

	msg := strings.TrimSpace(string(body))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	if len(msg) > 256 {
		msg = msg[:256]
	}

	switch code {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrUpstreamUnavailable, code, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	default:
		return fmt.Errorf("HTTP %d: %s", code, msg)
	}
}

// payloadError maps an error message found in a response body to the
// matching sentinel.
func payloadError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"):
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "unavailable"):
		return fmt.Errorf("%w: %s", domain.ErrUpstreamUnavailable, msg)
	default:
		return fmt.Errorf("%w: %s", domain.ErrMalformedResponse, msg)
	}
}
