package gecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dexharvest/dexharvest-go/internal/config"
	"github.com/dexharvest/dexharvest-go/internal/utils"
)

// Client talks to the upstream market-data API. It owns transport-level
// pacing only; the keyed rate limiter and circuit breaker sit above it.
type Client struct {
	HTTPClient *http.Client
	baseURL    string
	pacer      *rate.Limiter
}

// NewClient creates a provider client from configuration.
func NewClient(cfg *config.ProviderConfig) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var pacer *rate.Limiter
	if cfg.PaceRPS > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.PaceRPS), 1)
	}

	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		pacer:      pacer,
	}
}

// GetDexes retrieves one page of DEXes for a network.
func (c *Client) GetDexes(ctx context.Context, network string, page int) (*Page, error) {
	path := fmt.Sprintf("/networks/%s/dexes", url.PathEscape(network))
	return c.getPage(ctx, "dexes", path, page)
}

// GetPools retrieves one page of pools for a DEX on a network, ordered by
// 24h volume descending.
func (c *Client) GetPools(ctx context.Context, network, dex string, page int) (*Page, error) {
	path := fmt.Sprintf("/networks/%s/dexes/%s/pools?sort=h24_volume_usd_desc",
		url.PathEscape(network), url.PathEscape(dex))
	return c.getPage(ctx, "pools", path, page)
}

// GetNewPools retrieves one page of recently created pools on a network.
func (c *Client) GetNewPools(ctx context.Context, network string, page int) (*Page, error) {
	path := fmt.Sprintf("/networks/%s/new_pools", url.PathEscape(network))
	return c.getPage(ctx, "new_pools", path, page)
}

// GetPool retrieves a single pool by on-chain address.
func (c *Client) GetPool(ctx context.Context, network, address string) (Record, error) {
	path := fmt.Sprintf("/networks/%s/pools/%s", url.PathEscape(network), url.PathEscape(address))
	var resp listResponse
	if err := c.makeRequest(ctx, "pool", path, &resp); err != nil {
		return nil, err
	}
	records, err := Normalize(resp.Data)
	if err != nil {
		return nil, utils.NewTransportError("pool", 0, err)
	}
	if len(records) == 0 {
		return nil, utils.NewValidationErrorf("pool %s/%s not found in response", network, address)
	}
	return records[0], nil
}

// GetOHLCV retrieves candles for a pool. The provider returns a table of
// [ts, o, h, l, c, v] rows; each row is normalized into a Record so the
// OHLCV collector consumes the same shape as every other collector.
func (c *Client) GetOHLCV(ctx context.Context, network, poolAddress, timeframe string, limit int) ([]Record, error) {
	path := fmt.Sprintf("/networks/%s/pools/%s/ohlcv/%s",
		url.PathEscape(network), url.PathEscape(poolAddress), url.PathEscape(timeframe))
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var resp ohlcvResponse
	if err := c.makeRequest(ctx, "ohlcv", path, &resp); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(resp.Data.Attributes.OHLCVList))
	for _, row := range resp.Data.Attributes.OHLCVList {
		if len(row) < 6 {
			continue
		}
		records = append(records, Record{
			"timestamp": row[0],
			"open":      row[1],
			"high":      row[2],
			"low":       row[3],
			"close":     row[4],
			"volume":    row[5],
		})
	}
	return records, nil
}

// GetTrades retrieves recent trades for a pool.
func (c *Client) GetTrades(ctx context.Context, network, poolAddress string) ([]Record, error) {
	path := fmt.Sprintf("/networks/%s/pools/%s/trades",
		url.PathEscape(network), url.PathEscape(poolAddress))
	var resp listResponse
	if err := c.makeRequest(ctx, "trades", path, &resp); err != nil {
		return nil, err
	}
	records, err := Normalize(resp.Data)
	if err != nil {
		return nil, utils.NewTransportError("trades", 0, err)
	}
	return records, nil
}

// getPage fetches one page of a paginated collection endpoint.
func (c *Client) getPage(ctx context.Context, op, path string, page int) (*Page, error) {
	if page > 1 {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		path += sep + "page=" + strconv.Itoa(page)
	}

	var resp listResponse
	if err := c.makeRequest(ctx, op, path, &resp); err != nil {
		return nil, err
	}

	records, err := Normalize(resp.Data)
	if err != nil {
		return nil, utils.NewTransportError(op, 0, err)
	}

	next := resp.Meta.NextPage
	if next == 0 && resp.Links.Next != "" {
		// Some endpoints only expose a next link; a non-empty link means
		// the page after the current one exists.
		next = page + 1
		if page == 0 {
			next = 2
		}
	}
	return &Page{Records: records, NextPage: next}, nil
}

// makeRequest performs one HTTP GET against the provider and decodes the
// response, mapping failures into the transport/rate-limit taxonomy.
func (c *Client) makeRequest(ctx context.Context, op, path string, result interface{}) error {
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return utils.NewTransportError(op, 0, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return utils.NewTransportError(op, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "dexharvest/1.0")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return utils.NewTransportError(op, 0, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return utils.NewTransportError(op, resp.StatusCode, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return utils.NewRateLimitError(op, time.Now().Add(retryAfter), retryAfter)
	}

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && len(errResp.Errors) > 0 {
			return utils.NewTransportError(op, resp.StatusCode,
				fmt.Errorf("provider error: %s", errResp.Errors[0].Title))
		}
		return utils.NewTransportError(op, resp.StatusCode,
			fmt.Errorf("provider error: %s", strings.TrimSpace(string(body))))
	}

	if result != nil {
		if err := decodeNumbers(body, result); err != nil {
			return utils.NewTransportError(op, resp.StatusCode,
				fmt.Errorf("failed to unmarshal response: %w", err))
		}
	}
	return nil
}

// parseRetryAfter interprets the Retry-After header; zero duration means
// the provider gave no usable hint.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// BaseURL returns the provider base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}
