package gecko

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexharvest/dexharvest-go/internal/config"
	"github.com/dexharvest/dexharvest-go/internal/utils"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(&config.ProviderConfig{BaseURL: server.URL, Timeout: 5})
}

func TestClient_GetDexes(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/networks/solana/dexes", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{
			"data": [
				{"id": "raydium", "type": "dex", "attributes": {"name": "Raydium"}},
				{"id": "orca", "type": "dex", "attributes": {"name": "Orca"}}
			],
			"meta": {"next_page": 2}
		}`))
	})

	page, err := client.GetDexes(context.Background(), "solana", 1)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "raydium", page.Records[0].GetString("id"))
	assert.Equal(t, 2, page.NextPage)
}

func TestClient_GetPools_PaginationParams(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/networks/solana/dexes/raydium/pools", r.URL.Path)
		assert.Equal(t, "h24_volume_usd_desc", r.URL.Query().Get("sort"))
		assert.Equal(t, "3", r.URL.Query().Get("page"))
		_, _ = w.Write([]byte(`{"data": [], "meta": {"next_page": 0}}`))
	})

	page, err := client.GetPools(context.Background(), "solana", "raydium", 3)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Zero(t, page.NextPage, "exhausted pagination reports no next page")
}

func TestClient_GetPage_NextLinkFallback(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"data": [{"id": "solana_ABC", "type": "pool", "attributes": {}}],
			"links": {"next": "https://upstream/page2"}
		}`))
	})

	page, err := client.GetNewPools(context.Background(), "solana", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, page.NextPage)
}

func TestClient_RateLimitedMapsToRateLimitError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "90")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	before := time.Now()
	_, err := client.GetDexes(context.Background(), "solana", 1)
	require.Error(t, err)

	var rlErr *utils.RateLimitError
	require.True(t, errors.As(err, &rlErr), "429 must map to RateLimitError, got %v", err)
	assert.Equal(t, 90*time.Second, rlErr.RetryAfter)
	assert.False(t, rlErr.Until.Before(before.Add(89*time.Second)))
}

func TestClient_ServerErrorMapsToTransportError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"errors": [{"status": "500", "title": "upstream exploded"}]}`))
	})

	_, err := client.GetTrades(context.Background(), "solana", "ABC")
	require.Error(t, err)

	var trErr *utils.TransportError
	require.True(t, errors.As(err, &trErr))
	assert.Equal(t, http.StatusInternalServerError, trErr.StatusCode)
	assert.Contains(t, trErr.Error(), "upstream exploded")
}

func TestClient_GetOHLCV_NormalizesTable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/networks/solana/pools/ABC/ohlcv/hour", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{
			"data": {
				"id": "solana_ABC",
				"attributes": {
					"ohlcv_list": [
						[1700000000, 1.0, 1.2, 0.9, 1.1, 4200.5],
						[1700003600, 1.1, 1.3, 1.0, 1.2, 3800]
					]
				}
			}
		}`))
	})

	records, err := client.GetOHLCV(context.Background(), "solana", "ABC", "hour", 100)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), records[0].GetTime("timestamp"))
	assert.Equal(t, "1.1", records[0].GetDecimal("close").String())
	assert.Equal(t, "4200.5", records[0].GetDecimal("volume").String())
}

func TestClient_GetOHLCV_SkipsShortRows(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"data": {"attributes": {"ohlcv_list": [[1700000000, 1.0], [1700003600, 1, 1, 1, 1, 1]]}}
		}`))
	})

	records, err := client.GetOHLCV(context.Background(), "solana", "ABC", "day", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestClient_GetPool_NotFoundInBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": null}`))
	})

	_, err := client.GetPool(context.Background(), "solana", "MISSING")
	require.Error(t, err)

	var valErr *utils.ValidationError
	assert.True(t, errors.As(err, &valErr))
}

func TestClient_ContextCancellation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"data": []}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.GetDexes(ctx, "solana", 1)
	require.Error(t, err)

	var trErr *utils.TransportError
	assert.True(t, errors.As(err, &trErr), "cancelled request surfaces as TransportError")
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))

	future := time.Now().Add(45 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	assert.Greater(t, got, 40*time.Second)
	assert.LessOrEqual(t, got, 45*time.Second)
}
