package gecko

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_EntityList(t *testing.T) {
	payload := json.RawMessage(`[
		{
			"id": "solana_ABC",
			"type": "pool",
			"attributes": {
				"name": "SOL / USDC",
				"base_token_price_usd": "142.335522",
				"reserve_in_usd": "125000.50",
				"transactions": {"h24": {"buys": 10, "sells": 7}}
			},
			"relationships": {
				"dex": {"data": {"id": "raydium", "type": "dex"}},
				"base_token": {"data": {"id": "solana_So11111", "type": "token"}}
			}
		},
		{"id": "solana_DEF", "type": "pool", "attributes": {"name": "TINY / USDC"}}
	]`)

	records, err := Normalize(payload)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "solana_ABC", records[0].GetString("id"))
	assert.Equal(t, "SOL / USDC", records[0].GetString("name"))
	assert.Equal(t, "raydium", records[0].GetString("dex_id"))
	assert.Equal(t, "solana_So11111", records[0].GetString("base_token_id"))
	assert.True(t, decimal.RequireFromString("142.335522").Equal(records[0].GetDecimal("base_token_price_usd")))
	assert.Equal(t, "TINY / USDC", records[1].GetString("name"))
}

func TestNormalize_SingleEntity(t *testing.T) {
	payload := json.RawMessage(`{
		"id": "raydium",
		"type": "dex",
		"attributes": {"name": "Raydium"}
	}`)

	records, err := Normalize(payload)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "raydium", records[0].GetString("id"))
	assert.Equal(t, "dex", records[0].GetString("type"))
	assert.Equal(t, "Raydium", records[0].GetString("name"))
}

func TestNormalize_RelationshipList(t *testing.T) {
	payload := json.RawMessage(`{
		"id": "solana_ABC",
		"type": "pool",
		"attributes": {},
		"relationships": {
			"tokens": {"data": [{"id": "t1", "type": "token"}, {"id": "t2", "type": "token"}]}
		}
	}`)

	records, err := Normalize(payload)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"t1", "t2"}, records[0]["tokens_ids"])
}

func TestNormalize_EmptyAndNull(t *testing.T) {
	for _, payload := range []string{"", "null", "  null  "} {
		records, err := Normalize(json.RawMessage(payload))
		require.NoError(t, err)
		assert.Empty(t, records)
	}
}

func TestNormalize_MalformedPayload(t *testing.T) {
	_, err := Normalize(json.RawMessage(`{"id": `))
	assert.Error(t, err)
}

func TestNormalize_PreservesDecimalPrecision(t *testing.T) {
	// High-precision prices must not pass through float64.
	payload := json.RawMessage(`{
		"id": "x",
		"type": "pool",
		"attributes": {"price_usd": 0.000000123456789012345678}
	}`)

	records, err := Normalize(payload)
	require.NoError(t, err)
	require.Len(t, records, 1)

	_, isNumber := records[0]["price_usd"].(json.Number)
	assert.True(t, isNumber, "numeric attributes must decode as json.Number")
}

func TestRecord_GetStringFallsBackAcrossKeys(t *testing.T) {
	rec := Record{"volume_usd": "", "h24_volume_usd": "50000"}
	assert.Equal(t, "50000", rec.GetString("volume_usd", "h24_volume_usd"))
	assert.Equal(t, "", rec.GetString("missing", "also_missing"))
}

func TestRecord_GetDecimalFallsBackAcrossKeys(t *testing.T) {
	rec := Record{
		"reserve_in_usd": "not-a-number",
		"reserve_usd":    json.Number("125000.50"),
	}
	got := rec.GetDecimal("reserve_in_usd", "reserve_usd")
	assert.True(t, decimal.RequireFromString("125000.50").Equal(got))
	assert.True(t, rec.GetDecimal("missing").IsZero())
}

func TestRecord_GetInt(t *testing.T) {
	rec := Record{"buys": json.Number("10"), "sells": "7", "other": 3.0}
	assert.Equal(t, 10, rec.GetInt("buys"))
	assert.Equal(t, 7, rec.GetInt("sells"))
	assert.Equal(t, 3, rec.GetInt("other"))
	assert.Equal(t, 0, rec.GetInt("missing"))
}

func TestRecord_GetTime(t *testing.T) {
	rec := Record{
		"pool_created_at": "2026-03-01T12:30:00Z",
		"block_timestamp": json.Number("1700000000"),
	}
	assert.Equal(t, time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC), rec.GetTime("pool_created_at"))
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), rec.GetTime("block_timestamp"))
	assert.True(t, rec.GetTime("missing").IsZero())
}

func TestRecord_SubChainsNilSafe(t *testing.T) {
	payload := json.RawMessage(`{
		"id": "solana_ABC",
		"type": "pool",
		"attributes": {
			"volume_usd": {"h24": "50000.5"},
			"transactions": {"h24": {"buys": 10, "sells": 7}}
		}
	}`)
	records, err := Normalize(payload)
	require.NoError(t, err)
	rec := records[0]

	assert.Equal(t, "50000.5", rec.Sub("volume_usd").GetDecimal("h24").String())
	assert.Equal(t, 10, rec.Sub("transactions").Sub("h24").GetInt("buys"))
	assert.Equal(t, 7, rec.Sub("transactions").Sub("h24").GetInt("sells"))

	// Missing keys chain to zero values instead of panicking.
	assert.Nil(t, rec.Sub("missing"))
	assert.Equal(t, 0, rec.Sub("missing").Sub("h24").GetInt("buys"))
	assert.True(t, rec.Sub("volume_usd").Sub("nested").GetDecimal("x").IsZero())
}

func TestAddressFromID(t *testing.T) {
	assert.Equal(t, "ABC", AddressFromID("solana_ABC"))
	assert.Equal(t, "So11_11112", AddressFromID("solana_So11_11112"))
	assert.Equal(t, "raydium", AddressFromID("raydium"))
}
