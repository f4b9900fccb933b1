package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PoolHistory is one observation of a pool at a point in time. Rows are
// append-only and deduplicated on (pool_id, collected_at).
type PoolHistory struct {
	ID           int64           `json:"id" db:"id"`
	PoolID       string          `json:"pool_id" db:"pool_id"`
	PriceUSD     decimal.Decimal `json:"price_usd" db:"price_usd"`
	VolumeUSD24h decimal.Decimal `json:"volume_usd_24h" db:"volume_usd_24h"`
	ReserveUSD   decimal.Decimal `json:"reserve_usd" db:"reserve_usd"`
	Buys24h      int             `json:"buys_24h" db:"buys_24h"`
	Sells24h     int             `json:"sells_24h" db:"sells_24h"`
	CollectedAt  time.Time       `json:"collected_at" db:"collected_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// OHLCVCandle is one candle for a pool and timeframe. Rows are append-only
// and deduplicated on (pool_id, timeframe, ts).
type OHLCVCandle struct {
	ID        int64           `json:"id" db:"id"`
	PoolID    string          `json:"pool_id" db:"pool_id"`
	Timeframe string          `json:"timeframe" db:"timeframe"`
	Timestamp time.Time       `json:"ts" db:"ts"`
	Open      decimal.Decimal `json:"open" db:"open"`
	High      decimal.Decimal `json:"high" db:"high"`
	Low       decimal.Decimal `json:"low" db:"low"`
	Close     decimal.Decimal `json:"close" db:"close"`
	VolumeUSD decimal.Decimal `json:"volume_usd" db:"volume_usd"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Trade is one swap observed on a pool. Rows are append-only and
// deduplicated on the provider trade id (tx hash plus log index).
type Trade struct {
	ID         int64           `json:"id" db:"id"`
	TradeID    string          `json:"trade_id" db:"trade_id"`
	PoolID     string          `json:"pool_id" db:"pool_id"`
	Side       string          `json:"side" db:"side"`
	PriceUSD   decimal.Decimal `json:"price_usd" db:"price_usd"`
	AmountUSD  decimal.Decimal `json:"amount_usd" db:"amount_usd"`
	TraderAddr string          `json:"trader_address" db:"trader_address"`
	ExecutedAt time.Time       `json:"executed_at" db:"executed_at"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// HistoryGap describes a continuity hole in stored history for a pool:
// two consecutive stored observations further apart than the expected
// collection interval.
type HistoryGap struct {
	PoolID string        `json:"pool_id"`
	From   time.Time     `json:"from"`
	To     time.Time     `json:"to"`
	Width  time.Duration `json:"width"`
}
