package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Dex represents a decentralized exchange on a specific network.
type Dex struct {
	ID          string    `json:"id" db:"id"`
	Network     string    `json:"network" db:"network"`
	Name        string    `json:"name" db:"name"`
	DisplayName string    `json:"display_name" db:"display_name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
}

// Token represents an on-chain token referenced by one or more pools.
type Token struct {
	ID          string    `json:"id" db:"id"`
	Network     string    `json:"network" db:"network"`
	Address     string    `json:"address" db:"address"`
	Symbol      string    `json:"symbol" db:"symbol"`
	Name        string    `json:"name" db:"name"`
	Decimals    int       `json:"decimals" db:"decimals"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
}

// Pool represents a liquidity pool on a DEX. The ID is a composite of
// network and on-chain address, globally unique and immutable once created.
// A pool row must never exist without its DEX row, and its base/quote token
// rows are created in the same transaction.
type Pool struct {
	ID            string          `json:"id" db:"id"`
	Network       string          `json:"network" db:"network"`
	Address       string          `json:"address" db:"address"`
	DexID         string          `json:"dex_id" db:"dex_id"`
	Name          string          `json:"name" db:"name"`
	BaseTokenID   string          `json:"base_token_id" db:"base_token_id"`
	QuoteTokenID  string          `json:"quote_token_id" db:"quote_token_id"`
	ReserveUSD    decimal.Decimal `json:"reserve_usd" db:"reserve_usd"`
	ActivityScore float64         `json:"activity_score" db:"activity_score"`
	Watchlisted   bool            `json:"watchlisted" db:"watchlisted"`
	PoolCreatedAt *time.Time      `json:"pool_created_at" db:"pool_created_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	LastUpdated   time.Time       `json:"last_updated" db:"last_updated"`
}

// PoolID builds the composite pool identifier from network and address.
func PoolID(network, address string) string {
	return fmt.Sprintf("%s_%s", network, address)
}

// TokenID builds the composite token identifier from network and address.
func TokenID(network, address string) string {
	return fmt.Sprintf("%s_%s", network, address)
}

// DexID builds the composite DEX identifier from network and dex name.
func DexID(network, name string) string {
	return fmt.Sprintf("%s_%s", network, name)
}

// PoolMetrics carries the raw market metrics used for activity scoring.
type PoolMetrics struct {
	VolumeUSD24h decimal.Decimal `json:"volume_usd_24h"`
	Transactions int             `json:"transactions_24h"`
	ReserveUSD   decimal.Decimal `json:"reserve_usd"`
}
