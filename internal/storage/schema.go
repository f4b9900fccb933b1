package storage

import (
	"context"
	"fmt"
)

// schemaStatements create the entity graph and history tables. The unique
// constraints here are what give appendHistory/appendTrade their dedup
// semantics, and the foreign keys enforce that DEX and token rows exist
// before any pool that references them.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS dexes (
		id TEXT PRIMARY KEY,
		network TEXT NOT NULL,
		name TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		network TEXT NOT NULL,
		address TEXT NOT NULL,
		symbol TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		decimals INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS pools (
		id TEXT PRIMARY KEY,
		network TEXT NOT NULL,
		address TEXT NOT NULL,
		dex_id TEXT NOT NULL REFERENCES dexes(id),
		name TEXT NOT NULL DEFAULT '',
		base_token_id TEXT NOT NULL REFERENCES tokens(id),
		quote_token_id TEXT NOT NULL REFERENCES tokens(id),
		reserve_usd NUMERIC NOT NULL DEFAULT 0,
		activity_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		watchlisted BOOLEAN NOT NULL DEFAULT FALSE,
		pool_created_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pools_network_score ON pools (network, activity_score DESC)`,
	`CREATE TABLE IF NOT EXISTS pool_history (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		pool_id TEXT NOT NULL REFERENCES pools(id),
		price_usd NUMERIC NOT NULL DEFAULT 0,
		volume_usd_24h NUMERIC NOT NULL DEFAULT 0,
		reserve_usd NUMERIC NOT NULL DEFAULT 0,
		buys_24h INT NOT NULL DEFAULT 0,
		sells_24h INT NOT NULL DEFAULT 0,
		collected_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (pool_id, collected_at)
	)`,
	`CREATE TABLE IF NOT EXISTS pool_ohlcv (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		pool_id TEXT NOT NULL REFERENCES pools(id),
		timeframe TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		open NUMERIC NOT NULL,
		high NUMERIC NOT NULL,
		low NUMERIC NOT NULL,
		close NUMERIC NOT NULL,
		volume_usd NUMERIC NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (pool_id, timeframe, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS pool_trades (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		trade_id TEXT NOT NULL UNIQUE,
		pool_id TEXT NOT NULL REFERENCES pools(id),
		side TEXT NOT NULL DEFAULT '',
		price_usd NUMERIC NOT NULL DEFAULT 0,
		amount_usd NUMERIC NOT NULL DEFAULT 0,
		trader_address TEXT NOT NULL DEFAULT '',
		executed_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS discovery_runs (
		id UUID PRIMARY KEY,
		discovery_type TEXT NOT NULL,
		target TEXT NOT NULL,
		dexes_found INT NOT NULL DEFAULT 0,
		pools_found INT NOT NULL DEFAULT 0,
		pools_included INT NOT NULL DEFAULT 0,
		tokens_extracted INT NOT NULL DEFAULT 0,
		api_calls INT NOT NULL DEFAULT 0,
		errors TEXT[],
		duration_ms BIGINT NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_discovery_runs_started ON discovery_runs (started_at DESC)`,
}

// EnsureSchema creates all tables and indexes if they do not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
