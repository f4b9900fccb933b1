// Package storage owns entity-graph persistence and enforces the
// dedup/idempotency contract at the write boundary: reference rows are
// create-once by primary key, history rows are append-only with
// conflict-as-no-op semantics, and a pool is never written without its DEX
// and token rows.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/dexharvest/dexharvest-go/internal/models"
	"github.com/dexharvest/dexharvest-go/internal/utils"
)

// foreignKeyViolation is the Postgres error code for a missing referenced row.
const foreignKeyViolation = "23503"

// DatabasePool defines the interface for database pool operations.
// This interface allows for both real pool and mock pool implementations.
type DatabasePool interface {
	// QueryRow executes a query that is expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	// Exec executes a query without returning any rows.
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	// Query executes a query that returns rows.
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	// Begin starts a transaction.
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository handles all reads and writes for the entity graph and the
// history tables.
type Repository struct {
	pool DatabasePool
}

// NewRepository creates a new storage repository.
func NewRepository(pool DatabasePool) *Repository {
	return &Repository{pool: pool}
}

// UpsertDex writes a DEX reference row. An existing row only has its
// last_updated refreshed; created_at and identity fields are immutable.
func (r *Repository) UpsertDex(ctx context.Context, dex *models.Dex) error {
	query := `
		INSERT INTO dexes (id, network, name, display_name, created_at, last_updated)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET last_updated = NOW()
	`
	if _, err := r.pool.Exec(ctx, query, dex.ID, dex.Network, dex.Name, dex.DisplayName); err != nil {
		return fmt.Errorf("failed to upsert dex %s: %w", dex.ID, err)
	}
	return nil
}

// UpsertToken writes a token reference row with create-once semantics.
func (r *Repository) UpsertToken(ctx context.Context, token *models.Token) error {
	return upsertTokenOn(ctx, r.pool, token)
}

// CreatePoolWithTokens writes a pool and its base/quote token rows in one
// transaction, tokens strictly before the pool, so a pool row can never
// reference a token that does not exist. The pool's DEX row must already
// exist; a foreign-key violation surfaces as an IntegrityError for the
// caller to skip.
func (r *Repository) CreatePoolWithTokens(ctx context.Context, pool *models.Pool, base, quote *models.Token) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin pool transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if base != nil {
		if err := upsertTokenOn(ctx, tx, base); err != nil {
			return err
		}
	}
	if quote != nil {
		if err := upsertTokenOn(ctx, tx, quote); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO pools (id, network, address, dex_id, name, base_token_id, quote_token_id,
			reserve_usd, activity_score, watchlisted, pool_created_at, created_at, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			reserve_usd = EXCLUDED.reserve_usd,
			activity_score = EXCLUDED.activity_score,
			last_updated = NOW()
	`
	_, err = tx.Exec(ctx, query,
		pool.ID, pool.Network, pool.Address, pool.DexID, pool.Name,
		pool.BaseTokenID, pool.QuoteTokenID, pool.ReserveUSD,
		pool.ActivityScore, pool.Watchlisted, pool.PoolCreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return utils.NewIntegrityError("pools", pool.ID, err)
		}
		return fmt.Errorf("failed to upsert pool %s: %w", pool.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit pool transaction: %w", err)
	}
	return nil
}

// TouchPool refreshes mutable pool fields after a collection pass without
// touching identity fields or created_at.
func (r *Repository) TouchPool(ctx context.Context, poolID string, reserveUSD decimal.Decimal, activityScore float64) error {
	query := `
		UPDATE pools SET reserve_usd = $2, activity_score = $3, last_updated = NOW()
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, poolID, reserveUSD, activityScore); err != nil {
		return fmt.Errorf("failed to touch pool %s: %w", poolID, err)
	}
	return nil
}

// PoolExists reports whether a pool reference row is present, by primary
// key only, never by content diff.
func (r *Repository) PoolExists(ctx context.Context, poolID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM pools WHERE id = $1)", poolID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pool %s: %w", poolID, err)
	}
	return exists, nil
}

// DexExists reports whether a DEX reference row is present.
func (r *Repository) DexExists(ctx context.Context, dexID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM dexes WHERE id = $1)", dexID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check dex %s: %w", dexID, err)
	}
	return exists, nil
}

// ListDexIDs returns the ids of all known DEXes on a network; used as the
// last-known set when live discovery fails.
func (r *Repository) ListDexIDs(ctx context.Context, network string) ([]string, error) {
	rows, err := r.pool.Query(ctx, "SELECT id FROM dexes WHERE network = $1 ORDER BY id", network)
	if err != nil {
		return nil, fmt.Errorf("failed to list dexes for %s: %w", network, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan dex id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListActivePools returns pools on a network eligible for steady-state
// collection: watchlisted pools always, others when their activity score
// clears the threshold.
func (r *Repository) ListActivePools(ctx context.Context, network string, minScore float64) ([]models.Pool, error) {
	query := `
		SELECT id, network, address, dex_id, name, base_token_id, quote_token_id,
			reserve_usd, activity_score, watchlisted
		FROM pools
		WHERE network = $1 AND (watchlisted OR activity_score >= $2)
		ORDER BY activity_score DESC
	`
	rows, err := r.pool.Query(ctx, query, network, minScore)
	if err != nil {
		return nil, fmt.Errorf("failed to list active pools for %s: %w", network, err)
	}
	defer rows.Close()

	var pools []models.Pool
	for rows.Next() {
		var p models.Pool
		if err := rows.Scan(&p.ID, &p.Network, &p.Address, &p.DexID, &p.Name,
			&p.BaseTokenID, &p.QuoteTokenID, &p.ReserveUSD, &p.ActivityScore, &p.Watchlisted); err != nil {
			return nil, fmt.Errorf("failed to scan pool: %w", err)
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

// AppendHistory inserts one pool observation. A conflicting
// (pool_id, collected_at) insert is a successful no-op duplicate, reported
// via the returned bool, never an error.
func (r *Repository) AppendHistory(ctx context.Context, h *models.PoolHistory) (bool, error) {
	query := `
		INSERT INTO pool_history (pool_id, price_usd, volume_usd_24h, reserve_usd,
			buys_24h, sells_24h, collected_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (pool_id, collected_at) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		h.PoolID, h.PriceUSD, h.VolumeUSD24h, h.ReserveUSD,
		h.Buys24h, h.Sells24h, h.CollectedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return false, utils.NewIntegrityError("pool_history", h.PoolID, err)
		}
		return false, fmt.Errorf("failed to append history for %s: %w", h.PoolID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// AppendOHLCV inserts one candle, deduplicated on (pool_id, timeframe, ts).
func (r *Repository) AppendOHLCV(ctx context.Context, c *models.OHLCVCandle) (bool, error) {
	query := `
		INSERT INTO pool_ohlcv (pool_id, timeframe, ts, open, high, low, close, volume_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (pool_id, timeframe, ts) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		c.PoolID, c.Timeframe, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.VolumeUSD)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return false, utils.NewIntegrityError("pool_ohlcv", c.PoolID, err)
		}
		return false, fmt.Errorf("failed to append ohlcv for %s: %w", c.PoolID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// AppendTrade inserts one trade, deduplicated on the provider trade id.
func (r *Repository) AppendTrade(ctx context.Context, t *models.Trade) (bool, error) {
	query := `
		INSERT INTO pool_trades (trade_id, pool_id, side, price_usd, amount_usd,
			trader_address, executed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (trade_id) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		t.TradeID, t.PoolID, t.Side, t.PriceUSD, t.AmountUSD, t.TraderAddr, t.ExecutedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return false, utils.NewIntegrityError("pool_trades", t.TradeID, err)
		}
		return false, fmt.Errorf("failed to append trade %s: %w", t.TradeID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// LatestHistoryTimestamp returns the most recent stored observation for a
// pool, or nil when none exist.
func (r *Repository) LatestHistoryTimestamp(ctx context.Context, poolID string) (*time.Time, error) {
	var ts *time.Time
	err := r.pool.QueryRow(ctx,
		"SELECT MAX(collected_at) FROM pool_history WHERE pool_id = $1", poolID).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest history for %s: %w", poolID, err)
	}
	return ts, nil
}

// FindHistoryGaps returns continuity holes in a pool's history since the
// given instant: consecutive observations further apart than tolerance.
func (r *Repository) FindHistoryGaps(ctx context.Context, poolID string, since time.Time, tolerance time.Duration) ([]models.HistoryGap, error) {
	query := `
		SELECT prev_ts, collected_at FROM (
			SELECT collected_at,
				LAG(collected_at) OVER (ORDER BY collected_at) AS prev_ts
			FROM pool_history
			WHERE pool_id = $1 AND collected_at >= $2
		) w
		WHERE prev_ts IS NOT NULL AND collected_at - prev_ts > make_interval(secs => $3)
		ORDER BY prev_ts
	`
	rows, err := r.pool.Query(ctx, query, poolID, since, tolerance.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to query history gaps for %s: %w", poolID, err)
	}
	defer rows.Close()

	var gaps []models.HistoryGap
	for rows.Next() {
		var from, to time.Time
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("failed to scan history gap: %w", err)
		}
		gaps = append(gaps, models.HistoryGap{
			PoolID: poolID,
			From:   from,
			To:     to,
			Width:  to.Sub(from),
		})
	}
	return gaps, rows.Err()
}

// InsertDiscoveryRun appends one audit row for a discovery run.
func (r *Repository) InsertDiscoveryRun(ctx context.Context, m *models.DiscoveryMetadata) error {
	query := `
		INSERT INTO discovery_runs (id, discovery_type, target, dexes_found, pools_found,
			pools_included, tokens_extracted, api_calls, errors, duration_ms, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.pool.Exec(ctx, query,
		m.ID, m.DiscoveryType, m.Target, m.DexesFound, m.PoolsFound,
		m.PoolsIncluded, m.TokensExtracted, m.APICalls, m.Errors,
		m.Duration.Milliseconds(), m.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert discovery run: %w", err)
	}
	return nil
}

// ListDiscoveryRuns returns the most recent discovery audit rows.
func (r *Repository) ListDiscoveryRuns(ctx context.Context, limit int) ([]models.DiscoveryMetadata, error) {
	query := `
		SELECT id, discovery_type, target, dexes_found, pools_found, pools_included,
			tokens_extracted, api_calls, errors, duration_ms, started_at
		FROM discovery_runs ORDER BY started_at DESC LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list discovery runs: %w", err)
	}
	defer rows.Close()

	var runs []models.DiscoveryMetadata
	for rows.Next() {
		var m models.DiscoveryMetadata
		var durationMs int64
		if err := rows.Scan(&m.ID, &m.DiscoveryType, &m.Target, &m.DexesFound, &m.PoolsFound,
			&m.PoolsIncluded, &m.TokensExtracted, &m.APICalls, &m.Errors, &durationMs, &m.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan discovery run: %w", err)
		}
		m.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, m)
	}
	return runs, rows.Err()
}

// DeleteHistoryBefore removes history rows older than cutoff; retention
// policy lives outside the core, this is only the mechanism.
func (r *Repository) DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, "DELETE FROM pool_history WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteTradesBefore removes trade rows older than cutoff.
func (r *Repository) DeleteTradesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, "DELETE FROM pool_trades WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old trades: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TableStats counts rows in the history tables for the ops surface.
func (r *Repository) TableStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, table := range []string{"pools", "pool_history", "pool_ohlcv", "pool_trades"} {
		var count int64
		if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table+"_count"] = count
	}
	return stats, nil
}

// tokenWriter lets the token upsert run on either the pool or an open
// transaction.
type tokenWriter interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func upsertTokenOn(ctx context.Context, db tokenWriter, token *models.Token) error {
	query := `
		INSERT INTO tokens (id, network, address, symbol, name, decimals, created_at, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET last_updated = NOW()
	`
	if _, err := db.Exec(ctx, query,
		token.ID, token.Network, token.Address, token.Symbol, token.Name, token.Decimals); err != nil {
		return fmt.Errorf("failed to upsert token %s: %w", token.ID, err)
	}
	return nil
}
