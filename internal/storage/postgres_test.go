package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexharvest/dexharvest-go/internal/models"
	"github.com/dexharvest/dexharvest-go/internal/utils"
)

func newMockRepo(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewRepository(mock), mock
}

func samplePool() *models.Pool {
	return &models.Pool{
		ID:           "solana_ABC",
		Network:      "solana",
		Address:      "ABC",
		DexID:        "solana_raydium",
		Name:         "SOL / USDC",
		BaseTokenID:  "solana_So11111",
		QuoteTokenID: "solana_EPjFWd",
		ReserveUSD:   decimal.NewFromInt(125000),
	}
}

func TestRepository_UpsertDexIsIdempotent(t *testing.T) {
	repo, mock := newMockRepo(t)

	dex := &models.Dex{ID: "solana_raydium", Network: "solana", Name: "raydium", DisplayName: "Raydium"}

	// First call inserts, second call hits the conflict arm and only
	// refreshes last_updated; both succeed.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dexes")).
		WithArgs(dex.ID, dex.Network, dex.Name, dex.DisplayName).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dexes")).
		WithArgs(dex.ID, dex.Network, dex.Name, dex.DisplayName).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.UpsertDex(context.Background(), dex))
	require.NoError(t, repo.UpsertDex(context.Background(), dex))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_UpsertToken(t *testing.T) {
	repo, mock := newMockRepo(t)

	token := &models.Token{ID: "solana_So11111", Network: "solana", Address: "So11111", Symbol: "SOL", Name: "Wrapped SOL", Decimals: 9}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tokens")).
		WithArgs(token.ID, token.Network, token.Address, token.Symbol, token.Name, token.Decimals).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.UpsertToken(context.Background(), token))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_CreatePoolWithTokens_WritesTokensBeforePool(t *testing.T) {
	repo, mock := newMockRepo(t)
	pool := samplePool()
	base := &models.Token{ID: pool.BaseTokenID, Network: "solana", Address: "So11111", Symbol: "SOL"}
	quote := &models.Token{ID: pool.QuoteTokenID, Network: "solana", Address: "EPjFWd", Symbol: "USDC"}

	// Expectations are ordered: both token upserts must precede the pool
	// insert inside one transaction.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tokens")).
		WithArgs(base.ID, base.Network, base.Address, base.Symbol, base.Name, base.Decimals).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tokens")).
		WithArgs(quote.ID, quote.Network, quote.Address, quote.Symbol, quote.Name, quote.Decimals).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pools")).
		WithArgs(pool.ID, pool.Network, pool.Address, pool.DexID, pool.Name,
			pool.BaseTokenID, pool.QuoteTokenID, pool.ReserveUSD,
			pool.ActivityScore, pool.Watchlisted, pool.PoolCreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err := repo.CreatePoolWithTokens(context.Background(), pool, base, quote)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_CreatePoolWithTokens_MissingDexIsIntegrityError(t *testing.T) {
	repo, mock := newMockRepo(t)
	pool := samplePool()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pools")).
		WithArgs(pool.ID, pool.Network, pool.Address, pool.DexID, pool.Name,
			pool.BaseTokenID, pool.QuoteTokenID, pool.ReserveUSD,
			pool.ActivityScore, pool.Watchlisted, pool.PoolCreatedAt).
		WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "pools_dex_id_fkey"})
	mock.ExpectRollback()

	err := repo.CreatePoolWithTokens(context.Background(), pool, nil, nil)
	require.Error(t, err)

	var integrityErr *utils.IntegrityError
	assert.True(t, errors.As(err, &integrityErr), "missing FK must map to IntegrityError, got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_AppendHistory_DuplicateIsNoOp(t *testing.T) {
	// Scenario: two inserts for pool solana_ABC at the same timestamp;
	// the second is a successful no-op, never an error.
	repo, mock := newMockRepo(t)

	collectedAt := time.Unix(1000, 0).UTC()
	record := &models.PoolHistory{
		PoolID:       "solana_ABC",
		PriceUSD:     decimal.RequireFromString("1.25"),
		VolumeUSD24h: decimal.NewFromInt(50000),
		ReserveUSD:   decimal.NewFromInt(125000),
		Buys24h:      10,
		Sells24h:     7,
		CollectedAt:  collectedAt,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pool_history")).
		WithArgs(record.PoolID, record.PriceUSD, record.VolumeUSD24h, record.ReserveUSD,
			record.Buys24h, record.Sells24h, record.CollectedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pool_history")).
		WithArgs(record.PoolID, record.PriceUSD, record.VolumeUSD24h, record.ReserveUSD,
			record.Buys24h, record.Sells24h, record.CollectedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := repo.AppendHistory(context.Background(), record)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.AppendHistory(context.Background(), record)
	require.NoError(t, err)
	assert.False(t, inserted, "conflicting insert must be a no-op duplicate")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_AppendOHLCV_DedupKeyIncludesTimeframe(t *testing.T) {
	repo, mock := newMockRepo(t)

	ts := time.Unix(1700000000, 0).UTC()
	candle := &models.OHLCVCandle{
		PoolID:    "solana_ABC",
		Timeframe: "hour",
		Timestamp: ts,
		Open:      decimal.RequireFromString("1.0"),
		High:      decimal.RequireFromString("1.2"),
		Low:       decimal.RequireFromString("0.9"),
		Close:     decimal.RequireFromString("1.1"),
		VolumeUSD: decimal.NewFromInt(4200),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pool_ohlcv")).
		WithArgs(candle.PoolID, candle.Timeframe, candle.Timestamp,
			candle.Open, candle.High, candle.Low, candle.Close, candle.VolumeUSD).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := repo.AppendOHLCV(context.Background(), candle)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_AppendTrade_OrphanIsIntegrityError(t *testing.T) {
	repo, mock := newMockRepo(t)

	trade := &models.Trade{
		TradeID:    "sig123_0",
		PoolID:     "solana_MISSING",
		Side:       "buy",
		PriceUSD:   decimal.RequireFromString("2.5"),
		AmountUSD:  decimal.NewFromInt(100),
		ExecutedAt: time.Unix(2000, 0).UTC(),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pool_trades")).
		WithArgs(trade.TradeID, trade.PoolID, trade.Side, trade.PriceUSD,
			trade.AmountUSD, trade.TraderAddr, trade.ExecutedAt).
		WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "pool_trades_pool_id_fkey"})

	_, err := repo.AppendTrade(context.Background(), trade)
	require.Error(t, err)

	var integrityErr *utils.IntegrityError
	assert.True(t, errors.As(err, &integrityErr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_LatestHistoryTimestamp(t *testing.T) {
	repo, mock := newMockRepo(t)

	latest := time.Unix(5000, 0).UTC()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(collected_at) FROM pool_history")).
		WithArgs("solana_ABC").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(&latest))

	got, err := repo.LatestHistoryTimestamp(context.Background(), "solana_ABC")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, latest, *got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_FindHistoryGaps(t *testing.T) {
	repo, mock := newMockRepo(t)

	since := time.Unix(0, 0).UTC()
	from := time.Unix(1000, 0).UTC()
	to := time.Unix(4000, 0).UTC()

	mock.ExpectQuery("LAG\\(collected_at\\)").
		WithArgs("solana_ABC", since, (10 * time.Minute).Seconds()).
		WillReturnRows(pgxmock.NewRows([]string{"prev_ts", "collected_at"}).AddRow(from, to))

	gaps, err := repo.FindHistoryGaps(context.Background(), "solana_ABC", since, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, 50*time.Minute, gaps[0].Width)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ListActivePools_IncludesWatchlisted(t *testing.T) {
	repo, mock := newMockRepo(t)

	rows := pgxmock.NewRows([]string{
		"id", "network", "address", "dex_id", "name",
		"base_token_id", "quote_token_id", "reserve_usd", "activity_score", "watchlisted",
	}).
		AddRow("solana_ABC", "solana", "ABC", "solana_raydium", "SOL / USDC",
			"solana_So11111", "solana_EPjFWd", decimal.NewFromInt(125000), 62.5, false).
		AddRow("solana_DEF", "solana", "DEF", "solana_raydium", "TINY / USDC",
			"solana_T1", "solana_EPjFWd", decimal.NewFromInt(50), 1.0, true)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE network = $1 AND (watchlisted OR activity_score >= $2)")).
		WithArgs("solana", 20.0).
		WillReturnRows(rows)

	pools, err := repo.ListActivePools(context.Background(), "solana", 20.0)
	require.NoError(t, err)
	require.Len(t, pools, 2)
	assert.True(t, pools[1].Watchlisted, "watchlisted pool below threshold must still be listed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_InsertDiscoveryRun(t *testing.T) {
	repo, mock := newMockRepo(t)

	meta := models.NewDiscoveryMetadata(models.DiscoveryBootstrap, "solana")
	meta.DexesFound = 2
	meta.PoolsFound = 40
	meta.PoolsIncluded = 25
	meta.TokensExtracted = 31
	meta.APICalls = 9
	meta.Errors = []string{"dex orca: discovery failed"}
	meta.Duration = 1500 * time.Millisecond

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO discovery_runs")).
		WithArgs(meta.ID, meta.DiscoveryType, meta.Target, meta.DexesFound, meta.PoolsFound,
			meta.PoolsIncluded, meta.TokensExtracted, meta.APICalls, meta.Errors,
			int64(1500), meta.StartedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.InsertDiscoveryRun(context.Background(), meta))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_DeleteHistoryBefore(t *testing.T) {
	repo, mock := newMockRepo(t)

	cutoff := time.Now().Add(-720 * time.Hour)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM pool_history WHERE created_at < $1")).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 42))

	deleted, err := repo.DeleteHistoryBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(42), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
