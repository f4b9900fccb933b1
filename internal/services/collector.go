package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dexharvest/dexharvest-go/internal/gecko"
	"github.com/dexharvest/dexharvest-go/internal/models"
	"github.com/dexharvest/dexharvest-go/internal/ratelimit"
	"github.com/dexharvest/dexharvest-go/internal/storage"
	"github.com/dexharvest/dexharvest-go/internal/utils"
)

// sharedProviderKey is the rate-limit resource key when all networks
// contend through one provider-wide budget.
const sharedProviderKey = "provider"

// ProviderClient is the upstream surface collectors fetch through.
type ProviderClient interface {
	GetDexes(ctx context.Context, network string, page int) (*gecko.Page, error)
	GetPools(ctx context.Context, network, dex string, page int) (*gecko.Page, error)
	GetNewPools(ctx context.Context, network string, page int) (*gecko.Page, error)
	GetPool(ctx context.Context, network, address string) (gecko.Record, error)
	GetOHLCV(ctx context.Context, network, poolAddress, timeframe string, limit int) ([]gecko.Record, error)
	GetTrades(ctx context.Context, network, poolAddress string) ([]gecko.Record, error)
}

// MarketStore is the persistence surface for history-type records.
type MarketStore interface {
	ListActivePools(ctx context.Context, network string, minScore float64) ([]models.Pool, error)
	AppendHistory(ctx context.Context, h *models.PoolHistory) (bool, error)
	AppendOHLCV(ctx context.Context, c *models.OHLCVCandle) (bool, error)
	AppendTrade(ctx context.Context, t *models.Trade) (bool, error)
	TouchPool(ctx context.Context, poolID string, reserveUSD decimal.Decimal, activityScore float64) error
}

// ReferenceStore is the persistence surface for entity-graph rows.
type ReferenceStore interface {
	UpsertDex(ctx context.Context, dex *models.Dex) error
	UpsertToken(ctx context.Context, token *models.Token) error
	CreatePoolWithTokens(ctx context.Context, pool *models.Pool, base, quote *models.Token) error
	PoolExists(ctx context.Context, poolID string) (bool, error)
	DexExists(ctx context.Context, dexID string) (bool, error)
	ListDexIDs(ctx context.Context, network string) ([]string, error)
	InsertDiscoveryRun(ctx context.Context, m *models.DiscoveryMetadata) error
}

// ProviderGate funnels every provider fetch through the keyed rate limiter
// and a per-key circuit breaker, and reports the outcome back to the
// limiter so backoff state stays accurate.
type ProviderGate struct {
	limiter    *ratelimit.KeyedLimiter
	breakers   *CircuitBreakerManager
	breakerCfg CircuitBreakerConfig
	sharedKey  bool
}

// NewProviderGate wires limiter and breaker manager into one fetch gate.
func NewProviderGate(limiter *ratelimit.KeyedLimiter, breakers *CircuitBreakerManager,
	breakerCfg CircuitBreakerConfig, sharedKey bool) *ProviderGate {
	return &ProviderGate{
		limiter:    limiter,
		breakers:   breakers,
		breakerCfg: breakerCfg,
		sharedKey:  sharedKey,
	}
}

// Key returns the rate-limit resource key used for a network.
func (g *ProviderGate) Key(network string) string {
	if g.sharedKey {
		return sharedProviderKey
	}
	return network
}

// Do runs one provider fetch behind the limiter and breaker. Fetch errors
// are returned unchanged so callers can branch on the taxonomy.
func (g *ProviderGate) Do(ctx context.Context, network string, fn func(context.Context) error) error {
	key := g.Key(network)
	if err := g.limiter.Acquire(ctx, key); err != nil {
		return err
	}

	cb := g.breakers.GetOrCreate(key, g.breakerCfg)
	err := cb.Execute(ctx, fn)

	switch {
	case errors.Is(err, ErrCircuitOpen):
		// No request left the process; nothing to report.
	case err == nil:
		g.limiter.Report(key, ratelimit.OutcomeSuccess, 0)
	default:
		var rlErr *utils.RateLimitError
		if errors.As(err, &rlErr) {
			g.limiter.Report(key, ratelimit.OutcomeRateLimited, rlErr.RetryAfter)
		} else {
			g.limiter.Report(key, ratelimit.OutcomeError, 0)
		}
	}
	return err
}

// fatalCollectError reports whether an error should abort the remaining
// records of a run. Per-record validation and integrity failures are not
// fatal; an open circuit, an exhausted budget or a dead context is.
func fatalCollectError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var rlErr *utils.RateLimitError
	return errors.As(err, &rlErr)
}

func newResult(name string) *models.CollectionResult {
	return &models.CollectionResult{
		Collector: name,
		StartedAt: time.Now().UTC(),
		Metadata:  make(map[string]string),
	}
}

func finishResult(result *models.CollectionResult, fatal bool) *models.CollectionResult {
	result.Duration = time.Since(result.StartedAt)
	result.Success = !fatal
	return result
}

// CollectorDeps bundles what every entity collector needs.
type CollectorDeps struct {
	Provider ProviderClient
	Store    MarketStore
	Refs     ReferenceStore
	Cache    *storage.MarketCache
	Gate     *ProviderGate
	Scorer   *ActivityScorer
	Logger   *slog.Logger
	// MinScore is the activity threshold below which non-watchlisted pools
	// are excluded from steady-state collection.
	MinScore float64
}

// PoolHistoryCollector snapshots every active pool on a network into the
// append-only history table.
type PoolHistoryCollector struct {
	name    string
	network string
	deps    CollectorDeps
	log     *slog.Logger
}

// NewPoolHistoryCollector creates a history collector for one network.
func NewPoolHistoryCollector(name, network string, deps CollectorDeps) *PoolHistoryCollector {
	return &PoolHistoryCollector{
		name:    name,
		network: network,
		deps:    deps,
		log:     deps.Logger.With("collector", name),
	}
}

func (c *PoolHistoryCollector) Name() string       { return c.name }
func (c *PoolHistoryCollector) EntityType() string { return "pool_history" }
func (c *PoolHistoryCollector) Network() string    { return c.network }

// Collect fetches a fresh snapshot per active pool. Individual pool
// failures are recorded and skipped; the run only aborts when the whole
// budget or transport path is gone.
func (c *PoolHistoryCollector) Collect(ctx context.Context) *models.CollectionResult {
	result := newResult(c.name)

	pools, err := c.deps.Store.ListActivePools(ctx, c.network, c.deps.MinScore)
	if err != nil {
		result.AddError(fmt.Sprintf("list active pools: %v", err))
		return finishResult(result, true)
	}
	result.Metadata["pools"] = fmt.Sprintf("%d", len(pools))

	fatal := false
	for _, pool := range pools {
		var rec gecko.Record
		err := c.deps.Gate.Do(ctx, c.network, func(ctx context.Context) error {
			r, err := c.deps.Provider.GetPool(ctx, c.network, pool.Address)
			rec = r
			return err
		})
		if err != nil {
			result.AddError(fmt.Sprintf("pool %s: %v", pool.ID, err))
			if fatalCollectError(err) {
				c.log.Warn("aborting history run", "pool", pool.ID, "error", err)
				fatal = true
				break
			}
			continue
		}

		history, metrics, err := historyFromRecord(pool.ID, rec)
		if err != nil {
			c.log.Warn("invalid pool snapshot", "pool", pool.ID, "error", err)
			result.AddError(fmt.Sprintf("pool %s: %v", pool.ID, err))
			result.RecordsSkipped++
			continue
		}

		key := storage.HistoryKey(pool.ID, history.CollectedAt)
		if c.deps.Cache.WasSeen(ctx, key) {
			result.RecordsSkipped++
			continue
		}

		inserted, err := c.deps.Store.AppendHistory(ctx, history)
		if err != nil {
			result.AddError(fmt.Sprintf("pool %s: %v", pool.ID, err))
			continue
		}
		if inserted {
			result.RecordsCollected++
			c.deps.Cache.MarkSeen(ctx, key)
		} else {
			result.RecordsSkipped++
		}

		score := c.deps.Scorer.Score(metrics)
		if err := c.deps.Store.TouchPool(ctx, pool.ID, metrics.ReserveUSD, score); err != nil {
			c.log.Warn("failed to refresh pool metrics", "pool", pool.ID, "error", err)
		}
	}

	return finishResult(result, fatal)
}

// historyFromRecord validates one pool snapshot and converts it into a
// history row plus the metrics feeding the activity score. The observation
// timestamp is truncated to the minute so re-fetches within the same
// minute dedup instead of stacking near-identical rows.
func historyFromRecord(poolID string, rec gecko.Record) (*models.PoolHistory, models.PoolMetrics, error) {
	price := rec.GetDecimal("base_token_price_usd", "price_usd", "token_price_usd")
	if price.Sign() <= 0 {
		return nil, models.PoolMetrics{}, utils.NewFieldValidationError("base_token_price_usd", "missing or non-positive price")
	}

	reserve := rec.GetDecimal("reserve_in_usd", "reserve_usd")
	if reserve.Sign() < 0 {
		return nil, models.PoolMetrics{}, utils.NewFieldValidationError("reserve_in_usd", "negative reserve")
	}

	volume := rec.Sub("volume_usd").GetDecimal("h24")
	if volume.IsZero() {
		volume = rec.GetDecimal("h24_volume_usd", "volume_usd_24h")
	}

	tx := rec.Sub("transactions").Sub("h24")
	buys := tx.GetInt("buys")
	sells := tx.GetInt("sells")

	history := &models.PoolHistory{
		PoolID:       poolID,
		PriceUSD:     price,
		VolumeUSD24h: volume,
		ReserveUSD:   reserve,
		Buys24h:      buys,
		Sells24h:     sells,
		CollectedAt:  time.Now().UTC().Truncate(time.Minute),
	}
	metrics := models.PoolMetrics{
		VolumeUSD24h: volume,
		Transactions: buys + sells,
		ReserveUSD:   reserve,
	}
	return history, metrics, nil
}

// OHLCVCollector fetches candles for every active pool on a network at one
// timeframe.
type OHLCVCollector struct {
	name      string
	network   string
	timeframe string
	limit     int
	deps      CollectorDeps
	log       *slog.Logger
}

// NewOHLCVCollector creates a candle collector for one network/timeframe.
func NewOHLCVCollector(name, network, timeframe string, deps CollectorDeps) *OHLCVCollector {
	return &OHLCVCollector{
		name:      name,
		network:   network,
		timeframe: timeframe,
		limit:     100,
		deps:      deps,
		log:       deps.Logger.With("collector", name),
	}
}

func (c *OHLCVCollector) Name() string       { return c.name }
func (c *OHLCVCollector) EntityType() string { return "ohlcv" }
func (c *OHLCVCollector) Network() string    { return c.network }

func (c *OHLCVCollector) Collect(ctx context.Context) *models.CollectionResult {
	result := newResult(c.name)
	result.Metadata["timeframe"] = c.timeframe

	pools, err := c.deps.Store.ListActivePools(ctx, c.network, c.deps.MinScore)
	if err != nil {
		result.AddError(fmt.Sprintf("list active pools: %v", err))
		return finishResult(result, true)
	}

	fatal := false
	for _, pool := range pools {
		var records []gecko.Record
		err := c.deps.Gate.Do(ctx, c.network, func(ctx context.Context) error {
			r, err := c.deps.Provider.GetOHLCV(ctx, c.network, pool.Address, c.timeframe, c.limit)
			records = r
			return err
		})
		if err != nil {
			result.AddError(fmt.Sprintf("pool %s: %v", pool.ID, err))
			if fatalCollectError(err) {
				fatal = true
				break
			}
			continue
		}

		for _, rec := range records {
			candle, err := candleFromRecord(pool.ID, c.timeframe, rec)
			if err != nil {
				result.AddError(fmt.Sprintf("pool %s: %v", pool.ID, err))
				result.RecordsSkipped++
				continue
			}
			inserted, err := c.deps.Store.AppendOHLCV(ctx, candle)
			if err != nil {
				result.AddError(fmt.Sprintf("pool %s: %v", pool.ID, err))
				continue
			}
			if inserted {
				result.RecordsCollected++
			} else {
				result.RecordsSkipped++
			}
		}
	}

	return finishResult(result, fatal)
}

func candleFromRecord(poolID, timeframe string, rec gecko.Record) (*models.OHLCVCandle, error) {
	ts := rec.GetTime("timestamp")
	if ts.IsZero() {
		return nil, utils.NewFieldValidationError("timestamp", "missing candle timestamp")
	}

	high := rec.GetDecimal("high")
	low := rec.GetDecimal("low")
	if high.LessThan(low) {
		return nil, utils.NewFieldValidationError("high", "candle high below low")
	}

	return &models.OHLCVCandle{
		PoolID:    poolID,
		Timeframe: timeframe,
		Timestamp: ts,
		Open:      rec.GetDecimal("open"),
		High:      high,
		Low:       low,
		Close:     rec.GetDecimal("close"),
		VolumeUSD: rec.GetDecimal("volume"),
	}, nil
}

// TradesCollector fetches recent trades for every active pool on a network.
type TradesCollector struct {
	name    string
	network string
	deps    CollectorDeps
	log     *slog.Logger
}

// NewTradesCollector creates a trade collector for one network.
func NewTradesCollector(name, network string, deps CollectorDeps) *TradesCollector {
	return &TradesCollector{
		name:    name,
		network: network,
		deps:    deps,
		log:     deps.Logger.With("collector", name),
	}
}

func (c *TradesCollector) Name() string       { return c.name }
func (c *TradesCollector) EntityType() string { return "trade" }
func (c *TradesCollector) Network() string    { return c.network }

func (c *TradesCollector) Collect(ctx context.Context) *models.CollectionResult {
	result := newResult(c.name)

	pools, err := c.deps.Store.ListActivePools(ctx, c.network, c.deps.MinScore)
	if err != nil {
		result.AddError(fmt.Sprintf("list active pools: %v", err))
		return finishResult(result, true)
	}

	fatal := false
	for _, pool := range pools {
		var records []gecko.Record
		err := c.deps.Gate.Do(ctx, c.network, func(ctx context.Context) error {
			r, err := c.deps.Provider.GetTrades(ctx, c.network, pool.Address)
			records = r
			return err
		})
		if err != nil {
			result.AddError(fmt.Sprintf("pool %s: %v", pool.ID, err))
			if fatalCollectError(err) {
				fatal = true
				break
			}
			continue
		}

		for _, rec := range records {
			trade, err := tradeFromRecord(pool.ID, rec)
			if err != nil {
				c.log.Warn("invalid trade record", "pool", pool.ID, "error", err)
				result.AddError(fmt.Sprintf("pool %s: %v", pool.ID, err))
				result.RecordsSkipped++
				continue
			}
			inserted, err := c.deps.Store.AppendTrade(ctx, trade)
			if err != nil {
				result.AddError(fmt.Sprintf("trade %s: %v", trade.TradeID, err))
				continue
			}
			if inserted {
				result.RecordsCollected++
			} else {
				result.RecordsSkipped++
			}
		}
	}

	return finishResult(result, fatal)
}

func tradeFromRecord(poolID string, rec gecko.Record) (*models.Trade, error) {
	tradeID := rec.GetString("id", "tx_hash")
	if tradeID == "" {
		return nil, utils.NewFieldValidationError("id", "missing trade id")
	}

	side := rec.GetString("kind", "side")
	if side != "buy" && side != "sell" {
		return nil, utils.NewFieldValidationError("kind", "unknown trade side")
	}

	executedAt := rec.GetTime("block_timestamp", "timestamp")
	if executedAt.IsZero() {
		return nil, utils.NewFieldValidationError("block_timestamp", "missing trade timestamp")
	}

	return &models.Trade{
		TradeID:    tradeID,
		PoolID:     poolID,
		Side:       side,
		PriceUSD:   rec.GetDecimal("price_to_in_usd", "price_usd"),
		AmountUSD:  rec.GetDecimal("volume_in_usd", "amount_usd"),
		TraderAddr: rec.GetString("tx_from_address", "trader_address"),
		ExecutedAt: executedAt,
	}, nil
}
