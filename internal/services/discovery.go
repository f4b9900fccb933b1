package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/dexharvest/dexharvest-go/internal/config"
	"github.com/dexharvest/dexharvest-go/internal/gecko"
	"github.com/dexharvest/dexharvest-go/internal/models"
	"github.com/dexharvest/dexharvest-go/internal/storage"
	"github.com/dexharvest/dexharvest-go/internal/utils"
)

// DiscoveryEngine finds DEXes, pools and tokens on the configured networks
// and persists them in dependency order: a pool is only written after its
// DEX row exists and its token rows ride in the same transaction.
type DiscoveryEngine struct {
	provider ProviderClient
	refs     ReferenceStore
	cache    *storage.MarketCache
	gate     *ProviderGate
	scorer   *ActivityScorer
	log      *slog.Logger

	cfgMu sync.RWMutex
	cfg   config.DiscoveryConfig

	titler cases.Caser
}

// NewDiscoveryEngine creates a discovery engine.
func NewDiscoveryEngine(provider ProviderClient, refs ReferenceStore, cache *storage.MarketCache,
	gate *ProviderGate, scorer *ActivityScorer, cfg config.DiscoveryConfig, logger *slog.Logger) *DiscoveryEngine {
	return &DiscoveryEngine{
		provider: provider,
		refs:     refs,
		cache:    cache,
		gate:     gate,
		scorer:   scorer,
		cfg:      cfg,
		log:      logger.With("component", "discovery"),
		titler:   cases.Title(language.English),
	}
}

// UpdateConfig swaps discovery thresholds at reload time. In-flight runs
// keep the snapshot they started with; the next run picks up the new values.
func (e *DiscoveryEngine) UpdateConfig(cfg config.DiscoveryConfig) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
}

func (e *DiscoveryEngine) config() config.DiscoveryConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Bootstrap walks every configured network top-down: DEXes first, then the
// highest-volume pools per DEX with their tokens. One failing DEX never
// aborts the others; every run leaves an audit row behind.
func (e *DiscoveryEngine) Bootstrap(ctx context.Context) (*models.DiscoveryMetadata, error) {
	cfg := e.config()
	meta := models.NewDiscoveryMetadata(models.DiscoveryBootstrap, strings.Join(cfg.Networks, ","))
	started := time.Now()

	for _, network := range cfg.Networks {
		dexes, err := e.discoverDexes(ctx, network, meta)
		if err != nil {
			meta.Errors = append(meta.Errors, fmt.Sprintf("network %s: %v", network, err))
			// Live discovery failed; fall back to the DEXes already known
			// so pool refresh still happens.
			if known, kerr := e.refs.ListDexIDs(ctx, network); kerr == nil {
				for _, id := range known {
					dexes = append(dexes, models.Dex{ID: id, Network: network, Name: gecko.AddressFromID(id)})
				}
			}
		}
		meta.DexesFound += len(dexes)

		for _, dex := range dexes {
			if err := e.discoverPools(ctx, network, dex, meta); err != nil {
				meta.Errors = append(meta.Errors, fmt.Sprintf("dex %s: %v", dex.ID, err))
				if fatalCollectError(err) {
					e.finish(ctx, meta, started)
					return meta, err
				}
			}
		}
	}

	e.finish(ctx, meta, started)
	return meta, nil
}

// DiscoverNewPools scans the network's recently created pools and registers
// the ones inside the lookback window that clear the activity bar or sit on
// the watchlist.
func (e *DiscoveryEngine) DiscoverNewPools(ctx context.Context, network string) (*models.DiscoveryMetadata, error) {
	meta := models.NewDiscoveryMetadata(models.DiscoveryNewPools, network)
	started := time.Now()
	cutoff := time.Now().Add(-e.config().LookbackDuration())

	page := 1
	for {
		var resp *gecko.Page
		err := e.gate.Do(ctx, network, func(ctx context.Context) error {
			p, err := e.provider.GetNewPools(ctx, network, page)
			resp = p
			return err
		})
		meta.APICalls++
		if err != nil {
			meta.Errors = append(meta.Errors, fmt.Sprintf("new pools page %d: %v", page, err))
			e.finish(ctx, meta, started)
			return meta, err
		}

		stop := false
		for _, rec := range resp.Records {
			meta.PoolsFound++
			createdAt := rec.GetTime("pool_created_at")
			if !createdAt.IsZero() && createdAt.Before(cutoff) {
				// The feed is newest-first; past the window means every
				// following record is older still.
				stop = true
				break
			}
			if err := e.registerPool(ctx, network, rec, meta); err != nil {
				meta.Errors = append(meta.Errors, err.Error())
			}
		}

		if stop || resp.NextPage == 0 {
			break
		}
		page = resp.NextPage
	}

	e.finish(ctx, meta, started)
	return meta, nil
}

// discoverDexes fetches and persists all DEXes on a network.
func (e *DiscoveryEngine) discoverDexes(ctx context.Context, network string, meta *models.DiscoveryMetadata) ([]models.Dex, error) {
	var dexes []models.Dex
	page := 1
	for {
		var resp *gecko.Page
		err := e.gate.Do(ctx, network, func(ctx context.Context) error {
			p, err := e.provider.GetDexes(ctx, network, page)
			resp = p
			return err
		})
		meta.APICalls++
		if err != nil {
			return dexes, err
		}

		for _, rec := range resp.Records {
			name := rec.GetString("id")
			if name == "" {
				continue
			}
			dex := models.Dex{
				ID:          models.DexID(network, name),
				Network:     network,
				Name:        name,
				DisplayName: rec.GetString("name"),
			}
			if dex.DisplayName == "" {
				dex.DisplayName = e.titler.String(strings.ReplaceAll(name, "_", " "))
			}
			if err := e.refs.UpsertDex(ctx, &dex); err != nil {
				meta.Errors = append(meta.Errors, fmt.Sprintf("dex %s: %v", dex.ID, err))
				continue
			}
			dexes = append(dexes, dex)
		}

		if resp.NextPage == 0 {
			break
		}
		page = resp.NextPage
	}
	return dexes, nil
}

// discoverPools fetches the top pools of one DEX, capped by configuration,
// and registers each one.
func (e *DiscoveryEngine) discoverPools(ctx context.Context, network string, dex models.Dex, meta *models.DiscoveryMetadata) error {
	maxPools := e.config().MaxPoolsPerDex
	seen := 0
	page := 1
	for seen < maxPools {
		var resp *gecko.Page
		err := e.gate.Do(ctx, network, func(ctx context.Context) error {
			p, err := e.provider.GetPools(ctx, network, dex.Name, page)
			resp = p
			return err
		})
		meta.APICalls++
		if err != nil {
			return err
		}

		for _, rec := range resp.Records {
			if seen >= maxPools {
				break
			}
			seen++
			meta.PoolsFound++
			if err := e.registerPool(ctx, network, rec, meta); err != nil {
				meta.Errors = append(meta.Errors, err.Error())
			}
		}

		if resp.NextPage == 0 {
			break
		}
		page = resp.NextPage
	}
	return nil
}

// registerPool validates, scores and persists one discovered pool with its
// tokens. Pools that clear neither the watchlist nor the activity bar are
// counted but not stored.
func (e *DiscoveryEngine) registerPool(ctx context.Context, network string, rec gecko.Record, meta *models.DiscoveryMetadata) error {
	address := gecko.AddressFromID(rec.GetString("id", "address"))
	if address == "" {
		return utils.NewFieldValidationError("id", "pool record has no id")
	}
	poolID := models.PoolID(network, address)

	dexName := rec.GetString("dex_id")
	if dexName == "" {
		return utils.NewFieldValidationError("dex_id", fmt.Sprintf("pool %s has no dex", poolID))
	}
	dexID := models.DexID(network, gecko.AddressFromID(dexName))

	reserve := rec.GetDecimal("reserve_in_usd", "reserve_usd")
	volume := rec.Sub("volume_usd").GetDecimal("h24")
	tx := rec.Sub("transactions").Sub("h24")
	metrics := models.PoolMetrics{
		VolumeUSD24h: volume,
		Transactions: tx.GetInt("buys") + tx.GetInt("sells"),
		ReserveUSD:   reserve,
	}
	score := e.scorer.Score(metrics)

	watchlisted := e.cache.IsWatchlisted(ctx, poolID)
	if !watchlisted {
		cfg := e.config()
		vol, _ := volume.Float64()
		if vol < cfg.MinVolumeUSD || !e.scorer.ShouldInclude(score, cfg) {
			return nil
		}
	}

	// The DEX row must exist before the pool insert. New-pool records can
	// reference a DEX bootstrap has not seen yet.
	if exists, err := e.refs.DexExists(ctx, dexID); err == nil && !exists {
		dex := &models.Dex{
			ID:          dexID,
			Network:     network,
			Name:        gecko.AddressFromID(dexName),
			DisplayName: e.titler.String(strings.ReplaceAll(gecko.AddressFromID(dexName), "_", " ")),
		}
		if err := e.refs.UpsertDex(ctx, dex); err != nil {
			return fmt.Errorf("pool %s: create dex %s: %w", poolID, dexID, err)
		}
		meta.DexesFound++
	}

	pool := &models.Pool{
		ID:            poolID,
		Network:       network,
		Address:       address,
		DexID:         dexID,
		Name:          rec.GetString("name"),
		ReserveUSD:    reserve,
		ActivityScore: score,
		Watchlisted:   watchlisted,
	}
	if createdAt := rec.GetTime("pool_created_at"); !createdAt.IsZero() {
		pool.PoolCreatedAt = &createdAt
	}

	base := e.tokenFromRelationship(network, rec, "base_token_id", pool.Name, 0)
	quote := e.tokenFromRelationship(network, rec, "quote_token_id", pool.Name, 1)
	if base != nil {
		pool.BaseTokenID = base.ID
		meta.TokensExtracted++
	}
	if quote != nil {
		pool.QuoteTokenID = quote.ID
		meta.TokensExtracted++
	}

	if err := e.refs.CreatePoolWithTokens(ctx, pool, base, quote); err != nil {
		return fmt.Errorf("pool %s: %w", poolID, err)
	}
	meta.PoolsIncluded++
	e.log.Debug("pool registered", "pool", poolID, "score", score, "watchlisted", watchlisted)
	return nil
}

// tokenFromRelationship builds a minimal token row from a pool record's
// relationship id. The symbol is salvaged from the pool name when possible;
// a later token-detail pass can enrich it.
func (e *DiscoveryEngine) tokenFromRelationship(network string, rec gecko.Record, key, poolName string, side int) *models.Token {
	id := rec.GetString(key)
	if id == "" {
		return nil
	}
	address := gecko.AddressFromID(id)

	symbol := ""
	if parts := strings.Split(poolName, " / "); len(parts) == 2 {
		symbol = strings.TrimSpace(parts[side])
	}

	return &models.Token{
		ID:      models.TokenID(network, address),
		Network: network,
		Address: address,
		Symbol:  symbol,
	}
}

// finish stamps the duration and writes the audit row.
func (e *DiscoveryEngine) finish(ctx context.Context, meta *models.DiscoveryMetadata, started time.Time) {
	meta.Duration = time.Since(started)
	if err := e.refs.InsertDiscoveryRun(ctx, meta); err != nil {
		e.log.Warn("failed to persist discovery audit row", "error", err)
	}
	e.log.Info("discovery run finished",
		"type", meta.DiscoveryType,
		"target", meta.Target,
		"dexes", meta.DexesFound,
		"pools_found", meta.PoolsFound,
		"pools_included", meta.PoolsIncluded,
		"tokens", meta.TokensExtracted,
		"api_calls", meta.APICalls,
		"errors", len(meta.Errors),
		"duration", meta.Duration)
}

// NewPoolsCollector adapts recurring new-pool discovery to the scheduler.
type NewPoolsCollector struct {
	name    string
	network string
	engine  *DiscoveryEngine
}

// NewNewPoolsCollector wraps the engine's new-pool scan as a collector.
func NewNewPoolsCollector(name, network string, engine *DiscoveryEngine) *NewPoolsCollector {
	return &NewPoolsCollector{name: name, network: network, engine: engine}
}

func (c *NewPoolsCollector) Name() string       { return c.name }
func (c *NewPoolsCollector) EntityType() string { return "new_pools" }
func (c *NewPoolsCollector) Network() string    { return c.network }

func (c *NewPoolsCollector) Collect(ctx context.Context) *models.CollectionResult {
	result := newResult(c.name)
	meta, err := c.engine.DiscoverNewPools(ctx, c.network)
	result.RecordsCollected = meta.PoolsIncluded
	result.RecordsSkipped = meta.PoolsFound - meta.PoolsIncluded
	result.Errors = append(result.Errors, meta.Errors...)
	result.Metadata["discovery_run"] = meta.ID.String()
	return finishResult(result, err != nil)
}
