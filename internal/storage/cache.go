package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	seenKeyPrefix = "dexharvest:seen:"
	watchlistKey  = "dexharvest:watchlist"
	seenKeyTTL    = 48 * time.Hour
)

// MarketCache keeps two small hot sets in Redis: recently stored history
// keys, used as a cheap pre-check before the unique index does the real
// dedup work, and the pool watchlist. Both degrade to an in-process map
// when no Redis client is configured, so the cache is an optimization,
// never a correctness dependency.
type MarketCache struct {
	client *redis.Client

	mu        sync.RWMutex
	seen      map[string]time.Time
	watchlist map[string]struct{}
}

// NewMarketCache creates a cache backed by client; client may be nil.
func NewMarketCache(client *redis.Client) *MarketCache {
	return &MarketCache{
		client:    client,
		seen:      make(map[string]time.Time),
		watchlist: make(map[string]struct{}),
	}
}

// HistoryKey builds the dedup key for one pool observation.
func HistoryKey(poolID string, collectedAt time.Time) string {
	return fmt.Sprintf("%s:%d", poolID, collectedAt.Unix())
}

// MarkSeen records that a history key was stored. Errors are swallowed:
// a failed cache write only costs one redundant conflict-insert later.
func (c *MarketCache) MarkSeen(ctx context.Context, key string) {
	if c.client != nil {
		c.client.Set(ctx, seenKeyPrefix+key, "1", seenKeyTTL)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[key] = time.Now().Add(seenKeyTTL)
	// Bound the fallback map; expired entries are dropped opportunistically.
	if len(c.seen) > 100_000 {
		now := time.Now()
		for k, exp := range c.seen {
			if exp.Before(now) {
				delete(c.seen, k)
			}
		}
	}
}

// WasSeen reports whether a history key was recently stored. A cache miss
// or error reads as "not seen"; the unique index remains authoritative.
func (c *MarketCache) WasSeen(ctx context.Context, key string) bool {
	if c.client != nil {
		n, err := c.client.Exists(ctx, seenKeyPrefix+key).Result()
		return err == nil && n > 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	exp, ok := c.seen[key]
	return ok && exp.After(time.Now())
}

// AddToWatchlist pins a pool so discovery filtering can never exclude it.
func (c *MarketCache) AddToWatchlist(ctx context.Context, poolID string) error {
	if c.client != nil {
		return c.client.SAdd(ctx, watchlistKey, poolID).Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchlist[poolID] = struct{}{}
	return nil
}

// RemoveFromWatchlist unpins a pool.
func (c *MarketCache) RemoveFromWatchlist(ctx context.Context, poolID string) error {
	if c.client != nil {
		return c.client.SRem(ctx, watchlistKey, poolID).Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watchlist, poolID)
	return nil
}

// IsWatchlisted reports whether a pool is on the manual override list.
func (c *MarketCache) IsWatchlisted(ctx context.Context, poolID string) bool {
	if c.client != nil {
		ok, err := c.client.SIsMember(ctx, watchlistKey, poolID).Result()
		return err == nil && ok
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.watchlist[poolID]
	return ok
}

// WatchlistMembers returns all watchlisted pool ids.
func (c *MarketCache) WatchlistMembers(ctx context.Context) []string {
	if c.client != nil {
		members, err := c.client.SMembers(ctx, watchlistKey).Result()
		if err != nil {
			return nil
		}
		return members
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	members := make([]string, 0, len(c.watchlist))
	for id := range c.watchlist {
		members = append(members, id)
	}
	return members
}

// Seed loads watchlist entries from configuration at startup.
func (c *MarketCache) Seed(ctx context.Context, poolIDs []string) {
	for _, id := range poolIDs {
		_ = c.AddToWatchlist(ctx, id)
	}
}
