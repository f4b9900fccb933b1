package services

import (
	"math"

	"github.com/dexharvest/dexharvest-go/internal/config"
	"github.com/dexharvest/dexharvest-go/internal/models"
)

// Priority buckets derived from an activity score.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
	PriorityPaused Priority = "paused"
)

// Reference magnitudes for log normalization: a pool at or above these
// values saturates that component of the score.
const (
	volumeScaleUSD    = 10_000_000.0
	txCountScale      = 10_000.0
	liquidityScaleUSD = 10_000_000.0
)

// Priority breakpoints over the [0,100] score range.
const (
	highBreakpoint   = 75.0
	normalBreakpoint = 40.0
	lowBreakpoint    = 10.0
)

// ActivityScorer maps raw pool metrics to a bounded [0,100] priority score.
// It is a pure computation: no I/O, no stored state beyond the weights, and
// scores may be recomputed at any time without side effects.
type ActivityScorer struct {
	volumeWeight    float64
	txWeight        float64
	liquidityWeight float64
}

// NewActivityScorer builds a scorer from discovery configuration. Weights
// are normalized so they always sum to one; an all-zero weight set falls
// back to the default split.
func NewActivityScorer(cfg config.DiscoveryConfig) *ActivityScorer {
	wv, wt, wl := cfg.VolumeWeight, cfg.TxWeight, cfg.LiquidityWeight
	if wv < 0 {
		wv = 0
	}
	if wt < 0 {
		wt = 0
	}
	if wl < 0 {
		wl = 0
	}
	total := wv + wt + wl
	if total == 0 {
		wv, wt, wl = 0.45, 0.30, 0.25
		total = 1
	}
	return &ActivityScorer{
		volumeWeight:    wv / total,
		txWeight:        wt / total,
		liquidityWeight: wl / total,
	}
}

// Score combines log-scaled volume, transaction count and liquidity into a
// single [0,100] value.
func (s *ActivityScorer) Score(metrics models.PoolMetrics) float64 {
	volume, _ := metrics.VolumeUSD24h.Float64()
	liquidity, _ := metrics.ReserveUSD.Float64()

	score := 100 * (s.volumeWeight*logNorm(volume, volumeScaleUSD) +
		s.txWeight*logNorm(float64(metrics.Transactions), txCountScale) +
		s.liquidityWeight*logNorm(liquidity, liquidityScaleUSD))

	return clamp(score, 0, 100)
}

// ShouldInclude reports whether a score clears the configured inclusion
// threshold. Watchlist overrides are applied by the discovery engine, not
// here, so the scorer stays a pure threshold comparison.
func (s *ActivityScorer) ShouldInclude(score float64, cfg config.DiscoveryConfig) bool {
	return score >= cfg.ActivityThreshold
}

// PriorityFor buckets a score via fixed breakpoints.
func (s *ActivityScorer) PriorityFor(score float64) Priority {
	switch {
	case score >= highBreakpoint:
		return PriorityHigh
	case score >= normalBreakpoint:
		return PriorityNormal
	case score >= lowBreakpoint:
		return PriorityLow
	default:
		return PriorityPaused
	}
}

// logNorm maps x into [0,1] on a log10 curve that saturates at scale.
func logNorm(x, scale float64) float64 {
	if x <= 0 {
		return 0
	}
	return clamp(math.Log10(1+x)/math.Log10(1+scale), 0, 1)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
