package services

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/dexharvest/dexharvest-go/internal/config"
	"github.com/dexharvest/dexharvest-go/internal/models"
)

func defaultScorer() *ActivityScorer {
	return NewActivityScorer(config.DiscoveryConfig{
		VolumeWeight:    0.45,
		TxWeight:        0.30,
		LiquidityWeight: 0.25,
	})
}

func TestActivityScorer_ScoreBounds(t *testing.T) {
	scorer := defaultScorer()

	dead := scorer.Score(models.PoolMetrics{
		VolumeUSD24h: decimal.Zero,
		Transactions: 0,
		ReserveUSD:   decimal.Zero,
	})
	assert.Equal(t, 0.0, dead)

	whale := scorer.Score(models.PoolMetrics{
		VolumeUSD24h: decimal.NewFromInt(500_000_000),
		Transactions: 1_000_000,
		ReserveUSD:   decimal.NewFromInt(500_000_000),
	})
	assert.Equal(t, 100.0, whale, "metrics beyond every scale must saturate at 100")
}

func TestActivityScorer_ScoreOrdering(t *testing.T) {
	scorer := defaultScorer()

	quiet := scorer.Score(models.PoolMetrics{
		VolumeUSD24h: decimal.NewFromInt(100),
		Transactions: 5,
		ReserveUSD:   decimal.NewFromInt(1_000),
	})
	busy := scorer.Score(models.PoolMetrics{
		VolumeUSD24h: decimal.NewFromInt(2_000_000),
		Transactions: 4_000,
		ReserveUSD:   decimal.NewFromInt(3_000_000),
	})

	assert.Greater(t, busy, quiet)
	assert.Greater(t, quiet, 0.0)
	assert.Less(t, busy, 100.0)
}

func TestActivityScorer_ScoreIsPure(t *testing.T) {
	scorer := defaultScorer()
	metrics := models.PoolMetrics{
		VolumeUSD24h: decimal.NewFromInt(50_000),
		Transactions: 250,
		ReserveUSD:   decimal.NewFromInt(120_000),
	}

	first := scorer.Score(metrics)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, scorer.Score(metrics))
	}
}

func TestActivityScorer_WeightNormalization(t *testing.T) {
	// Doubled weights describe the same relative mix and must score the same.
	a := NewActivityScorer(config.DiscoveryConfig{VolumeWeight: 0.45, TxWeight: 0.30, LiquidityWeight: 0.25})
	b := NewActivityScorer(config.DiscoveryConfig{VolumeWeight: 0.90, TxWeight: 0.60, LiquidityWeight: 0.50})

	metrics := models.PoolMetrics{
		VolumeUSD24h: decimal.NewFromInt(75_000),
		Transactions: 900,
		ReserveUSD:   decimal.NewFromInt(40_000),
	}
	assert.InDelta(t, a.Score(metrics), b.Score(metrics), 1e-9)
}

func TestActivityScorer_ZeroWeightsFallBack(t *testing.T) {
	scorer := NewActivityScorer(config.DiscoveryConfig{})

	score := scorer.Score(models.PoolMetrics{
		VolumeUSD24h: decimal.NewFromInt(1_000_000),
		Transactions: 1_000,
		ReserveUSD:   decimal.NewFromInt(1_000_000),
	})
	assert.Greater(t, score, 0.0)
}

func TestActivityScorer_ShouldInclude(t *testing.T) {
	scorer := defaultScorer()
	cfg := config.DiscoveryConfig{ActivityThreshold: 20}

	assert.True(t, scorer.ShouldInclude(20, cfg))
	assert.True(t, scorer.ShouldInclude(55.5, cfg))
	assert.False(t, scorer.ShouldInclude(19.99, cfg))
}

func TestActivityScorer_PriorityBreakpoints(t *testing.T) {
	scorer := defaultScorer()

	assert.Equal(t, PriorityHigh, scorer.PriorityFor(90))
	assert.Equal(t, PriorityHigh, scorer.PriorityFor(75))
	assert.Equal(t, PriorityNormal, scorer.PriorityFor(74.9))
	assert.Equal(t, PriorityNormal, scorer.PriorityFor(40))
	assert.Equal(t, PriorityLow, scorer.PriorityFor(39.9))
	assert.Equal(t, PriorityLow, scorer.PriorityFor(10))
	assert.Equal(t, PriorityPaused, scorer.PriorityFor(9.9))
	assert.Equal(t, PriorityPaused, scorer.PriorityFor(0))
}
