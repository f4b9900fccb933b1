package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dexharvest/dexharvest-go/internal/config"
)

type fakeRetentionStore struct {
	historyCutoff time.Time
	tradeCutoff   time.Time
	historyErr    error
	historyRows   int64
	tradeRows     int64
}

func (s *fakeRetentionStore) DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.historyCutoff = cutoff
	return s.historyRows, s.historyErr
}

func (s *fakeRetentionStore) DeleteTradesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.tradeCutoff = cutoff
	return s.tradeRows, nil
}

func TestCleanupService_SweepUsesConfiguredRetention(t *testing.T) {
	store := &fakeRetentionStore{historyRows: 40, tradeRows: 2}
	svc := NewCleanupService(store, config.CleanupConfig{
		HistoryRetentionHours: 720,
		TradeRetentionHours:   168,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	total := svc.Sweep(context.Background())

	assert.Equal(t, int64(42), total)
	assert.WithinDuration(t, time.Now().Add(-720*time.Hour), store.historyCutoff, time.Minute)
	assert.WithinDuration(t, time.Now().Add(-168*time.Hour), store.tradeCutoff, time.Minute)
}

func TestCleanupService_HistoryFailureStillPrunesTrades(t *testing.T) {
	store := &fakeRetentionStore{historyErr: errors.New("db down"), tradeRows: 5}
	svc := NewCleanupService(store, config.CleanupConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	total := svc.Sweep(context.Background())

	assert.Equal(t, int64(5), total)
	assert.False(t, store.tradeCutoff.IsZero(), "trade pruning runs even when history pruning fails")
}

func TestCleanupService_DefaultsApplied(t *testing.T) {
	svc := NewCleanupService(&fakeRetentionStore{}, config.CleanupConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, 720, svc.cfg.HistoryRetentionHours)
	assert.Equal(t, 168, svc.cfg.TradeRetentionHours)
	assert.Equal(t, 60, svc.cfg.CleanupIntervalMinutes)
}

func TestCleanupService_StartStopIdempotent(t *testing.T) {
	svc := NewCleanupService(&fakeRetentionStore{}, config.CleanupConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	svc.Start(ctx)
	svc.Start(ctx) // second start is a no-op
	svc.Stop()
	svc.Stop() // second stop is a no-op
}
