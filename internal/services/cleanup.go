package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dexharvest/dexharvest-go/internal/config"
)

// RetentionStore is the storage surface the cleanup sweeper prunes through.
type RetentionStore interface {
	DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteTradesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupService prunes aged history and trade rows on a fixed interval so
// the append-only tables stay bounded. Reference rows are never touched.
type CleanupService struct {
	store  RetentionStore
	cfg    config.CleanupConfig
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewCleanupService creates a cleanup sweeper.
func NewCleanupService(store RetentionStore, cfg config.CleanupConfig, logger *slog.Logger) *CleanupService {
	if cfg.HistoryRetentionHours <= 0 {
		cfg.HistoryRetentionHours = 720
	}
	if cfg.TradeRetentionHours <= 0 {
		cfg.TradeRetentionHours = 168
	}
	if cfg.CleanupIntervalMinutes <= 0 {
		cfg.CleanupIntervalMinutes = 60
	}
	return &CleanupService{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "cleanup"),
	}
}

// Start launches the sweep loop. The first sweep runs after one interval,
// not at startup, so boot is never delayed by bulk deletes.
func (s *CleanupService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Duration(s.cfg.CleanupIntervalMinutes) * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep.
func (s *CleanupService) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// Sweep performs one pruning pass and returns the number of rows removed.
func (s *CleanupService) Sweep(ctx context.Context) int64 {
	var total int64

	historyCutoff := time.Now().Add(-time.Duration(s.cfg.HistoryRetentionHours) * time.Hour)
	deleted, err := s.store.DeleteHistoryBefore(ctx, historyCutoff)
	if err != nil {
		s.logger.Warn("history cleanup failed", "error", err)
	} else {
		total += deleted
	}

	tradeCutoff := time.Now().Add(-time.Duration(s.cfg.TradeRetentionHours) * time.Hour)
	deleted, err = s.store.DeleteTradesBefore(ctx, tradeCutoff)
	if err != nil {
		s.logger.Warn("trade cleanup failed", "error", err)
	} else {
		total += deleted
	}

	if total > 0 {
		s.logger.Info("cleanup sweep finished", "rows_deleted", total)
	}
	return total
}
