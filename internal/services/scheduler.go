package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dexharvest/dexharvest-go/internal/config"
	"github.com/dexharvest/dexharvest-go/internal/models"
)

var (
	// ErrUnknownCollector is returned when a name was never registered.
	ErrUnknownCollector = errors.New("unknown collector")
	// ErrCollectorRunning is returned when a manual trigger races an
	// in-flight run of the same collector.
	ErrCollectorRunning = errors.New("collector run already in progress")
)

// stopTimeout bounds how long Stop waits for in-flight collector runs.
const stopTimeout = 30 * time.Second

// Collector is one registered collection job. Implementations are expected
// to be safe for repeated Collect calls but never rely on being called
// concurrently; the scheduler guarantees at most one run per name.
type Collector interface {
	Name() string
	EntityType() string
	Network() string
	Collect(ctx context.Context) *models.CollectionResult
}

// scheduledCollector pairs a collector with its schedule and run bookkeeping.
type scheduledCollector struct {
	collector Collector

	// runMu serializes executions of this collector. Scheduled ticks and
	// manual triggers both take it via TryLock, so an overlapping attempt
	// is skipped instead of queued behind a slow run.
	runMu sync.Mutex

	mu          sync.Mutex
	interval    time.Duration
	enabled     bool
	running     bool
	lastRun     *time.Time
	lastSuccess *time.Time
	nextRun     *time.Time
	lastError   string
	lastResult  *models.CollectionResult
}

func (sc *scheduledCollector) currentInterval() time.Duration {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.interval
}

func (sc *scheduledCollector) isEnabled() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.enabled
}

// Scheduler owns the collector registry and drives periodic collection.
// Registration happens before Start; intervals and enablement can change
// at runtime through Reload.
type Scheduler struct {
	logger *slog.Logger

	mu         sync.RWMutex
	collectors map[string]*scheduledCollector
	order      []string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger:     logger,
		collectors: make(map[string]*scheduledCollector),
	}
}

// Register adds a collector under its name. Registering a duplicate name is
// a programming error and is rejected.
func (s *Scheduler) Register(c Collector, interval time.Duration, enabled bool) error {
	if c.Name() == "" {
		return fmt.Errorf("collector has no name")
	}
	if interval <= 0 {
		return fmt.Errorf("collector %s: interval must be positive", c.Name())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.collectors[c.Name()]; exists {
		return fmt.Errorf("collector %s already registered", c.Name())
	}
	s.collectors[c.Name()] = &scheduledCollector{
		collector: c,
		interval:  interval,
		enabled:   enabled,
	}
	s.order = append(s.order, c.Name())
	return nil
}

// Start launches one loop per registered collector. Each loop runs its
// collector immediately, then on every interval until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	names := make([]string, len(s.order))
	copy(names, s.order)
	s.mu.Unlock()

	s.logger.Info("starting scheduler", "collectors", len(names))

	for _, name := range names {
		sc := s.get(name)
		s.wg.Add(1)
		go s.runLoop(sc)
	}
	return nil
}

// Stop cancels all loops and waits for in-flight runs to finish, giving
// up after stopTimeout so a wedged collector cannot block shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
	case <-time.After(stopTimeout):
		s.logger.Warn("scheduler stop timed out with runs still in flight")
	}
}

// RunOnce triggers one collector run outside its schedule. It shares the
// per-name serialization with scheduled runs: if a run is already in
// flight, the trigger is rejected rather than queued.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (*models.CollectionResult, error) {
	sc := s.get(name)
	if sc == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollector, name)
	}
	if !sc.runMu.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrCollectorRunning, name)
	}
	defer sc.runMu.Unlock()
	return s.execute(ctx, sc), nil
}

// Status reports every registered collector in registration order.
func (s *Scheduler) Status() []models.CollectorStatus {
	s.mu.RLock()
	names := make([]string, len(s.order))
	copy(names, s.order)
	s.mu.RUnlock()

	statuses := make([]models.CollectorStatus, 0, len(names))
	for _, name := range names {
		sc := s.get(name)
		sc.mu.Lock()
		statuses = append(statuses, models.CollectorStatus{
			Name:        sc.collector.Name(),
			EntityType:  sc.collector.EntityType(),
			Network:     sc.collector.Network(),
			Interval:    sc.interval.String(),
			Enabled:     sc.enabled,
			Running:     sc.running,
			LastRun:     sc.lastRun,
			LastSuccess: sc.lastSuccess,
			NextRun:     sc.nextRun,
			LastError:   sc.lastError,
		})
		sc.mu.Unlock()
	}
	return statuses
}

// LastResult returns the most recent run outcome for a collector, or nil
// when it has never run.
func (s *Scheduler) LastResult(name string) (*models.CollectionResult, error) {
	sc := s.get(name)
	if sc == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollector, name)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.lastResult, nil
}

// Reload applies new intervals and enablement from configuration without
// restarting loops or dropping run bookkeeping. Unknown names are ignored;
// collectors absent from the new config keep their current schedule.
func (s *Scheduler) Reload(cfgs []config.CollectorConfig) {
	for _, cfg := range cfgs {
		sc := s.get(cfg.Name)
		if sc == nil {
			continue
		}
		sc.mu.Lock()
		sc.interval = cfg.IntervalDuration()
		sc.enabled = cfg.Enabled
		sc.mu.Unlock()
		s.logger.Info("collector schedule updated",
			"collector", cfg.Name, "interval", cfg.Interval, "enabled", cfg.Enabled)
	}
}

func (s *Scheduler) get(name string) *scheduledCollector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectors[name]
}

// runLoop drives one collector. The interval is re-read every cycle so a
// Reload takes effect on the next tick.
func (s *Scheduler) runLoop(sc *scheduledCollector) {
	defer s.wg.Done()

	s.tick(sc)
	for {
		wait := sc.currentInterval()
		next := time.Now().Add(wait)
		sc.mu.Lock()
		sc.nextRun = &next
		sc.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(sc)
		}
	}
}

// tick runs one scheduled pass, skipping when a manual trigger holds the
// run lock.
func (s *Scheduler) tick(sc *scheduledCollector) {
	if !sc.isEnabled() {
		return
	}
	if !sc.runMu.TryLock() {
		s.logger.Warn("skipping scheduled run, previous run still in flight",
			"collector", sc.collector.Name())
		return
	}
	defer sc.runMu.Unlock()
	s.execute(s.ctx, sc)
}

// execute performs one run and records its outcome. Caller holds runMu.
func (s *Scheduler) execute(ctx context.Context, sc *scheduledCollector) *models.CollectionResult {
	name := sc.collector.Name()
	started := time.Now()

	sc.mu.Lock()
	sc.running = true
	sc.lastRun = &started
	sc.mu.Unlock()

	result := sc.collector.Collect(ctx)
	if result == nil {
		result = &models.CollectionResult{Collector: name, StartedAt: started}
	}
	if result.Duration == 0 {
		result.Duration = time.Since(started)
	}

	sc.mu.Lock()
	sc.running = false
	sc.lastResult = result
	if result.Success {
		finished := time.Now()
		sc.lastSuccess = &finished
		sc.lastError = ""
	} else if len(result.Errors) > 0 {
		sc.lastError = result.Errors[len(result.Errors)-1]
	}
	sc.mu.Unlock()

	log := s.logger.With("collector", name,
		"records", result.RecordsCollected,
		"skipped", result.RecordsSkipped,
		"errors", len(result.Errors),
		"duration", result.Duration)
	if result.Success {
		log.Info("collection pass finished")
	} else {
		log.Warn("collection pass failed")
	}
	return result
}
