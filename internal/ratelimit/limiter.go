// Package ratelimit provides keyed outbound rate limiting for provider
// requests: a per-minute sliding window, a daily counter with UTC reset,
// and exponential backoff with jitter after provider 429s.
package ratelimit

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/dexharvest/dexharvest-go/internal/utils"
)

// Outcome classifies the result of a request reported back to the limiter.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeError
)

const minuteWindow = time.Minute

// Config holds limiter ceilings and backoff parameters.
type Config struct {
	RequestsPerMinute int
	RequestsPerDay    int
	BaseRetryAfter    time.Duration
	MaxBackoff        time.Duration
}

// state is the mutable rate-limit record for one resource key. It is only
// ever touched under the limiter mutex.
type state struct {
	window              []time.Time
	dailyCount          int
	dailyDay            time.Time
	backoffUntil        time.Time
	consecutiveFailures int
}

// Status is a point-in-time snapshot of one resource key's state. Reading
// it never blocks and never counts against the limit it reports on.
type Status struct {
	Key                 string     `json:"key"`
	WindowUsed          int        `json:"window_used"`
	WindowLimit         int        `json:"window_limit"`
	DailyUsed           int        `json:"daily_used"`
	DailyLimit          int        `json:"daily_limit"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	BackoffUntil        *time.Time `json:"backoff_until,omitempty"`
}

// KeyedLimiter tracks independent rate-limit state per resource key.
// Multiple collectors sharing a key contend through the same state.
type KeyedLimiter struct {
	mu     sync.Mutex
	cfg    Config
	states map[string]*state
	logger *slog.Logger

	// now is the clock; injectable so window and day-boundary behavior is
	// testable without sleeping.
	now func() time.Time
}

// NewKeyedLimiter creates a limiter with the given ceilings.
func NewKeyedLimiter(cfg Config, logger *slog.Logger) *KeyedLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	if cfg.RequestsPerDay <= 0 {
		cfg.RequestsPerDay = 10000
	}
	if cfg.BaseRetryAfter <= 0 {
		cfg.BaseRetryAfter = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return &KeyedLimiter{
		cfg:    cfg,
		states: make(map[string]*state),
		logger: logger,
		now:    time.Now,
	}
}

// Acquire blocks until a request on key is permitted or ctx is cancelled.
// An exhausted daily cap fails fast with a RateLimitError so callers can
// skip the run instead of blocking until midnight.
func (l *KeyedLimiter) Acquire(ctx context.Context, key string) error {
	for {
		wait, err := l.tryAcquire(key)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire either records the request (wait 0) or returns how long the
// caller must suspend before retrying. The read-check-increment is atomic
// under the limiter mutex.
func (l *KeyedLimiter) tryAcquire(key string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(key)
	l.rollDay(st, now)

	if st.dailyCount >= l.cfg.RequestsPerDay {
		return 0, utils.NewDailyLimitError(key, nextUTCMidnight(now))
	}

	if st.backoffUntil.After(now) {
		return st.backoffUntil.Sub(now), nil
	}

	st.window = pruneWindow(st.window, now)
	if len(st.window) >= l.cfg.RequestsPerMinute {
		return st.window[0].Add(minuteWindow).Sub(now), nil
	}

	st.window = append(st.window, now)
	st.dailyCount++
	return 0, nil
}

// Report feeds a request outcome back into the key's state. A rate-limited
// outcome honors the provider retry-after hint when present, otherwise the
// backoff formula applies: base * 2^failures, capped, plus 10-30% jitter.
func (l *KeyedLimiter) Report(key string, outcome Outcome, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(key)
	switch outcome {
	case OutcomeSuccess:
		st.consecutiveFailures = 0
	case OutcomeRateLimited:
		base := retryAfter
		if base <= 0 {
			base = l.cfg.BaseRetryAfter
		}
		// Doubling is checked against the cap before shifting so a long
		// failure streak cannot overflow the duration.
		backoff := l.cfg.MaxBackoff
		if shift := st.consecutiveFailures; base <= l.cfg.MaxBackoff>>shift {
			backoff = base << shift
		}
		jitter := time.Duration(float64(backoff) * (0.10 + rand.Float64()*0.20))
		st.backoffUntil = l.now().Add(backoff + jitter)
		st.consecutiveFailures++
		if l.logger != nil {
			l.logger.Warn("Rate limited by provider, backing off",
				"resource", key,
				"backoff", (backoff + jitter).String(),
				"consecutive_failures", st.consecutiveFailures,
			)
		}
	case OutcomeError:
		// Non-rate-limit failures are the circuit breaker's concern.
	}
}

// Reset clears all state for a resource key. Exposed for the operator
// reset entry point.
func (l *KeyedLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.states, key)
	if l.logger != nil {
		l.logger.Info("Rate limiter state reset", "resource", key)
	}
}

// Status returns a snapshot for one key without consuming any quota.
func (l *KeyedLimiter) Status(key string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(key)
	l.rollDay(st, now)
	st.window = pruneWindow(st.window, now)

	status := Status{
		Key:                 key,
		WindowUsed:          len(st.window),
		WindowLimit:         l.cfg.RequestsPerMinute,
		DailyUsed:           st.dailyCount,
		DailyLimit:          l.cfg.RequestsPerDay,
		ConsecutiveFailures: st.consecutiveFailures,
	}
	if st.backoffUntil.After(now) {
		until := st.backoffUntil
		status.BackoffUntil = &until
	}
	return status
}

// Keys returns all resource keys with recorded state.
func (l *KeyedLimiter) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.states))
	for k := range l.states {
		keys = append(keys, k)
	}
	return keys
}

// UpdateConfig swaps ceilings on reload. Existing window, daily and backoff
// state is preserved.
func (l *KeyedLimiter) UpdateConfig(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg.RequestsPerMinute > 0 {
		l.cfg.RequestsPerMinute = cfg.RequestsPerMinute
	}
	if cfg.RequestsPerDay > 0 {
		l.cfg.RequestsPerDay = cfg.RequestsPerDay
	}
	if cfg.BaseRetryAfter > 0 {
		l.cfg.BaseRetryAfter = cfg.BaseRetryAfter
	}
	if cfg.MaxBackoff > 0 {
		l.cfg.MaxBackoff = cfg.MaxBackoff
	}
}

func (l *KeyedLimiter) state(key string) *state {
	st, ok := l.states[key]
	if !ok {
		st = &state{dailyDay: utcDay(l.now())}
		l.states[key] = st
	}
	return st
}

// rollDay resets the daily counter exactly once per UTC day crossing.
func (l *KeyedLimiter) rollDay(st *state, now time.Time) {
	day := utcDay(now)
	if !day.Equal(st.dailyDay) {
		st.dailyDay = day
		st.dailyCount = 0
	}
}

func pruneWindow(window []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-minuteWindow)
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	return window[i:]
}

func utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

func nextUTCMidnight(t time.Time) time.Time {
	return utcDay(t).Add(24 * time.Hour)
}
