package control

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TokenLimiter rate-limits control requests per token name using GCRA.
// Thread-safe for concurrent access. Includes background cleanup to prevent
// unbounded memory growth when token catalogs rotate.
type TokenLimiter struct {
	cells           map[string]time.Time // Theoretical Arrival Time per token
	mu              sync.Mutex
	rate            int
	period          time.Duration
	burst           int
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxTTL          time.Duration
	logger          *slog.Logger
}

// NewTokenLimiter creates a limiter allowing rate requests per period, with
// burst headroom equal to the rate. Default cleanup interval: 5 minutes,
// default maxTTL: 1 hour.
func NewTokenLimiter(rate int, period time.Duration, logger *slog.Logger) *TokenLimiter {
	if rate <= 0 {
		rate = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenLimiter{
		cells:           make(map[string]time.Time),
		rate:            rate,
		period:          period,
		burst:           rate,
		stopChan:        make(chan struct{}),
		cleanupInterval: 5 * time.Minute,
		maxTTL:          time.Hour,
		logger:          logger,
	}
}

// Allow checks whether one more request under key is inside the limit. When
// denied, retryAfter says how long until the next request would pass.
func (l *TokenLimiter) Allow(key string) (allowed bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	emission := l.period / time.Duration(l.rate)
	burstOffset := time.Duration(l.burst) * emission

	tat, exists := l.cells[key]
	if !exists || tat.Before(now) {
		tat = now
	}

	allowAt := tat.Add(-burstOffset)
	if now.Before(allowAt) {
		return false, allowAt.Sub(now)
	}

	newTAT := tat.Add(emission)
	if newTAT.Before(now) {
		newTAT = now.Add(emission)
	}
	l.cells[key] = newTAT
	return true, 0
}

// StartCleanup starts the background cleanup goroutine. It stops when ctx
// is cancelled or Stop is called.
func (l *TokenLimiter) StartCleanup(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return
			case <-ticker.C:
				l.cleanup()
			}
		}
	}()
}

// cleanup removes cells whose TAT is older than maxTTL.
func (l *TokenLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.maxTTL)
	cleaned := 0
	for key, tat := range l.cells {
		if tat.Before(cutoff) {
			delete(l.cells, key)
			cleaned++
		}
	}
	if cleaned > 0 {
		l.logger.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(l.cells))
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (l *TokenLimiter) Stop() {
	l.once.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

// Size returns the current number of tracked tokens.
func (l *TokenLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cells)
}
