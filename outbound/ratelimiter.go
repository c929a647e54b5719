package outbound

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces sends per account.
type RateLimiter struct {
	accounts map[string]*limiterEntry
	mutex    sync.Mutex
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows limit sends per second per account with the given
// burst. A non-positive limit disables pacing.
func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		accounts: make(map[string]*limiterEntry),
		limit:    limit,
		burst:    burst,
		now:      time.Now,
	}
}

func (rl *RateLimiter) get(accountID string) *rate.Limiter {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	e, exists := rl.accounts[accountID]
	if !exists {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.accounts[accountID] = e
	}
	e.lastSeen = rl.now()
	return e.limiter
}

// Wait blocks until accountID may send or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context, accountID string) error {
	return rl.get(accountID).Wait(ctx)
}

// StartCleanup drops limiters idle for longer than idle, checking every
// interval until ctx ends.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval, idle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.cleanupIdle(idle)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (rl *RateLimiter) cleanupIdle(idle time.Duration) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	cutoff := rl.now().Add(-idle)
	removed := 0
	for id, e := range rl.accounts {
		if e.lastSeen.Before(cutoff) {
			delete(rl.accounts, id)
			removed++
		}
	}
	return removed
}
