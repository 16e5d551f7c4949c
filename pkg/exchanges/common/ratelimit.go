package common

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces outbound REST calls and backs off after the broker
// answers with a throttling status.
type RateLimiter struct {
	limiter     *rate.Limiter
	mu          sync.Mutex
	blockedTill time.Time
	throttled   int64
	waited      int64
}

// NewRateLimiter allows rps requests per second with the given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a request may be sent or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	till := rl.blockedTill
	rl.mu.Unlock()

	if d := time.Until(till); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := rl.limiter.Wait(ctx); err != nil {
		return err
	}
	rl.mu.Lock()
	rl.waited++
	rl.mu.Unlock()
	return nil
}

// Throttled pauses all callers for d after a 429.
func (rl *RateLimiter) Throttled(d time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.throttled++
	if till := time.Now().Add(d); till.After(rl.blockedTill) {
		rl.blockedTill = till
	}
}

// GetUsage returns how many requests went out and how many were throttled.
func (rl *RateLimiter) GetUsage() (sent, throttled int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.waited, rl.throttled
}
