package server

import (
	"sync"
	"time"
)

// rateLimiter refills continuously at burst tokens per interval. A nil
// *rateLimiter allows everything.
type rateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	burst    float64
	perSec   float64
	refilled time.Time
	now      func() time.Time
}

// newRateLimiter returns nil when cfg.Burst is zero or negative, which turns
// throttling off.
func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.Burst <= 0 {
		return nil
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = DefaultRateInterval
	}

	burst := float64(cfg.Burst)
	return &rateLimiter{
		tokens:   burst,
		burst:    burst,
		perSec:   burst / interval.Seconds(),
		refilled: time.Now(),
		now:      time.Now,
	}
}

// allow takes one token if one is available.
func (rl *rateLimiter) allow() bool {
	if rl == nil {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if elapsed := now.Sub(rl.refilled).Seconds(); elapsed > 0 {
		rl.tokens = min(rl.burst, rl.tokens+elapsed*rl.perSec)
	}
	rl.refilled = now

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
