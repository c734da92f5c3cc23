// Package quota enforces per-user request limits.
package quota

import (
	"sync"
	"time"
)

// RateLimiter implements per-user token bucket rate limiting.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	rpm     int
	now     func() time.Time
}

type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per
// user. rpm=0 means unlimited.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		rpm:     rpm,
		now:     time.Now,
	}
}

// Enabled reports whether the limiter restricts anything.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.rpm > 0
}

// Allow checks if a request from the given user should be allowed.
func (rl *RateLimiter) Allow(user string) bool {
	if !rl.Enabled() {
		return true // Unlimited
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bucket, ok := rl.buckets[user]
	if !ok {
		bucket = &tokenBucket{
			tokens:     float64(rl.rpm),
			maxTokens:  float64(rl.rpm),
			refillRate: float64(rl.rpm) / 60.0,
			lastRefill: now,
		}
		rl.buckets[user] = bucket
	}

	// Refill tokens
	elapsed := now.Sub(bucket.lastRefill).Seconds()
	bucket.tokens += elapsed * bucket.refillRate
	if bucket.tokens > bucket.maxTokens {
		bucket.tokens = bucket.maxTokens
	}
	bucket.lastRefill = now

	if bucket.tokens < 1 {
		return false
	}
	bucket.tokens--
	return true
}

// RetryAfter returns the number of seconds until the next token is available.
func (rl *RateLimiter) RetryAfter(user string) int {
	if !rl.Enabled() {
		return 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[user]
	if !ok || bucket.tokens >= 1 {
		return 0
	}

	// Time until next token
	needed := 1.0 - bucket.tokens
	seconds := needed / bucket.refillRate
	return int(seconds) + 1
}

// Cleanup removes buckets for users that haven't been seen recently.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxAge)
	removed := 0
	for user, bucket := range rl.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(rl.buckets, user)
			removed++
		}
	}
	return removed
}
