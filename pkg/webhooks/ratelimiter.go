package webhooks

import (
	"sync"
	"time"
)

// RateLimiter implements token bucket rate limiting per subscription
type RateLimiter struct {
	buckets      map[string]*TokenBucket
	mutex        sync.Mutex
	maxTokens    int
	refillPeriod time.Duration
}

// TokenBucket represents a token bucket for rate limiting
type TokenBucket struct {
	tokens       int
	maxTokens    int
	refillPeriod time.Duration
	lastRefill   time.Time
	mutex        sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxRequests int, period time.Duration) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = 100
	}
	if period <= 0 {
		period = time.Minute
	}
	return &RateLimiter{
		buckets:      make(map[string]*TokenBucket),
		maxTokens:    maxRequests,
		refillPeriod: period,
	}
}

// Allow checks if a request is allowed for the given subscription
func (rl *RateLimiter) Allow(subscriptionID string) bool {
	rl.mutex.Lock()
	bucket, exists := rl.buckets[subscriptionID]
	if !exists {
		bucket = &TokenBucket{
			tokens:       rl.maxTokens,
			maxTokens:    rl.maxTokens,
			refillPeriod: rl.refillPeriod,
			lastRefill:   time.Now(),
		}
		rl.buckets[subscriptionID] = bucket
	}
	rl.mutex.Unlock()

	return bucket.Take()
}

// Take attempts to take a token from the bucket
func (tb *TokenBucket) Take() bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	now := time.Now()
	if now.Sub(tb.lastRefill) >= tb.refillPeriod {
		tb.tokens = tb.maxTokens
		tb.lastRefill = now
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
