package transport

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned by RateLimiter.Check once a
// (device_id, user_id) pair's bucket has no tokens left (spec §4.10).
var ErrRateLimitExceeded = errors.New("transport: rate limit exceeded")

type bucketKey struct {
	deviceID string
	userID   string
}

// tokenBucket is one actor's bucket: capacity S, refill R tokens/sec.
type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

func (b *tokenBucket) take(now time.Time, capacity, refillRate float64) bool {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * refillRate
	if b.tokens > capacity {
		b.tokens = capacity
	}
	b.lastRefill = now
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// RateLimiter enforces a per-(device_id,user_id) token bucket: size S,
// refill R/sec (spec §4.10).
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[bucketKey]*tokenBucket
	capacity float64
	refill   float64
	now      func() time.Time
}

// NewRateLimiter creates a limiter with bucket size capacity and refill
// rate refillPerSec tokens/second.
func NewRateLimiter(capacity int, refillPerSec float64) *RateLimiter {
	return &RateLimiter{
		buckets:  make(map[bucketKey]*tokenBucket),
		capacity: float64(capacity),
		refill:   refillPerSec,
		now:      time.Now,
	}
}

// WithClock overrides the time source for deterministic testing.
func (r *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	r.now = now
	return r
}

// Check consumes one token from (deviceID, userID)'s bucket, or returns
// ErrRateLimitExceeded.
func (r *RateLimiter) Check(deviceID, userID string) error {
	key := bucketKey{deviceID, userID}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: r.capacity, lastRefill: now}
		r.buckets[key] = b
	}
	if !b.take(now, r.capacity, r.refill) {
		return ErrRateLimitExceeded
	}
	return nil
}
