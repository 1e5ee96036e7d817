package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tokensToAdd := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	step := time.Second / time.Duration(max(tb.rate, 1))
	for !tb.Allow() {
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// RateLimiter bounds how fast local connections are accepted and how fast each
// tunnel session issues fetch requests. A zero rate disables that limit.
type RateLimiter struct {
	mu            sync.Mutex
	connLimiter   *TokenBucket
	fetchLimiters map[string]*TokenBucket // session id -> bucket
	fetchRate     int
	burstSize     int
}

// NewRateLimiter creates a limiter admitting connRate connections per second
// overall and fetchRate fetch requests per second per session.
func NewRateLimiter(connRate, fetchRate, burstSize int) *RateLimiter {
	if burstSize <= 0 {
		burstSize = 1
	}
	rl := &RateLimiter{
		fetchLimiters: make(map[string]*TokenBucket),
		fetchRate:     fetchRate,
		burstSize:     burstSize,
	}
	if connRate > 0 {
		rl.connLimiter = NewTokenBucket(connRate, burstSize)
	}
	return rl
}

// AllowConnection reports whether one more local connection may be accepted now.
func (rl *RateLimiter) AllowConnection() bool {
	if rl == nil || rl.connLimiter == nil {
		return true
	}
	return rl.connLimiter.Allow()
}

// WaitFetch blocks until the session identified by id may issue another fetch.
func (rl *RateLimiter) WaitFetch(ctx context.Context, id string) error {
	if rl == nil || rl.fetchRate <= 0 {
		return nil
	}
	rl.mu.Lock()
	bucket, exists := rl.fetchLimiters[id]
	if !exists {
		bucket = NewTokenBucket(rl.fetchRate, rl.burstSize)
		rl.fetchLimiters[id] = bucket
	}
	rl.mu.Unlock()
	return bucket.Wait(ctx)
}

// Forget drops the bucket of a finished session.
func (rl *RateLimiter) Forget(id string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.fetchLimiters, id)
	rl.mu.Unlock()
}

// CleanupExpiredSessions removes buckets for sessions that are no longer active.
func (rl *RateLimiter) CleanupExpiredSessions(active map[string]bool) int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for id := range rl.fetchLimiters {
		if !active[id] {
			delete(rl.fetchLimiters, id)
			removed++
		}
	}
	return removed
}
