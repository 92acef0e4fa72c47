// Package ratelimit provides a token-bucket rate limiter with continuous
// refill. The vision provider uses it to hold chart-inference calls under a
// per-minute request cap; a smooth refill avoids bunching requests at window
// boundaries.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a token-bucket limiter. Callers block in Wait until a token
// is available or the context is cancelled. TryTake never blocks.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a limiter with the given burst capacity and refill
// rate per second.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// PerMinute creates a limiter allowing n requests per minute with a burst of
// one window's worth.
func PerMinute(n float64) *TokenBucket {
	if n <= 0 {
		n = 1
	}
	return NewTokenBucket(n, n/60)
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		tb.refillLocked()
		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// TryTake consumes a token if one is available and reports whether it did.
func (tb *TokenBucket) TryTake() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) refillLocked() {
	now := time.Now()
	tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now
}
