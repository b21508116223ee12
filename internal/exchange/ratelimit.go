package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously-refilling token bucket. Wait blocks until
// a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64 // burst size
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a bucket with the given burst capacity and
// per-second refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait consumes one token, blocking until one refills or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

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

// RateLimiter groups token buckets by CLOB endpoint category. The venue
// measures limits per 10-second window; capacities hold the full window
// burst and rates refill smoothly at 1/10th of it.
type RateLimiter struct {
	Order  *TokenBucket // POST /order
	Cancel *TokenBucket // DELETE /orders, /cancel-all, /cancel-market-orders
	Book   *TokenBucket // books, prices, fees, market reads, order status
}

// NewRateLimiter creates buckets tuned to the venue's published limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(350, 50), // 3500 per 10s
		Cancel: NewTokenBucket(300, 30), // 3000 per 10s
		Book:   NewTokenBucket(150, 15), // 1500 per 10s
	}
}
