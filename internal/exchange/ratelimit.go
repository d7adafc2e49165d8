// ratelimit.go implements token-bucket rate limiting for venue REST APIs.
//
// Perp venues enforce per-category request budgets (orders, cancels, market
// data). This file provides a smooth token-bucket implementation that
// refills continuously rather than in window-sized bursts, so the executor's
// 100 ms tick loop never slams into a hard limit.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by REST endpoint category. Each trading
// operation must call the appropriate bucket's Wait() before making the
// HTTP request.
type RateLimiter struct {
	Order  *TokenBucket // order placement + cancels
	Book   *TokenBucket // orderbook reads
	Query  *TokenBucket // positions, balances, open-order queries
}

// NewRateLimiter creates rate limiters tuned for a 100 ms quote loop:
// generous book/query budgets (the loop reads every tick) and a tighter
// order budget (placements are throttled upstream anyway).
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order: NewTokenBucket(100, 20),
		Book:  NewTokenBucket(200, 40),
		Query: NewTokenBucket(150, 30),
	}
}
