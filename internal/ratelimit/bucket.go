// Package ratelimit implements a continuously-refilling token bucket.
//
// Gamma/CLOB enforce per-category limits measured in requests per 10-second
// windows. Refilling continuously (rather than in 10s bursts) spreads
// requests evenly and avoids tripping the hard limit right at a window edge.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is a token-bucket rate limiter with continuous refill. Callers
// block in Wait() until a token is available or the context is cancelled.
type Bucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens refilled per second
	lastTime time.Time
}

// New creates a rate limiter with the given burst capacity and refill rate.
func New(capacity, ratePerSecond float64) *Bucket {
	return &Bucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (b *Bucket) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(b.lastTime).Seconds()
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastTime = now

		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
