// Package ratelimit throttles outbound requests per destination with token buckets.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/hookrelay/clock"
)

// Limiter keeps one token bucket per destination key.
type Limiter struct {
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens    float64
	lastFill  time.Time
	rateLimit float64 // tokens per second, also the burst size
}

// New creates a limiter. A nil clock means the system clock.
func New(c clock.Clock) *Limiter {
	return &Limiter{
		clock:   clock.OrSystem(c),
		buckets: make(map[string]*bucket),
	}
}

// Allow takes a token for key if one is available.
// A rateLimit of 0 means unlimited.
func (l *Limiter) Allow(key string, rateLimit int) bool {
	if rateLimit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b := l.getOrCreateBucket(key, float64(rateLimit), now)
	b.refill(now)

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string, rateLimit int) error {
	if rateLimit <= 0 {
		return nil
	}

	interval := time.Duration(float64(time.Second) / float64(rateLimit))
	for {
		if l.Allow(key, rateLimit) {
			return nil
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Reset clears the bucket for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

func (l *Limiter) getOrCreateBucket(key string, rateLimit float64, now time.Time) *bucket {
	b, ok := l.buckets[key]
	if !ok || b.rateLimit != rateLimit {
		b = &bucket{
			tokens:    rateLimit,
			lastFill:  now,
			rateLimit: rateLimit,
		}
		l.buckets[key] = b
	}
	return b
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rateLimit
	if b.tokens > b.rateLimit {
		b.tokens = b.rateLimit
	}
	b.lastFill = now
}
