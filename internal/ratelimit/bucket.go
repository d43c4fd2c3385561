// Package ratelimit provides the token bucket used to gate inbound
// submissions and outbound analysis calls.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Bucket is a token bucket with lazy refill. Tokens accumulate at Rate per
// second up to Capacity; each permitted operation costs one token. The zero
// value is not usable; construct with NewBucket.
type Bucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	updatedAt time.Time
	now       func() time.Time
}

// NewBucket creates a bucket that refills at ratePerSec tokens per second.
// capacity bounds the burst size; if capacity <= 0 it defaults to ratePerSec.
// A non-positive rate is coerced to 1 so wait computations stay finite.
// The bucket starts full.
func NewBucket(ratePerSec int, capacity int) *Bucket {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	if capacity <= 0 {
		capacity = ratePerSec
	}
	return &Bucket{
		rate:      float64(ratePerSec),
		capacity:  float64(capacity),
		tokens:    float64(capacity),
		updatedAt: time.Now(),
		now:       time.Now,
	}
}

// refill credits tokens for the time elapsed since the last access.
// Caller must hold mu.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.updatedAt).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.updatedAt = now
}

// Acquire blocks until a token is available or ctx is done, then consumes
// the token. Steady-state callers never proceed faster than the refill rate.
func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refill()
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

// TryAcquire consumes a token if one is available. When denied it returns
// the duration after which a token would become available, suitable for a
// Retry-After hint.
func (b *Bucket) TryAcquire() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	retryAfter := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, retryAfter
}

// Tokens returns the current token count after refill. Used by tests and
// the queue depth gauge.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}
