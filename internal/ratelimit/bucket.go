// Package ratelimit implements per-identifier token-bucket rate limiting,
// distributed across gateway replicas through the shared cache store with a
// bounded local fallback when the store is unreachable.
package ratelimit

import (
	"encoding/json"
	"sync"
	"time"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	Reset     time.Time // when the bucket is fully refilled
}

// bucket is a token bucket with lazy refill (no background goroutine).
// Capacity tokens are restored per minute at a continuous rate.
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(capacity int64, now time.Time) *bucket {
	return &bucket{
		tokens:   float64(capacity),
		max:      float64(capacity),
		rate:     float64(capacity) / 60.0,
		lastFill: now,
	}
}

// refill adds tokens based on elapsed time since last refill.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// tryConsume attempts to consume n tokens.
func (b *bucket) tryConsume(n float64, now time.Time) (remaining int64, allowed bool) {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return int64(b.tokens), true
	}
	return int64(b.tokens), false
}

// resetAt returns when the bucket will be full again.
func (b *bucket) resetAt(now time.Time) time.Time {
	deficit := b.max - b.tokens
	if deficit <= 0 {
		return now
	}
	return now.Add(time.Duration(deficit / b.rate * float64(time.Second)))
}

// bucketState is the wire form shared between replicas through the cache
// store. Kept small: tokens plus the last-refill instant in unix millis.
type bucketState struct {
	Tokens     float64 `json:"t"`
	LastRefill int64   `json:"r"`
}

func encodeState(b *bucket) string {
	data, _ := json.Marshal(bucketState{
		Tokens:     b.tokens,
		LastRefill: b.lastFill.UnixMilli(),
	})
	return string(data)
}

// decodeState rebuilds a bucket from its wire form. An empty or corrupt
// payload yields a full bucket, which at worst grants one extra window.
func decodeState(raw string, capacity int64, now time.Time) *bucket {
	b := newBucket(capacity, now)
	if raw == "" {
		return b
	}
	var st bucketState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return b
	}
	b.tokens = min(st.Tokens, b.max)
	b.lastFill = time.UnixMilli(st.LastRefill)
	return b
}

// localLimiter guards one in-process bucket. Used when the cache store is
// unavailable; the per-key mutex linearizes concurrent consumers.
type localLimiter struct {
	mu sync.Mutex
	b  *bucket
}

func newLocalLimiter(capacity int64, now time.Time) *localLimiter {
	return &localLimiter{b: newBucket(capacity, now)}
}

func (l *localLimiter) tryConsume(n int64, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	remaining, allowed := l.b.tryConsume(float64(n), now)
	return Result{
		Allowed:   allowed,
		Limit:     int64(l.b.max),
		Remaining: remaining,
		Reset:     l.b.resetAt(now),
	}
}
