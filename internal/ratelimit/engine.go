package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	gateway "github.com/openvanguard/vanguard/internal"
)

const (
	// bucketKeyPrefix namespaces bucket state in the cache store.
	bucketKeyPrefix = "ratelimit:bucket:"
	// bucketTTL bounds abandoned bucket keys; two refill windows is enough
	// for any live bucket to have been touched again.
	bucketTTL = 2 * time.Minute
	// casAttempts bounds optimistic-concurrency retries before falling back
	// to the local bucket.
	casAttempts = 4
	// degradedProbation is how long the engine stays on the local fallback
	// after a cache store failure before probing the store again.
	degradedProbation = 5 * time.Second
)

// Store is the cache-store surface the engine consumes.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	EvalCAS(ctx context.Context, key, expected, next string, ttl time.Duration) (bool, error)
}

// Capacities maps caller tiers to tokens per minute.
type Capacities struct {
	Anonymous     int64
	Authenticated int64
	Premium       int64
}

// Of returns the capacity for the given tier.
func (c Capacities) Of(tier gateway.Tier) int64 {
	switch tier {
	case gateway.TierPremium:
		return c.Premium
	case gateway.TierAuthenticated:
		return c.Authenticated
	default:
		return c.Anonymous
	}
}

// Engine enforces per-identifier token buckets. When the cache store is
// reachable, bucket state lives there and concurrent replicas share the
// limit through compare-and-swap updates. When it is not, a bounded local
// LRU of buckets keeps a single replica honest.
type Engine struct {
	store      Store // nil = local-only
	caps       Capacities
	local      *expirable.LRU[string, *localLimiter]
	localMu    sync.Mutex // guards get-or-create on the fallback LRU
	degradedTo atomic.Int64
	// onFallback, if set, is invoked once per degradation for metrics.
	onFallback func()
}

// Options configures the engine.
type Options struct {
	Store      Store
	Capacities Capacities
	LocalMax   int           // fallback LRU size
	LocalTTL   time.Duration // fallback per-entry TTL
	OnFallback func()
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	if opts.LocalMax <= 0 {
		opts.LocalMax = 50_000
	}
	if opts.LocalTTL <= 0 {
		opts.LocalTTL = 5 * time.Minute
	}
	return &Engine{
		store:      opts.Store,
		caps:       opts.Capacities,
		local:      expirable.NewLRU[string, *localLimiter](opts.LocalMax, nil, opts.LocalTTL),
		onFallback: opts.OnFallback,
	}
}

// TryConsume attempts to take n tokens from the bucket for identifier
// ("user:<uid>" or "ip:<addr>") at the given tier. It never returns an error
// for cache store trouble; it degrades to the local bucket instead. The only
// error cause is caller context cancellation.
func (e *Engine) TryConsume(ctx context.Context, identifier string, tier gateway.Tier, n int64) (Result, error) {
	capacity := e.caps.Of(tier)
	if capacity <= 0 {
		// Unlimited tier.
		return Result{Allowed: true, Limit: 0, Remaining: 0, Reset: time.Now()}, nil
	}

	if e.store != nil && !e.degraded() {
		res, err := e.tryConsumeDistributed(ctx, identifier, capacity, n)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return Result{}, err
		default:
			e.markDegraded()
			slog.LogAttrs(ctx, slog.LevelWarn, "rate limiter falling back to local buckets",
				slog.String("identifier", identifier),
				slog.String("error", err.Error()),
			)
		}
	}

	return e.tryConsumeLocal(identifier, capacity, n), nil
}

// tryConsumeDistributed runs the shared-bucket CAS loop against the store.
func (e *Engine) tryConsumeDistributed(ctx context.Context, identifier string, capacity, n int64) (Result, error) {
	key := bucketKeyPrefix + identifier
	for range casAttempts {
		raw, err := e.store.Get(ctx, key)
		if err != nil && !errors.Is(err, gateway.ErrNotFound) {
			return Result{}, err
		}

		now := time.Now()
		b := decodeState(raw, capacity, now)
		remaining, allowed := b.tryConsume(float64(n), now)
		res := Result{
			Allowed:   allowed,
			Limit:     capacity,
			Remaining: remaining,
			Reset:     b.resetAt(now),
		}

		if !allowed {
			// Refill alone changed nothing worth persisting; denying is
			// correct on the snapshot we read.
			return res, nil
		}

		swapped, err := e.store.EvalCAS(ctx, key, raw, encodeState(b), bucketTTL)
		if err != nil {
			return Result{}, err
		}
		if swapped {
			return res, nil
		}
		// Lost the race to a concurrent replica; re-read and retry.
	}

	// Contention exhausted the attempt budget; the local bucket is a safe
	// (stricter per-replica) substitute for one decision.
	return e.tryConsumeLocal(identifier, capacity, n), nil
}

// tryConsumeLocal consumes from the bounded in-process fallback cache.
func (e *Engine) tryConsumeLocal(identifier string, capacity, n int64) Result {
	e.localMu.Lock()
	l, ok := e.local.Get(identifier)
	if !ok {
		l = newLocalLimiter(capacity, time.Now())
		e.local.Add(identifier, l)
	}
	e.localMu.Unlock()
	return l.tryConsume(n, time.Now())
}

// degraded reports whether the engine is inside the local-only probation
// window after a store failure.
func (e *Engine) degraded() bool {
	return time.Now().UnixNano() < e.degradedTo.Load()
}

// markDegraded starts (or extends) the probation window.
func (e *Engine) markDegraded() {
	until := time.Now().Add(degradedProbation).UnixNano()
	prev := e.degradedTo.Swap(until)
	if prev < time.Now().UnixNano() && e.onFallback != nil {
		e.onFallback()
	}
}
