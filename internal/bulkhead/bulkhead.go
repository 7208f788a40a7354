// Package bulkhead provides a bounded-concurrency gate per upstream. Unlike a
// connection pool it fails fast: callers that cannot acquire a permit within
// the acquire timeout are shed with gateway.ErrBulkheadRejected instead of
// queueing indefinitely.
package bulkhead

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	gateway "github.com/openvanguard/vanguard/internal"
)

// Bulkhead limits concurrent in-flight calls to a single upstream.
type Bulkhead struct {
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
}

// New creates a bulkhead with the given number of permits and acquire timeout.
func New(maxConcurrent int64, acquireTimeout time.Duration) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 100 * time.Millisecond
	}
	return &Bulkhead{
		sem:            semaphore.NewWeighted(maxConcurrent),
		acquireTimeout: acquireTimeout,
	}
}

// Acquire obtains a permit, waiting at most the acquire timeout. The returned
// release function must be called exactly once when the call completes.
func (b *Bulkhead) Acquire(ctx context.Context) (release func(), err error) {
	// Fast path: no context machinery when a permit is free.
	if b.sem.TryAcquire(1) {
		return func() { b.sem.Release(1) }, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.acquireTimeout)
	defer cancel()
	if err := b.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: no permit within %v", gateway.ErrBulkheadRejected, b.acquireTimeout)
	}
	return func() { b.sem.Release(1) }, nil
}

// Registry manages one bulkhead per upstream service name.
type Registry struct {
	mu        sync.RWMutex
	bulkheads map[string]*Bulkhead
	configure func(service string) (maxConcurrent int64, acquireTimeout time.Duration)
}

// NewRegistry creates a Registry. configure may be nil for defaults.
func NewRegistry(configure func(service string) (int64, time.Duration)) *Registry {
	if configure == nil {
		configure = func(string) (int64, time.Duration) { return 100, 100 * time.Millisecond }
	}
	return &Registry{
		bulkheads: make(map[string]*Bulkhead),
		configure: configure,
	}
}

// Get returns the bulkhead for the named upstream, creating it if needed.
func (r *Registry) Get(service string) *Bulkhead {
	r.mu.RLock()
	b, ok := r.bulkheads[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bulkheads[service]; ok {
		return b
	}
	maxConcurrent, timeout := r.configure(service)
	b = New(maxConcurrent, timeout)
	r.bulkheads[service] = b
	return b
}
