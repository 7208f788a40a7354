// Package cachestore adapts the shared redis cache store behind a narrow
// contract: string and counter operations with TTLs, pipelined writes, cursor
// scans, an atomic compare-and-swap, and pub/sub. The adapter never retries;
// callers own their fallback policy. All transport failures surface as
// gateway.ErrCacheUnavailable.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	gateway "github.com/openvanguard/vanguard/internal"
)

// Store wraps a redis client with per-operation deadlines.
type Store struct {
	rdb     *redis.Client
	timeout time.Duration
}

// Options configures the cache store connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// New creates a Store. Connectivity is not verified; call Ping for that.
func New(opts Options) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})
	return &Store{rdb: rdb, timeout: opts.Timeout}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return wrap(s.rdb.Ping(ctx).Err())
}

// opCtx bounds an operation by the adapter timeout unless the caller's
// deadline is already sooner.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < s.timeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// wrap normalizes redis errors: misses become gateway.ErrNotFound, context
// errors pass through, everything else is gateway.ErrCacheUnavailable.
func wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return gateway.ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", gateway.ErrCacheUnavailable, err)
	}
}

// Get returns the string value at key, or gateway.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	val, err := s.rdb.Get(ctx, key).Result()
	return val, wrap(err)
}

// Set writes key=value with the given TTL (0 = no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return wrap(s.rdb.Set(ctx, key, value, ttl).Err())
}

// Del removes the given keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return wrap(s.rdb.Del(ctx, keys...).Err())
}

// Incr atomically increments the counter at key and returns the new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	n, err := s.rdb.Incr(ctx, key).Result()
	return n, wrap(err)
}

// Expire sets the TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return wrap(s.rdb.Expire(ctx, key, ttl).Err())
}

// Batch collects writes for a single pipelined round trip.
type Batch struct {
	pipe redis.Pipeliner
}

// Incr queues a counter increment.
func (b *Batch) Incr(key string) { b.pipe.Incr(context.Background(), key) }

// IncrBy queues a counter increment by n.
func (b *Batch) IncrBy(key string, n int64) { b.pipe.IncrBy(context.Background(), key, n) }

// IncrByTTL queues a counter increment by n followed by an expiry refresh.
func (b *Batch) IncrByTTL(key string, n int64, ttl time.Duration) {
	ctx := context.Background()
	b.pipe.IncrBy(ctx, key, n)
	b.pipe.Expire(ctx, key, ttl)
}

// IncrTTL queues a counter increment followed by an expiry refresh.
func (b *Batch) IncrTTL(key string, ttl time.Duration) {
	ctx := context.Background()
	b.pipe.Incr(ctx, key)
	b.pipe.Expire(ctx, key, ttl)
}

// Set queues a string write with TTL.
func (b *Batch) Set(key, value string, ttl time.Duration) {
	b.pipe.Set(context.Background(), key, value, ttl)
}

// Pipelined runs fn to collect writes and flushes them in one round trip.
func (s *Store) Pipelined(ctx context.Context, fn func(*Batch)) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(&Batch{pipe: pipe})
		return nil
	})
	return wrap(err)
}

// Scan iterates keys matching pattern in cursor batches, invoking fn per key.
// Iteration stops early if fn returns a non-nil error.
func (s *Store) Scan(ctx context.Context, pattern string, batch int64, fn func(key string) error) error {
	if batch <= 0 {
		batch = 100
	}
	var cursor uint64
	for {
		scanCtx, cancel := s.opCtx(ctx)
		keys, next, err := s.rdb.Scan(scanCtx, cursor, pattern, batch).Result()
		cancel()
		if err != nil {
			return wrap(err)
		}
		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// casScript swaps key to ARGV[2] with a millisecond TTL iff the current value
// equals ARGV[1]. An empty expected value matches an absent key.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1]) or ''
if cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
  return 1
end
return 0
`)

// EvalCAS atomically replaces the value at key iff it still equals expected.
// Returns true when the swap happened. Callers loop on false to linearize
// concurrent read-modify-write cycles across gateway replicas.
func (s *Store) EvalCAS(ctx context.Context, key, expected, next string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := casScript.Run(ctx, s.rdb, []string{key}, expected, next, ttl.Milliseconds()).Int()
	if err != nil {
		return false, wrap(err)
	}
	return res == 1, nil
}

// Publish sends msg on the named channel.
func (s *Store) Publish(ctx context.Context, channel, msg string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return wrap(s.rdb.Publish(ctx, channel, msg).Err())
}

// Subscribe returns a channel of messages published on the named channel.
// The channel closes when ctx is cancelled or the connection drops.
func (s *Store) Subscribe(ctx context.Context, channel string) <-chan string {
	ps := s.rdb.Subscribe(ctx, channel)
	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
