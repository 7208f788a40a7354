package session

import (
	"context"
	"log/slog"
)

// Subscriber is the pub/sub surface of the cache store.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) <-chan string
}

// InvalidationWorker drops L1 session copies when another replica publishes
// a delete on the invalidation channel.
type InvalidationWorker struct {
	store *Store
	sub   Subscriber
}

// NewInvalidationWorker creates the worker.
func NewInvalidationWorker(store *Store, sub Subscriber) *InvalidationWorker {
	return &InvalidationWorker{store: store, sub: sub}
}

// Name returns the worker identifier.
func (w *InvalidationWorker) Name() string { return "session_invalidation" }

// Run consumes invalidation messages until ctx is cancelled. A dropped
// subscription ends the worker; L1 TTL bounds the staleness either way.
func (w *InvalidationWorker) Run(ctx context.Context) error {
	msgs := w.sub.Subscribe(ctx, InvalidateChannel)
	for {
		select {
		case id, ok := <-msgs:
			if !ok {
				slog.Warn("session invalidation subscription closed")
				return nil
			}
			w.store.Invalidate(id)
		case <-ctx.Done():
			return nil
		}
	}
}
