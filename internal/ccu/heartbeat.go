// Package ccu tracks concurrently-connected users. Authenticated requests
// refresh a short-lived presence key per user; a scanner counts those keys on
// a schedule; a sink aggregates per-request samples into dashboard counters.
// Everything here is fail-open: presence and metrics never fail a request.
package ccu

import (
	"context"
	"log/slog"
	"time"

	"github.com/openvanguard/vanguard/internal/cachestore"
)

const (
	onlineKeyPrefix = "online:"

	heartbeatChanSize  = 4096
	heartbeatBatchSize = 64
	heartbeatFlush     = time.Second
)

// PipelineStore is the cache-store surface the ccu workers write through.
type PipelineStore interface {
	Pipelined(ctx context.Context, fn func(*cachestore.Batch)) error
}

// Heartbeat refreshes online-presence keys asynchronously. The enrichment
// filter calls Touch on the hot path; the worker batches writes into
// pipelined flushes off it.
type Heartbeat struct {
	ch    chan string
	store PipelineStore
	ttl   time.Duration
}

// NewHeartbeat creates a Heartbeat worker.
func NewHeartbeat(store PipelineStore, ttl time.Duration) *Heartbeat {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Heartbeat{
		ch:    make(chan string, heartbeatChanSize),
		store: store,
		ttl:   ttl,
	}
}

// Touch marks the user online. Never blocks; drops when the channel is full
// (the next request's heartbeat corrects it).
func (h *Heartbeat) Touch(userID string) {
	select {
	case h.ch <- userID:
	default:
	}
}

// Name returns the worker identifier.
func (h *Heartbeat) Name() string { return "ccu_heartbeat" }

// Run batches presence writes until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatFlush)
	defer ticker.Stop()

	// Dedupe within a batch: one user may issue many requests per flush.
	buf := make(map[string]struct{}, heartbeatBatchSize)

	for {
		select {
		case uid := <-h.ch:
			buf[uid] = struct{}{}
			if len(buf) >= heartbeatBatchSize {
				h.flush(ctx, buf)
				clear(buf)
			}

		case <-ticker.C:
			if len(buf) > 0 {
				h.flush(ctx, buf)
				clear(buf)
			}

		case <-ctx.Done():
			h.drainAndFlush(buf)
			return nil
		}
	}
}

// drainAndFlush empties the queue and writes one final batch on shutdown.
func (h *Heartbeat) drainAndFlush(buf map[string]struct{}) {
	for {
		select {
		case uid := <-h.ch:
			buf[uid] = struct{}{}
		default:
			if len(buf) > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				h.flush(ctx, buf)
				cancel()
			}
			return
		}
	}
}

func (h *Heartbeat) flush(ctx context.Context, buf map[string]struct{}) {
	err := h.store.Pipelined(ctx, func(b *cachestore.Batch) {
		for uid := range buf {
			b.Set(onlineKeyPrefix+uid, "1", h.ttl)
		}
	})
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "presence flush failed",
			slog.Int("users", len(buf)),
			slog.String("error", err.Error()),
		)
	}
}
