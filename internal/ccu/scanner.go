package ccu

import (
	"context"
	"log/slog"
	"time"
)

// ScanStore is the cache-store surface the scanner reads through.
type ScanStore interface {
	Scan(ctx context.Context, pattern string, batch int64, fn func(key string) error) error
}

// Scanner counts online-presence keys on a schedule and reports the total to
// a gauge. Expired keys fall out of the count by TTL alone.
type Scanner struct {
	store    ScanStore
	interval time.Duration
	batch    int64
	gauge    func(total float64)
}

// NewScanner creates a Scanner; gauge receives the count after every scan.
func NewScanner(store ScanStore, interval time.Duration, batch int64, gauge func(float64)) *Scanner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 500
	}
	if gauge == nil {
		gauge = func(float64) {}
	}
	return &Scanner{store: store, interval: interval, batch: batch, gauge: gauge}
}

// Name returns the worker identifier.
func (s *Scanner) Name() string { return "ccu_scanner" }

// Run scans immediately, then on every tick until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	s.scan(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scan(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	var total float64
	err := s.store.Scan(ctx, onlineKeyPrefix+"*", s.batch, func(string) error {
		total++
		return nil
	})
	if err != nil {
		// Keep the previous gauge value: a failed scan says nothing about
		// how many users are online.
		slog.LogAttrs(ctx, slog.LevelWarn, "presence scan failed",
			slog.String("error", err.Error()),
		)
		return
	}
	s.gauge(total)
}
