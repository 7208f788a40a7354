package policy

import (
	"context"
	"log/slog"
	"time"
)

// Refresher periodically rebuilds the policy snapshot from the store so edits
// made through the admin API or by another replica take effect without a
// restart.
type Refresher struct {
	engine   *Engine
	interval time.Duration
}

// NewRefresher creates a Refresher.
func NewRefresher(engine *Engine, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Refresher{engine: engine, interval: interval}
}

// Name returns the worker identifier.
func (r *Refresher) Name() string { return "policy_refresher" }

// Run reloads the snapshot on a fixed interval until ctx is cancelled. A
// failed reload keeps the previous snapshot active.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			before := r.engine.Version()
			if err := r.engine.Reload(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "policy reload failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if after := r.engine.Version(); after != before {
				slog.LogAttrs(ctx, slog.LevelInfo, "policy snapshot updated",
					slog.Int64("version", after),
					slog.Int("entries", r.engine.Len()),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
