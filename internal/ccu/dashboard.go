package ccu

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/openvanguard/vanguard/internal/cachestore"
)

const (
	rpsKey          = "dashboard:rps"
	requestCountKey = "dashboard:request:count"
	errorCountKey   = "dashboard:error:count"
	latencyAvgKey   = "dashboard:latency:avg"
	historyPrefix   = "dashboard:traffic:history:"
	slowPrefix      = "dashboard:slow:endpoint:"

	rpsTTL     = 2 * time.Second
	historyTTL = 24 * time.Hour
	slowTTL    = 24 * time.Hour

	slowThreshold = 500 * time.Millisecond
	emaAlpha      = 0.2

	sinkChanSize = 4096
	sinkFlush    = time.Second
)

// Sample is one completed request as seen by the metrics filter.
type Sample struct {
	Method   string
	Path     string
	Status   int
	Duration time.Duration
}

// SinkStore is the cache-store surface the sink reads and writes through.
type SinkStore interface {
	Get(ctx context.Context, key string) (string, error)
	Pipelined(ctx context.Context, fn func(*cachestore.Batch)) error
}

// Sink aggregates request samples into the dashboard counters. The metrics
// filter enqueues samples without blocking; the worker flushes one pipelined
// batch per tick.
type Sink struct {
	ch    chan Sample
	store SinkStore
}

// NewSink creates a Sink worker.
func NewSink(store SinkStore) *Sink {
	return &Sink{ch: make(chan Sample, sinkChanSize), store: store}
}

// Record enqueues a sample. Never blocks; drops when the channel is full.
func (s *Sink) Record(sm Sample) {
	select {
	case s.ch <- sm:
	default:
	}
}

// Name returns the worker identifier.
func (s *Sink) Name() string { return "dashboard_sink" }

// Run flushes aggregated samples every tick until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) error {
	ticker := time.NewTicker(sinkFlush)
	defer ticker.Stop()

	var buf []Sample
	for {
		select {
		case sm := <-s.ch:
			buf = append(buf, sm)

		case <-ticker.C:
			if len(buf) > 0 {
				s.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			buf = drain(s.ch, buf)
			if len(buf) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				s.flush(flushCtx, buf)
				cancel()
			}
			return nil
		}
	}
}

// drain moves whatever is already queued into buf without blocking.
func drain(ch <-chan Sample, buf []Sample) []Sample {
	for {
		select {
		case sm := <-ch:
			buf = append(buf, sm)
		default:
			return buf
		}
	}
}

func (s *Sink) flush(ctx context.Context, buf []Sample) {
	bucket := historyBucket(time.Now())
	requests := int64(len(buf))
	var errors int64
	avg := s.readFloat(ctx, latencyAvgKey)
	slow := map[string]struct {
		avg, p95 float64
		calls    int64
	}{}

	for _, sm := range buf {
		if sm.Status >= http.StatusInternalServerError {
			errors++
		}
		ms := float64(sm.Duration) / float64(time.Millisecond)
		avg = ema(avg, ms)

		if sm.Duration > slowThreshold {
			key := slowPrefix + sm.Method + ":" + sm.Path
			st, ok := slow[key]
			if !ok {
				st.avg = s.readFloat(ctx, key+":avg")
				st.p95 = s.readFloat(ctx, key+":p95")
			}
			st.avg = ema(st.avg, ms)
			// Max-decay p95 approximation: spikes register immediately and
			// fade as the endpoint recovers.
			if dec := st.p95 * 0.95; ms > dec {
				st.p95 = ms
			} else {
				st.p95 = dec
			}
			st.calls++
			slow[key] = st
		}
	}

	err := s.store.Pipelined(ctx, func(b *cachestore.Batch) {
		b.IncrByTTL(rpsKey, requests, rpsTTL)
		b.IncrBy(requestCountKey, requests)
		b.IncrByTTL(historyPrefix+bucket+":requests", requests, historyTTL)
		if errors > 0 {
			b.IncrBy(errorCountKey, errors)
			b.IncrByTTL(historyPrefix+bucket+":errors", errors, historyTTL)
		}
		b.Set(latencyAvgKey, formatFloat(avg), 0)
		for key, st := range slow {
			b.Set(key+":avg", formatFloat(st.avg), slowTTL)
			b.Set(key+":p95", formatFloat(st.p95), slowTTL)
			b.IncrByTTL(key+":calls", st.calls, slowTTL)
		}
	})
	if err != nil {
		// Fail open: never let telemetry hurt request handling.
		slog.LogAttrs(ctx, slog.LevelWarn, "dashboard flush failed",
			slog.Int("samples", len(buf)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Sink) readFloat(ctx context.Context, key string) float64 {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}

func ema(prev, sample float64) float64 {
	if prev == 0 {
		return sample
	}
	return prev + emaAlpha*(sample-prev)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func historyBucket(now time.Time) string {
	return now.UTC().Format("2006010215")
}
