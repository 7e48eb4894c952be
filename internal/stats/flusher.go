package stats

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/multibot-io/multibot/internal/store"
	"github.com/multibot-io/multibot/internal/tracing"
)

var tracer = tracing.Tracer("stats")

// Flusher moves collector counters into hourly store buckets.
type Flusher struct {
	collector *Collector
	store     store.Store
	interval  time.Duration
}

func NewFlusher(c *Collector, st store.Store, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Flusher{collector: c, store: st, interval: interval}
}

// Run flushes on every tick until ctx is cancelled, then performs one
// final synchronous flush so shutdown loses nothing.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.Flush(ctx)
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			f.Flush(final)
			cancel()
			slog.Debug("stats flusher stopped")
			return
		}
	}
}

// Flush writes every pending per-bot delta into the bucket for the
// current hour. A bot whose write fails keeps its counters for the
// next tick.
func (f *Flusher) Flush(ctx context.Context) {
	pending := f.collector.drain()
	if len(pending) == 0 {
		return
	}
	ctx, span := tracer.Start(ctx, "stats.flush")
	defer span.End()
	span.SetAttributes(attribute.Int("bots", len(pending)))

	bucket := time.Now().UTC().Truncate(time.Hour)
	for botID, bc := range pending {
		d := bc.delta()
		if d.Zero() {
			continue
		}
		err := f.store.WithSession(ctx, func(s store.Session) error {
			return s.Stats().UpsertBucket(ctx, botID, bucket, d)
		})
		if err != nil {
			slog.Warn("stats flush failed, keeping counters",
				"bot_id", botID, "error", err)
			f.collector.restore(botID, bc)
			continue
		}
		slog.Debug("stats flushed",
			"bot_id", botID,
			"bucket", bucket.Format(time.RFC3339),
			"messages", d.Messages,
			"commands", d.Commands)
	}
}
