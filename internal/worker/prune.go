package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/pagecache/internal/telemetry"
)

const defaultPruneInterval = 5 * time.Minute

// PruneStore deletes expired persisted entries.
type PruneStore interface {
	Prune(ctx context.Context) (int64, error)
}

// PruneWorker periodically removes expired entries from a persistent
// backend. Expired rows are already invisible to reads; this only reclaims
// space.
type PruneWorker struct {
	store    PruneStore
	interval time.Duration
	metrics  *telemetry.Metrics
}

// NewPruneWorker creates a PruneWorker. metrics may be nil.
func NewPruneWorker(store PruneStore, interval time.Duration, metrics *telemetry.Metrics) *PruneWorker {
	if interval <= 0 {
		interval = defaultPruneInterval
	}
	return &PruneWorker{store: store, interval: interval, metrics: metrics}
}

// Name returns the worker identifier.
func (w *PruneWorker) Name() string { return "entry_prune" }

// Run prunes on every interval until ctx is cancelled.
func (w *PruneWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.prune(ctx)
		}
	}
}

func (w *PruneWorker) prune(ctx context.Context) {
	n, err := w.store.Prune(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "entry prune failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n == 0 {
		return
	}
	if w.metrics != nil {
		w.metrics.PrunedEntries.Add(float64(n))
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "expired entries pruned", slog.Int64("count", n))
}
