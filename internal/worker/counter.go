package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	pagecache "github.com/eugener/pagecache/internal"
	"github.com/eugener/pagecache/internal/telemetry"
)

const defaultCounterInterval = 30 * time.Second

// JSONFetcher fetches a JSON document from the origin.
type JSONFetcher interface {
	FetchJSON(ctx context.Context, path string) ([]byte, error)
}

// CounterConfig configures a CounterPoller.
type CounterConfig struct {
	// Path is the origin URL path of the status document.
	Path string
	// JSONPath selects the counter inside the document, in gjson syntax.
	JSONPath string
	Interval time.Duration
}

// CounterPoller polls a change counter published by the origin. Any edit on
// the origin bumps the counter, which changes every ETag derived from it and
// so invalidates RAM cache entries without explicit purges.
type CounterPoller struct {
	fetcher JSONFetcher
	cfg     CounterConfig
	metrics *telemetry.Metrics

	value atomic.Uint64
	known atomic.Bool
}

// NewCounterPoller creates a CounterPoller. metrics may be nil.
func NewCounterPoller(fetcher JSONFetcher, cfg CounterConfig, metrics *telemetry.Metrics) *CounterPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultCounterInterval
	}
	return &CounterPoller{fetcher: fetcher, cfg: cfg, metrics: metrics}
}

// Name returns the worker identifier.
func (w *CounterPoller) Name() string { return "origin_counter" }

// Current implements keys.Counter. ok is false until the first successful poll.
func (w *CounterPoller) Current() (uint64, bool) {
	if !w.known.Load() {
		return 0, false
	}
	return w.value.Load(), true
}

// Run polls once immediately, then on every interval until ctx is cancelled.
func (w *CounterPoller) Run(ctx context.Context) error {
	w.poll(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *CounterPoller) poll(ctx context.Context) {
	v, err := w.fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "origin counter poll failed",
				slog.String("path", w.cfg.Path),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if old, ok := w.Current(); !ok || old != v {
		slog.LogAttrs(ctx, slog.LevelDebug, "origin counter changed", slog.Uint64("value", v))
	}
	w.value.Store(v)
	w.known.Store(true)
	if w.metrics != nil {
		w.metrics.OriginCounter.Set(float64(v))
	}
}

func (w *CounterPoller) fetch(ctx context.Context) (uint64, error) {
	data, err := w.fetcher.FetchJSON(ctx, w.cfg.Path)
	if err != nil {
		return 0, err
	}
	if !gjson.ValidBytes(data) {
		return 0, fmt.Errorf("counter document is not JSON: %w", pagecache.ErrUpstream)
	}
	res := gjson.GetBytes(data, w.cfg.JSONPath)
	switch res.Type {
	case gjson.Number:
		if res.Num < 0 {
			return 0, fmt.Errorf("counter %q is negative: %w", w.cfg.JSONPath, pagecache.ErrUpstream)
		}
		return res.Uint(), nil
	case gjson.String:
		v, err := strconv.ParseUint(res.Str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("counter %q: %w", w.cfg.JSONPath, pagecache.ErrUpstream)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("counter %q not found: %w", w.cfg.JSONPath, pagecache.ErrUpstream)
	}
}
