package cache

import (
	"context"
	"fmt"
	"time"

	rc "github.com/dgraph-io/ristretto"

	pagecache "github.com/eugener/pagecache/internal"
)

// RistrettoConfig sizes a Ristretto store. MaxCost is in bytes of entry
// payload.
type RistrettoConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	TTL         time.Duration
}

// Ristretto is an in-process, cost-bounded store backed by ristretto.
// Writes are admitted asynchronously and may be dropped under contention.
type Ristretto struct {
	c   *rc.Cache
	ttl time.Duration
}

// NewRistretto creates a Ristretto store.
func NewRistretto(cfg RistrettoConfig) (*Ristretto, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 {
		return nil, fmt.Errorf("ristretto: counters and max cost must be positive: %w", pagecache.ErrBadConfig)
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = 64
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto store: %w", err)
	}
	return &Ristretto{c: c, ttl: cfg.TTL}, nil
}

// Get implements Store.
func (r *Ristretto) Get(_ context.Context, key string) (pagecache.Entry, bool) {
	v, ok := r.c.Get(key)
	if !ok {
		return pagecache.Entry{}, false
	}
	e, ok := v.(pagecache.Entry)
	if !ok {
		r.c.Del(key)
		return pagecache.Entry{}, false
	}
	return e, true
}

// Set implements Store. Entries are charged their payload size.
func (r *Ristretto) Set(_ context.Context, key string, e pagecache.Entry) {
	r.c.SetWithTTL(key, e, int64(max(e.Size(), 1)), r.ttl)
}

// Wait blocks until buffered writes are applied.
func (r *Ristretto) Wait() { r.c.Wait() }

// Close stops the store's background goroutines.
func (r *Ristretto) Close() error {
	r.c.Close()
	return nil
}
