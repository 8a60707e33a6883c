package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	pagecache "github.com/eugener/pagecache/internal"
)

// Memory is an in-process W-TinyLFU store backed by otter.
type Memory struct {
	cache *otter.Cache[string, pagecache.Entry]
}

// NewMemory creates a store holding at most maxSize entries. A positive ttl
// expires entries that long after they were written.
func NewMemory(maxSize int, ttl time.Duration) (*Memory, error) {
	opts := &otter.Options[string, pagecache.Entry]{MaximumSize: maxSize}
	if ttl > 0 {
		opts.ExpiryCalculator = otter.ExpiryWriting[string, pagecache.Entry](ttl)
	}
	c, err := otter.New[string, pagecache.Entry](opts)
	if err != nil {
		return nil, fmt.Errorf("create memory store: %w", err)
	}
	return &Memory{cache: c}, nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (pagecache.Entry, bool) {
	return m.cache.GetIfPresent(key)
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, e pagecache.Entry) {
	m.cache.Set(key, e)
}

// Purge removes every entry.
func (m *Memory) Purge() {
	m.cache.InvalidateAll()
}
