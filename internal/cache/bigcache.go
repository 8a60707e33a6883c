package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	bc "github.com/allegro/bigcache/v3"
)

// BigCacheConfig sizes a BigCache provider. LifeWindow applies to every
// entry; bigcache has no per-entry TTL.
type BigCacheConfig struct {
	LifeWindow         time.Duration
	MaxEntrySize       int
	HardMaxCacheSizeMB int
}

// BigCache is an off-heap byte provider backed by bigcache.
type BigCache struct {
	c *bc.BigCache
}

// NewBigCache creates a BigCache provider.
func NewBigCache(cfg BigCacheConfig) (*BigCache, error) {
	if cfg.LifeWindow <= 0 {
		cfg.LifeWindow = 10 * time.Minute
	}
	conf := bc.DefaultConfig(cfg.LifeWindow)
	conf.Verbose = false
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.New(context.Background(), conf)
	if err != nil {
		return nil, fmt.Errorf("create bigcache: %w", err)
	}
	return &BigCache{c: c}, nil
}

// Get implements Provider.
func (b *BigCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, err := b.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set implements Provider.
func (b *BigCache) Set(_ context.Context, key string, value []byte) error {
	return b.c.Set(key, value)
}

// Close implements Provider.
func (b *BigCache) Close() error { return b.c.Close() }
