// Package cache provides the stores that back RAM cache namespaces and the
// chooser that resolves a namespace to its store.
package cache

import (
	"context"
	"log/slog"

	pagecache "github.com/eugener/pagecache/internal"
)

// Store is a concurrent-safe mapping from cache keys to entries. Eviction is
// the store's own business; callers never expire entries explicitly.
type Store interface {
	// Get returns the entry stored under key.
	Get(ctx context.Context, key string) (pagecache.Entry, bool)
	// Set stores e under key. Failures are absorbed by the store.
	Set(ctx context.Context, key string, e pagecache.Entry)
}

// Chooser resolves a namespace to a Store. A nil result means the namespace
// has no cache.
type Chooser interface {
	Choose(namespace string) Store
}

// ChooserFunc adapts a plain function to Chooser.
type ChooserFunc func(namespace string) Store

// Choose calls f(namespace).
func (f ChooserFunc) Choose(namespace string) Store { return f(namespace) }

// Provider is a byte-oriented backend. Get returns (nil, false, nil) on a
// miss and a non-nil error only for transport or storage failures.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// EncodedStore adapts a Provider to Store by encoding entries with a codec.
// Backend and codec errors are logged and reported as misses.
type EncodedStore struct {
	name     string
	provider Provider
	codec    Codec[pagecache.Entry]
}

// Encoded returns a Store that keeps entries in p encoded with c. The name
// identifies the backend in log records.
func Encoded(name string, p Provider, c Codec[pagecache.Entry]) *EncodedStore {
	return &EncodedStore{name: name, provider: p, codec: c}
}

// Get implements Store.
func (s *EncodedStore) Get(ctx context.Context, key string) (pagecache.Entry, bool) {
	raw, ok, err := s.provider.Get(ctx, key)
	if err != nil {
		s.warn(ctx, "cache get failed", err)
		return pagecache.Entry{}, false
	}
	if !ok {
		return pagecache.Entry{}, false
	}
	e, err := s.codec.Decode(raw)
	if err != nil {
		s.warn(ctx, "cache entry decode failed", err)
		return pagecache.Entry{}, false
	}
	return e, true
}

// Set implements Store.
func (s *EncodedStore) Set(ctx context.Context, key string, e pagecache.Entry) {
	raw, err := s.codec.Encode(e)
	if err != nil {
		s.warn(ctx, "cache entry encode failed", err)
		return
	}
	if err := s.provider.Set(ctx, key, raw); err != nil {
		s.warn(ctx, "cache set failed", err)
	}
}

// Close closes the underlying provider.
func (s *EncodedStore) Close() error { return s.provider.Close() }

func (s *EncodedStore) warn(ctx context.Context, msg string, err error) {
	slog.LogAttrs(ctx, slog.LevelWarn, msg,
		slog.String("backend", s.name),
		slog.String("error", err.Error()),
	)
}
