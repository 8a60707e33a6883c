package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	retryMin = 5 * time.Second
	retryMax = 5 * time.Minute
)

// Factory builds the store for a namespace. A nil store with a nil error
// means the namespace is deliberately uncached.
type Factory func(namespace string) (Store, error)

type buildFailure struct {
	attempts int
	retryAt  time.Time
}

// NamespaceChooser builds stores lazily on first use and memoises them.
// A failed build leaves the namespace uncached until a retry window
// passes; the window doubles on every consecutive failure up to five
// minutes. It is safe for concurrent use.
type NamespaceChooser struct {
	factory Factory
	now     func() time.Time

	mu       sync.Mutex
	stores   map[string]Store
	failures map[string]buildFailure
}

// NewNamespaceChooser returns a chooser backed by f.
func NewNamespaceChooser(f Factory) *NamespaceChooser {
	return &NamespaceChooser{
		factory:  f,
		now:      time.Now,
		stores:   make(map[string]Store),
		failures: make(map[string]buildFailure),
	}
}

// Choose implements Chooser.
func (c *NamespaceChooser) Choose(namespace string) Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stores[namespace]; ok {
		return s
	}
	now := c.now()
	f, failed := c.failures[namespace]
	if failed && now.Before(f.retryAt) {
		return nil
	}
	s, err := c.factory(namespace)
	if err != nil {
		f.attempts++
		wait := retryBackoff(f.attempts)
		f.retryAt = now.Add(wait)
		c.failures[namespace] = f
		slog.LogAttrs(context.Background(), slog.LevelError, "cache store unavailable",
			slog.String("namespace", namespace),
			slog.Int("attempts", f.attempts),
			slog.Duration("retry_in", wait),
			slog.String("error", err.Error()),
		)
		return nil
	}
	delete(c.failures, namespace)
	c.stores[namespace] = s
	return s
}

func retryBackoff(attempts int) time.Duration {
	d := retryMin
	for i := 1; i < attempts && d < retryMax; i++ {
		d *= 2
	}
	return min(d, retryMax)
}

// Namespaces returns the number of namespaces resolved so far. Namespaces
// whose store failed to build are not counted.
func (c *NamespaceChooser) Namespaces() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stores)
}

// Close closes every resolved store that holds resources. A store shared by
// several namespaces is closed once.
func (c *NamespaceChooser) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	closed := make(map[io.Closer]bool)
	for ns, s := range c.stores {
		delete(c.stores, ns)
		closer, ok := s.(io.Closer)
		if !ok || closed[closer] {
			continue
		}
		closed[closer] = true
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
