package testutil

import (
	"context"
	"maps"
	"sync"

	pagecache "github.com/eugener/pagecache/internal"
	"github.com/eugener/pagecache/internal/cache"
)

// FakeStore is an in-memory cache.Store that records its traffic.
type FakeStore struct {
	mu      sync.RWMutex
	entries map[string]pagecache.Entry
	gets    int
	sets    int
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{entries: make(map[string]pagecache.Entry)}
}

// Get implements cache.Store.
func (s *FakeStore) Get(_ context.Context, key string) (pagecache.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	e, ok := s.entries[key]
	return e, ok
}

// Set implements cache.Store.
func (s *FakeStore) Set(_ context.Context, key string, e pagecache.Entry) {
	s.mu.Lock()
	s.sets++
	s.entries[key] = e
	s.mu.Unlock()
}

// Entry returns the entry stored under key without counting a Get.
func (s *FakeStore) Entry(key string) (pagecache.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// Keys returns a copy of every stored entry keyed by cache key.
func (s *FakeStore) Keys() map[string]pagecache.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.entries)
}

// Gets returns the number of Get calls.
func (s *FakeStore) Gets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gets
}

// Sets returns the number of Set calls.
func (s *FakeStore) Sets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sets
}

// Chooser returns a chooser that resolves only the given namespaces to s.
// With no namespaces every namespace resolves to s.
func (s *FakeStore) Chooser(namespaces ...string) cache.Chooser {
	return cache.ChooserFunc(func(ns string) cache.Store {
		if len(namespaces) == 0 {
			return s
		}
		for _, n := range namespaces {
			if n == ns {
				return s
			}
		}
		return nil
	})
}
