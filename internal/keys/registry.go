package keys

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	pagecache "github.com/eugener/pagecache/internal"
)

// ValueSource contributes one token to an ETag. ok is false when the source
// has nothing to say about this published object and request.
type ValueSource interface {
	Value(p pagecache.Published, r *pagecache.Request) (token string, ok bool)
}

// ValueSourceFunc adapts a plain function to ValueSource.
type ValueSourceFunc func(p pagecache.Published, r *pagecache.Request) (string, bool)

// Value calls f(p, r).
func (f ValueSourceFunc) Value(p pagecache.Published, r *pagecache.Request) (string, bool) {
	return f(p, r)
}

// Registry maps value source names to ValueSource instances.
// It is safe for concurrent use. A nil *Registry has no sources.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]ValueSource
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]ValueSource)}
}

// Register adds a source under the given name, replacing any previous one.
func (reg *Registry) Register(name string, s ValueSource) {
	reg.mu.Lock()
	reg.sources[name] = s
	reg.mu.Unlock()
}

// Lookup returns the source registered under name.
func (reg *Registry) Lookup(name string) (ValueSource, bool) {
	if reg == nil {
		return nil, false
	}
	reg.mu.RLock()
	s, ok := reg.sources[name]
	reg.mu.RUnlock()
	return s, ok
}

// Names returns the sorted names of all registered sources.
func (reg *Registry) Names() []string {
	if reg == nil {
		return nil
	}
	reg.mu.RLock()
	names := make([]string, 0, len(reg.sources))
	for name := range reg.sources {
		names = append(names, name)
	}
	reg.mu.RUnlock()
	slices.Sort(names)
	return names
}

// ETag composes an entity tag from the named sources followed by the extra
// tokens, in order. The result always starts with "|" and never contains a
// comma. Unknown source names are logged and skipped.
func (reg *Registry) ETag(ctx context.Context, p pagecache.Published, r *pagecache.Request, names, extra []string) string {
	tokens := make([]string, 0, len(names)+len(extra))
	for _, name := range names {
		s, ok := reg.Lookup(name)
		if !ok {
			slog.LogAttrs(ctx, slog.LevelWarn, "etag value source not registered",
				slog.String("source", name),
			)
			continue
		}
		if v, ok := s.Value(p, r); ok {
			tokens = append(tokens, v)
		}
	}
	tokens = append(tokens, extra...)
	return strings.ReplaceAll("|"+strings.Join(tokens, "|"), ",", ";")
}
