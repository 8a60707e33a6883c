// Package testutil provides configurable test fakes for the page cache.
package testutil

import (
	"context"
	"sync/atomic"
	"time"

	pagecache "github.com/eugener/pagecache/internal"
	"github.com/eugener/pagecache/internal/transform"
)

// Page is a published object with a configurable parent chain.
type Page struct {
	Path     string // empty means not traversable
	Up       pagecache.Published
	Modified time.Time
}

// Parent implements pagecache.Parented.
func (p *Page) Parent() pagecache.Published { return p.Up }

// LastModified implements pagecache.LastModifier.
func (p *Page) LastModified() (time.Time, bool) { return p.Modified, !p.Modified.IsZero() }

// Folder is a traversable Page.
type Folder struct {
	Page
}

// AbsolutePath implements pagecache.Traversable.
func (f *Folder) AbsolutePath() string { return f.Path }

// FakePublisher renders pages from configurable functions and counts renders.
type FakePublisher struct {
	TraverseFn func(r *pagecache.Request) (pagecache.Published, error)
	RenderFn   func(ctx context.Context, p pagecache.Published, r *pagecache.Request, resp *pagecache.Response) (transform.Body, error)

	renders atomic.Int64
}

// Traverse delegates to TraverseFn or returns a view inside a /site folder.
func (f *FakePublisher) Traverse(r *pagecache.Request) (pagecache.Published, error) {
	if f.TraverseFn != nil {
		return f.TraverseFn(r)
	}
	return &Page{Up: &Folder{Page{Path: "/site" + r.HTTP.URL.Path}}}, nil
}

// Render delegates to RenderFn or returns a small HTML text body.
func (f *FakePublisher) Render(ctx context.Context, p pagecache.Published, r *pagecache.Request, resp *pagecache.Response) (transform.Body, error) {
	f.renders.Add(1)
	if f.RenderFn != nil {
		return f.RenderFn(ctx, p, r, resp)
	}
	resp.Status = 200
	resp.Header.Set("Content-Type", "text/html")
	return transform.Text{Value: "<p>hello</p>"}, nil
}

// Renders returns the number of Render calls.
func (f *FakePublisher) Renders() int { return int(f.renders.Load()) }

// ChunkBody returns a Chunks body yielding parts in order.
func ChunkBody(parts ...string) transform.Chunks {
	return func(yield func([]byte, error) bool) {
		for _, p := range parts {
			if !yield([]byte(p), nil) {
				return
			}
		}
	}
}

// FailingChunkBody returns a Chunks body yielding parts and then err, as an
// upstream does when its connection drops mid-body.
func FailingChunkBody(err error, parts ...string) transform.Chunks {
	return func(yield func([]byte, error) bool) {
		for _, p := range parts {
			if !yield([]byte(p), nil) {
				return
			}
		}
		yield(nil, err)
	}
}
