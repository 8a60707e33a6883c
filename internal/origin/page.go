package origin

import (
	"path"
	"strings"
	"time"

	pagecache "github.com/eugener/pagecache/internal"
)

// Page is an origin resource addressed by its URL path. Its parent is the
// page one path segment up; the root page has none.
type Page struct {
	path         string
	lastModified time.Time
}

// AbsolutePath implements pagecache.Traversable.
func (p *Page) AbsolutePath() string { return p.path }

// Parent implements pagecache.Parented.
func (p *Page) Parent() pagecache.Published {
	if p.path == "/" {
		return nil
	}
	return &Page{path: path.Dir(p.path)}
}

// LastModified implements pagecache.LastModifier. It is known once the page
// was rendered and the origin sent Last-Modified.
func (p *Page) LastModified() (time.Time, bool) {
	return p.lastModified, !p.lastModified.IsZero()
}

// View is the rendering of a page for one request. Views of the same path
// share their parent page, and therefore their cache key.
type View struct {
	page *Page
}

// Parent implements pagecache.Parented. A view of a URL with a query string
// has no parent, so its key falls back to the full URL.
func (v *View) Parent() pagecache.Published {
	if v.page == nil {
		return nil
	}
	return v.page
}

// LastModified implements pagecache.LastModifier.
func (v *View) LastModified() (time.Time, bool) {
	if v.page == nil {
		return time.Time{}, false
	}
	return v.page.LastModified()
}

func (v *View) setLastModified(t time.Time) {
	if v.page != nil {
		v.page.lastModified = t
	}
}

func newView(urlPath, rawQuery string) *View {
	if rawQuery != "" {
		return &View{}
	}
	clean := path.Clean("/" + strings.TrimPrefix(urlPath, "/"))
	return &View{page: &Page{path: clean}}
}
