package ramcache

import (
	"github.com/eugener/pagecache/internal/cache"
	"github.com/eugener/pagecache/internal/testutil"
)

func chooserOf(stores map[string]*testutil.FakeStore) cache.Chooser {
	return cache.ChooserFunc(func(ns string) cache.Store {
		if s, ok := stores[ns]; ok {
			return s
		}
		return nil
	})
}
