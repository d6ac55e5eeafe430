package sweep

import (
	"io/fs"
	"os"
	"time"

	"github.com/patrickmn/go-cache"
)

// ListingCache caches directory listings. Entries expire after the configured time and
// can be dropped explicitly after a directory changed.
type ListingCache struct {
	cache *cache.Cache
}

// NewListingCache returns a cache whose listings expire after ttl; a ttl of 0 keeps them
// until invalidated.
func NewListingCache(ttl time.Duration) *ListingCache {
	if ttl <= 0 {
		return &ListingCache{cache: cache.New(cache.NoExpiration, 0)}
	}
	return &ListingCache{cache: cache.New(ttl, 2*ttl)}
}

// List returns the entries of dir sorted by name.
func (lc *ListingCache) List(dir string) ([]fs.DirEntry, error) {
	if v, ok := lc.cache.Get(dir); ok {
		return v.([]fs.DirEntry), nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	lc.cache.SetDefault(dir, entries)
	return entries, nil
}

// Invalidate drops the listing of dir.
func (lc *ListingCache) Invalidate(dir string) {
	lc.cache.Delete(dir)
}

// Flush drops every listing.
func (lc *ListingCache) Flush() {
	lc.cache.Flush()
}

// Len returns the number of cached listings.
func (lc *ListingCache) Len() int {
	return lc.cache.ItemCount()
}
