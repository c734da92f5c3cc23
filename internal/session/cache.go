package session

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fruitsalade/filebrowser/internal/metrics"
)

// CachedStore puts a bounded expiring LRU in front of a remote store.
// Entries live at most ttl, so a logout on another replica is seen within
// that window.
type CachedStore struct {
	next  Store
	cache *expirable.LRU[string, UserInfo]
}

// NewCachedStore wraps next with an LRU of size entries living for ttl.
func NewCachedStore(next Store, size int, ttl time.Duration) *CachedStore {
	return &CachedStore{
		next:  next,
		cache: expirable.NewLRU[string, UserInfo](size, nil, ttl),
	}
}

// Get returns a cached copy or loads from the underlying store.
func (c *CachedStore) Get(ctx context.Context, id string) (*UserInfo, error) {
	if info, ok := c.cache.Get(id); ok {
		if !info.Expired(time.Now()) {
			metrics.RecordSessionCache(true)
			return &info, nil
		}
		c.cache.Remove(id)
	}
	metrics.RecordSessionCache(false)
	info, err := c.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, *info)
	return info, nil
}

// Save writes through to the underlying store.
func (c *CachedStore) Save(ctx context.Context, id string, info *UserInfo, ttl time.Duration) error {
	c.cache.Remove(id)
	return c.next.Save(ctx, id, info, ttl)
}

// Delete evicts the entry and deletes from the underlying store.
func (c *CachedStore) Delete(ctx context.Context, id string) error {
	c.cache.Remove(id)
	return c.next.Delete(ctx, id)
}

// Close purges the cache and closes the underlying store.
func (c *CachedStore) Close() error {
	c.cache.Purge()
	return c.next.Close()
}
