package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// LocalCache implements ResponseCache in process memory.
// This is suitable for single-instance deployments.
type LocalCache struct {
	store *gocache.Cache
	ttl   time.Duration
}

// NewLocalCache creates an in-memory cache with the given default TTL.
func NewLocalCache(ttl time.Duration) *LocalCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LocalCache{
		store: gocache.New(ttl, 10*time.Minute),
		ttl:   ttl,
	}
}

// Get retrieves a document from memory.
func (c *LocalCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.store.Get(key)
	if !ok {
		return nil, false, nil
	}
	data, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

// Set stores a copy of value.
func (c *LocalCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	data := make([]byte, len(value))
	copy(data, value)
	c.store.Set(key, data, ttl)
	return nil
}

// Len returns the number of unexpired entries.
func (c *LocalCache) Len() int {
	return c.store.ItemCount()
}

// Close drops all entries.
func (c *LocalCache) Close() error {
	c.store.Flush()
	return nil
}
