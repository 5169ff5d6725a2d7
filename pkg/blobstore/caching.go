package blobstore

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheEntries is the number of blobs kept by NewCachingStore when
// no size is given.
const DefaultCacheEntries = 256

// CachingStore wraps a Store and keeps recently read blobs in an LRU cache.
// Retrieval tends to resolve the same handful of relevant frames over and
// over, so this keeps those reads off the disk.
type CachingStore struct {
	inner Store
	cache *lru.Cache[string, []byte]
}

// NewCachingStore wraps inner with an LRU of the given number of entries.
func NewCachingStore(inner Store, entries int) (*CachingStore, error) {
	if entries <= 0 {
		entries = DefaultCacheEntries
	}

	cache, err := lru.New[string, []byte](entries)
	if err != nil {
		return nil, fmt.Errorf("creating blob cache: %w", err)
	}

	return &CachingStore{inner: inner, cache: cache}, nil
}

// Put writes through and drops any cached copy.
func (s *CachingStore) Put(ctx context.Context, key string, data []byte) error {
	s.cache.Remove(key)
	return s.inner.Put(ctx, key, data)
}

// Get serves from cache or loads and caches the blob.
func (s *CachingStore) Get(ctx context.Context, key string) ([]byte, error) {
	if data, ok := s.cache.Get(key); ok {
		return append([]byte(nil), data...), nil
	}

	data, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	s.cache.Add(key, data)
	return append([]byte(nil), data...), nil
}

// Delete invalidates the cache entry before deleting from the inner store,
// so a reader can never be served a blob that was reclaimed.
func (s *CachingStore) Delete(ctx context.Context, key string) error {
	s.cache.Remove(key)
	err := s.inner.Delete(ctx, key)
	s.cache.Remove(key)
	return err
}

// Close closes the inner store.
func (s *CachingStore) Close() error {
	s.cache.Purge()
	return s.inner.Close()
}

var _ Store = (*CachingStore)(nil)
