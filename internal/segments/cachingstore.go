package segments

import (
	"bytes"
	"context"
	"io"

	"github.com/steveyegge/strata/internal/cache"
)

// CachingObjectStore decorates an ObjectStore with an async LRU over
// object bytes. Segment artifacts are immutable, so cached bytes never
// go stale; eviction mid-download surfaces as a retryable error and the
// wrapper retries once.
type CachingObjectStore struct {
	inner ObjectStore
	bytes *cache.AsyncLRU[ObjectKey, []byte]
}

// NewCachingObjectStore wraps inner with a cache of up to capacity
// objects.
func NewCachingObjectStore(inner ObjectStore, capacity int) (*CachingObjectStore, error) {
	s := &CachingObjectStore{inner: inner}
	c, err := cache.New("segment_objects", capacity, func(ctx context.Context, key ObjectKey) ([]byte, error) {
		return GetBytes(ctx, inner, key)
	})
	if err != nil {
		return nil, err
	}
	s.bytes = c
	return s, nil
}

// Upload passes through; uploads are not cached.
func (s *CachingObjectStore) Upload(ctx context.Context, r io.Reader, kind ArtifactKind) (ObjectKey, error) {
	return s.inner.Upload(ctx, r, kind)
}

// Get serves from the cache, sharing one download among concurrent
// readers.
func (s *CachingObjectStore) Get(ctx context.Context, key ObjectKey) (io.ReadCloser, error) {
	data, err := s.bytes.Get(ctx, key)
	if err == cache.ErrEvicted {
		data, err = s.bytes.Get(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete passes through and drops nothing from the cache: a cached copy
// of a deleted object stays readable until it is evicted.
func (s *CachingObjectStore) Delete(ctx context.Context, key ObjectKey) error {
	return s.inner.Delete(ctx, key)
}

// Close stops in-flight downloads.
func (s *CachingObjectStore) Close() { s.bytes.Close() }

var _ ObjectStore = (*CachingObjectStore)(nil)
