// Package cache provides an LRU cache whose values are generated
// asynchronously on dedicated worker goroutines. Cancelling a caller
// never cancels the generation it triggered: other waiters still get
// the value via a per-key broadcast. A generation that is evicted under
// pressure before finishing surfaces to its waiters as a retryable
// error.
package cache

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/steveyegge/strata/internal/metrics"
	"github.com/steveyegge/strata/internal/sterrors"
)

// ErrEvicted means the value being generated was evicted under memory
// pressure before it was ready. It classifies as Overloaded: the request
// may simply be retried.
var ErrEvicted = sterrors.New(sterrors.KindOverloaded, "cache entry evicted while generating")

// Generator produces the value for a key. It runs on a cache-owned
// goroutine with a context that lives as long as the cache.
type Generator[K comparable, V any] func(ctx context.Context, key K) (V, error)

type entryState int

const (
	stateWaiting entryState = iota
	stateReady
	stateFailed
	stateEvicted
)

type entry[V any] struct {
	mu    sync.Mutex
	state entryState
	done  chan struct{}
	val   V
	err   error
}

func (e *entry[V]) settle(state entryState, val V, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateWaiting {
		return
	}
	e.state = state
	e.val = val
	e.err = err
	close(e.done)
}

// AsyncLRU is the cache. The capacity bounds entry count; evictions
// follow recency.
type AsyncLRU[K comparable, V any] struct {
	name     string
	generate Generator[K, V]

	mu      sync.Mutex
	entries *lru.Cache[K, *entry[V]]

	// lifeCtx scopes generator goroutines to the cache, not to any
	// caller.
	lifeCtx context.Context
	cancel  context.CancelFunc
}

// New creates a cache with the given capacity and generator. name
// labels metrics.
func New[K comparable, V any](name string, capacity int, generate Generator[K, V]) (*AsyncLRU[K, V], error) {
	c := &AsyncLRU[K, V]{name: name, generate: generate}
	entries, err := lru.NewWithEvict[K, *entry[V]](capacity, func(_ K, e *entry[V]) {
		var zero V
		e.settle(stateEvicted, zero, ErrEvicted)
	})
	if err != nil {
		return nil, err
	}
	c.entries = entries
	c.lifeCtx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Close cancels in-flight generations.
func (c *AsyncLRU[K, V]) Close() { c.cancel() }

// Len returns the number of cached entries, including in-flight ones.
func (c *AsyncLRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Get returns the cached value for key, generating it if absent. Many
// concurrent callers share one generation. A caller's context
// cancellation abandons only that caller's wait.
func (c *AsyncLRU[K, V]) Get(ctx context.Context, key K) (V, error) {
	c.mu.Lock()
	e, ok := c.entries.Get(key)
	if ok {
		// A failed entry not yet removed by its generator counts as a
		// miss, so the caller retries instead of seeing the old error.
		e.mu.Lock()
		failed := e.state == stateFailed
		e.mu.Unlock()
		if !failed {
			c.mu.Unlock()
			metrics.CacheHits.WithLabelValues(c.name).Inc()
			return c.wait(ctx, key, e)
		}
	}
	metrics.CacheMisses.WithLabelValues(c.name).Inc()
	e = &entry[V]{done: make(chan struct{})}
	c.entries.Add(key, e)
	c.mu.Unlock()

	go c.run(key, e)
	return c.wait(ctx, key, e)
}

// run generates the value on a cache-owned goroutine.
func (c *AsyncLRU[K, V]) run(key K, e *entry[V]) {
	val, err := c.generate(c.lifeCtx, key)
	if err != nil {
		var zero V
		e.settle(stateFailed, zero, err)
		// Failed entries do not linger; the next Get retries.
		c.mu.Lock()
		if cur, ok := c.entries.Peek(key); ok && cur == e {
			c.entries.Remove(key)
		}
		c.mu.Unlock()
		return
	}
	e.settle(stateReady, val, nil)
}

func (c *AsyncLRU[K, V]) wait(ctx context.Context, key K, e *entry[V]) (V, error) {
	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case <-e.done:
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateEvicted {
		// The evicted entry has already left the cache, so a retried Get
		// starts a fresh generation.
		var zero V
		return zero, ErrEvicted
	}
	return e.val, e.err
}
