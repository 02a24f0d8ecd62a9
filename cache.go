package requery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/requery-go/requery/clock"
	"github.com/requery-go/requery/keycodec"
)

// Cache is the registry of query entries. It is the sole owner of every
// Query it holds: observers route all mutations through Fetch / Cancel /
// SetData / Invalidate, never by touching state directly.
type Cache struct {
	mu      sync.Mutex
	queries map[string]*Query
	closed  bool

	log       Logger
	clock     clock.Clock
	staleTime time.Duration
	gcTime    time.Duration
	retry     RetryConfig
	classify  ErrorClassifier

	listeners *listenerSet[CacheEvent]
}

// Build returns the entry for an equivalent key, creating it in idle state
// when absent. Later calls merge non-zero options into the existing entry
// and cancel any pending garbage collection.
func (c *Cache) Build(opts QueryOptions) *Query {
	hash := keycodec.Hash(opts.Key)
	c.mu.Lock()
	if q, ok := c.queries[hash]; ok {
		c.mu.Unlock()
		q.mergeOptions(opts)
		return q
	}
	if !retryConfigured(opts.Retry) {
		opts.Retry = c.retry
	}
	q := newQuery(c, hash, opts)
	c.queries[hash] = q
	c.mu.Unlock()

	q.mu.Lock()
	q.scheduleGCLocked()
	q.mu.Unlock()

	c.log.Debug("query added", Fields{"key": hash})
	c.publish(EventAdded, q)
	return q
}

// Get returns the entry for a key hash, or nil.
func (c *Cache) Get(hash string) *Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries[hash]
}

// Find returns the first entry matching the filters, or nil.
func (c *Cache) Find(filters QueryFilters) *Query {
	for _, q := range c.snapshot() {
		if c.matches(q, filters) {
			return q
		}
	}
	return nil
}

// FindAll returns every entry matching the filters.
func (c *Cache) FindAll(filters QueryFilters) []*Query {
	var out []*Query
	for _, q := range c.snapshot() {
		if c.matches(q, filters) {
			out = append(out, q)
		}
	}
	return out
}

func (c *Cache) snapshot() []*Query {
	c.mu.Lock()
	out := make([]*Query, 0, len(c.queries))
	for _, q := range c.queries {
		out = append(out, q)
	}
	c.mu.Unlock()
	return out
}

func (c *Cache) matches(q *Query, f QueryFilters) bool {
	if len(f.Key) > 0 && !keycodec.Matches(q.Key(), f.Key, f.Exact) {
		return false
	}
	switch f.Type {
	case QueryActive:
		if q.ObserverCount() == 0 {
			return false
		}
	case QueryInactive:
		if q.ObserverCount() > 0 {
			return false
		}
	}
	if f.Stale != nil && q.IsStale() != *f.Stale {
		return false
	}
	if f.FetchStatus != "" && q.State().FetchStatus != f.FetchStatus {
		return false
	}
	if f.Predicate != nil && !f.Predicate(q) {
		return false
	}
	return true
}

// Remove deregisters and destroys an entry: the in-flight fetch is
// discarded and the GC timer cleared.
func (c *Cache) Remove(q *Query) {
	c.mu.Lock()
	cur, ok := c.queries[q.Hash()]
	if !ok || cur != q {
		c.mu.Unlock()
		return
	}
	delete(c.queries, q.Hash())
	c.mu.Unlock()
	q.destroy()
	c.log.Debug("query removed", Fields{"key": q.Hash()})
	c.publish(EventRemoved, q)
}

// evict is the GC timer callback: remove only if the entry is still
// unobserved (a subscriber may have raced the timer).
func (c *Cache) evict(q *Query) {
	if q.ObserverCount() > 0 {
		return
	}
	c.log.Debug("query evicted by gc", Fields{"key": q.Hash()})
	c.Remove(q)
}

// Clear removes every entry.
func (c *Cache) Clear() {
	for _, q := range c.snapshot() {
		c.Remove(q)
	}
}

// Close clears the cache and drops its listeners. The cache must not be
// used afterwards.
func (c *Cache) Close() {
	c.Clear()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Subscribe registers a bus listener for added/removed/updated events and
// returns its disposer. Listener panics are logged, never propagated.
func (c *Cache) Subscribe(fn func(CacheEvent)) func() {
	return c.listeners.subscribe(fn)
}

func (c *Cache) publish(t EventType, q *Query) {
	c.listeners.notify(CacheEvent{Type: t, Query: q})
}

// QueryData returns the cached data for an equivalent key, if any.
func (c *Cache) QueryData(key keycodec.Key) (any, bool) {
	q := c.Get(keycodec.Hash(key))
	if q == nil {
		return nil, false
	}
	s := q.State()
	if s.DataUpdatedAt.IsZero() {
		return nil, false
	}
	return s.Data, true
}

// SetQueryData writes data for a key, creating the entry when absent.
// Structural sharing applies, so writing a deep-equal value is a no-op for
// reference-sensitive consumers.
func (c *Cache) SetQueryData(key keycodec.Key, data any) any {
	q := c.Build(QueryOptions{Key: key})
	return q.SetData(data)
}

// UpdateQueryData applies an updater to the current cached value (nil when
// absent) and writes the result.
func (c *Cache) UpdateQueryData(key keycodec.Key, update func(prev any) any) any {
	prev, _ := c.QueryData(key)
	return c.SetQueryData(key, update(prev))
}

// InvalidateQueries marks every matching entry stale and refetches the
// actively observed ones in the background.
func (c *Cache) InvalidateQueries(filters QueryFilters) {
	for _, q := range c.FindAll(filters) {
		q.Invalidate()
		if q.ObserverCount() > 0 {
			go func(q *Query) {
				if _, err := q.Fetch(context.Background(), FetchOptions{}); err != nil &&
					!errors.Is(err, ErrCancelled) && !errors.Is(err, ErrNoFetchFunc) {
					c.log.Debug("invalidation refetch failed", Fields{"key": q.Hash(), "err": err})
				}
			}(q)
		}
	}
}

// RefetchQueries fetches every matching entry and waits for all of them,
// returning the joined errors.
func (c *Cache) RefetchQueries(ctx context.Context, filters QueryFilters) error {
	var errs []error
	for _, q := range c.FindAll(filters) {
		if _, err := q.Fetch(ctx, FetchOptions{CancelRefetch: true}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
