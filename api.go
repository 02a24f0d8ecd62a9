package requery

import (
	"context"
	"time"

	"github.com/requery-go/requery/clock"
	"github.com/requery-go/requery/keycodec"
)

// Status is the settled-result dimension of a query or mutation.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// FetchStatus is the in-flight dimension, orthogonal to Status: a query can
// hold stale success data while a background refetch is running.
type FetchStatus string

const (
	FetchIdle   FetchStatus = "idle"
	Fetching    FetchStatus = "fetching"
	FetchPaused FetchStatus = "paused"
)

// FetchFunc resolves with data or rejects with an error. Typically wraps a
// PostgREST query; the engine assumes nothing about its internals.
type FetchFunc func(ctx context.Context) (any, error)

// ShareFunc merges fresh data against the previous value, returning the old
// reference when nothing changed. Defaults to structural.ReplaceEqualDeep;
// use structural.ReplaceEqualKeyed for collections matched by identity.
type ShareFunc func(oldData, newData any) any

// QueryOptions configure one cache entry. Zero fields fall back to the
// cache defaults when the entry is built; later Build calls for the same
// key merge any non-zero fields into the existing entry.
type QueryOptions struct {
	Key   keycodec.Key
	Fetch FetchFunc
	// StaleTime below which data is fresh. 0 => cache default (immediately
	// stale); StaleNever disables staleness.
	StaleTime time.Duration
	// GCTime retains the entry after its last observer unsubscribes.
	// 0 => cache default (DefaultGCTime); GCNever disables GC.
	GCTime time.Duration
	Retry  RetryConfig
	Share  ShareFunc
}

// FetchOptions tune one Fetch call.
type FetchOptions struct {
	// CancelRefetch aborts an in-flight fetch and starts a fresh one
	// instead of joining it.
	CancelRefetch bool
	// Override substitutes the fetch function for this call only. Used by
	// infinite queries to fetch one page in the query's context.
	Override FetchFunc
}

// EventType labels cache bus notifications.
type EventType string

const (
	EventAdded   EventType = "added"
	EventRemoved EventType = "removed"
	EventUpdated EventType = "updated"
)

// CacheEvent is delivered to Cache.Subscribe listeners. The bus exists for
// cache-wide introspection (devtools, cross-cutting invalidation);
// consumers of individual queries subscribe through an Observer instead.
type CacheEvent struct {
	Type  EventType
	Query *Query
}

// QueryType filters queries by observer activity.
type QueryType string

const (
	QueryAll      QueryType = "all"
	QueryActive   QueryType = "active"   // at least one observer
	QueryInactive QueryType = "inactive" // zero observers
)

// QueryFilters select queries for Find/FindAll/InvalidateQueries scans.
// Zero fields match everything.
type QueryFilters struct {
	// Key matches by prefix, or full equivalence with Exact.
	Key   keycodec.Key
	Exact bool
	Type  QueryType
	// Stale filters on IsStale when non-nil.
	Stale *bool
	// FetchStatus filters on the in-flight dimension when non-empty.
	FetchStatus FetchStatus
	Predicate   func(*Query) bool
}

// CacheOptions configure a Cache instance. The zero value works.
type CacheOptions struct {
	Logger Logger      // nil => NopLogger
	Clock  clock.Clock // nil => clock.System; tests inject clock.Fake
	// DefaultStaleTime applies to queries built without one. 0 keeps data
	// immediately stale, forcing refetch-on-mount behavior.
	DefaultStaleTime time.Duration
	// DefaultGCTime applies to queries built without one. 0 => DefaultGCTime.
	DefaultGCTime time.Duration
	DefaultRetry  RetryConfig
	// Classify distinguishes transient from permanent errors for the
	// default retry decision. nil => IsTransient.
	Classify ErrorClassifier
}

// NewCache constructs an independent cache instance. Instances share no
// state; pass them to consumers explicitly.
func NewCache(opts CacheOptions) *Cache {
	c := &Cache{
		queries:   make(map[string]*Query),
		log:       opts.Logger,
		clock:     opts.Clock,
		staleTime: opts.DefaultStaleTime,
		gcTime:    coalesce(opts.DefaultGCTime, DefaultGCTime),
		retry:     opts.DefaultRetry,
		classify:  opts.Classify,
	}
	if c.log == nil {
		c.log = NopLogger{}
	}
	if c.clock == nil {
		c.clock = clock.System{}
	}
	c.listeners = newListenerSet[CacheEvent](c.log)
	return c
}
