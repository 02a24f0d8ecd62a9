package requery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/requery-go/requery/clock"
	"github.com/requery-go/requery/keycodec"
)

// ObserverOptions bind one consumer to one query. Pointer booleans
// distinguish "unset, use the default" from an explicit false.
type ObserverOptions[T any] struct {
	Key   keycodec.Key
	Fetch func(ctx context.Context) (T, error)
	// Enabled gates all automatic fetching. nil => true.
	Enabled *bool
	// RefetchOnMount triggers a fetch on first subscription when the data
	// is stale. nil => true.
	RefetchOnMount *bool
	// RefetchInterval refetches on a recurring timer while subscribed.
	RefetchInterval time.Duration

	StaleTime time.Duration
	GCTime    time.Duration
	Retry     RetryConfig
	Share     ShareFunc
}

// Result is the derived, consumer-facing view of a query.
type Result[T any] struct {
	Data    T
	HasData bool
	Error   error

	Status        Status
	FetchStatus   FetchStatus
	DataUpdatedAt time.Time
	FailureCount  int

	IsLoading  bool // first load: pending with nothing to show yet
	IsFetching bool
	IsSuccess  bool
	IsError    bool
	IsStale    bool
}

// Observer binds consumers to one query entry, computing the derived
// result and driving the fetch trigger lifecycle. Observers own no data:
// multiple observers on one entry share a single fetch lifecycle.
type Observer[T any] struct {
	cache *Cache

	mu            sync.Mutex
	opts          ObserverOptions[T]
	query         *Query
	detach        func() // non-nil while attached to the query
	intervalTimer clock.Timer

	subs *listenerSet[Result[T]]
}

// NewObserver builds (or joins) the entry for opts.Key and wraps it.
func NewObserver[T any](c *Cache, opts ObserverOptions[T]) *Observer[T] {
	o := &Observer[T]{
		cache: c,
		opts:  opts,
		subs:  newListenerSet[Result[T]](c.log),
	}
	o.query = c.Build(queryOptions(opts))
	return o
}

func queryOptions[T any](opts ObserverOptions[T]) QueryOptions {
	var fetch FetchFunc
	if opts.Fetch != nil {
		typed := opts.Fetch
		fetch = func(ctx context.Context) (any, error) { return typed(ctx) }
	}
	return QueryOptions{
		Key:       opts.Key,
		Fetch:     fetch,
		StaleTime: opts.StaleTime,
		GCTime:    opts.GCTime,
		Retry:     opts.Retry,
		Share:     opts.Share,
	}
}

// Query exposes the underlying entry, e.g. for imperative Cancel.
func (o *Observer[T]) Query() *Query {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.query
}

// Subscribe registers a callback invoked on every state transition of the
// bound query and returns its disposer. The first subscription attaches the
// observer to the entry (cancelling pending GC) and triggers the initial
// fetch when the data is stale; disposing the last one detaches, which arms
// GC but leaves the entry's data intact.
func (o *Observer[T]) Subscribe(cb func(Result[T])) func() {
	dispose := o.subs.subscribe(cb)
	o.mu.Lock()
	first := o.subs.len() == 1
	if first && o.detach == nil {
		o.attachLocked()
	}
	o.mu.Unlock()
	if first {
		o.maybeFetchOnMount()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			dispose()
			o.mu.Lock()
			if o.subs.len() == 0 {
				o.detachLocked()
			}
			o.mu.Unlock()
		})
	}
}

func (o *Observer[T]) attachLocked() {
	q := o.query
	o.detach = q.addObserver(o.onQueryUpdate)
	o.armIntervalLocked()
}

func (o *Observer[T]) detachLocked() {
	if o.detach != nil {
		o.detach()
		o.detach = nil
	}
	o.stopIntervalLocked()
}

func (o *Observer[T]) onQueryUpdate() {
	o.subs.notify(o.CurrentResult())
}

func (o *Observer[T]) maybeFetchOnMount() {
	o.mu.Lock()
	enabled := boolOpt(o.opts.Enabled)
	onMount := boolOpt(o.opts.RefetchOnMount)
	q := o.query
	o.mu.Unlock()
	if !enabled || !onMount || !q.IsStale() {
		return
	}
	go func() {
		if _, err := q.Fetch(context.Background(), FetchOptions{}); err != nil && !errors.Is(err, ErrCancelled) {
			o.cache.log.Debug("mount fetch failed", Fields{"key": q.Hash(), "err": err})
		}
	}()
}

func (o *Observer[T]) armIntervalLocked() {
	o.stopIntervalLocked()
	d := o.opts.RefetchInterval
	if d <= 0 {
		return
	}
	o.intervalTimer = o.cache.clock.AfterFunc(d, o.onInterval)
}

func (o *Observer[T]) stopIntervalLocked() {
	if o.intervalTimer != nil {
		o.intervalTimer.Stop()
		o.intervalTimer = nil
	}
}

// onInterval refetches and re-arms while the observer stays subscribed.
func (o *Observer[T]) onInterval() {
	o.mu.Lock()
	attached := o.detach != nil
	enabled := boolOpt(o.opts.Enabled)
	q := o.query
	o.mu.Unlock()
	if !attached {
		return
	}
	if enabled {
		if _, err := q.Fetch(context.Background(), FetchOptions{}); err != nil && !errors.Is(err, ErrCancelled) {
			o.cache.log.Debug("interval refetch failed", Fields{"key": q.Hash(), "err": err})
		}
	}
	o.mu.Lock()
	if o.detach != nil {
		o.armIntervalLocked()
	}
	o.mu.Unlock()
}

// Refetch forces a fresh fetch, aborting any in-flight one.
func (o *Observer[T]) Refetch(ctx context.Context) (T, error) {
	o.mu.Lock()
	q := o.query
	o.mu.Unlock()
	data, err := q.Fetch(ctx, FetchOptions{CancelRefetch: true})
	var zero T
	if err != nil {
		return zero, err
	}
	typed, ok := data.(T)
	if !ok && data != nil {
		return zero, fmt.Errorf("requery: cached data is %T, observer expects %T", data, zero)
	}
	return typed, nil
}

// CurrentResult derives the consumer-facing view from the entry's state.
func (o *Observer[T]) CurrentResult() Result[T] {
	o.mu.Lock()
	q := o.query
	o.mu.Unlock()
	s := q.State()
	r := Result[T]{
		Error:         s.Error,
		Status:        s.Status,
		FetchStatus:   s.FetchStatus,
		DataUpdatedAt: s.DataUpdatedAt,
		FailureCount:  s.FailureCount,
		IsFetching:    s.FetchStatus == Fetching,
		IsSuccess:     s.Status == StatusSuccess,
		IsError:       s.Status == StatusError,
		IsStale:       q.IsStale(),
	}
	if s.Data != nil {
		if typed, ok := s.Data.(T); ok {
			r.Data = typed
			r.HasData = true
		}
	}
	r.IsLoading = s.Status == StatusPending && !r.HasData
	return r
}

// SetOptions rebinds the observer when the hashed key changed:
// unsubscribe from the old entry (arming its GC), build or join the new
// one, reset derived state and fetch when due. Non-key option changes are
// merged into the current entry.
func (o *Observer[T]) SetOptions(opts ObserverOptions[T]) {
	o.mu.Lock()
	wasEnabled := boolOpt(o.opts.Enabled)
	oldHash := o.query.Hash()
	o.opts = opts
	newHash := keycodec.Hash(opts.Key)
	keyChanged := newHash != oldHash
	wasAttached := o.detach != nil
	if keyChanged {
		if wasAttached {
			o.detachLocked()
		}
		o.query = o.cache.Build(queryOptions(opts))
		if wasAttached {
			o.attachLocked()
		}
	} else {
		o.query.mergeOptions(queryOptions(opts))
		if wasAttached {
			o.armIntervalLocked()
		}
	}
	enabledNow := boolOpt(o.opts.Enabled)
	o.mu.Unlock()

	if wasAttached && (keyChanged || (!wasEnabled && enabledNow)) {
		o.maybeFetchOnMount()
	}
	o.subs.notify(o.CurrentResult())
}

func boolOpt(v *bool) bool {
	if v == nil {
		return true
	}
	return *v
}
