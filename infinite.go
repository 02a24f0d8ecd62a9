package requery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/requery-go/requery/keycodec"
)

// InfiniteData is the cached value of a paginated query: an ordered page
// list with the parameter each page was fetched with. Structural sharing
// applies to the whole struct, so appending a page keeps the references of
// every unaffected earlier page.
type InfiniteData struct {
	Pages      []any
	PageParams []any
}

// InfiniteOptions configure a paginated observer. GetNextPageParam returning
// nil means there is no next page; a nil callback disables that direction
// entirely.
type InfiniteOptions[T any] struct {
	Key              keycodec.Key
	FetchPage        func(ctx context.Context, pageParam any) (T, error)
	InitialPageParam any

	GetNextPageParam     func(lastPage T, pages []T, lastParam any, params []any) any
	GetPreviousPageParam func(firstPage T, pages []T, firstParam any, params []any) any

	StaleTime time.Duration
	GCTime    time.Duration
	Retry     RetryConfig
}

// InfiniteResult is the derived view of a paginated query.
type InfiniteResult[T any] struct {
	Pages      []T
	PageParams []any
	Error      error

	Status      Status
	FetchStatus FetchStatus

	HasNextPage            bool
	HasPreviousPage        bool
	IsFetching             bool
	IsFetchingNextPage     bool
	IsFetchingPreviousPage bool
}

// InfiniteObserver composes many page fetches into one ordered page list
// using the same entry, generation and retry machinery as a plain query.
type InfiniteObserver[T any] struct {
	cache *Cache

	mu           sync.Mutex
	opts         InfiniteOptions[T]
	query        *Query
	detach       func()
	fetchingNext bool
	fetchingPrev bool

	subs *listenerSet[InfiniteResult[T]]
}

// NewInfiniteObserver builds (or joins) the entry for opts.Key. The entry's
// own fetch function resets to the first page, which is what a plain
// refetch or invalidation-triggered fetch does to a paginated query.
func NewInfiniteObserver[T any](c *Cache, opts InfiniteOptions[T]) *InfiniteObserver[T] {
	o := &InfiniteObserver[T]{
		cache: c,
		opts:  opts,
		subs:  newListenerSet[InfiniteResult[T]](c.log),
	}
	o.query = c.Build(QueryOptions{
		Key:       opts.Key,
		Fetch:     o.firstPageFetch,
		StaleTime: opts.StaleTime,
		GCTime:    opts.GCTime,
		Retry:     opts.Retry,
	})
	return o
}

func (o *InfiniteObserver[T]) firstPageFetch(ctx context.Context) (any, error) {
	o.mu.Lock()
	fetchPage := o.opts.FetchPage
	param := o.opts.InitialPageParam
	o.mu.Unlock()
	page, err := fetchPage(ctx, param)
	if err != nil {
		return nil, err
	}
	return InfiniteData{Pages: []any{page}, PageParams: []any{param}}, nil
}

// Query exposes the underlying entry.
func (o *InfiniteObserver[T]) Query() *Query {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.query
}

// Subscribe mirrors Observer.Subscribe; the first subscription fetches the
// first page when nothing is cached yet.
func (o *InfiniteObserver[T]) Subscribe(cb func(InfiniteResult[T])) func() {
	dispose := o.subs.subscribe(cb)
	o.mu.Lock()
	first := o.subs.len() == 1
	if first && o.detach == nil {
		q := o.query
		o.detach = q.addObserver(o.onQueryUpdate)
	}
	q := o.query
	o.mu.Unlock()
	if first && q.State().DataUpdatedAt.IsZero() {
		go func() {
			if _, err := o.FetchNextPage(context.Background()); err != nil && !errors.Is(err, ErrCancelled) {
				o.cache.log.Debug("initial page fetch failed", Fields{"key": q.Hash(), "err": err})
			}
		}()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			dispose()
			o.mu.Lock()
			if o.subs.len() == 0 && o.detach != nil {
				o.detach()
				o.detach = nil
			}
			o.mu.Unlock()
		})
	}
}

func (o *InfiniteObserver[T]) onQueryUpdate() {
	o.subs.notify(o.CurrentResult())
}

// FetchNextPage fetches the page after the current last one. No-op (false,
// nil) when there is no next page or a next-page fetch is already running.
// On failure the error lands on the query state; the page lists are
// untouched.
func (o *InfiniteObserver[T]) FetchNextPage(ctx context.Context) (bool, error) {
	return o.fetchPage(ctx, false)
}

// FetchPreviousPage is symmetric to FetchNextPage and prepends.
func (o *InfiniteObserver[T]) FetchPreviousPage(ctx context.Context) (bool, error) {
	return o.fetchPage(ctx, true)
}

func (o *InfiniteObserver[T]) fetchPage(ctx context.Context, previous bool) (bool, error) {
	o.mu.Lock()
	if (previous && o.fetchingPrev) || (!previous && o.fetchingNext) {
		o.mu.Unlock()
		return false, nil
	}
	q := o.query
	data := infiniteData(q)
	param, ok := o.pageParamLocked(data, previous)
	if !ok {
		o.mu.Unlock()
		return false, nil
	}
	if previous {
		o.fetchingPrev = true
	} else {
		o.fetchingNext = true
	}
	o.mu.Unlock()
	o.onQueryUpdate()

	_, err := q.Fetch(ctx, FetchOptions{Override: func(fctx context.Context) (any, error) {
		page, ferr := o.opts.FetchPage(fctx, param)
		if ferr != nil {
			return nil, ferr
		}
		cur := infiniteData(q)
		var next InfiniteData
		if previous {
			next = InfiniteData{
				Pages:      prependCopy(cur.Pages, page),
				PageParams: prependCopy(cur.PageParams, param),
			}
		} else {
			next = InfiniteData{
				Pages:      appendCopy(cur.Pages, page),
				PageParams: appendCopy(cur.PageParams, param),
			}
		}
		return next, nil
	}})

	o.mu.Lock()
	if previous {
		o.fetchingPrev = false
	} else {
		o.fetchingNext = false
	}
	o.mu.Unlock()
	o.onQueryUpdate()
	if err != nil {
		return false, err
	}
	return true, nil
}

// pageParamLocked computes the parameter for the next fetch in the given
// direction; ok is false when that direction is exhausted or disabled.
// With no pages yet, the first page is always fetchable.
func (o *InfiniteObserver[T]) pageParamLocked(data InfiniteData, previous bool) (any, bool) {
	if previous {
		if o.opts.GetPreviousPageParam == nil {
			return nil, false
		}
	} else if o.opts.GetNextPageParam == nil {
		return nil, false
	}
	if len(data.Pages) == 0 {
		return o.opts.InitialPageParam, true
	}
	pages := typedPages[T](data.Pages)
	var param any
	if previous {
		param = o.opts.GetPreviousPageParam(pages[0], pages, data.PageParams[0], data.PageParams)
	} else {
		last := len(pages) - 1
		param = o.opts.GetNextPageParam(pages[last], pages, data.PageParams[last], data.PageParams)
	}
	if param == nil {
		return nil, false
	}
	return param, true
}

// HasNextPage reports whether another page can be fetched forward.
func (o *InfiniteObserver[T]) HasNextPage() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pageParamLocked(infiniteData(o.query), false)
	return ok
}

// HasPreviousPage reports whether another page can be fetched backward.
func (o *InfiniteObserver[T]) HasPreviousPage() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pageParamLocked(infiniteData(o.query), true)
	return ok
}

// CurrentResult derives the consumer-facing view.
func (o *InfiniteObserver[T]) CurrentResult() InfiniteResult[T] {
	o.mu.Lock()
	q := o.query
	fetchingNext, fetchingPrev := o.fetchingNext, o.fetchingPrev
	data := infiniteData(q)
	_, hasNext := o.pageParamLocked(data, false)
	_, hasPrev := o.pageParamLocked(data, true)
	o.mu.Unlock()

	s := q.State()
	return InfiniteResult[T]{
		Pages:                  typedPages[T](data.Pages),
		PageParams:             data.PageParams,
		Error:                  s.Error,
		Status:                 s.Status,
		FetchStatus:            s.FetchStatus,
		HasNextPage:            hasNext,
		HasPreviousPage:        hasPrev,
		IsFetching:             s.FetchStatus == Fetching,
		IsFetchingNextPage:     fetchingNext,
		IsFetchingPreviousPage: fetchingPrev,
	}
}

func infiniteData(q *Query) InfiniteData {
	if d, ok := q.State().Data.(InfiniteData); ok {
		return d
	}
	return InfiniteData{}
}

func typedPages[T any](pages []any) []T {
	out := make([]T, 0, len(pages))
	for _, p := range pages {
		if t, ok := p.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

func appendCopy(s []any, v any) []any {
	out := make([]any, 0, len(s)+1)
	out = append(out, s...)
	return append(out, v)
}

func prependCopy(s []any, v any) []any {
	out := make([]any, 0, len(s)+1)
	out = append(out, v)
	return append(out, s...)
}
