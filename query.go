package requery

import (
	"context"
	"sync"
	"time"

	"github.com/requery-go/requery/clock"
	"github.com/requery-go/requery/keycodec"
	"github.com/requery-go/requery/structural"
)

// QueryState is one immutable view of a query. Data keeps its previous
// value through background refetch failures, so consumers holding stale
// data need not blank out on transient errors.
type QueryState struct {
	Data           any
	Error          error
	Status         Status
	FetchStatus    FetchStatus
	DataUpdatedAt  time.Time
	ErrorUpdatedAt time.Time
	FailureCount   int
	Invalidated    bool
}

// Query is the per-key state machine. All transitions happen under its
// mutex; the generation counter resolves races between overlapping fetches:
// the last completion with a matching generation wins, superseded
// completions are discarded without touching state.
type Query struct {
	cache *Cache
	key   keycodec.Key
	hash  string

	mu      sync.Mutex
	state   QueryState
	options QueryOptions

	gen    uint64
	active *fetchRun

	observers map[int]func()
	nextObsID int
	gcTimer   clock.Timer
}

// fetchRun is one de-duplicated in-flight attempt. Concurrent Fetch calls
// share it instead of invoking the fetch function twice.
type fetchRun struct {
	gen    uint64
	done   chan struct{}
	data   any
	err    error
	cancel context.CancelFunc
}

func (r *fetchRun) finish(data any, err error) {
	r.data, r.err = data, err
	close(r.done)
}

func (r *fetchRun) wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newQuery(c *Cache, hash string, opts QueryOptions) *Query {
	return &Query{
		cache:     c,
		key:       opts.Key,
		hash:      hash,
		options:   opts,
		state:     QueryState{Status: StatusIdle, FetchStatus: FetchIdle},
		observers: make(map[int]func()),
	}
}

// Key returns the owning key. Callers must not mutate it.
func (q *Query) Key() keycodec.Key { return q.key }

// Hash returns the stable registry hash of the key.
func (q *Query) Hash() string { return q.hash }

// State returns a copy of the current state.
func (q *Query) State() QueryState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// ObserverCount reports how many observers are subscribed.
func (q *Query) ObserverCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.observers)
}

// IsStale reports whether the data is due for a refetch: explicitly
// invalidated, never fetched, or older than StaleTime.
func (q *Query) IsStale() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isStaleLocked()
}

func (q *Query) isStaleLocked() bool {
	if q.state.Invalidated {
		return true
	}
	if q.state.DataUpdatedAt.IsZero() {
		return true
	}
	st := q.staleTimeLocked()
	if st == StaleNever {
		return false
	}
	// >= so that staleTime 0 means immediately stale
	return q.cache.clock.Now().Sub(q.state.DataUpdatedAt) >= st
}

func (q *Query) staleTimeLocked() time.Duration {
	if q.options.StaleTime != 0 {
		return q.options.StaleTime
	}
	return q.cache.staleTime
}

func (q *Query) gcTimeLocked() time.Duration {
	if q.options.GCTime != 0 {
		return q.options.GCTime
	}
	return q.cache.gcTime
}

// Fetch runs the query's fetch function, or joins the in-flight run when
// one exists (request de-duplication) unless opts.CancelRefetch aborts it
// first. Blocks until the run settles and returns its outcome; the error of
// a run whose completion lost the generation race is still returned to its
// own waiters.
func (q *Query) Fetch(ctx context.Context, opts FetchOptions) (any, error) {
	q.mu.Lock()
	if q.active != nil {
		if !opts.CancelRefetch {
			run := q.active
			q.mu.Unlock()
			return run.wait(ctx)
		}
		prior := q.active
		q.active = nil
		prior.cancel()
		q.cache.log.Debug("fetch superseded by cancelRefetch", Fields{"key": q.hash})
	}

	fn := opts.Override
	if fn == nil {
		fn = q.options.Fetch
	}
	if fn == nil {
		q.mu.Unlock()
		return nil, ErrNoFetchFunc
	}

	q.gen++
	rctx, cancel := context.WithCancel(ctx)
	run := &fetchRun{gen: q.gen, done: make(chan struct{}), cancel: cancel}
	q.active = run

	q.state.FetchStatus = Fetching
	// error -> pending on refetch; success stays success so consumers keep
	// showing stale data while the background refetch runs
	if q.state.Status == StatusIdle || q.state.Status == StatusError {
		q.state.Status = StatusPending
		q.state.Error = nil
	}
	retry := newRetryer(q.options.Retry, q.cache.classify, q.cache.clock)
	q.mu.Unlock()
	q.broadcast()

	go q.runFetch(rctx, run, fn, retry)
	return run.wait(ctx)
}

// runFetch owns the attempt loop of one run: invoke, classify, back off,
// retry with the same generation, finalize.
func (q *Query) runFetch(ctx context.Context, run *fetchRun, fn FetchFunc, retry *retryer) {
	attempt := 0
	for {
		data, err := fn(ctx)
		if err == nil {
			q.completeSuccess(run, data)
			run.finish(data, nil)
			return
		}
		if ctx.Err() != nil {
			q.completeDiscard(run)
			run.finish(nil, ErrCancelled)
			return
		}
		failures := q.recordFailure(run)
		if failures > 0 && retry.shouldRetry(err, failures) {
			if werr := retry.wait(ctx, attempt); werr != nil {
				q.completeDiscard(run)
				run.finish(nil, ErrCancelled)
				return
			}
			attempt++
			continue
		}
		q.completeError(run, err)
		run.finish(nil, err)
		return
	}
}

// completeSuccess applies a successful completion unless the run was
// superseded. Structural sharing keeps the old data reference when the
// fresh value is deep-equal.
func (q *Query) completeSuccess(run *fetchRun, data any) {
	q.mu.Lock()
	if run.gen != q.gen {
		q.mu.Unlock()
		q.cache.log.Debug("discarded stale fetch completion", Fields{"key": q.hash, "gen": run.gen})
		return
	}
	share := q.options.Share
	if share == nil {
		share = structural.ReplaceEqualDeep
	}
	q.state.Data = share(q.state.Data, data)
	q.state.Status = StatusSuccess
	q.state.FetchStatus = FetchIdle
	q.state.DataUpdatedAt = q.cache.clock.Now()
	q.state.Error = nil
	q.state.FailureCount = 0
	q.state.Invalidated = false
	q.active = nil
	q.scheduleGCLocked()
	q.mu.Unlock()
	q.broadcast()
}

// completeError finalizes a failed run. Prior data is kept: an error during
// a background refetch must not blank out the consumer.
func (q *Query) completeError(run *fetchRun, err error) {
	q.mu.Lock()
	if run.gen != q.gen {
		q.mu.Unlock()
		q.cache.log.Debug("discarded stale fetch failure", Fields{"key": q.hash, "gen": run.gen})
		return
	}
	q.state.Status = StatusError
	q.state.FetchStatus = FetchIdle
	q.state.Error = err
	q.state.ErrorUpdatedAt = q.cache.clock.Now()
	q.active = nil
	q.scheduleGCLocked()
	q.mu.Unlock()
	q.broadcast()
}

// completeDiscard clears the in-flight marker for a cancelled run without
// recording an outcome.
func (q *Query) completeDiscard(run *fetchRun) {
	q.mu.Lock()
	if q.active == run {
		q.active = nil
		q.state.FetchStatus = FetchIdle
	}
	q.mu.Unlock()
	q.broadcast()
}

// recordFailure bumps FailureCount for a still-current run and returns the
// new count; returns 0 when the run was superseded, telling the loop to
// stop retrying.
func (q *Query) recordFailure(run *fetchRun) int {
	q.mu.Lock()
	if run.gen != q.gen {
		q.mu.Unlock()
		return 0
	}
	q.state.FailureCount++
	n := q.state.FailureCount
	q.mu.Unlock()
	q.broadcast()
	return n
}

// Cancel discards the effect of the in-flight fetch, if any, and flips
// FetchStatus back to idle. The underlying call may still run to
// completion; its result is dropped by the generation check. Waiters on the
// cancelled run receive ErrCancelled.
func (q *Query) Cancel() {
	q.mu.Lock()
	run := q.active
	q.active = nil
	q.gen++ // supersede any completion still in flight
	q.state.FetchStatus = FetchIdle
	if q.state.Status == StatusPending && q.state.DataUpdatedAt.IsZero() {
		q.state.Status = StatusIdle
	}
	q.mu.Unlock()
	if run != nil {
		run.cancel()
	}
	q.broadcast()
}

// SetData writes data directly (e.g. an optimistic update), applying
// structural sharing against the current value. Resets the GC baseline.
func (q *Query) SetData(data any) any {
	q.mu.Lock()
	share := q.options.Share
	if share == nil {
		share = structural.ReplaceEqualDeep
	}
	q.state.Data = share(q.state.Data, data)
	q.state.Status = StatusSuccess
	q.state.DataUpdatedAt = q.cache.clock.Now()
	q.state.Error = nil
	q.state.FailureCount = 0
	out := q.state.Data
	q.scheduleGCLocked()
	q.mu.Unlock()
	q.broadcast()
	return out
}

// SetState applies an arbitrary transition. mut runs under the query lock
// and must not call back into the query or cache.
func (q *Query) SetState(mut func(*QueryState)) {
	q.mu.Lock()
	mut(&q.state)
	q.mu.Unlock()
	q.broadcast()
}

// Invalidate marks the data stale so the next observer interaction (or an
// explicit refetch) fetches fresh data.
func (q *Query) Invalidate() {
	q.mu.Lock()
	q.state.Invalidated = true
	q.mu.Unlock()
	q.broadcast()
}

// addObserver registers a notification callback, cancelling any pending GC.
// Returns a disposer; the last disposer re-arms GC.
func (q *Query) addObserver(fn func()) func() {
	q.mu.Lock()
	q.nextObsID++
	id := q.nextObsID
	q.observers[id] = fn
	q.stopGCLocked()
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.observers, id)
		q.scheduleGCLocked()
		q.mu.Unlock()
	}
}

// broadcast notifies the query's own observers and the cache bus. Called
// without the lock held; callbacks may re-enter the query.
func (q *Query) broadcast() {
	q.mu.Lock()
	fns := make([]func(), 0, len(q.observers))
	for _, fn := range q.observers {
		fns = append(fns, fn)
	}
	q.mu.Unlock()
	for _, fn := range fns {
		q.safeNotify(fn)
	}
	q.cache.publish(EventUpdated, q)
}

func (q *Query) safeNotify(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			q.cache.log.Error("observer callback panicked", Fields{"key": q.hash, "panic": rec})
		}
	}()
	fn()
}

// scheduleGCLocked (re)arms eviction while the query is unobserved. Every
// call resets the timer baseline.
func (q *Query) scheduleGCLocked() {
	q.stopGCLocked()
	if len(q.observers) > 0 {
		return
	}
	gc := q.gcTimeLocked()
	if gc == GCNever {
		return
	}
	q.gcTimer = q.cache.clock.AfterFunc(gc, func() {
		q.cache.evict(q)
	})
}

func (q *Query) stopGCLocked() {
	if q.gcTimer != nil {
		q.gcTimer.Stop()
		q.gcTimer = nil
	}
}

// mergeOptions folds non-zero fields of a later Build call into the entry.
func (q *Query) mergeOptions(opts QueryOptions) {
	q.mu.Lock()
	if opts.Fetch != nil {
		q.options.Fetch = opts.Fetch
	}
	if opts.StaleTime != 0 {
		q.options.StaleTime = opts.StaleTime
	}
	if opts.GCTime != 0 {
		q.options.GCTime = opts.GCTime
	}
	if opts.Share != nil {
		q.options.Share = opts.Share
	}
	if retryConfigured(opts.Retry) {
		q.options.Retry = opts.Retry
	}
	// a build call cancels pending removal and restarts the window
	q.scheduleGCLocked()
	q.mu.Unlock()
}

// destroy stops timers and discards any in-flight run. Called by the cache
// on removal, under no query lock.
func (q *Query) destroy() {
	q.mu.Lock()
	q.stopGCLocked()
	run := q.active
	q.active = nil
	q.gen++
	q.mu.Unlock()
	if run != nil {
		run.cancel()
	}
}
