package requery

import (
	"context"
	"sync"
	"time"

	"github.com/requery-go/requery/keycodec"
)

// MutationFunc performs the side effect. Typically wraps a PostgREST
// mutation; the engine assumes nothing about its internals.
type MutationFunc func(ctx context.Context, variables any) (any, error)

// MutationState is one immutable view of a mutation invocation.
type MutationState struct {
	Status       Status
	Data         any
	Error        error
	Variables    any
	Context      any // value returned by OnMutate
	Paused       bool
	FailureCount int
	SubmittedAt  time.Time
}

// OptimisticUpdate writes a computed value over a query key before the
// mutation settles, so dependent observers see the new value immediately.
// A failed mutation reverts by invalidating the key, never by restoring a
// snapshot: under concurrent optimistic writers a snapshot may itself be
// stale, a fresh fetch cannot be.
type OptimisticUpdate struct {
	Key    keycodec.Key
	Update func(variables, previous any) any
}

// MutationOptions configure one mutation template. Every Execute call is an
// independent invocation.
type MutationOptions struct {
	Fn MutationFunc

	// OnMutate runs before Fn; its return value is threaded to the other
	// callbacks as the mutation context. An error aborts the mutation.
	OnMutate  func(ctx context.Context, variables any) (any, error)
	OnSuccess func(data, variables, mutationCtx any)
	OnError   func(err error, variables, mutationCtx any)
	OnSettled func(data any, err error, variables, mutationCtx any)

	Optimistic []OptimisticUpdate

	// InvalidateKeys are marked stale after success; InvalidateFunc can
	// compute the set from the outcome instead (both are applied).
	InvalidateKeys []keycodec.Key
	InvalidateFunc func(data, variables, mutationCtx any) []keycodec.Key
	// RefetchKeys are refetched (awaited) after success.
	RefetchKeys []keycodec.Key

	Retry  RetryConfig
	GCTime time.Duration
}

// Mutation is one invocation's state holder. Unlike queries, mutations
// share no key: the MutationCache aggregates them only for introspection
// and resumption.
type Mutation struct {
	id    int
	cache *MutationCache
	opts  MutationOptions

	mu     sync.Mutex
	state  MutationState
	resume chan struct{} // non-nil while parked offline
}

// ID returns the cache-local identifier.
func (m *Mutation) ID() int { return m.id }

// State returns a copy of the current state.
func (m *Mutation) State() MutationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mutation) setState(mut func(*MutationState)) {
	m.mu.Lock()
	mut(&m.state)
	m.mu.Unlock()
	m.cache.publish(EventUpdated, m)
}

// Execute runs the mutation: idle -> pending, optimistic cache writes, the
// call itself with retry, then settlement. The mutation's own state
// transition always lands before its cache side effects, so a caller
// observing its own mutation sees the outcome first. The returned error is
// the same one stored on the state; the caller's await rejects.
func (m *Mutation) Execute(ctx context.Context, variables any) (any, error) {
	m.setState(func(s *MutationState) {
		s.Status = StatusPending
		s.Variables = variables
		s.SubmittedAt = m.cache.clk.Now()
	})

	if !m.cache.Online() {
		if err := m.pauseUntilResumed(ctx); err != nil {
			return nil, m.settleError(err, variables, nil, nil)
		}
	}

	var mctx any
	if m.opts.OnMutate != nil {
		v, err := m.opts.OnMutate(ctx, variables)
		if err != nil {
			return nil, m.settleError(err, variables, nil, nil)
		}
		mctx = v
		m.setState(func(s *MutationState) { s.Context = mctx })
	}

	var applied []keycodec.Key
	for _, u := range m.opts.Optimistic {
		prev, _ := m.cache.queries.QueryData(u.Key)
		m.cache.queries.SetQueryData(u.Key, u.Update(variables, prev))
		applied = append(applied, u.Key)
	}

	retry := newRetryer(m.opts.Retry, m.cache.queries.classify, m.cache.clk)
	attempt := 0
	var data any
	var err error
	for {
		data, err = m.opts.Fn(ctx, variables)
		if err == nil || ctx.Err() != nil {
			break
		}
		var failures int
		m.setState(func(s *MutationState) { s.FailureCount++; failures = s.FailureCount })
		if !retry.shouldRetry(err, failures) {
			break
		}
		if !m.cache.Online() {
			if werr := m.pauseUntilResumed(ctx); werr != nil {
				break
			}
		}
		if werr := retry.wait(ctx, attempt); werr != nil {
			break
		}
		attempt++
	}

	if err != nil {
		return nil, m.settleError(err, variables, mctx, applied)
	}
	return data, m.settleSuccess(ctx, data, variables, mctx)
}

func (m *Mutation) settleSuccess(ctx context.Context, data, variables, mctx any) error {
	m.setState(func(s *MutationState) {
		s.Status = StatusSuccess
		s.Data = data
		s.Error = nil
		s.FailureCount = 0
	})

	keys := append([]keycodec.Key{}, m.opts.InvalidateKeys...)
	if m.opts.InvalidateFunc != nil {
		keys = append(keys, m.opts.InvalidateFunc(data, variables, mctx)...)
	}
	for _, k := range keys {
		m.cache.queries.InvalidateQueries(QueryFilters{Key: k, Exact: true})
	}
	for _, k := range m.opts.RefetchKeys {
		if err := m.cache.queries.RefetchQueries(ctx, QueryFilters{Key: k, Exact: true}); err != nil {
			m.cache.log.Debug("post-mutation refetch failed", Fields{"err": err})
		}
	}

	if m.opts.OnSuccess != nil {
		m.opts.OnSuccess(data, variables, mctx)
	}
	if m.opts.OnSettled != nil {
		m.opts.OnSettled(data, nil, variables, mctx)
	}
	m.cache.scheduleGC(m)
	return nil
}

// settleError records the failure and reverts every optimistic update by
// invalidating its key: dependent observers refetch instead of trusting a
// possibly stale rollback snapshot.
func (m *Mutation) settleError(err error, variables, mctx any, applied []keycodec.Key) error {
	m.setState(func(s *MutationState) {
		s.Status = StatusError
		s.Error = err
	})

	for _, k := range applied {
		m.cache.queries.InvalidateQueries(QueryFilters{Key: k, Exact: true})
	}

	if m.opts.OnError != nil {
		m.opts.OnError(err, variables, mctx)
	}
	if m.opts.OnSettled != nil {
		m.opts.OnSettled(nil, err, variables, mctx)
	}
	m.cache.scheduleGC(m)
	return err
}

// pauseUntilResumed parks the mutation while the cache is offline. Wakes on
// ResumePausedMutations or context cancellation.
func (m *Mutation) pauseUntilResumed(ctx context.Context) error {
	m.mu.Lock()
	if m.resume == nil {
		m.resume = make(chan struct{})
	}
	ch := m.resume
	m.state.Paused = true
	m.mu.Unlock()
	m.cache.publish(EventUpdated, m)

	var err error
	select {
	case <-ch:
	case <-ctx.Done():
		err = ctx.Err()
	}
	m.mu.Lock()
	m.state.Paused = false
	m.mu.Unlock()
	m.cache.publish(EventUpdated, m)
	return err
}

// resumeNow wakes a parked mutation, if any.
func (m *Mutation) resumeNow() {
	m.mu.Lock()
	ch := m.resume
	m.resume = nil
	m.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}
