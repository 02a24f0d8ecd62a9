package requery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/requery-go/requery/keycodec"
)

func TestFetchSuccess(t *testing.T) {
	c, clk := newTestCache(t)
	q := c.Build(QueryOptions{
		Key:   keycodec.Key{"todos", 1},
		Fetch: func(ctx context.Context) (any, error) { return "hello", nil },
	})

	data, err := q.Fetch(context.Background(), FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if data != "hello" {
		t.Fatalf("data = %v, want hello", data)
	}

	s := q.State()
	if s.Status != StatusSuccess || s.FetchStatus != FetchIdle {
		t.Fatalf("state = %s/%s, want success/idle", s.Status, s.FetchStatus)
	}
	if !s.DataUpdatedAt.Equal(clk.Now()) {
		t.Fatalf("DataUpdatedAt = %v, want %v", s.DataUpdatedAt, clk.Now())
	}
}

func TestFetchNoFunc(t *testing.T) {
	c, _ := newTestCache(t)
	q := c.Build(QueryOptions{Key: keycodec.Key{"seeded"}})

	if _, err := q.Fetch(context.Background(), FetchOptions{}); !errors.Is(err, ErrNoFetchFunc) {
		t.Fatalf("err = %v, want ErrNoFetchFunc", err)
	}
}

func TestFetchDeduplicatesConcurrentCalls(t *testing.T) {
	c, _ := newTestCache(t)
	gate := make(chan struct{})
	var calls int32
	q := c.Build(QueryOptions{
		Key: keycodec.Key{"todos"},
		Fetch: func(ctx context.Context) (any, error) {
			atomic.AddInt32(&calls, 1)
			<-gate
			return 42, nil
		},
	})

	results := make(chan any, 3)
	for i := 0; i < 3; i++ {
		go func() {
			data, err := q.Fetch(context.Background(), FetchOptions{})
			if err != nil {
				results <- err
				return
			}
			results <- data
		}()
	}

	waitFor(t, func() bool { return q.State().FetchStatus == Fetching }, "fetch to start")
	// give the joiners time to reach the in-flight run before releasing it
	time.Sleep(50 * time.Millisecond)
	close(gate)

	for i := 0; i < 3; i++ {
		if got := <-results; got != 42 {
			t.Fatalf("result = %v, want 42", got)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("fetch function called %d times, want 1", n)
	}
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	c, _ := newTestCache(t)
	rec := &sleepRecorder{}
	var calls int32
	q := c.Build(QueryOptions{
		Key: keycodec.Key{"flaky"},
		Fetch: func(ctx context.Context) (any, error) {
			if atomic.AddInt32(&calls, 1) <= 2 {
				return nil, Transient(errors.New("connection reset"))
			}
			return "ok", nil
		},
		Retry: RetryConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Sleep: rec.sleep},
	})

	data, err := q.Fetch(context.Background(), FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if data != "ok" {
		t.Fatalf("data = %v, want ok", data)
	}

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	got := rec.recorded()
	if len(got) != len(want) {
		t.Fatalf("backoff delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backoff delays = %v, want %v", got, want)
		}
	}

	s := q.State()
	if s.FailureCount != 0 {
		t.Fatalf("FailureCount = %d, want 0 after success", s.FailureCount)
	}
	if s.Status != StatusSuccess {
		t.Fatalf("Status = %s, want success", s.Status)
	}
}

func TestFetchPermanentErrorSkipsRetry(t *testing.T) {
	c, _ := newTestCache(t)
	rec := &sleepRecorder{}
	var calls int32
	q := c.Build(QueryOptions{
		Key: keycodec.Key{"bad-request"},
		Fetch: func(ctx context.Context) (any, error) {
			atomic.AddInt32(&calls, 1)
			return nil, Permanent(errors.New("validation failed"))
		},
		Retry: RetryConfig{Sleep: rec.sleep},
	})

	if _, err := q.Fetch(context.Background(), FetchOptions{}); err == nil {
		t.Fatal("expected error")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("fetch function called %d times, want 1", n)
	}
	if len(rec.recorded()) != 0 {
		t.Fatalf("unexpected backoff sleeps: %v", rec.recorded())
	}

	s := q.State()
	if s.Status != StatusError || s.FailureCount != 1 {
		t.Fatalf("state = %s failures=%d, want error/1", s.Status, s.FailureCount)
	}
}

func TestFetchKeepsDataOnBackgroundError(t *testing.T) {
	c, _ := newTestCache(t)
	var calls int32
	q := c.Build(QueryOptions{
		Key: keycodec.Key{"profile"},
		Fetch: func(ctx context.Context) (any, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return "v1", nil
			}
			return nil, Permanent(errors.New("server down"))
		},
	})

	if _, err := q.Fetch(context.Background(), FetchOptions{}); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if _, err := q.Fetch(context.Background(), FetchOptions{}); err == nil {
		t.Fatal("second fetch should fail")
	}

	s := q.State()
	if s.Status != StatusError {
		t.Fatalf("Status = %s, want error", s.Status)
	}
	if s.Data != "v1" {
		t.Fatalf("Data = %v, want stale v1 kept through the failure", s.Data)
	}
	if s.Error == nil {
		t.Fatal("Error not recorded")
	}
}

func TestSupersededCompletionDiscarded(t *testing.T) {
	c, _ := newTestCache(t)
	gate := make(chan struct{})
	q := c.Build(QueryOptions{
		Key: keycodec.Key{"racy"},
		Fetch: func(ctx context.Context) (any, error) {
			<-gate
			return "old", nil
		},
	})

	first := make(chan any, 1)
	go func() {
		data, _ := q.Fetch(context.Background(), FetchOptions{})
		first <- data
	}()
	waitFor(t, func() bool { return q.State().FetchStatus == Fetching }, "first fetch to start")

	data, err := q.Fetch(context.Background(), FetchOptions{
		CancelRefetch: true,
		Override:      func(ctx context.Context) (any, error) { return "new", nil },
	})
	if err != nil || data != "new" {
		t.Fatalf("refetch = %v/%v, want new/nil", data, err)
	}

	// release the superseded run; its completion must not clobber state
	close(gate)
	if got := <-first; got != "old" {
		t.Fatalf("superseded waiter got %v, want its own result old", got)
	}
	waitFor(t, func() bool { return q.State().FetchStatus == FetchIdle }, "superseded run to settle")
	if s := q.State(); s.Data != "new" {
		t.Fatalf("Data = %v, want new", s.Data)
	}
}

func TestCancelDiscardsInFlight(t *testing.T) {
	c, _ := newTestCache(t)
	gate := make(chan struct{})
	defer close(gate)
	q := c.Build(QueryOptions{
		Key: keycodec.Key{"slow"},
		Fetch: func(ctx context.Context) (any, error) {
			select {
			case <-gate:
				return "late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Fetch(context.Background(), FetchOptions{})
		errCh <- err
	}()
	waitFor(t, func() bool { return q.State().FetchStatus == Fetching }, "fetch to start")

	q.Cancel()
	if err := <-errCh; !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	s := q.State()
	if s.FetchStatus != FetchIdle {
		t.Fatalf("FetchStatus = %s, want idle", s.FetchStatus)
	}
	if s.Status != StatusIdle {
		t.Fatalf("Status = %s, want idle when nothing was ever fetched", s.Status)
	}
}

func TestIsStale(t *testing.T) {
	c, clk := newTestCache(t)

	fresh := c.Build(QueryOptions{
		Key:       keycodec.Key{"fresh"},
		Fetch:     func(ctx context.Context) (any, error) { return 1, nil },
		StaleTime: 50 * time.Millisecond,
	})
	if !fresh.IsStale() {
		t.Fatal("never-fetched query must be stale")
	}
	if _, err := fresh.Fetch(context.Background(), FetchOptions{}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if fresh.IsStale() {
		t.Fatal("just-fetched query within StaleTime must be fresh")
	}
	clk.Advance(50 * time.Millisecond)
	if !fresh.IsStale() {
		t.Fatal("query older than StaleTime must be stale")
	}

	immediate := c.Build(QueryOptions{
		Key:   keycodec.Key{"immediate"},
		Fetch: func(ctx context.Context) (any, error) { return 1, nil },
	})
	if _, err := immediate.Fetch(context.Background(), FetchOptions{}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !immediate.IsStale() {
		t.Fatal("staleTime 0 means immediately stale")
	}

	never := c.Build(QueryOptions{
		Key:       keycodec.Key{"never"},
		Fetch:     func(ctx context.Context) (any, error) { return 1, nil },
		StaleTime: StaleNever,
	})
	if _, err := never.Fetch(context.Background(), FetchOptions{}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	clk.Advance(time.Hour)
	if never.IsStale() {
		t.Fatal("StaleNever data must stay fresh")
	}
	never.Invalidate()
	if !never.IsStale() {
		t.Fatal("invalidation overrides StaleNever")
	}
}
