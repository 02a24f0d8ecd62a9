package requery

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/requery-go/requery/keycodec"
)

func TestObserverFetchesOnMount(t *testing.T) {
	c, _ := newTestCache(t)
	var calls int32
	o := NewObserver(c, ObserverOptions[string]{
		Key: keycodec.Key{"greeting"},
		Fetch: func(ctx context.Context) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "hi", nil
		},
	})

	dispose := o.Subscribe(func(Result[string]) {})
	defer dispose()

	waitFor(t, func() bool {
		r := o.CurrentResult()
		return r.IsSuccess && r.Data == "hi"
	}, "mount fetch to land")
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("fetch called %d times, want 1", n)
	}
}

func TestObserverRefetchOnMountDisabled(t *testing.T) {
	c, _ := newTestCache(t)
	var calls int32
	off := false
	o := NewObserver(c, ObserverOptions[string]{
		Key:            keycodec.Key{"quiet"},
		RefetchOnMount: &off,
		Fetch: func(ctx context.Context) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "x", nil
		},
	})

	dispose := o.Subscribe(func(Result[string]) {})
	defer dispose()

	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("fetch called %d times, want 0", n)
	}
	if r := o.CurrentResult(); r.Status != StatusIdle {
		t.Fatalf("Status = %s, want idle", r.Status)
	}
}

func TestObserverLoadingFlags(t *testing.T) {
	c, _ := newTestCache(t)
	gate := make(chan struct{})
	o := NewObserver(c, ObserverOptions[string]{
		Key: keycodec.Key{"slow"},
		Fetch: func(ctx context.Context) (string, error) {
			<-gate
			return "done", nil
		},
	})

	dispose := o.Subscribe(func(Result[string]) {})
	defer dispose()

	waitFor(t, func() bool {
		r := o.CurrentResult()
		return r.IsLoading && r.IsFetching && !r.HasData
	}, "first load to be in flight")

	close(gate)
	waitFor(t, func() bool {
		r := o.CurrentResult()
		return r.IsSuccess && r.HasData && !r.IsLoading && !r.IsFetching
	}, "first load to settle")
}

func TestObserverRefetchInterval(t *testing.T) {
	c, clk := newTestCache(t)
	var calls int32
	off := false
	o := NewObserver(c, ObserverOptions[int]{
		Key:             keycodec.Key{"ticker"},
		RefetchOnMount:  &off,
		RefetchInterval: time.Second,
		Fetch: func(ctx context.Context) (int, error) {
			return int(atomic.AddInt32(&calls, 1)), nil
		},
	})

	dispose := o.Subscribe(func(Result[int]) {})

	clk.Advance(time.Second)
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("calls after first tick = %d, want 1", n)
	}
	clk.Advance(time.Second)
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("calls after second tick = %d, want 2", n)
	}

	dispose()
	clk.Advance(2 * time.Second)
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("calls after unsubscribe = %d, want 2", n)
	}
}

func TestObserversShareOneFetch(t *testing.T) {
	c, _ := newTestCache(t)
	var calls int32
	opts := ObserverOptions[string]{
		Key:       keycodec.Key{"shared"},
		StaleTime: StaleNever,
		Fetch: func(ctx context.Context) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "v", nil
		},
	}

	first := NewObserver(c, opts)
	d1 := first.Subscribe(func(Result[string]) {})
	defer d1()
	waitFor(t, func() bool { return first.CurrentResult().IsSuccess }, "first observer to load")

	second := NewObserver(c, opts)
	d2 := second.Subscribe(func(Result[string]) {})
	defer d2()

	if r := second.CurrentResult(); !r.HasData || r.Data != "v" {
		t.Fatalf("second observer result = %+v, want shared v", r)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("fetch called %d times, want 1 across both observers", n)
	}
	if got := first.Query().ObserverCount(); got != 2 {
		t.Fatalf("ObserverCount = %d, want 2", got)
	}
}

func TestObserverSetOptionsRebindsOnKeyChange(t *testing.T) {
	c, _ := newTestCache(t)
	fetchFor := func(v string) func(ctx context.Context) (string, error) {
		return func(ctx context.Context) (string, error) { return v, nil }
	}

	o := NewObserver(c, ObserverOptions[string]{Key: keycodec.Key{"item", 1}, Fetch: fetchFor("one")})
	dispose := o.Subscribe(func(Result[string]) {})
	defer dispose()
	waitFor(t, func() bool { return o.CurrentResult().Data == "one" }, "first key to load")
	oldHash := o.Query().Hash()

	o.SetOptions(ObserverOptions[string]{Key: keycodec.Key{"item", 2}, Fetch: fetchFor("two")})
	waitFor(t, func() bool { return o.CurrentResult().Data == "two" }, "new key to load")

	if o.Query().Hash() == oldHash {
		t.Fatal("observer still bound to the old entry")
	}
	if c.Get(oldHash) == nil {
		t.Fatal("old entry should remain cached until its GC window elapses")
	}
	if c.Get(oldHash).ObserverCount() != 0 {
		t.Fatal("old entry should have no observers left")
	}
}

func TestObserverEnabledGate(t *testing.T) {
	c, _ := newTestCache(t)
	var calls int32
	off := false
	opts := ObserverOptions[string]{
		Key:     keycodec.Key{"gated"},
		Enabled: &off,
		Fetch: func(ctx context.Context) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "v", nil
		},
	}

	o := NewObserver(c, opts)
	dispose := o.Subscribe(func(Result[string]) {})
	defer dispose()

	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("disabled observer fetched %d times, want 0", n)
	}

	on := true
	opts.Enabled = &on
	o.SetOptions(opts)
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, "enable to trigger the fetch")
}

func TestObserverRefetch(t *testing.T) {
	c, _ := newTestCache(t)
	var calls int32
	o := NewObserver(c, ObserverOptions[int]{
		Key:       keycodec.Key{"counter"},
		StaleTime: StaleNever,
		Fetch: func(ctx context.Context) (int, error) {
			return int(atomic.AddInt32(&calls, 1)), nil
		},
	})
	dispose := o.Subscribe(func(Result[int]) {})
	defer dispose()
	waitFor(t, func() bool { return o.CurrentResult().IsSuccess }, "mount fetch")

	got, err := o.Refetch(context.Background())
	if err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	if got != 2 {
		t.Fatalf("Refetch = %d, want 2", got)
	}
}
