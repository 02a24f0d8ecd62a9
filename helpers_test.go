package requery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/requery-go/requery/clock"
)

// newTestCache builds a cache on a fake clock so GC and staleness are
// driven by Advance instead of wall time.
func newTestCache(t *testing.T) (*Cache, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake()
	c := NewCache(CacheOptions{Clock: clk})
	t.Cleanup(c.Close)
	return c, clk
}

// waitFor polls cond until it holds or the deadline expires. Used for the
// paths that legitimately cross goroutines (mount fetches, background
// invalidation refetches, paused mutations).
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// sleepRecorder stands in for RetryConfig.Sleep: it records each backoff
// delay and returns immediately.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.delays))
	copy(out, r.delays)
	return out
}
