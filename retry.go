package requery

import (
	"context"
	"time"

	"github.com/requery-go/requery/clock"
)

// RetryConfig tunes the retry policy for one query or mutation. The zero
// value means "cache defaults": up to DefaultRetries retries of transient
// errors with exponential backoff DefaultBaseDelay * 2^attempt, capped at
// DefaultMaxDelay.
type RetryConfig struct {
	// MaxRetries bounds retries after the initial attempt. 0 => default;
	// RetryNever disables retrying.
	MaxRetries int
	// BaseDelay is the first backoff delay. 0 => default.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. 0 => default.
	MaxDelay time.Duration
	// ShouldRetry overrides the whole decision. failureCount is the number
	// of failed attempts so far, including the one that just happened.
	ShouldRetry func(err error, failureCount int) bool
	// Sleep overrides how backoff delays are waited out. Tests inject an
	// instant recorder here; nil uses the cache clock.
	Sleep func(ctx context.Context, d time.Duration) error
}

// retryConfigured reports whether any field was set explicitly.
func retryConfigured(cfg RetryConfig) bool {
	return cfg.MaxRetries != 0 || cfg.BaseDelay != 0 || cfg.MaxDelay != 0 ||
		cfg.ShouldRetry != nil || cfg.Sleep != nil
}

// retryer is one resolved retry policy. Built by the cache from its
// defaults merged with per-query config.
type retryer struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	should     func(err error, failureCount int) bool
	sleep      func(ctx context.Context, d time.Duration) error
	classify   ErrorClassifier
}

func newRetryer(cfg RetryConfig, classify ErrorClassifier, clk clock.Clock) *retryer {
	r := &retryer{
		maxRetries: coalesce(cfg.MaxRetries, DefaultRetries),
		baseDelay:  coalesce(cfg.BaseDelay, DefaultBaseDelay),
		maxDelay:   coalesce(cfg.MaxDelay, DefaultMaxDelay),
		should:     cfg.ShouldRetry,
		sleep:      cfg.Sleep,
		classify:   classify,
	}
	if r.classify == nil {
		r.classify = IsTransient
	}
	if r.maxRetries == RetryNever {
		r.maxRetries = 0
	}
	if r.sleep == nil {
		r.sleep = clockSleep(clk)
	}
	return r
}

// shouldRetry consults the override, else the classifier plus the attempt
// budget. failureCount counts failures so far, the just-failed one included.
func (r *retryer) shouldRetry(err error, failureCount int) bool {
	if r.should != nil {
		return r.should(err, failureCount)
	}
	return failureCount <= r.maxRetries && r.classify(err)
}

// backoff returns baseDelay * 2^attempt capped at maxDelay; attempt is
// zero-based.
func (r *retryer) backoff(attempt int) time.Duration {
	d := r.baseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= r.maxDelay {
			return r.maxDelay
		}
	}
	if d > r.maxDelay {
		return r.maxDelay
	}
	return d
}

// wait sleeps out the backoff for the given zero-based attempt; returns
// early with the context error on cancellation.
func (r *retryer) wait(ctx context.Context, attempt int) error {
	return r.sleep(ctx, r.backoff(attempt))
}

func clockSleep(clk clock.Clock) func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return ctx.Err()
		}
		done := make(chan struct{})
		t := clk.AfterFunc(d, func() { close(done) })
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}
