package requery

import "time"

const (
	// DefaultGCTime retains an unobserved query for five minutes before
	// eviction.
	DefaultGCTime = 5 * time.Minute
	// DefaultRetries allows three retries after the initial attempt.
	DefaultRetries = 3
	// DefaultBaseDelay seeds the exponential backoff.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps the exponential backoff.
	DefaultMaxDelay = 30 * time.Second
)

// Negative sentinels: a zero duration in options means "use the default",
// so "disabled" needs its own value.
const (
	// GCNever keeps a query alive regardless of observer count.
	GCNever time.Duration = -1
	// StaleNever marks data as never stale, short of explicit invalidation.
	StaleNever time.Duration = -1
	// RetryNever disables retries.
	RetryNever = -1
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
