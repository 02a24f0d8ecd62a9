// Package clock abstracts the runtime's delay primitives so that garbage
// collection, retry backoff and interval refetching can be driven by a fake
// clock in tests. The zero-dependency System clock delegates to package time.
package clock

import "time"

// Clock creates cancellable scheduled tasks and reports the current time.
type Clock interface {
	Now() time.Time
	// AfterFunc runs fn once after d elapses. fn runs on an unspecified
	// goroutine for the system clock and on the advancing goroutine for the
	// fake clock.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a handle to one scheduled task.
type Timer interface {
	// Stop cancels the task. Reports whether it was still pending.
	Stop() bool
}

// System is the real clock. The zero value is ready to use.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{t: time.AfterFunc(d, fn)}
}

type systemTimer struct{ t *time.Timer }

func (s systemTimer) Stop() bool { return s.t.Stop() }
