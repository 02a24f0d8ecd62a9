package requery

import (
	"errors"
	"fmt"
)

// ErrCancelled reports that a fetch was cancelled before completion, either
// via Query.Cancel or a superseding CancelRefetch.
var ErrCancelled = errors.New("requery: fetch cancelled")

// ErrNoFetchFunc reports a Fetch on a query that was built without a fetch
// function (e.g. seeded purely via SetQueryData).
var ErrNoFetchFunc = errors.New("requery: query has no fetch function")

// TransientError marks an error as retriable (network-class failures,
// timeouts). The retry policy retries transients up to its attempt budget.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retriable. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError marks an error as non-retriable (validation-class
// failures). It is surfaced immediately, bypassing the retry policy.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retriable. Returns nil for nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ErrorClassifier decides whether an error is worth retrying.
type ErrorClassifier func(error) bool

// IsTransient is the default classifier. Explicit Permanent wrapping wins
// over everything; explicit Transient wrapping, net.Error-style Timeout()
// and Temporary() mark an error retriable. Unclassified errors are not
// retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var tr *TransientError
	if errors.As(err, &tr) {
		return true
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}
	return false
}
