package worker

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPoolStopped = errors.New("worker: pool stopped")
	ErrQueueFull   = errors.New("worker: queue full")
	ErrCircuitOpen = errors.New("worker: circuit breaker open")
)

// NoRetry marks an error as permanent. The pool stops retrying and the
// consumer acknowledges the message instead of requeueing it.
//
//	return worker.NoRetry(fmt.Errorf("bad specs: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter suggests a delay before the next attempt. The pool bounds it by
// RetryMaxDelay and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
